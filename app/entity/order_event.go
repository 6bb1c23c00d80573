package entity

import "time"

const (
	OrderEventCreated            = "order_created"
	OrderEventPaid               = "order_paid"
	OrderEventFailed             = "order_failed"
	OrderEventReplayed           = "callback_replayed"
	OrderEventExpired            = "order_expired"
	OrderEventEntitlementGranted = "entitlement_granted"

	// OrderEventPaymentAfterFailure marks a verified payment for an order that
	// had already failed. Nothing is granted; the order needs manual review.
	OrderEventPaymentAfterFailure = "payment_after_failure"
)

type OrderEvent struct {
	ID uint64

	OrderID uint64

	EventType string

	OldStatus *string
	NewStatus string

	ProviderEventID *string
	PayloadJSON     *string

	CreatedAt time.Time
}
