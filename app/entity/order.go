package entity

import "time"

const (
	OrderStatusPending = "pending"
	OrderStatusPaid    = "paid"
	OrderStatusFailed  = "failed"
)

const (
	ProviderRedirectSign  = "redirect-sign"
	ProviderHostedSession = "hosted-session"
)

type Order struct {
	ID uint64

	Reference string
	UserID    string
	PlanType  string

	AmountMinor int64
	Currency    string

	Provider string
	Status   string

	CorrelationID         *string
	BillingCustomerID     *string
	BillingSubscriptionID *string
	CheckoutURL           *string
	FailureReason         *string

	PaidAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTerminal reports whether the order can no longer change status.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusPaid || o.Status == OrderStatusFailed
}
