package entity

import "time"

const (
	EntitlementStatusActive    = "active"
	EntitlementStatusCancelled = "cancelled"
	EntitlementStatusExpired   = "expired"
)

type Entitlement struct {
	ID uint64

	UserID   string
	PlanType string
	Status   string

	StartDate time.Time
	EndDate   time.Time

	BillingCustomerID     *string
	BillingSubscriptionID *string

	SourceOrderReference string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActiveAt is the single access predicate for an entitlement row.
func (e *Entitlement) ActiveAt(now time.Time) bool {
	return e != nil && e.Status == EntitlementStatusActive && e.EndDate.After(now)
}
