package entity

import "time"

const (
	CallbackStatusProcessed   = "processed"
	CallbackStatusIgnored     = "ignored"
	CallbackStatusNeedsReview = "needs_review"
)

type OrderCallback struct {
	ID uint64

	OrderID *uint64

	Provider    string
	Fingerprint string
	Signature   string
	PayloadJSON string
	Status      string
	Error       *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
