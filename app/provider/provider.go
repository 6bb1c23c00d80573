package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var (
	ErrNotConfigured     = errors.New("provider is not configured")
	ErrUnknownPlan       = errors.New("plan is not offered by provider")
	ErrInvalidSignature  = errors.New("callback signature is invalid")
	ErrMalformedCallback = errors.New("callback payload is malformed")
	ErrUnknownCheckout   = errors.New("provider has no checkout for this order")
)

// UnavailableError reports a failed call to the provider's remote API.
type UnavailableError struct {
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider request failed: path=%s err=%v", e.Path, e.Err)
	}
	return fmt.Sprintf("provider request failed: path=%s status=%d body=%s", e.Path, e.StatusCode, e.Body)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

type CheckoutInput struct {
	Reference     string
	UserID        string
	PlanType      string
	AmountMinor   int64
	Currency      string
	PaymentMethod string
	HostedPriceID string
}

type CheckoutOutput struct {
	URL       string
	SessionID *string
}

// CallbackInput carries one inbound delivery. Redirect-sign callbacks fill
// Params, hosted-session callbacks fill Payload and Signature.
type CallbackInput struct {
	Params    url.Values
	Payload   []byte
	Signature string
}

type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
	OutcomeSubscriptionCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeSubscriptionCancelled:
		return "subscription_cancelled"
	default:
		return "ignored"
	}
}

// CallbackResult is the verified view of a delivery. It is only produced after
// the provider's authentication check passed.
type CallbackResult struct {
	Valid     bool
	EventID   string
	EventType string
	Outcome   Outcome

	Reference           string
	CustomerReferenceID string
	PlanType            string
	CorrelationID       string

	SessionID      string
	SubscriptionID string
	CustomerID     string

	AmountMinor   *int64
	FailureReason string
}

type Provider interface {
	Code() string
	CreateCheckout(ctx context.Context, input *CheckoutInput) (*CheckoutOutput, error)
	VerifyCallback(ctx context.Context, input *CallbackInput) (*CallbackResult, error)
}

// StatusChecker is implemented by providers that can report a checkout's
// state on demand. OutcomeIgnored means the checkout is still open.
type StatusChecker interface {
	CheckoutStatus(ctx context.Context, reference, sessionID string) (*CallbackResult, error)
}

// FailureCheckoutExpired is reported for checkouts the provider no longer
// accepts payment for.
const FailureCheckoutExpired = "checkout_expired"

// PortalProvider is implemented by providers that host a subscription
// management page.
type PortalProvider interface {
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}
