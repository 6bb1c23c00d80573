package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

const defaultStripeAPIBaseURL = "https://api.stripe.com"

type StripeConfig struct {
	SecretKey                 string
	WebhookSecret             string
	APIBaseURL                string
	SuccessURL                string
	CancelURL                 string
	SignatureToleranceSeconds int64
	HTTPTimeout               time.Duration
}

type StripeProvider struct {
	cfg    StripeConfig
	client *http.Client
}

func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tolerance := cfg.SignatureToleranceSeconds
	if tolerance <= 0 {
		tolerance = 300
	}
	cfg.SignatureToleranceSeconds = tolerance
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultStripeAPIBaseURL
	}

	return &StripeProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *StripeProvider) Code() string {
	return entity.ProviderHostedSession
}

func (p *StripeProvider) CreateCheckout(ctx context.Context, input *CheckoutInput) (*CheckoutOutput, error) {
	if strings.TrimSpace(p.cfg.SecretKey) == "" {
		return nil, fmt.Errorf("%w: stripe secret key is missing", ErrNotConfigured)
	}
	if input == nil || strings.TrimSpace(input.PlanType) == "" {
		return nil, ErrUnknownPlan
	}
	priceID := strings.TrimSpace(input.HostedPriceID)
	if priceID == "" {
		return nil, fmt.Errorf("%w: stripe price id for plan %s is missing", ErrNotConfigured, input.PlanType)
	}
	if strings.TrimSpace(p.cfg.SuccessURL) == "" || strings.TrimSpace(p.cfg.CancelURL) == "" {
		return nil, fmt.Errorf("%w: stripe success/cancel url is missing", ErrNotConfigured)
	}

	metadata := map[string]string{
		"userId":    input.UserID,
		"plan":      input.PlanType,
		"source":    "checkout",
		"reference": input.Reference,
	}

	values := url.Values{}
	values.Set("mode", "subscription")
	values.Set("line_items[0][price]", priceID)
	values.Set("line_items[0][quantity]", "1")
	values.Set("success_url", p.cfg.SuccessURL)
	values.Set("cancel_url", p.cfg.CancelURL)
	values.Set("client_reference_id", input.UserID)
	for k, v := range metadata {
		values.Set("metadata["+k+"]", v)
		values.Set("subscription_data[metadata]["+k+"]", v)
	}

	body, err := p.postForm(ctx, "/v1/checkout/sessions", values)
	if err != nil {
		return nil, err
	}

	var payload struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &UnavailableError{Path: "/v1/checkout/sessions", Err: err}
	}
	if strings.TrimSpace(payload.URL) == "" {
		return nil, &UnavailableError{Path: "/v1/checkout/sessions", StatusCode: http.StatusOK, Body: "checkout session url missing"}
	}

	result := &CheckoutOutput{URL: strings.TrimSpace(payload.URL)}
	if s := strings.TrimSpace(payload.ID); s != "" {
		result.SessionID = &s
	}
	return result, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if strings.TrimSpace(p.cfg.SecretKey) == "" {
		return "", fmt.Errorf("%w: stripe secret key is missing", ErrNotConfigured)
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", errors.New("customer id is required")
	}

	values := url.Values{}
	values.Set("customer", customerID)
	if s := strings.TrimSpace(returnURL); s != "" {
		values.Set("return_url", s)
	}

	body, err := p.postForm(ctx, "/v1/billing_portal/sessions", values)
	if err != nil {
		return "", err
	}

	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &UnavailableError{Path: "/v1/billing_portal/sessions", Err: err}
	}
	if strings.TrimSpace(payload.URL) == "" {
		return "", &UnavailableError{Path: "/v1/billing_portal/sessions", StatusCode: http.StatusOK, Body: "portal session url missing"}
	}
	return strings.TrimSpace(payload.URL), nil
}

func (p *StripeProvider) VerifyCallback(_ context.Context, input *CallbackInput) (*CallbackResult, error) {
	if strings.TrimSpace(p.cfg.WebhookSecret) == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret is missing", ErrNotConfigured)
	}
	if input == nil || strings.TrimSpace(input.Signature) == "" {
		return nil, ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(input.Payload, input.Signature, p.cfg.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                time.Duration(p.cfg.SignatureToleranceSeconds) * time.Second,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrNoValidSignature) ||
			errors.Is(err, webhook.ErrTooOld) || errors.Is(err, webhook.ErrInvalidHeader) {
			return nil, ErrInvalidSignature
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	result := &CallbackResult{
		Valid:     true,
		EventID:   strings.TrimSpace(event.ID),
		EventType: string(event.Type),
	}

	switch event.Type {
	case stripelib.EventTypeCheckoutSessionCompleted:
		session, err := decodeCheckoutSession(event)
		if err != nil {
			return nil, err
		}
		assignCheckoutSession(result, session)
		switch session.PaymentStatus {
		case "paid", "no_payment_required":
			result.Outcome = OutcomeSucceeded
		default:
			// async payment methods complete later
			result.Outcome = OutcomeIgnored
		}
	case stripelib.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		session, err := decodeCheckoutSession(event)
		if err != nil {
			return nil, err
		}
		assignCheckoutSession(result, session)
		result.Outcome = OutcomeSucceeded
	case stripelib.EventTypeCheckoutSessionAsyncPaymentFailed, stripelib.EventTypeCheckoutSessionExpired:
		session, err := decodeCheckoutSession(event)
		if err != nil {
			return nil, err
		}
		assignCheckoutSession(result, session)
		result.Outcome = OutcomeFailed
		result.FailureReason = string(event.Type)
	case stripelib.EventTypeCustomerSubscriptionDeleted:
		var object struct {
			ID       string          `json:"id"`
			Customer json.RawMessage `json:"customer"`
		}
		if event.Data == nil {
			return nil, fmt.Errorf("%w: event data is missing", ErrMalformedCallback)
		}
		if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrMalformedCallback, err)
		}
		result.SubscriptionID = strings.TrimSpace(object.ID)
		result.CustomerID = parseStringish(object.Customer)
		result.Outcome = OutcomeSubscriptionCancelled
	default:
		result.Outcome = OutcomeIgnored
	}

	return result, nil
}

// CheckoutStatus fetches the checkout session. A complete and paid session
// succeeds, an expired one fails, anything else is still open.
func (p *StripeProvider) CheckoutStatus(ctx context.Context, _ string, sessionID string) (*CallbackResult, error) {
	if strings.TrimSpace(p.cfg.SecretKey) == "" {
		return nil, fmt.Errorf("%w: stripe secret key is missing", ErrNotConfigured)
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrUnknownCheckout
	}

	path := "/v1/checkout/sessions/" + url.PathEscape(sessionID)
	body, err := p.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var session struct {
		checkoutSessionObject
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, &UnavailableError{Path: path, Err: err}
	}

	result := &CallbackResult{Valid: true, EventType: "checkout.session." + session.Status}
	assignCheckoutSession(result, &session.checkoutSessionObject)
	if result.SessionID == "" {
		result.SessionID = sessionID
		result.CorrelationID = sessionID
	}

	switch {
	case session.Status == "expired":
		result.Outcome = OutcomeFailed
		result.FailureReason = FailureCheckoutExpired
	case session.Status == "complete" && (session.PaymentStatus == "paid" || session.PaymentStatus == "no_payment_required"):
		result.Outcome = OutcomeSucceeded
	default:
		result.Outcome = OutcomeIgnored
	}
	return result, nil
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          json.RawMessage   `json:"customer"`
	Subscription      json.RawMessage   `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

func decodeCheckoutSession(event stripelib.Event) (*checkoutSessionObject, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event data is missing", ErrMalformedCallback)
	}
	var session checkoutSessionObject
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: decode checkout session: %v", ErrMalformedCallback, err)
	}
	return &session, nil
}

func assignCheckoutSession(result *CallbackResult, session *checkoutSessionObject) {
	result.SessionID = strings.TrimSpace(session.ID)
	result.CorrelationID = result.SessionID
	result.CustomerReferenceID = strings.TrimSpace(session.ClientReferenceID)
	result.CustomerID = parseStringish(session.Customer)
	result.SubscriptionID = parseStringish(session.Subscription)
	if session.Metadata != nil {
		result.Reference = strings.TrimSpace(session.Metadata["reference"])
		result.PlanType = strings.TrimSpace(session.Metadata["plan"])
		if result.CustomerReferenceID == "" {
			result.CustomerReferenceID = strings.TrimSpace(session.Metadata["userId"])
		}
	}
}

func (p *StripeProvider) postForm(ctx context.Context, path string, values url.Values) ([]byte, error) {
	return p.do(ctx, http.MethodPost, path, strings.NewReader(values.Encode()))
}

func (p *StripeProvider) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.APIBaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &UnavailableError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &UnavailableError{Path: path, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UnavailableError{Path: path, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	return raw, nil
}

// parseStringish accepts an expandable field that is either an id string or
// an object carrying an id.
func parseStringish(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return strings.TrimSpace(s)
		}
		return ""
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return strings.TrimSpace(obj.ID)
	}
	return ""
}
