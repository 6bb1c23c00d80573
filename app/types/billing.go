package types

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
)

const (
	HostedSessionSignatureHeader = "Stripe-Signature"

	maxWebhookBody = 1 << 20
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// validationError flattens the first validator failure into a short message.
func validationError(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", fe.Field())
	case "oneof":
		return fmt.Errorf("%s must be one of: %s", fe.Field(), fe.Param())
	case "max", "lte":
		return fmt.Errorf("%s must be at most %s", fe.Field(), fe.Param())
	case "min", "gte":
		return fmt.Errorf("%s must be at least %s", fe.Field(), fe.Param())
	default:
		return fmt.Errorf("%s is invalid", fe.Field())
	}
}

func userIDFromContext(ctx echo.Context) string {
	if v, ok := ctx.Get(factory.UserIDContextKey).(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type CreateCheckoutRequest struct {
	UserId        string `json:"-" validate:"required,max=64"`
	Plan          string `json:"plan" validate:"required,max=32"`
	Provider      string `json:"provider" validate:"omitempty,oneof=redirect-sign hosted-session"`
	PaymentMethod string `json:"payment_method" validate:"omitempty,max=32"`
}

func (r *CreateCheckoutRequest) GetUserId() string        { return r.UserId }
func (r *CreateCheckoutRequest) GetPlan() string          { return r.Plan }
func (r *CreateCheckoutRequest) GetProvider() string      { return r.Provider }
func (r *CreateCheckoutRequest) GetPaymentMethod() string { return r.PaymentMethod }

func NewCreateCheckoutRequestFromContext(ctx echo.Context) (*CreateCheckoutRequest, error) {
	var body CreateCheckoutRequest
	if err := ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	body.UserId = userIDFromContext(ctx)
	body.Plan = strings.ToLower(strings.TrimSpace(body.Plan))
	body.Provider = strings.ToLower(strings.TrimSpace(body.Provider))
	body.PaymentMethod = strings.TrimSpace(body.PaymentMethod)

	return &body, nil
}

func (r *CreateCheckoutRequest) Validate() error {
	return validationError(validate.Struct(r))
}

type CreateCheckoutResponse struct {
	CheckoutUrl    string `json:"checkout_url"`
	OrderReference string `json:"order_reference"`
}

type ListOrdersRequest struct {
	UserId string `json:"-" validate:"required,max=64"`
	Limit  int32  `json:"limit" validate:"gte=1,lte=500"`
	Offset int32  `json:"offset" validate:"gte=0"`
}

func (r *ListOrdersRequest) GetUserId() string { return r.UserId }
func (r *ListOrdersRequest) GetLimit() int32   { return r.Limit }
func (r *ListOrdersRequest) GetOffset() int32  { return r.Offset }

func NewListOrdersRequestFromContext(ctx echo.Context) (*ListOrdersRequest, error) {
	req := &ListOrdersRequest{
		UserId: userIDFromContext(ctx),
		Limit:  50,
	}

	if limitRaw := strings.TrimSpace(ctx.QueryParam("limit")); limitRaw != "" {
		limit, err := strconv.ParseInt(limitRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Limit = int32(limit)
	}

	if offsetRaw := strings.TrimSpace(ctx.QueryParam("offset")); offsetRaw != "" {
		offset, err := strconv.ParseInt(offsetRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Offset = int32(offset)
	}

	return req, nil
}

func (r *ListOrdersRequest) Validate() error {
	return validationError(validate.Struct(r))
}

type Order struct {
	Reference     string `json:"reference"`
	PlanType      string `json:"plan_type"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	Provider      string `json:"provider"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	PaidAt        string `json:"paid_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type ListOrdersResponse struct {
	Orders []*Order `json:"orders"`
}

type Entitlement struct {
	PlanType             string `json:"plan_type"`
	Status               string `json:"status"`
	StartDate            string `json:"start_date"`
	EndDate              string `json:"end_date"`
	BillingCustomerId    string `json:"billing_customer_id,omitempty"`
	SourceOrderReference string `json:"source_order_reference"`
}

type SubscriptionStatusResponse struct {
	HasActiveSubscription bool         `json:"has_active_subscription"`
	Entitlement           *Entitlement `json:"entitlement"`
}

type PortalSessionRequest struct {
	UserId     string `json:"-" validate:"required,max=64"`
	CustomerId string `json:"customer_id" validate:"required,max=255"`
}

func (r *PortalSessionRequest) GetUserId() string     { return r.UserId }
func (r *PortalSessionRequest) GetCustomerId() string { return r.CustomerId }

func NewPortalSessionRequestFromContext(ctx echo.Context) (*PortalSessionRequest, error) {
	var body PortalSessionRequest
	if err := ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.UserId = userIDFromContext(ctx)
	// customer ids are compared exactly, so only surrounding whitespace goes
	body.CustomerId = strings.TrimSpace(body.CustomerId)
	return &body, nil
}

func (r *PortalSessionRequest) Validate() error {
	return validationError(validate.Struct(r))
}

type PortalSessionResponse struct {
	Url string `json:"url"`
}

// RedirectSignWebhookRequest carries gateway parameters from either the
// query string or a form body.
type RedirectSignWebhookRequest struct {
	Params url.Values
}

func NewRedirectSignWebhookRequestFromContext(ctx echo.Context) (*RedirectSignWebhookRequest, error) {
	params := url.Values{}
	for k, v := range ctx.QueryParams() {
		params[k] = v
	}
	if ctx.Request().Method != "GET" {
		form, err := ctx.FormParams()
		if err != nil {
			return nil, err
		}
		for k, v := range form {
			params[k] = v
		}
	}
	return &RedirectSignWebhookRequest{Params: params}, nil
}

func (r *RedirectSignWebhookRequest) Validate() error {
	if len(r.Params) == 0 {
		return errors.New("callback parameters are required")
	}
	if strings.TrimSpace(r.Params.Get("sign")) == "" {
		return errors.New("sign is required")
	}
	return nil
}

type HostedSessionWebhookRequest struct {
	Payload   []byte
	Signature string
}

func NewHostedSessionWebhookRequestFromContext(ctx echo.Context) (*HostedSessionWebhookRequest, error) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxWebhookBody))
	if err != nil {
		return nil, err
	}
	return &HostedSessionWebhookRequest{
		Payload:   payload,
		Signature: strings.TrimSpace(ctx.Request().Header.Get(HostedSessionSignatureHeader)),
	}, nil
}

func (r *HostedSessionWebhookRequest) Validate() error {
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.Signature == "" {
		return errors.New("signature header is required")
	}
	return nil
}

type HostedSessionWebhookResponse struct {
	Received bool `json:"received"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
