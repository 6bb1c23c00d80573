package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/metrics"
	"github.com/vibast-solutions/ms-go-billing/app/plan"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
	"github.com/vibast-solutions/ms-go-billing/app/replay"
	"github.com/vibast-solutions/ms-go-billing/app/repository"
	"github.com/vibast-solutions/ms-go-billing/app/service"
	"github.com/vibast-solutions/ms-go-billing/app/types"
	"github.com/vibast-solutions/ms-go-billing/config"
)

type controllerOrderRepo struct {
	createFn     func(ctx context.Context, order *entity.Order) error
	markPaidFn   func(ctx context.Context, lookup repository.OrderLookup) (*entity.Order, bool, error)
	findFn       func(ctx context.Context, lookup repository.OrderLookup) (*entity.Order, error)
	listByUserFn func(ctx context.Context, userID string, limit, offset int32) ([]*entity.Order, error)
}

func (r *controllerOrderRepo) Create(ctx context.Context, order *entity.Order) error {
	if r.createFn != nil {
		return r.createFn(ctx, order)
	}
	order.ID = 1
	return nil
}

func (r *controllerOrderRepo) AttachCheckout(context.Context, string, *string, *string, time.Time) error {
	return nil
}

func (r *controllerOrderRepo) MarkPaid(ctx context.Context, lookup repository.OrderLookup, _ repository.PaidFields, _ time.Time) (*entity.Order, bool, error) {
	if r.markPaidFn != nil {
		return r.markPaidFn(ctx, lookup)
	}
	return nil, false, repository.ErrOrderNotFound
}

func (r *controllerOrderRepo) MarkFailed(context.Context, repository.OrderLookup, string, time.Time) (*entity.Order, bool, error) {
	return nil, false, repository.ErrOrderNotFound
}

func (r *controllerOrderRepo) Find(ctx context.Context, lookup repository.OrderLookup) (*entity.Order, error) {
	if r.findFn != nil {
		return r.findFn(ctx, lookup)
	}
	return nil, nil
}

func (r *controllerOrderRepo) ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*entity.Order, error) {
	if r.listByUserFn != nil {
		return r.listByUserFn(ctx, userID, limit, offset)
	}
	return []*entity.Order{}, nil
}

func (r *controllerOrderRepo) ListStalePending(context.Context, time.Time, int32) ([]*entity.Order, error) {
	return []*entity.Order{}, nil
}

type controllerEventRepo struct{}

func (r *controllerEventRepo) Create(context.Context, *entity.OrderEvent) error {
	return nil
}

type controllerCallbackRepo struct{}

func (r *controllerCallbackRepo) Create(context.Context, *entity.OrderCallback) error {
	return nil
}

type controllerEntitlementRepo struct {
	latestFn func(ctx context.Context, userID string) (*entity.Entitlement, error)
}

func (r *controllerEntitlementRepo) Upsert(_ context.Context, item *entity.Entitlement) (*entity.Entitlement, error) {
	copyItem := *item
	copyItem.ID = 1
	return &copyItem, nil
}

func (r *controllerEntitlementRepo) Latest(ctx context.Context, userID string) (*entity.Entitlement, error) {
	if r.latestFn != nil {
		return r.latestFn(ctx, userID)
	}
	return nil, nil
}

func (r *controllerEntitlementRepo) CancelBySubscriptionID(context.Context, string, time.Time) ([]*entity.Entitlement, error) {
	return nil, nil
}

func (r *controllerEntitlementRepo) ExpireEnded(context.Context, time.Time, int32) (int64, error) {
	return 0, nil
}

type controllerProvider struct {
	code        string
	createErr   error
	callbackErr error
	callbackRes *provider.CallbackResult
}

func (p *controllerProvider) Code() string {
	if p.code == "" {
		return entity.ProviderRedirectSign
	}
	return p.code
}

func (p *controllerProvider) CreateCheckout(_ context.Context, input *provider.CheckoutInput) (*provider.CheckoutOutput, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	return &provider.CheckoutOutput{URL: "https://pay.example.test/submit.php?out_trade_no=" + input.Reference}, nil
}

func (p *controllerProvider) VerifyCallback(context.Context, *provider.CallbackInput) (*provider.CallbackResult, error) {
	if p.callbackErr != nil {
		return nil, p.callbackErr
	}
	if p.callbackRes != nil {
		return p.callbackRes, nil
	}
	return &provider.CallbackResult{Valid: true, Outcome: provider.OutcomeIgnored}, nil
}

type controllerDeps struct {
	orders       *controllerOrderRepo
	entitlements *controllerEntitlementRepo
	providers    []provider.Provider
}

func newBillingControllerForTest(deps controllerDeps) (*BillingController, *WebhookController) {
	if deps.orders == nil {
		deps.orders = &controllerOrderRepo{}
	}
	if deps.entitlements == nil {
		deps.entitlements = &controllerEntitlementRepo{}
	}
	if len(deps.providers) == 0 {
		deps.providers = []provider.Provider{&controllerProvider{}}
	}

	recorder := metrics.NewRecorder()
	catalog := plan.NewCatalogFromPlans(plan.Plan{Type: plan.Monthly, AmountMinor: 990, PeriodDays: 30})
	registry := provider.NewRegistry(deps.providers...)

	checkout := service.NewCheckoutService(deps.orders, &controllerEventRepo{}, registry, catalog, config.BillingConfig{Currency: "CNY"}, recorder)
	entitlements := service.NewEntitlementService(deps.entitlements, catalog, nil, recorder)
	portal := service.NewPortalService(entitlements, registry, "")
	webhooks := service.NewWebhookService(deps.orders, &controllerEventRepo{}, &controllerCallbackRepo{}, entitlements, registry, replay.NopGuard{}, recorder, time.Second)

	return NewBillingController(checkout, entitlements, portal), NewWebhookController(webhooks)
}

func newUserContext(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set(factory.UserIDContextKey, "user-1")
	return ctx, rec
}

func TestHealth(t *testing.T) {
	ctrl, _ := newBillingControllerForTest(controllerDeps{})
	ctx, rec := newUserContext(http.MethodGet, "/health", "")

	_ = ctrl.Health(ctx)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateCheckoutBadBody(t *testing.T) {
	ctrl, _ := newBillingControllerForTest(controllerDeps{})
	ctx, rec := newUserContext(http.MethodPost, "/checkout", "{bad")

	if err := ctrl.CreateCheckout(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateCheckoutSuccess(t *testing.T) {
	ctrl, _ := newBillingControllerForTest(controllerDeps{})
	ctx, rec := newUserContext(http.MethodPost, "/checkout", `{"plan":"monthly"}`)

	_ = ctrl.CreateCheckout(ctx)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}

	var payload types.CreateCheckoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !strings.HasPrefix(payload.OrderReference, "ORD") || !strings.HasSuffix(payload.CheckoutUrl, payload.OrderReference) {
		t.Fatalf("unexpected checkout payload: %+v", payload)
	}
}

func TestCreateCheckoutUnknownPlan(t *testing.T) {
	ctrl, _ := newBillingControllerForTest(controllerDeps{})
	ctx, rec := newUserContext(http.MethodPost, "/checkout", `{"plan":"weekly"}`)

	_ = ctrl.CreateCheckout(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateCheckoutProviderFailureIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "not configured", err: provider.ErrNotConfigured},
		{name: "unavailable", err: &provider.UnavailableError{Path: "/submit", StatusCode: http.StatusBadGateway}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, _ := newBillingControllerForTest(controllerDeps{providers: []provider.Provider{&controllerProvider{createErr: tt.err}}})
			ctx, rec := newUserContext(http.MethodPost, "/checkout", `{"plan":"monthly"}`)

			_ = ctrl.CreateCheckout(ctx)
			if rec.Code != http.StatusServiceUnavailable {
				t.Fatalf("expected 503, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), retryableCheckoutMessage) {
				t.Fatalf("expected generic retry message, got %s", rec.Body.String())
			}
		})
	}
}

func TestCreateCheckoutStoreFailure(t *testing.T) {
	orders := &controllerOrderRepo{createFn: func(context.Context, *entity.Order) error { return errors.New("connection refused") }}
	ctrl, _ := newBillingControllerForTest(controllerDeps{orders: orders})
	ctx, rec := newUserContext(http.MethodPost, "/checkout", `{"plan":"monthly"}`)

	_ = ctrl.CreateCheckout(ctx)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestGetSubscription(t *testing.T) {
	entitlements := &controllerEntitlementRepo{latestFn: func(_ context.Context, userID string) (*entity.Entitlement, error) {
		return &entity.Entitlement{
			UserID:               userID,
			PlanType:             plan.Monthly,
			Status:               entity.EntitlementStatusActive,
			StartDate:            time.Now().Add(-time.Hour),
			EndDate:              time.Now().Add(time.Hour),
			SourceOrderReference: "R123",
		}, nil
	}}
	ctrl, _ := newBillingControllerForTest(controllerDeps{entitlements: entitlements})
	ctx, rec := newUserContext(http.MethodGet, "/subscription", "")

	_ = ctrl.GetSubscription(ctx)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload types.SubscriptionStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !payload.HasActiveSubscription || payload.Entitlement.SourceOrderReference != "R123" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestGetSubscriptionStoreFailure(t *testing.T) {
	entitlements := &controllerEntitlementRepo{latestFn: func(context.Context, string) (*entity.Entitlement, error) {
		return nil, errors.New("timeout")
	}}
	ctrl, _ := newBillingControllerForTest(controllerDeps{entitlements: entitlements})
	ctx, rec := newUserContext(http.MethodGet, "/subscription", "")

	_ = ctrl.GetSubscription(ctx)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestListOrders(t *testing.T) {
	var gotLimit int32
	orders := &controllerOrderRepo{listByUserFn: func(_ context.Context, userID string, limit, _ int32) ([]*entity.Order, error) {
		gotLimit = limit
		return []*entity.Order{{Reference: "R1", UserID: userID, Status: entity.OrderStatusPending, CreatedAt: time.Now()}}, nil
	}}
	ctrl, _ := newBillingControllerForTest(controllerDeps{orders: orders})
	ctx, rec := newUserContext(http.MethodGet, "/orders?limit=10", "")

	_ = ctrl.ListOrders(ctx)
	if rec.Code != http.StatusOK || gotLimit != 10 {
		t.Fatalf("expected 200 with limit 10, got %d limit=%d", rec.Code, gotLimit)
	}

	ctx, rec = newUserContext(http.MethodGet, "/orders?limit=abc", "")
	_ = ctrl.ListOrders(ctx)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreatePortalSessionForbidden(t *testing.T) {
	customer := "cus_1"
	entitlements := &controllerEntitlementRepo{latestFn: func(_ context.Context, userID string) (*entity.Entitlement, error) {
		return &entity.Entitlement{UserID: userID, Status: entity.EntitlementStatusActive, BillingCustomerID: &customer}, nil
	}}
	ctrl, _ := newBillingControllerForTest(controllerDeps{entitlements: entitlements})
	ctx, rec := newUserContext(http.MethodPost, "/portal", `{"customer_id":"cus_2"}`)

	_ = ctrl.CreatePortalSession(ctx)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCreatePortalSessionWithoutPortalProvider(t *testing.T) {
	customer := "cus_1"
	entitlements := &controllerEntitlementRepo{latestFn: func(_ context.Context, userID string) (*entity.Entitlement, error) {
		return &entity.Entitlement{UserID: userID, Status: entity.EntitlementStatusActive, BillingCustomerID: &customer}, nil
	}}
	ctrl, _ := newBillingControllerForTest(controllerDeps{entitlements: entitlements})
	ctx, rec := newUserContext(http.MethodPost, "/portal", `{"customer_id":"cus_1"}`)

	_ = ctrl.CreatePortalSession(ctx)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
