package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"testing"

	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/plan"
)

func TestNewOrderReferenceFormat(t *testing.T) {
	ref := NewOrderReference(testNow)
	if !regexp.MustCompile(`^ORD20260301120000[0-9a-f]{12}$`).MatchString(ref) {
		t.Fatalf("unexpected reference format: %s", ref)
	}
	if ref == NewOrderReference(testNow) {
		t.Fatal("expected references to differ within the same second")
	}
}

func TestCreateCheckoutRedirectSign(t *testing.T) {
	h := newHarness(t)

	res, err := h.checkout.CreateCheckout(context.Background(), checkoutReq{userID: "user-1", plan: "Monthly"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order := h.orders.only(t)
	if order.Reference != res.OrderReference {
		t.Fatalf("expected reference %s, got %s", order.Reference, res.OrderReference)
	}
	if order.Status != entity.OrderStatusPending || order.Provider != entity.ProviderRedirectSign {
		t.Fatalf("unexpected order: %+v", order)
	}
	if order.AmountMinor != testMonthlyAmount || order.PlanType != plan.Monthly || order.Currency != "CNY" {
		t.Fatalf("expected catalog values on order, got %+v", order)
	}
	if order.CheckoutURL == nil || *order.CheckoutURL != res.CheckoutURL {
		t.Fatal("expected checkout url to be attached to the order")
	}

	parsed, err := url.Parse(res.CheckoutURL)
	if err != nil {
		t.Fatalf("checkout url does not parse: %v", err)
	}
	q := parsed.Query()
	if q.Get("out_trade_no") != order.Reference || q.Get("money") != "9.90" {
		t.Fatalf("unexpected checkout params: %v", q)
	}
	if h.events.count(entity.OrderEventCreated) != 1 {
		t.Fatal("expected an order_created event")
	}
}

func TestCreateCheckoutHostedSessionAttachesSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_1","url":"https://checkout.example.test/cs_test_1"}`))
	}))
	defer server.Close()

	h := newHarnessWithStripeURL(t, server.URL)
	res, err := h.checkout.CreateCheckout(context.Background(), checkoutReq{userID: "user-1", plan: plan.Monthly, provider: "hosted-session"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CheckoutURL != "https://checkout.example.test/cs_test_1" {
		t.Fatalf("unexpected checkout url: %s", res.CheckoutURL)
	}
	order := h.orders.only(t)
	if order.CorrelationID == nil || *order.CorrelationID != "cs_test_1" {
		t.Fatal("expected session id to be stored as correlation id")
	}
}

func TestCreateCheckoutValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.checkout.CreateCheckout(ctx, checkoutReq{plan: plan.Monthly}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing user, got %v", err)
	}
	if _, err := h.checkout.CreateCheckout(ctx, checkoutReq{userID: "user-1", plan: "weekly"}); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("expected invalid plan, got %v", err)
	}
	if _, err := h.checkout.CreateCheckout(ctx, checkoutReq{userID: "user-1", plan: plan.Monthly, provider: "paypal"}); !errors.Is(err, ErrProviderUnsupported) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
	if !errors.Is(ErrInvalidPlan, ErrValidation) || !errors.Is(ErrProviderUnsupported, ErrValidation) {
		t.Fatal("expected plan and provider errors to be validation errors")
	}
	if len(h.orders.orders) != 0 {
		t.Fatal("expected no order for rejected requests")
	}
}

func TestCreateCheckoutProviderNotConfigured(t *testing.T) {
	h := newHarness(t)

	// yearly has no hosted price id
	_, err := h.checkout.CreateCheckout(context.Background(), checkoutReq{userID: "user-1", plan: plan.Yearly, provider: "hosted-session"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if order := h.orders.only(t); order.Status != entity.OrderStatusPending {
		t.Fatalf("expected order to stay pending, got %s", order.Status)
	}
}

func TestCreateCheckoutProviderUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	h := newHarnessWithStripeURL(t, server.URL)
	_, err := h.checkout.CreateCheckout(context.Background(), checkoutReq{userID: "user-1", plan: plan.Monthly, provider: "hosted-session"})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
}

func TestCreateCheckoutStoreFailure(t *testing.T) {
	h := newHarness(t)
	h.orders.createErr = errors.New("connection refused")

	_, err := h.checkout.CreateCheckout(context.Background(), checkoutReq{userID: "user-1", plan: plan.Monthly})
	if !errors.Is(err, ErrTransientStore) {
		t.Fatalf("expected transient store error, got %v", err)
	}
}

func TestListOrders(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "R1", "user-1", entity.ProviderRedirectSign)
	h.seedOrder(t, "R2", "user-1", entity.ProviderRedirectSign)
	h.seedOrder(t, "R3", "user-2", entity.ProviderRedirectSign)

	items, err := h.checkout.ListOrders(context.Background(), listReq{userID: "user-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 || items[0].Reference != "R2" {
		t.Fatalf("expected newest-first orders of user-1, got %d", len(items))
	}

	items, err = h.checkout.ListOrders(context.Background(), listReq{userID: "user-1", limit: 1, offset: 1})
	if err != nil || len(items) != 1 || items[0].Reference != "R1" {
		t.Fatalf("unexpected page: %v %v", items, err)
	}

	if _, err := h.checkout.ListOrders(context.Background(), listReq{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
