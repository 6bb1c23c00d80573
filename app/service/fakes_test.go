package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/events"
	"github.com/vibast-solutions/ms-go-billing/app/metrics"
	"github.com/vibast-solutions/ms-go-billing/app/plan"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
	"github.com/vibast-solutions/ms-go-billing/app/repository"
	"github.com/vibast-solutions/ms-go-billing/config"
)

type serviceOrderRepo struct {
	mu        sync.Mutex
	orders    map[string]*entity.Order
	nextID    uint64
	createErr error
	markErr   error
	findErr   error
}

func newServiceOrderRepo() *serviceOrderRepo {
	return &serviceOrderRepo{orders: map[string]*entity.Order{}, nextID: 1}
}

func (r *serviceOrderRepo) Create(_ context.Context, order *entity.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.orders[order.Reference]; ok {
		return repository.ErrOrderAlreadyExists
	}
	order.ID = r.nextID
	r.nextID++
	copyItem := *order
	r.orders[order.Reference] = &copyItem
	return nil
}

func (r *serviceOrderRepo) AttachCheckout(_ context.Context, reference string, correlationID, checkoutURL *string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.orders[reference]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if item.Status != entity.OrderStatusPending {
		return nil
	}
	if correlationID != nil {
		item.CorrelationID = correlationID
	}
	if checkoutURL != nil {
		item.CheckoutURL = checkoutURL
	}
	item.UpdatedAt = now
	return nil
}

func (r *serviceOrderRepo) lookup(lookup repository.OrderLookup) (*entity.Order, error) {
	if lookup.Reference != "" {
		return r.orders[lookup.Reference], nil
	}
	if lookup.CorrelationID != "" {
		for _, item := range r.orders {
			if item.CorrelationID != nil && *item.CorrelationID == lookup.CorrelationID {
				return item, nil
			}
		}
		return nil, nil
	}
	return nil, repository.ErrInvalidLookup
}

func (r *serviceOrderRepo) MarkPaid(_ context.Context, lookup repository.OrderLookup, fields repository.PaidFields, paidAt time.Time) (*entity.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markErr != nil {
		return nil, false, r.markErr
	}
	item, err := r.lookup(lookup)
	if err != nil {
		return nil, false, err
	}
	if item == nil {
		return nil, false, repository.ErrOrderNotFound
	}
	transitioned := false
	if item.Status == entity.OrderStatusPending {
		item.Status = entity.OrderStatusPaid
		if fields.CorrelationID != nil {
			item.CorrelationID = fields.CorrelationID
		}
		if fields.BillingCustomerID != nil {
			item.BillingCustomerID = fields.BillingCustomerID
		}
		if fields.BillingSubscriptionID != nil {
			item.BillingSubscriptionID = fields.BillingSubscriptionID
		}
		paid := paidAt
		item.PaidAt = &paid
		item.UpdatedAt = paidAt
		transitioned = true
	}
	copyItem := *item
	return &copyItem, transitioned, nil
}

func (r *serviceOrderRepo) MarkFailed(_ context.Context, lookup repository.OrderLookup, reason string, now time.Time) (*entity.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markErr != nil {
		return nil, false, r.markErr
	}
	item, err := r.lookup(lookup)
	if err != nil {
		return nil, false, err
	}
	if item == nil {
		return nil, false, repository.ErrOrderNotFound
	}
	transitioned := false
	if item.Status == entity.OrderStatusPending {
		item.Status = entity.OrderStatusFailed
		item.FailureReason = &reason
		item.UpdatedAt = now
		transitioned = true
	}
	copyItem := *item
	return &copyItem, transitioned, nil
}

func (r *serviceOrderRepo) Find(_ context.Context, lookup repository.OrderLookup) (*entity.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	item, err := r.lookup(lookup)
	if err != nil || item == nil {
		return nil, err
	}
	copyItem := *item
	return &copyItem, nil
}

func (r *serviceOrderRepo) ListByUser(_ context.Context, userID string, limit, offset int32) ([]*entity.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]*entity.Order, 0)
	for _, item := range r.orders {
		if item.UserID == userID {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	start := int(offset)
	if start > len(items) {
		return []*entity.Order{}, nil
	}
	end := start + int(limit)
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], nil
}

func (r *serviceOrderRepo) ListStalePending(_ context.Context, before time.Time, limit int32) ([]*entity.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]*entity.Order, 0)
	for _, item := range r.orders {
		if item.Status == entity.OrderStatusPending && item.CreatedAt.Before(before) {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if int(limit) < len(items) {
		items = items[:limit]
	}
	return items, nil
}

func (r *serviceOrderRepo) get(reference string) *entity.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.orders[reference]
	if !ok {
		return nil
	}
	copyItem := *item
	return &copyItem
}

func (r *serviceOrderRepo) only(t *testing.T) *entity.Order {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.orders) != 1 {
		t.Fatalf("expected exactly one order, got %d", len(r.orders))
	}
	for _, item := range r.orders {
		copyItem := *item
		return &copyItem
	}
	return nil
}

type serviceEventRepo struct {
	mu     sync.Mutex
	events []entity.OrderEvent
}

func (r *serviceEventRepo) Create(_ context.Context, event *entity.OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *serviceEventRepo) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type serviceCallbackRepo struct {
	mu        sync.Mutex
	callbacks []entity.OrderCallback
}

func (r *serviceCallbackRepo) Create(_ context.Context, callback *entity.OrderCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, *callback)
	return nil
}

func (r *serviceCallbackRepo) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callbacks)
}

func (r *serviceCallbackRepo) count(status string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.callbacks {
		if c.Status == status {
			n++
		}
	}
	return n
}

type serviceEntitlementRepo struct {
	mu        sync.Mutex
	rows      map[uint64]*entity.Entitlement
	nextID    uint64
	upsertErr error
	cancelErr error
}

func newServiceEntitlementRepo() *serviceEntitlementRepo {
	return &serviceEntitlementRepo{rows: map[uint64]*entity.Entitlement{}, nextID: 1}
}

// Upsert mirrors the keyed insert-or-update: one row per user and plan, a
// later end date extends the row, anything else only fills missing ids.
func (r *serviceEntitlementRepo) Upsert(_ context.Context, item *entity.Entitlement) (*entity.Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return nil, r.upsertErr
	}
	for _, existing := range r.rows {
		if existing.UserID != item.UserID || existing.PlanType != item.PlanType {
			continue
		}
		if item.EndDate.After(existing.EndDate) {
			existing.Status = item.Status
			if !existing.EndDate.After(item.StartDate) {
				existing.StartDate = item.StartDate
			}
			existing.SourceOrderReference = item.SourceOrderReference
			if item.BillingCustomerID != nil {
				existing.BillingCustomerID = item.BillingCustomerID
			}
			if item.BillingSubscriptionID != nil {
				existing.BillingSubscriptionID = item.BillingSubscriptionID
			}
			existing.EndDate = item.EndDate
		} else {
			if existing.BillingCustomerID == nil {
				existing.BillingCustomerID = item.BillingCustomerID
			}
			if existing.BillingSubscriptionID == nil {
				existing.BillingSubscriptionID = item.BillingSubscriptionID
			}
		}
		existing.UpdatedAt = item.UpdatedAt
		copyItem := *existing
		return &copyItem, nil
	}
	copyItem := *item
	copyItem.ID = r.nextID
	r.nextID++
	r.rows[copyItem.ID] = &copyItem
	out := copyItem
	return &out, nil
}

func (r *serviceEntitlementRepo) Latest(_ context.Context, userID string) (*entity.Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *entity.Entitlement
	for _, item := range r.rows {
		if item.UserID != userID {
			continue
		}
		if latest == nil || item.EndDate.After(latest.EndDate) || (item.EndDate.Equal(latest.EndDate) && item.ID > latest.ID) {
			latest = item
		}
	}
	if latest == nil {
		return nil, nil
	}
	copyItem := *latest
	return &copyItem, nil
}

func (r *serviceEntitlementRepo) CancelBySubscriptionID(_ context.Context, subscriptionID string, now time.Time) ([]*entity.Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelErr != nil {
		return nil, r.cancelErr
	}
	ids := make([]uint64, 0, len(r.rows))
	for id := range r.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []*entity.Entitlement
	for _, id := range ids {
		item := r.rows[id]
		if item.Status == entity.EntitlementStatusActive && item.BillingSubscriptionID != nil && *item.BillingSubscriptionID == subscriptionID {
			item.Status = entity.EntitlementStatusCancelled
			item.UpdatedAt = now
			copyItem := *item
			out = append(out, &copyItem)
		}
	}
	return out, nil
}

func (r *serviceEntitlementRepo) ExpireEnded(_ context.Context, now time.Time, limit int32) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, item := range r.rows {
		if n >= int64(limit) {
			break
		}
		if item.Status == entity.EntitlementStatusActive && !item.EndDate.After(now) {
			item.Status = entity.EntitlementStatusExpired
			item.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// put seeds a row as is, bypassing the user and plan key.
func (r *serviceEntitlementRepo) put(item entity.Entitlement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item.ID = r.nextID
	r.nextID++
	r.rows[item.ID] = &item
}

func (r *serviceEntitlementRepo) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type servicePublisher struct {
	mu       sync.Mutex
	keys     []string
	payloads []any
	err      error
}

func (p *servicePublisher) PublishJSON(_ context.Context, key string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.payloads = append(p.payloads, v)
	return p.err
}

func (p *servicePublisher) entitlementEvents(key string) []events.EntitlementEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.EntitlementEvent
	for i, k := range p.keys {
		if evt, ok := p.payloads[i].(events.EntitlementEvent); ok && k == key {
			out = append(out, evt)
		}
	}
	return out
}

func (p *servicePublisher) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k == key {
			n++
		}
	}
	return n
}

type serviceGuard struct {
	mu      sync.Mutex
	seen    map[string]bool
	seenErr error
}

func newServiceGuard() *serviceGuard {
	return &serviceGuard{seen: map[string]bool{}}
}

func (g *serviceGuard) Seen(_ context.Context, fingerprint string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seenErr != nil {
		return false, g.seenErr
	}
	return g.seen[fingerprint], nil
}

func (g *serviceGuard) Remember(_ context.Context, fingerprint string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen[fingerprint] = true
	return nil
}

const (
	testEpayKey       = "epay-secret"
	testStripeSecret  = "whsec_test"
	testStripeAPIKey  = "sk_test_123"
	testMonthlyAmount = int64(990)
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	orders       *serviceOrderRepo
	events       *serviceEventRepo
	callbacks    *serviceCallbackRepo
	entRepo      *serviceEntitlementRepo
	publisher    *servicePublisher
	guard        *serviceGuard
	recorder     *metrics.Recorder
	catalog      *plan.Catalog
	epay         *provider.EpayProvider
	stripe       *provider.StripeProvider
	registry     *provider.Registry
	checkout     *CheckoutService
	entitlements *EntitlementService
	webhooks     *WebhookService
	portal       *PortalService
	now          time.Time
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithStripeURL(t, "")
}

func newHarnessWithStripeURL(t *testing.T, stripeBaseURL string) *harness {
	t.Helper()
	return newHarnessWithURLs(t, stripeBaseURL, "")
}

// newHarnessWithURLs points the hosted-session API and the gateway's order
// query at test servers. Empty values keep the unreachable defaults.
func newHarnessWithURLs(t *testing.T, stripeBaseURL, epayQueryURL string) *harness {
	t.Helper()
	h := &harness{
		orders:    newServiceOrderRepo(),
		events:    &serviceEventRepo{},
		callbacks: &serviceCallbackRepo{},
		entRepo:   newServiceEntitlementRepo(),
		publisher: &servicePublisher{},
		guard:     newServiceGuard(),
		recorder:  metrics.NewRecorder(),
		now:       testNow,
	}
	h.catalog = plan.NewCatalogFromPlans(
		plan.Plan{Type: plan.Monthly, AmountMinor: testMonthlyAmount, PeriodDays: 30, HostedPriceID: "price_monthly"},
		plan.Plan{Type: plan.Yearly, AmountMinor: 9900, PeriodDays: 365},
	)
	h.epay = provider.NewEpayProvider(provider.EpayConfig{
		MerchantID:  "1001",
		Key:         testEpayKey,
		GatewayURL:  "https://pay.example.test/submit.php",
		NotifyURL:   "https://learn.example.test/webhooks/redirect-sign",
		ReturnURL:   "https://learn.example.test/billing/return",
		QueryURL:    epayQueryURL,
		HTTPTimeout: time.Second,
	})
	h.stripe = provider.NewStripeProvider(provider.StripeConfig{
		SecretKey:     testStripeAPIKey,
		WebhookSecret: testStripeSecret,
		APIBaseURL:    stripeBaseURL,
		SuccessURL:    "https://learn.example.test/billing/success",
		CancelURL:     "https://learn.example.test/billing/cancel",
		HTTPTimeout:   time.Second,
	})
	h.registry = provider.NewRegistry(h.epay, h.stripe)

	clock := func() time.Time { return h.now }
	h.checkout = NewCheckoutService(h.orders, h.events, h.registry, h.catalog, config.BillingConfig{
		Currency:        "CNY",
		DefaultProvider: entity.ProviderRedirectSign,
		PendingTimeout:  24 * time.Hour,
	}, h.recorder).WithClock(clock)
	h.entitlements = NewEntitlementService(h.entRepo, h.catalog, h.publisher, h.recorder).WithClock(clock)
	h.webhooks = NewWebhookService(h.orders, h.events, h.callbacks, h.entitlements, h.registry, h.guard, h.recorder, time.Second).
		WithClock(clock).
		WithPendingPolicy(24*time.Hour, 0)
	h.portal = NewPortalService(h.entitlements, h.registry, "https://learn.example.test/account")
	return h
}

type checkoutReq struct {
	userID   string
	plan     string
	provider string
	method   string
}

func (r checkoutReq) GetUserId() string        { return r.userID }
func (r checkoutReq) GetPlan() string          { return r.plan }
func (r checkoutReq) GetProvider() string      { return r.provider }
func (r checkoutReq) GetPaymentMethod() string { return r.method }

type listReq struct {
	userID        string
	limit, offset int32
}

func (r listReq) GetUserId() string { return r.userID }
func (r listReq) GetLimit() int32   { return r.limit }
func (r listReq) GetOffset() int32  { return r.offset }

type portalReq struct {
	userID     string
	customerID string
}

func (r portalReq) GetUserId() string     { return r.userID }
func (r portalReq) GetCustomerId() string { return r.customerID }

// seedOrder inserts a pending order directly into the fake store.
func (h *harness) seedOrder(t *testing.T, reference, userID, providerCode string) *entity.Order {
	t.Helper()
	order := &entity.Order{
		Reference:   reference,
		UserID:      userID,
		PlanType:    plan.Monthly,
		AmountMinor: testMonthlyAmount,
		Currency:    "CNY",
		Provider:    providerCode,
		Status:      entity.OrderStatusPending,
		CreatedAt:   h.now,
		UpdatedAt:   h.now,
	}
	if err := h.orders.Create(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

// epayCallback builds a gateway notification signed with the merchant key.
func epayCallback(reference, userID, money, status string, overrides map[string]string) url.Values {
	extra, _ := json.Marshal(map[string]string{"userId": userID, "planType": plan.Monthly, "reference": reference})
	params := map[string]string{
		"pid":          "1001",
		"trade_no":     "T-" + reference,
		"out_trade_no": reference,
		"type":         "alipay",
		"name":         "Membership monthly",
		"money":        money,
		"trade_status": status,
		"param":        base64.RawURLEncoding.EncodeToString(extra),
	}
	for k, v := range overrides {
		params[k] = v
	}
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("sign", provider.SignEpay(params, testEpayKey))
	values.Set("sign_type", "MD5")
	return values
}

func stripeEvent(id, eventType string, object map[string]any) []byte {
	raw, _ := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": "2025-01-27.acacia",
		"data":        map[string]any{"object": object},
	})
	return raw
}

func signStripe(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func sessionObject(sessionID, userID, reference, paymentStatus string) map[string]any {
	return map[string]any{
		"id":                  sessionID,
		"object":              "checkout.session",
		"client_reference_id": userID,
		"payment_status":      paymentStatus,
		"customer":            "cus_" + userID,
		"subscription":        "sub_" + userID,
		"metadata": map[string]string{
			"userId":    userID,
			"plan":      plan.Monthly,
			"reference": reference,
		},
	}
}
