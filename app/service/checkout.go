package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/metrics"
	"github.com/vibast-solutions/ms-go-billing/app/plan"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
	"github.com/vibast-solutions/ms-go-billing/app/repository"
	"github.com/vibast-solutions/ms-go-billing/config"
)

const (
	defaultListLimit = int32(50)
	defaultBatchSize = int32(100)
)

type createCheckoutRequest interface {
	GetUserId() string
	GetPlan() string
	GetProvider() string
	GetPaymentMethod() string
}

type listOrdersRequest interface {
	GetUserId() string
	GetLimit() int32
	GetOffset() int32
}

type orderRepository interface {
	Create(ctx context.Context, order *entity.Order) error
	AttachCheckout(ctx context.Context, reference string, correlationID, checkoutURL *string, now time.Time) error
	MarkPaid(ctx context.Context, lookup repository.OrderLookup, fields repository.PaidFields, paidAt time.Time) (*entity.Order, bool, error)
	MarkFailed(ctx context.Context, lookup repository.OrderLookup, reason string, now time.Time) (*entity.Order, bool, error)
	Find(ctx context.Context, lookup repository.OrderLookup) (*entity.Order, error)
	ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*entity.Order, error)
	ListStalePending(ctx context.Context, before time.Time, limit int32) ([]*entity.Order, error)
}

type orderEventRepository interface {
	Create(ctx context.Context, event *entity.OrderEvent) error
}

type CheckoutResult struct {
	CheckoutURL    string
	OrderReference string
}

type CheckoutService struct {
	orders      orderRepository
	eventRepo   orderEventRepository
	providerReg *provider.Registry
	catalog     *plan.Catalog
	billingCfg  config.BillingConfig
	recorder    *metrics.Recorder
	logger      logrus.FieldLogger
	now         func() time.Time
}

func NewCheckoutService(
	orders orderRepository,
	eventRepo orderEventRepository,
	providerReg *provider.Registry,
	catalog *plan.Catalog,
	billingCfg config.BillingConfig,
	recorder *metrics.Recorder,
) *CheckoutService {
	if strings.TrimSpace(billingCfg.DefaultProvider) == "" {
		billingCfg.DefaultProvider = entity.ProviderRedirectSign
	}
	if strings.TrimSpace(billingCfg.Currency) == "" {
		billingCfg.Currency = "CNY"
	}
	return &CheckoutService{
		orders:      orders,
		eventRepo:   eventRepo,
		providerReg: providerReg,
		catalog:     catalog,
		billingCfg:  billingCfg,
		recorder:    recorder,
		logger:      factory.NewModuleLogger("checkout-service"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *CheckoutService) WithClock(now func() time.Time) *CheckoutService {
	if now != nil {
		s.now = now
	}
	return s
}

// CreateCheckout persists a pending order and asks the chosen provider for a
// redirect target. The order row is written before the provider is called.
func (s *CheckoutService) CreateCheckout(ctx context.Context, req createCheckoutRequest) (*CheckoutResult, error) {
	userID := strings.TrimSpace(req.GetUserId())
	if userID == "" {
		return nil, ErrValidation
	}

	p, err := s.catalog.Lookup(req.GetPlan())
	if err != nil {
		return nil, ErrInvalidPlan
	}

	providerCode := strings.ToLower(strings.TrimSpace(req.GetProvider()))
	if providerCode == "" {
		providerCode = s.billingCfg.DefaultProvider
	}
	providerClient, err := s.providerReg.Get(providerCode)
	if err != nil {
		if errors.Is(err, provider.ErrProviderNotSupported) {
			return nil, ErrProviderUnsupported
		}
		return nil, err
	}

	now := s.now()
	order := &entity.Order{
		Reference:   NewOrderReference(now),
		UserID:      userID,
		PlanType:    p.Type,
		AmountMinor: p.AmountMinor,
		Currency:    s.billingCfg.Currency,
		Provider:    providerClient.Code(),
		Status:      entity.OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		s.recorder.Checkout(order.Provider, "store_error")
		return nil, storeError(err)
	}
	s.recordEvent(ctx, &entity.OrderEvent{
		OrderID:   order.ID,
		EventType: entity.OrderEventCreated,
		NewStatus: order.Status,
		CreatedAt: now,
	})

	out, err := providerClient.CreateCheckout(ctx, &provider.CheckoutInput{
		Reference:     order.Reference,
		UserID:        order.UserID,
		PlanType:      order.PlanType,
		AmountMinor:   order.AmountMinor,
		Currency:      order.Currency,
		PaymentMethod: strings.TrimSpace(req.GetPaymentMethod()),
		HostedPriceID: p.HostedPriceID,
	})
	if err != nil {
		s.recorder.Checkout(order.Provider, "provider_error")
		s.logger.WithError(err).WithFields(logrus.Fields{
			"order_reference": order.Reference,
			"provider":        order.Provider,
		}).Warn("Checkout creation failed")
		return nil, mapProviderError(err)
	}

	if err := s.orders.AttachCheckout(ctx, order.Reference, out.SessionID, &out.URL, s.now()); err != nil {
		// the callback can still recover the order through the echoed reference
		s.logger.WithError(err).WithField("order_reference", order.Reference).Warn("Failed to attach checkout session to order")
	}

	s.recorder.Checkout(order.Provider, "created")
	return &CheckoutResult{CheckoutURL: out.URL, OrderReference: order.Reference}, nil
}

func (s *CheckoutService) ListOrders(ctx context.Context, req listOrdersRequest) ([]*entity.Order, error) {
	userID := strings.TrimSpace(req.GetUserId())
	if userID == "" {
		return nil, ErrValidation
	}
	limit := req.GetLimit()
	if limit <= 0 {
		limit = defaultListLimit
	}
	items, err := s.orders.ListByUser(ctx, userID, limit, req.GetOffset())
	if err != nil {
		return nil, storeError(err)
	}
	return items, nil
}

func (s *CheckoutService) recordEvent(ctx context.Context, event *entity.OrderEvent) {
	if err := s.eventRepo.Create(ctx, event); err != nil {
		s.logger.WithError(err).WithField("event_type", event.EventType).Warn("Failed to record order event")
	}
}

// NewOrderReference builds "ORD" + UTC timestamp + 12 random hex characters.
func NewOrderReference(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return "ORD" + now.UTC().Format("20060102150405") + suffix
}

func mapProviderError(err error) error {
	switch {
	case errors.Is(err, provider.ErrNotConfigured):
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	case errors.Is(err, provider.ErrUnknownPlan):
		return ErrInvalidPlan
	default:
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
}
