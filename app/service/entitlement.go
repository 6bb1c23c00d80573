package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/events"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/metrics"
	"github.com/vibast-solutions/ms-go-billing/app/plan"
)

type entitlementRepository interface {
	Upsert(ctx context.Context, entitlement *entity.Entitlement) (*entity.Entitlement, error)
	Latest(ctx context.Context, userID string) (*entity.Entitlement, error)
	CancelBySubscriptionID(ctx context.Context, subscriptionID string, now time.Time) ([]*entity.Entitlement, error)
	ExpireEnded(ctx context.Context, now time.Time, limit int32) (int64, error)
}

type EventPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

type GrantInput struct {
	UserID                string
	PlanType              string
	StartDate             time.Time
	EndDate               time.Time
	BillingCustomerID     *string
	BillingSubscriptionID *string
	SourceOrderReference  string
}

type SubscriptionStatus struct {
	HasActiveSubscription bool
	Entitlement           *entity.Entitlement
}

type EntitlementService struct {
	repo      entitlementRepository
	catalog   *plan.Catalog
	publisher EventPublisher
	recorder  *metrics.Recorder
	logger    logrus.FieldLogger
	now       func() time.Time
	batchSize int32
}

func NewEntitlementService(
	repo entitlementRepository,
	catalog *plan.Catalog,
	publisher EventPublisher,
	recorder *metrics.Recorder,
) *EntitlementService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &EntitlementService{
		repo:      repo,
		catalog:   catalog,
		publisher: publisher,
		recorder:  recorder,
		logger:    factory.NewModuleLogger("entitlement-service"),
		now:       func() time.Time { return time.Now().UTC() },
		batchSize: defaultBatchSize,
	}
}

// WithClock replaces the time source used by IsActive, Status and jobs.
func (s *EntitlementService) WithClock(now func() time.Time) *EntitlementService {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *EntitlementService) WithBatchSize(size int32) *EntitlementService {
	if size > 0 {
		s.batchSize = size
	}
	return s
}

// Upsert writes one entitlement period as a single write keyed by user and
// plan. The stored row keeps the later of the two end dates.
func (s *EntitlementService) Upsert(ctx context.Context, input GrantInput) (*entity.Entitlement, error) {
	if strings.TrimSpace(input.UserID) == "" || strings.TrimSpace(input.SourceOrderReference) == "" {
		return nil, ErrValidation
	}
	if !input.EndDate.After(input.StartDate) {
		return nil, ErrValidation
	}

	now := s.now()
	stored, err := s.repo.Upsert(ctx, &entity.Entitlement{
		UserID:                input.UserID,
		PlanType:              input.PlanType,
		Status:                entity.EntitlementStatusActive,
		StartDate:             input.StartDate.UTC(),
		EndDate:               input.EndDate.UTC(),
		BillingCustomerID:     input.BillingCustomerID,
		BillingSubscriptionID: input.BillingSubscriptionID,
		SourceOrderReference:  input.SourceOrderReference,
		CreatedAt:             now,
		UpdatedAt:             now,
	})
	if err != nil {
		return nil, storeError(err)
	}

	s.recorder.EntitlementGranted(stored.PlanType)
	s.publish(ctx, events.RoutingKeyEntitlementGranted, stored)
	return stored, nil
}

// GrantForOrder derives the entitlement period from a paid order. The period
// starts at the order's paid_at so a replayed grant writes identical values.
func (s *EntitlementService) GrantForOrder(ctx context.Context, order *entity.Order) (*entity.Entitlement, error) {
	if order == nil || order.Status != entity.OrderStatusPaid {
		return nil, ErrValidation
	}
	p, err := s.catalog.Lookup(order.PlanType)
	if err != nil {
		return nil, ErrInvalidPlan
	}

	start := s.now()
	if order.PaidAt != nil {
		start = order.PaidAt.UTC()
	}

	return s.Upsert(ctx, GrantInput{
		UserID:                order.UserID,
		PlanType:              order.PlanType,
		StartDate:             start,
		EndDate:               p.PeriodEnd(start),
		BillingCustomerID:     order.BillingCustomerID,
		BillingSubscriptionID: order.BillingSubscriptionID,
		SourceOrderReference:  order.Reference,
	})
}

func (s *EntitlementService) Latest(ctx context.Context, userID string) (*entity.Entitlement, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrValidation
	}
	item, err := s.repo.Latest(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	return item, nil
}

// IsActive is the only access predicate: the latest row by end date must be
// active and end in the future.
func (s *EntitlementService) IsActive(ctx context.Context, userID string) (bool, error) {
	latest, err := s.Latest(ctx, userID)
	if err != nil {
		return false, err
	}
	return latest.ActiveAt(s.now()), nil
}

func (s *EntitlementService) Status(ctx context.Context, userID string) (*SubscriptionStatus, error) {
	latest, err := s.Latest(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &SubscriptionStatus{
		HasActiveSubscription: latest.ActiveAt(s.now()),
		Entitlement:           latest,
	}, nil
}

// CancelSubscription cancels the active rows bound to a billing subscription
// and publishes one event per row it changed.
func (s *EntitlementService) CancelSubscription(ctx context.Context, subscriptionID string) (int64, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return 0, ErrValidation
	}
	cancelled, err := s.repo.CancelBySubscriptionID(ctx, subscriptionID, s.now())
	for _, item := range cancelled {
		s.publish(ctx, events.RoutingKeyEntitlementCancelled, item)
	}
	if err != nil {
		return int64(len(cancelled)), storeError(err)
	}
	return int64(len(cancelled)), nil
}

func (s *EntitlementService) publish(ctx context.Context, key string, item *entity.Entitlement) {
	evt := events.EntitlementEvent{
		UserID:               item.UserID,
		PlanType:             item.PlanType,
		Status:               item.Status,
		StartDate:            item.StartDate,
		EndDate:              item.EndDate,
		SourceOrderReference: item.SourceOrderReference,
		OccurredAt:           s.now(),
	}
	if item.BillingSubscriptionID != nil {
		evt.SubscriptionID = *item.BillingSubscriptionID
	}

	if err := s.publisher.PublishJSON(ctx, key, evt); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).WithField("routing_key", key).Warn("Failed to publish entitlement event")
	}
}
