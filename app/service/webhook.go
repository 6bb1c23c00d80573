package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/metrics"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
	"github.com/vibast-solutions/ms-go-billing/app/replay"
	"github.com/vibast-solutions/ms-go-billing/app/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultWebhookTimeout = 8 * time.Second
	defaultPendingTimeout = 24 * time.Hour

	failureAmountMismatch   = "amount_mismatch"
	failurePlanMismatch     = "plan_mismatch"
	failureCheckoutNotFound = "checkout_not_found"
)

type orderCallbackRepository interface {
	Create(ctx context.Context, callback *entity.OrderCallback) error
}

// WebhookResult describes how a verified delivery was applied. Duplicate is
// set when the delivery changed nothing because an earlier one already did.
// NeedsReview is set when a verified payment arrived for an order that had
// already failed.
type WebhookResult struct {
	Acknowledged bool
	Outcome      provider.Outcome
	Order        *entity.Order
	Duplicate    bool
	NeedsReview  bool
}

type WebhookService struct {
	orders       orderRepository
	eventRepo    orderEventRepository
	callbacks    orderCallbackRepository
	entitlements *EntitlementService
	providerReg  *provider.Registry
	guard        replay.Guard
	recorder     *metrics.Recorder
	timeout      time.Duration
	pendingAfter time.Duration
	batchSize    int32
	tracer       trace.Tracer
	logger       logrus.FieldLogger
	now          func() time.Time
}

func NewWebhookService(
	orders orderRepository,
	eventRepo orderEventRepository,
	callbacks orderCallbackRepository,
	entitlements *EntitlementService,
	providerReg *provider.Registry,
	guard replay.Guard,
	recorder *metrics.Recorder,
	timeout time.Duration,
) *WebhookService {
	if guard == nil {
		guard = replay.NopGuard{}
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookService{
		orders:       orders,
		eventRepo:    eventRepo,
		callbacks:    callbacks,
		entitlements: entitlements,
		providerReg:  providerReg,
		guard:        guard,
		recorder:     recorder,
		timeout:      timeout,
		pendingAfter: defaultPendingTimeout,
		batchSize:    defaultBatchSize,
		tracer:       otel.Tracer("github.com/vibast-solutions/ms-go-billing/app/service"),
		logger:       factory.NewModuleLogger("webhook-service"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *WebhookService) WithClock(now func() time.Time) *WebhookService {
	if now != nil {
		s.now = now
	}
	return s
}

// WithPendingPolicy sets how old a pending order must be before the reconcile
// job asks its provider about it, and how many orders one run looks at.
func (s *WebhookService) WithPendingPolicy(after time.Duration, batchSize int32) *WebhookService {
	if after > 0 {
		s.pendingAfter = after
	}
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	return s
}

// HandleRedirectSign processes a parameter-signed notification.
func (s *WebhookService) HandleRedirectSign(ctx context.Context, params url.Values) (*WebhookResult, error) {
	flat := make(map[string]string, len(params))
	for k := range params {
		flat[k] = params.Get(k)
	}
	payloadJSON, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	return s.handle(ctx, entity.ProviderRedirectSign, delivery{
		input:       &provider.CallbackInput{Params: params},
		raw:         []byte(params.Encode()),
		payloadJSON: string(payloadJSON),
		signature:   params.Get("sign"),
	})
}

// HandleHostedSession processes a raw event body signed in a header.
func (s *WebhookService) HandleHostedSession(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	payloadJSON := string(payload)
	if !json.Valid(payload) {
		payloadJSON = "{}"
	}

	return s.handle(ctx, entity.ProviderHostedSession, delivery{
		input:       &provider.CallbackInput{Payload: payload, Signature: signature},
		raw:         payload,
		payloadJSON: payloadJSON,
		signature:   signature,
	})
}

type delivery struct {
	input       *provider.CallbackInput
	raw         []byte
	payloadJSON string
	signature   string
}

func (s *WebhookService) handle(ctx context.Context, code string, d delivery) (*WebhookResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "billing.webhook", trace.WithAttributes(attribute.String("billing.provider", code)))
	defer span.End()

	started := time.Now()
	result, label, err := s.process(ctx, code, d)
	s.recorder.Webhook(code, label, time.Since(started).Seconds())

	span.SetAttributes(attribute.String("billing.webhook.result", label))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, label)
	}
	return result, err
}

func (s *WebhookService) process(ctx context.Context, code string, d delivery) (*WebhookResult, string, error) {
	logger := s.logger.WithField("provider", code)

	providerClient, err := s.providerReg.Get(code)
	if err != nil {
		return nil, "not_configured", fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	fingerprint := replay.Fingerprint(code, d.raw)
	if seen, err := s.guard.Seen(ctx, fingerprint); err != nil {
		logger.WithError(err).Debug("Replay guard lookup failed")
	} else if seen {
		s.recorder.ReplayHit(code)
		return &WebhookResult{Acknowledged: true, Duplicate: true}, "replayed", nil
	}

	verified, err := providerClient.VerifyCallback(ctx, d.input)
	if err != nil {
		if errors.Is(err, provider.ErrNotConfigured) {
			return nil, "not_configured", fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		s.reject(code, fingerprint, nil, err)
		return nil, "rejected", fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	if verified == nil || !verified.Valid {
		s.reject(code, fingerprint, nil, provider.ErrInvalidSignature)
		return nil, "rejected", ErrAuthentication
	}

	logger = logger.WithFields(logrus.Fields{
		"event_id":   verified.EventID,
		"event_type": verified.EventType,
		"outcome":    verified.Outcome.String(),
	})

	switch verified.Outcome {
	case provider.OutcomeSucceeded, provider.OutcomeFailed:
		return s.applyPayment(ctx, logger, code, fingerprint, d, verified)
	case provider.OutcomeSubscriptionCancelled:
		n, err := s.entitlements.CancelSubscription(ctx, verified.SubscriptionID)
		if err != nil && !errors.Is(err, ErrValidation) {
			return nil, "error", err
		}
		logger.WithFields(logrus.Fields{
			"subscription_id": verified.SubscriptionID,
			"cancelled":       n,
		}).Info("Subscription cancellation applied")
		s.recordCallback(ctx, code, fingerprint, d, nil, entity.CallbackStatusProcessed, nil)
		s.remember(ctx, logger, fingerprint)
		return &WebhookResult{Acknowledged: true, Outcome: verified.Outcome}, "processed", nil
	default:
		s.recordCallback(ctx, code, fingerprint, d, nil, entity.CallbackStatusIgnored, nil)
		s.remember(ctx, logger, fingerprint)
		return &WebhookResult{Acknowledged: true, Outcome: provider.OutcomeIgnored}, "ignored", nil
	}
}

func (s *WebhookService) applyPayment(
	ctx context.Context,
	logger logrus.FieldLogger,
	code, fingerprint string,
	d delivery,
	verified *provider.CallbackResult,
) (*WebhookResult, string, error) {
	order, err := s.findOrder(ctx, verified)
	if err != nil {
		return nil, "error", storeError(err)
	}
	if order == nil {
		logger.WithFields(logrus.Fields{
			"order_reference": verified.Reference,
			"session_id":      verified.SessionID,
		}).Warn("Callback for unknown order acknowledged")
		return &WebhookResult{Acknowledged: true, Outcome: verified.Outcome}, "not_found", nil
	}
	logger = logger.WithField("order_reference", order.Reference)

	if err := checkOwnership(order, code, verified); err != nil {
		s.reject(code, fingerprint, &order.ID, err)
		return nil, "rejected", fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	settled, err := s.settle(ctx, logger, order, verified, d.payloadJSON)
	if err != nil {
		return nil, "error", err
	}

	callbackStatus := entity.CallbackStatusProcessed
	if settled.needsReview {
		callbackStatus = entity.CallbackStatusNeedsReview
	}
	s.recordCallback(ctx, code, fingerprint, d, &settled.order.ID, callbackStatus, nil)
	s.remember(ctx, logger, fingerprint)

	label := "processed"
	switch {
	case settled.needsReview:
		label = "needs_review"
	case !settled.transitioned:
		label = "duplicate"
	}
	logger.WithFields(logrus.Fields{
		"status":       settled.order.Status,
		"transitioned": settled.transitioned,
	}).Info("Payment callback applied")

	return &WebhookResult{
		Acknowledged: true,
		Outcome:      settled.outcome,
		Order:        settled.order,
		Duplicate:    !settled.transitioned,
		NeedsReview:  settled.needsReview,
	}, label, nil
}

func checkOwnership(order *entity.Order, code string, verified *provider.CallbackResult) error {
	if order.Provider != code {
		return fmt.Errorf("order belongs to provider %s", order.Provider)
	}
	if verified.CustomerReferenceID != "" && verified.CustomerReferenceID != order.UserID {
		return errors.New("callback user does not own order")
	}
	return nil
}

type settlement struct {
	order        *entity.Order
	outcome      provider.Outcome
	transitioned bool
	needsReview  bool
}

// settle applies a verified provider outcome to a pending order: one
// conditional write, the order event, and the entitlement grant when the
// order ends up paid. Callbacks and the reconcile job share it.
func (s *WebhookService) settle(
	ctx context.Context,
	logger logrus.FieldLogger,
	order *entity.Order,
	verified *provider.CallbackResult,
	payloadJSON string,
) (*settlement, error) {
	outcome := verified.Outcome
	reason := strings.TrimSpace(verified.FailureReason)
	if outcome == provider.OutcomeSucceeded {
		switch {
		case verified.AmountMinor != nil && *verified.AmountMinor != order.AmountMinor:
			logger.WithFields(logrus.Fields{
				"expected_amount": order.AmountMinor,
				"received_amount": *verified.AmountMinor,
				"security_event":  true,
			}).Warn("Callback amount does not match order")
			s.recorder.SecurityEvent(order.Provider, failureAmountMismatch)
			outcome, reason = provider.OutcomeFailed, failureAmountMismatch
		case verified.PlanType != "" && !strings.EqualFold(verified.PlanType, order.PlanType):
			logger.WithField("security_event", true).Warn("Callback plan does not match order")
			s.recorder.SecurityEvent(order.Provider, failurePlanMismatch)
			outcome, reason = provider.OutcomeFailed, failurePlanMismatch
		}
	}
	if reason == "" {
		reason = "payment_failed"
	}

	lookup := repository.OrderLookup{Reference: order.Reference}
	now := s.now()
	var (
		updated      *entity.Order
		transitioned bool
		err          error
	)
	if outcome == provider.OutcomeSucceeded {
		updated, transitioned, err = s.orders.MarkPaid(ctx, lookup, repository.PaidFields{
			CorrelationID:         optionalString(verified.CorrelationID),
			BillingCustomerID:     optionalString(verified.CustomerID),
			BillingSubscriptionID: optionalString(verified.SubscriptionID),
		}, now)
	} else {
		updated, transitioned, err = s.orders.MarkFailed(ctx, lookup, reason, now)
	}
	if err != nil {
		return nil, storeError(err)
	}

	result := &settlement{order: updated, outcome: outcome, transitioned: transitioned}

	if outcome == provider.OutcomeSucceeded && !transitioned && updated.Status == entity.OrderStatusFailed {
		result.needsReview = true
		s.flagPaymentAfterFailure(ctx, logger, updated, verified, payloadJSON, now)
		return result, nil
	}

	s.recordTransition(ctx, updated, transitioned, verified.EventID, payloadJSON, now)

	if updated.Status == entity.OrderStatusPaid {
		// a replay of an already-paid order re-runs the grant, which heals a
		// crash between the two writes
		granted, err := s.entitlements.GrantForOrder(ctx, updated)
		if err != nil {
			logger.WithError(err).Error("Failed to grant entitlement for paid order")
			return nil, err
		}
		if transitioned {
			s.recordGrant(ctx, updated, granted, now)
		}
	}

	return result, nil
}

// flagPaymentAfterFailure surfaces money taken for an order that can no longer
// be paid. Access is not granted automatically.
func (s *WebhookService) flagPaymentAfterFailure(
	ctx context.Context,
	logger logrus.FieldLogger,
	order *entity.Order,
	verified *provider.CallbackResult,
	payloadJSON string,
	now time.Time,
) {
	failureReason := ""
	if order.FailureReason != nil {
		failureReason = *order.FailureReason
	}
	logger.WithFields(logrus.Fields{
		"order_reference": order.Reference,
		"user_id":         order.UserID,
		"failure_reason":  failureReason,
		"correlation_id":  verified.CorrelationID,
		"security_event":  true,
	}).Error("Verified payment received for failed order")
	s.recorder.SecurityEvent(order.Provider, entity.OrderEventPaymentAfterFailure)

	status := order.Status
	s.createEvent(ctx, &entity.OrderEvent{
		OrderID:         order.ID,
		EventType:       entity.OrderEventPaymentAfterFailure,
		OldStatus:       &status,
		NewStatus:       order.Status,
		ProviderEventID: optionalString(verified.EventID),
		PayloadJSON:     &payloadJSON,
		CreatedAt:       now,
	})
}

type grantRecord struct {
	EntitlementID        uint64    `json:"entitlement_id"`
	UserID               string    `json:"user_id"`
	PlanType             string    `json:"plan_type"`
	EndDate              time.Time `json:"end_date"`
	SourceOrderReference string    `json:"source_order_reference"`
	PeriodOrderReference string    `json:"period_order_reference"`
}

// recordGrant notes which entitlement row an order fed. Rows are shared per
// user and plan, so the order history is kept here.
func (s *WebhookService) recordGrant(ctx context.Context, order *entity.Order, granted *entity.Entitlement, now time.Time) {
	if granted == nil {
		return
	}
	raw, err := json.Marshal(grantRecord{
		EntitlementID:        granted.ID,
		UserID:               granted.UserID,
		PlanType:             granted.PlanType,
		EndDate:              granted.EndDate,
		SourceOrderReference: order.Reference,
		PeriodOrderReference: granted.SourceOrderReference,
	})
	if err != nil {
		s.logger.WithError(err).Warn("Failed to encode entitlement grant")
		return
	}
	payload := string(raw)
	s.createEvent(ctx, &entity.OrderEvent{
		OrderID:     order.ID,
		EventType:   entity.OrderEventEntitlementGranted,
		NewStatus:   order.Status,
		PayloadJSON: &payload,
		CreatedAt:   now,
	})
}

func (s *WebhookService) findOrder(ctx context.Context, verified *provider.CallbackResult) (*entity.Order, error) {
	if verified.SessionID != "" {
		order, err := s.orders.Find(ctx, repository.OrderLookup{CorrelationID: verified.SessionID})
		if err != nil || order != nil {
			return order, err
		}
	}
	if verified.Reference != "" {
		return s.orders.Find(ctx, repository.OrderLookup{Reference: verified.Reference})
	}
	return nil, nil
}

func (s *WebhookService) recordTransition(ctx context.Context, order *entity.Order, transitioned bool, eventID, payloadJSON string, now time.Time) {
	event := &entity.OrderEvent{
		OrderID:         order.ID,
		NewStatus:       order.Status,
		ProviderEventID: optionalString(eventID),
		PayloadJSON:     &payloadJSON,
		CreatedAt:       now,
	}
	if transitioned {
		oldStatus := entity.OrderStatusPending
		event.OldStatus = &oldStatus
		switch {
		case order.Status == entity.OrderStatusPaid:
			event.EventType = entity.OrderEventPaid
		case order.FailureReason != nil && isExpiryReason(*order.FailureReason):
			event.EventType = entity.OrderEventExpired
		default:
			event.EventType = entity.OrderEventFailed
		}
		s.recorder.OrderTransition(order.Provider, order.Status)
	} else {
		status := order.Status
		event.OldStatus = &status
		event.EventType = entity.OrderEventReplayed
	}

	s.createEvent(ctx, event)
}

func (s *WebhookService) createEvent(ctx context.Context, event *entity.OrderEvent) {
	if err := s.eventRepo.Create(ctx, event); err != nil {
		s.logger.WithError(err).WithField("event_type", event.EventType).Warn("Failed to record order event")
	}
}

func isExpiryReason(reason string) bool {
	return reason == provider.FailureCheckoutExpired || reason == failureCheckoutNotFound
}

// reject logs a delivery that failed verification or ownership checks. It
// writes nothing: forged traffic must not grow the store.
func (s *WebhookService) reject(code, fingerprint string, orderID *uint64, cause error) {
	fields := logrus.Fields{
		"provider":       code,
		"fingerprint":    fingerprint,
		"security_event": true,
	}
	if orderID != nil {
		fields["order_id"] = *orderID
	}
	s.logger.WithFields(fields).WithError(cause).Warn("Callback rejected")
	s.recorder.SecurityEvent(code, "rejected")
}

func (s *WebhookService) recordCallback(ctx context.Context, code, fingerprint string, d delivery, orderID *uint64, status string, errMsg *string) {
	now := s.now()
	err := s.callbacks.Create(ctx, &entity.OrderCallback{
		OrderID:     orderID,
		Provider:    code,
		Fingerprint: fingerprint,
		Signature:   d.signature,
		PayloadJSON: d.payloadJSON,
		Status:      status,
		Error:       errMsg,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		s.logger.WithError(err).WithField("provider", code).Warn("Failed to record callback")
	}
}

func (s *WebhookService) remember(ctx context.Context, logger logrus.FieldLogger, fingerprint string) {
	if err := s.guard.Remember(ctx, fingerprint); err != nil {
		logger.WithError(err).Debug("Replay guard write failed")
	}
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
