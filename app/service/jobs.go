package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
)

// RunReconcilePendingBatch asks the provider about pending orders older than
// the pending timeout. Orders it reports paid or failed settle through the
// same conditional writes as a callback; orders it still considers open stay
// pending. It returns how many orders changed status.
func (s *WebhookService) RunReconcilePendingBatch(ctx context.Context) (int, error) {
	now := s.now()
	items, err := s.orders.ListStalePending(ctx, now.Add(-s.pendingAfter), s.batchSize)
	if err != nil {
		return 0, storeError(err)
	}

	settled := 0
	var firstErr error
	for _, order := range items {
		if order == nil {
			continue
		}
		changed, err := s.reconcileOrder(ctx, order)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if changed {
			settled++
		}
	}

	return settled, firstErr
}

func (s *WebhookService) reconcileOrder(ctx context.Context, order *entity.Order) (bool, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"provider":        order.Provider,
		"order_reference": order.Reference,
	})

	providerClient, err := s.providerReg.Get(order.Provider)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	checker, ok := providerClient.(provider.StatusChecker)
	if !ok {
		s.recorder.Reconcile(order.Provider, "unsupported")
		return false, nil
	}

	sessionID := ""
	if order.CorrelationID != nil {
		sessionID = *order.CorrelationID
	}
	verified, err := checker.CheckoutStatus(ctx, order.Reference, sessionID)
	switch {
	case errors.Is(err, provider.ErrUnknownCheckout):
		// no payment page exists for this order, so nothing can be paid on it
		verified = &provider.CallbackResult{
			Valid:         true,
			EventType:     "checkout_unknown",
			Outcome:       provider.OutcomeFailed,
			Reference:     order.Reference,
			FailureReason: failureCheckoutNotFound,
		}
	case errors.Is(err, provider.ErrNotConfigured):
		s.recorder.Reconcile(order.Provider, "not_configured")
		return false, fmt.Errorf("%w: %w", ErrConfiguration, err)
	case err != nil:
		s.recorder.Reconcile(order.Provider, "unavailable")
		logger.WithError(err).Warn("Pending order status check failed")
		return false, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	if verified.Outcome != provider.OutcomeSucceeded && verified.Outcome != provider.OutcomeFailed {
		s.recorder.Reconcile(order.Provider, "open")
		return false, nil
	}
	if verified.Reference != "" && verified.Reference != order.Reference {
		s.recorder.SecurityEvent(order.Provider, "reconcile_mismatch")
		return false, fmt.Errorf("%w: provider reported reference %s", ErrAuthentication, verified.Reference)
	}
	if err := checkOwnership(order, order.Provider, verified); err != nil {
		s.recorder.SecurityEvent(order.Provider, "reconcile_mismatch")
		return false, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	payload, err := json.Marshal(map[string]string{
		"source":     "reconcile",
		"event_type": verified.EventType,
		"outcome":    verified.Outcome.String(),
	})
	if err != nil {
		return false, err
	}

	settled, err := s.settle(ctx, logger, order, verified, string(payload))
	if err != nil {
		return false, err
	}
	s.recorder.Reconcile(order.Provider, settled.order.Status)
	logger.WithFields(logrus.Fields{
		"status":       settled.order.Status,
		"transitioned": settled.transitioned,
	}).Info("Pending order reconciled")

	return settled.transitioned, nil
}

// RunExpireBatch flips ended active entitlements to expired. Access checks do
// not depend on it.
func (s *EntitlementService) RunExpireBatch(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireEnded(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, storeError(err)
	}
	return n, nil
}

func keepFirstErr(current, next error) error {
	if current != nil {
		return current
	}
	return next
}
