package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
)

type portalRequest interface {
	GetUserId() string
	GetCustomerId() string
}

// Decision is the outcome of a portal ownership check.
type Decision struct {
	Allowed bool
	Reason  string
}

type PortalService struct {
	entitlements *EntitlementService
	providerReg  *provider.Registry
	returnURL    string
	logger       logrus.FieldLogger
}

func NewPortalService(entitlements *EntitlementService, providerReg *provider.Registry, returnURL string) *PortalService {
	return &PortalService{
		entitlements: entitlements,
		providerReg:  providerReg,
		returnURL:    strings.TrimSpace(returnURL),
		logger:       factory.NewModuleLogger("portal-service"),
	}
}

// Authorize allows a portal session only when the caller's latest entitlement
// carries exactly the requested billing customer id.
func (s *PortalService) Authorize(ctx context.Context, userID, customerID string) (Decision, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Decision{}, ErrValidation
	}
	if customerID == "" {
		return Decision{Reason: "customer_id_missing"}, nil
	}

	latest, err := s.entitlements.Latest(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if latest == nil || latest.BillingCustomerID == nil || *latest.BillingCustomerID == "" {
		return Decision{Reason: "no_billing_customer"}, nil
	}
	if *latest.BillingCustomerID != customerID {
		return Decision{Reason: "customer_mismatch"}, nil
	}
	return Decision{Allowed: true}, nil
}

func (s *PortalService) CreatePortalSession(ctx context.Context, req portalRequest) (string, error) {
	decision, err := s.Authorize(ctx, req.GetUserId(), req.GetCustomerId())
	if err != nil {
		return "", err
	}
	if !decision.Allowed {
		s.logger.WithFields(logrus.Fields{
			"user_id":        req.GetUserId(),
			"reason":         decision.Reason,
			"security_event": true,
		}).Warn("Portal session denied")
		return "", ErrForbidden
	}

	portal, err := s.providerReg.Portal()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	sessionURL, err := portal.CreatePortalSession(ctx, req.GetCustomerId(), s.returnURL)
	if err != nil {
		if errors.Is(err, provider.ErrNotConfigured) {
			return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		return "", fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return sessionURL, nil
}
