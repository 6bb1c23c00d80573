package controller

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/mapper"
	"github.com/vibast-solutions/ms-go-billing/app/service"
	"github.com/vibast-solutions/ms-go-billing/app/types"
)

const retryableCheckoutMessage = "checkout is temporarily unavailable, please retry"

type BillingController struct {
	checkoutService    *service.CheckoutService
	entitlementService *service.EntitlementService
	portalService      *service.PortalService
	logger             logrus.FieldLogger
}

func NewBillingController(
	checkoutService *service.CheckoutService,
	entitlementService *service.EntitlementService,
	portalService *service.PortalService,
) *BillingController {
	return &BillingController{
		checkoutService:    checkoutService,
		entitlementService: entitlementService,
		portalService:      portalService,
		logger:             factory.NewModuleLogger("billing-controller"),
	}
}

func (c *BillingController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}

func (c *BillingController) CreateCheckout(ctx echo.Context) error {
	req, err := types.NewCreateCheckoutRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	res, err := c.checkoutService.CreateCheckout(ctx.Request().Context(), req)
	if err != nil {
		logger := factory.LoggerWithContext(c.logger, ctx)
		switch {
		case errors.Is(err, service.ErrInvalidPlan):
			return writeError(ctx, http.StatusBadRequest, "unknown plan")
		case errors.Is(err, service.ErrProviderUnsupported):
			return writeError(ctx, http.StatusBadRequest, "provider is not supported")
		case errors.Is(err, service.ErrValidation):
			return writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrConfiguration):
			logger.WithError(err).Error("Checkout provider is not configured")
			return writeError(ctx, http.StatusServiceUnavailable, retryableCheckoutMessage)
		case errors.Is(err, service.ErrProviderUnavailable), errors.Is(err, service.ErrTransientStore):
			logger.WithError(err).Warn("Create checkout failed")
			return writeError(ctx, http.StatusServiceUnavailable, retryableCheckoutMessage)
		default:
			logger.WithError(err).Error("Create checkout failed")
			return writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusCreated, &types.CreateCheckoutResponse{
		CheckoutUrl:    res.CheckoutURL,
		OrderReference: res.OrderReference,
	})
}

func (c *BillingController) GetSubscription(ctx echo.Context) error {
	userID, _ := ctx.Get(factory.UserIDContextKey).(string)
	status, err := c.entitlementService.Status(ctx.Request().Context(), userID)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			return writeError(ctx, http.StatusUnauthorized, "unauthorized")
		}
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Get subscription failed")
		return writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, mapper.SubscriptionStatusToResponse(status))
}

func (c *BillingController) ListOrders(ctx echo.Context) error {
	req, err := types.NewListOrdersRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	items, err := c.checkoutService.ListOrders(ctx.Request().Context(), req)
	if err != nil {
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("List orders failed")
		return writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.ListOrdersResponse{Orders: mapper.OrdersToResponse(items)})
}

func (c *BillingController) CreatePortalSession(ctx echo.Context) error {
	req, err := types.NewPortalSessionRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	sessionURL, err := c.portalService.CreatePortalSession(ctx.Request().Context(), req)
	if err != nil {
		logger := factory.LoggerWithContext(c.logger, ctx)
		switch {
		case errors.Is(err, service.ErrForbidden):
			return writeError(ctx, http.StatusForbidden, "forbidden")
		case errors.Is(err, service.ErrValidation):
			return writeError(ctx, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrConfiguration), errors.Is(err, service.ErrProviderUnavailable), errors.Is(err, service.ErrTransientStore):
			logger.WithError(err).Warn("Create portal session failed")
			return writeError(ctx, http.StatusServiceUnavailable, "billing portal is temporarily unavailable")
		default:
			logger.WithError(err).Error("Create portal session failed")
			return writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, &types.PortalSessionResponse{Url: sessionURL})
}

func writeError(ctx echo.Context, statusCode int, message string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message})
}
