package controller

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/service"
	"github.com/vibast-solutions/ms-go-billing/app/types"
)

// Plain-text acknowledgements expected by the redirect gateway.
const (
	redirectSignAck  = "success"
	redirectSignNack = "fail"
)

type WebhookController struct {
	webhookService *service.WebhookService
	logger         logrus.FieldLogger
}

func NewWebhookController(webhookService *service.WebhookService) *WebhookController {
	return &WebhookController{
		webhookService: webhookService,
		logger:         factory.NewModuleLogger("webhook-controller"),
	}
}

func (c *WebhookController) RedirectSign(ctx echo.Context) error {
	req, err := types.NewRedirectSignWebhookRequestFromContext(ctx)
	if err != nil {
		return ctx.String(http.StatusBadRequest, redirectSignNack)
	}
	if err := req.Validate(); err != nil {
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Warn("Malformed redirect-sign callback")
		return ctx.String(http.StatusBadRequest, redirectSignNack)
	}

	if _, err := c.webhookService.HandleRedirectSign(ctx.Request().Context(), req.Params); err != nil {
		return ctx.String(c.webhookStatus(ctx, err), redirectSignNack)
	}
	return ctx.String(http.StatusOK, redirectSignAck)
}

func (c *WebhookController) HostedSession(ctx echo.Context) error {
	req, err := types.NewHostedSessionWebhookRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	if _, err := c.webhookService.HandleHostedSession(ctx.Request().Context(), req.Payload, req.Signature); err != nil {
		status := c.webhookStatus(ctx, err)
		if status == http.StatusBadRequest {
			return writeError(ctx, status, "invalid signature")
		}
		return writeError(ctx, status, "webhook processing failed")
	}
	return ctx.JSON(http.StatusOK, &types.HostedSessionWebhookResponse{Received: true})
}

// webhookStatus maps processing errors so that only retryable failures ask
// the provider to redeliver.
func (c *WebhookController) webhookStatus(ctx echo.Context, err error) int {
	logger := factory.LoggerWithContext(c.logger, ctx)
	switch {
	case errors.Is(err, service.ErrAuthentication):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrConfiguration):
		logger.WithError(err).Error("Webhook provider is not configured")
		return http.StatusInternalServerError
	case errors.Is(err, service.ErrTransientStore):
		logger.WithError(err).Warn("Webhook processing hit a transient store error")
		return http.StatusInternalServerError
	default:
		logger.WithError(err).Error("Webhook processing failed")
		return http.StatusInternalServerError
	}
}
