package cmd

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	authclient "github.com/vibast-solutions/lib-go-auth/client"
	authmiddleware "github.com/vibast-solutions/lib-go-auth/middleware"
	authlibservice "github.com/vibast-solutions/lib-go-auth/service"
	"github.com/vibast-solutions/ms-go-billing/app/controller"
	billinggrpc "github.com/vibast-solutions/ms-go-billing/app/grpc"
	"github.com/vibast-solutions/ms-go-billing/app/middleware"
	"github.com/vibast-solutions/ms-go-billing/app/types"
	"github.com/vibast-solutions/ms-go-billing/config"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and gRPC servers",
	Long:  "Start both HTTP (Echo) and gRPC servers for the billing service.",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) {
	app, cleanup := mustCreateBillingApp()
	defer cleanup()
	cfg := app.cfg

	billingController := controller.NewBillingController(app.checkout, app.entitlements, app.portal)
	webhookController := controller.NewWebhookController(app.webhooks)
	grpcEntitlementServer := billinggrpc.NewServer(app.entitlements)
	userAuth := middleware.NewUserAuth(cfg.Auth.JWTSecret)
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logrus.Warn("JWT_SECRET is empty, user routes will reject every request")
	}

	authGRPCClient, err := authclient.NewGRPCClientFromAddr(context.Background(), cfg.InternalEndpoints.AuthGRPCAddr)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize auth gRPC client")
	}
	defer authGRPCClient.Close()

	internalAuthService := authlibservice.NewInternalAuthService(authGRPCClient)
	echoInternalAuthMiddleware := authmiddleware.NewEchoInternalAuthMiddleware(internalAuthService)
	grpcInternalAuthMiddleware := authmiddleware.NewGRPCInternalAuthMiddleware(internalAuthService)

	e := setupHTTPServer(httpDeps{
		billing:      billingController,
		webhooks:     webhookController,
		internalAuth: echoInternalAuthMiddleware,
		userAuth:     userAuth,
		metrics:      app.recorder.Handler(),
		serviceName:  cfg.App.ServiceName,
	})
	grpcSrv, lis := setupGRPCServer(cfg, grpcEntitlementServer, grpcInternalAuthMiddleware, cfg.App.ServiceName)

	go func() {
		httpAddr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		logrus.WithField("addr", httpAddr).Info("Starting HTTP server")
		if err := e.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("HTTP server error")
		}
	}()

	go func() {
		logrus.WithField("addr", lis.Addr().String()).Info("Starting gRPC server")
		if err := grpcSrv.Serve(lis); err != nil {
			logrus.WithError(err).Fatal("gRPC server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown error")
	}
	grpcSrv.GracefulStop()

	logrus.Info("Server stopped")
}

type httpDeps struct {
	billing      *controller.BillingController
	webhooks     *controller.WebhookController
	internalAuth *authmiddleware.EchoInternalAuthMiddleware
	userAuth     *middleware.UserAuth
	metrics      http.Handler
	serviceName  string
}

func setupHTTPServer(deps httpDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogRemoteIP:  true,
		LogLatency:   true,
		LogUserAgent: true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := logrus.Fields{
				"remote_ip":  v.RemoteIP,
				"host":       v.Host,
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"latency_ns": v.Latency.Nanoseconds(),
				"user_agent": v.UserAgent,
				"request_id": v.RequestID,
			}
			entry := logrus.WithFields(fields)
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Info("http_request")
			return nil
		},
	}))
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())

	e.GET("/health", deps.billing.Health)
	e.GET("/metrics", echo.WrapHandler(deps.metrics))

	// Providers cannot send internal credentials or a request id.
	webhooks := e.Group("/webhooks", echomiddleware.RequestID())
	webhooks.GET("/redirect-sign", deps.webhooks.RedirectSign)
	webhooks.POST("/redirect-sign", deps.webhooks.RedirectSign)
	webhooks.POST("/hosted-session", deps.webhooks.HostedSession)

	api := e.Group("",
		requireRequestID(),
		deps.internalAuth.RequireInternalAccess(deps.serviceName),
		deps.userAuth.RequireUser,
	)
	api.POST("/checkout", deps.billing.CreateCheckout)
	api.GET("/subscription", deps.billing.GetSubscription)
	api.GET("/orders", deps.billing.ListOrders)
	api.POST("/portal", deps.billing.CreatePortalSession)

	return e
}

func requireRequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			requestID := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
			if requestID == "" {
				return ctx.JSON(http.StatusBadRequest, &types.ErrorResponse{Error: "x-request-id header is required"})
			}
			ctx.Response().Header().Set(echo.HeaderXRequestID, requestID)
			return next(ctx)
		}
	}
}

func setupGRPCServer(
	cfg *config.Config,
	entitlementServer *billinggrpc.Server,
	internalAuthMiddleware *authmiddleware.GRPCInternalAuthMiddleware,
	appServiceName string,
) (*grpc.Server, net.Listener) {
	grpcAddr := net.JoinHostPort(cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to listen on gRPC port")
	}

	grpcSrv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			billinggrpc.RecoveryInterceptor(),
			billinggrpc.RequestIDInterceptor(),
			billinggrpc.LoggingInterceptor(),
			internalAuthMiddleware.UnaryRequireInternalAccess(appServiceName),
		),
	)
	billinggrpc.RegisterEntitlementsServer(grpcSrv, entitlementServer)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(billinggrpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	return grpcSrv, lis
}
