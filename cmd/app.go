package cmd

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/events"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/metrics"
	"github.com/vibast-solutions/ms-go-billing/app/plan"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
	"github.com/vibast-solutions/ms-go-billing/app/replay"
	"github.com/vibast-solutions/ms-go-billing/app/repository"
	"github.com/vibast-solutions/ms-go-billing/app/service"
	"github.com/vibast-solutions/ms-go-billing/config"
)

type billingApp struct {
	cfg      *config.Config
	recorder *metrics.Recorder

	checkout     *service.CheckoutService
	entitlements *service.EntitlementService
	webhooks     *service.WebhookService
	portal       *service.PortalService
}

func mustLoadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}
	return cfg
}

func mustOpenDB(cfg *config.Config) *sql.DB {
	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to ping database")
	}
	return db
}

func mustCreateBillingApp() (*billingApp, func()) {
	cfg := mustLoadConfig()
	db := mustOpenDB(cfg)

	var closers []func()
	closers = append(closers, func() {
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
	})

	shutdownTracer, err := factory.InitTracer(context.Background(), cfg.App.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logrus.WithError(err).Warn("Tracing exporter unavailable, spans stay local")
	} else {
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracer(ctx)
		})
	}

	orderRepo := repository.NewOrderRepository(db)
	eventRepo := repository.NewOrderEventRepository(db)
	callbackRepo := repository.NewOrderCallbackRepository(db)
	entitlementRepo := repository.NewEntitlementRepository(db)

	registry := provider.NewRegistry(
		provider.NewEpayProvider(provider.EpayConfig{
			MerchantID:    cfg.Epay.MerchantID,
			Key:           cfg.Epay.Key,
			GatewayURL:    cfg.Epay.GatewayURL,
			NotifyURL:     cfg.Epay.NotifyURL,
			ReturnURL:     cfg.Epay.ReturnURL,
			DisplayName:   cfg.Epay.DisplayName,
			DefaultMethod: cfg.Epay.DefaultMethod,
			QueryURL:      cfg.Epay.QueryURL,
			HTTPTimeout:   cfg.Epay.HTTPTimeout,
		}),
		provider.NewStripeProvider(provider.StripeConfig{
			SecretKey:                 cfg.Stripe.SecretKey,
			WebhookSecret:             cfg.Stripe.WebhookSecret,
			APIBaseURL:                cfg.Stripe.APIBaseURL,
			SuccessURL:                cfg.Stripe.SuccessURL,
			CancelURL:                 cfg.Stripe.CancelURL,
			SignatureToleranceSeconds: cfg.Stripe.SignatureToleranceSeconds,
			HTTPTimeout:               cfg.Stripe.HTTPTimeout,
		}),
	)

	recorder := metrics.NewRecorder()
	catalog := plan.NewCatalog(cfg.Plans)

	publisher, closePublisher := newPublisher(cfg)
	closers = append(closers, closePublisher)
	guard, closeGuard := newReplayGuard(cfg)
	closers = append(closers, closeGuard)

	entitlementService := service.NewEntitlementService(entitlementRepo, catalog, publisher, recorder).
		WithBatchSize(cfg.Billing.JobBatchSize)
	checkoutService := service.NewCheckoutService(orderRepo, eventRepo, registry, catalog, cfg.Billing, recorder)
	webhookService := service.NewWebhookService(
		orderRepo,
		eventRepo,
		callbackRepo,
		entitlementService,
		registry,
		guard,
		recorder,
		cfg.Billing.WebhookTimeout,
	).WithPendingPolicy(cfg.Billing.PendingTimeout, cfg.Billing.JobBatchSize)
	portalService := service.NewPortalService(entitlementService, registry, cfg.Stripe.PortalReturnURL)

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	return &billingApp{
		cfg:          cfg,
		recorder:     recorder,
		checkout:     checkoutService,
		entitlements: entitlementService,
		webhooks:     webhookService,
		portal:       portalService,
	}, cleanup
}

// newPublisher falls back to a no-op publisher; entitlement state never
// depends on the broker.
func newPublisher(cfg *config.Config) (service.EventPublisher, func()) {
	if cfg.AMQP.URL == "" {
		return events.NopPublisher{}, func() {}
	}
	publisher, err := events.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	if err != nil {
		logrus.WithError(err).Warn("AMQP unavailable, entitlement events disabled")
		return events.NopPublisher{}, func() {}
	}
	return publisher, func() {
		if err := publisher.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close AMQP publisher")
		}
	}
}

// newReplayGuard falls back to a no-op guard; the store stays authoritative
// for idempotency.
func newReplayGuard(cfg *config.Config) (replay.Guard, func()) {
	if cfg.Redis.Addr == "" {
		return replay.NopGuard{}, func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logrus.WithError(err).Warn("Redis unavailable, replay fast path disabled")
		_ = client.Close()
		return replay.NopGuard{}, func() {}
	}
	return replay.NewRedisGuard(client, cfg.Redis.ReplayTTL), func() {
		if err := client.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close redis client")
		}
	}
}
