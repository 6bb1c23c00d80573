package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-billing/config"
)

var (
	workerMode bool
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Run order lifecycle commands",
}

var ordersReconcilePendingCmd = &cobra.Command{
	Use:     "reconcile-pending",
	Aliases: []string{"expire-pending"},
	Short:   "Settle stale pending orders from their provider's checkout status",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"orders_reconcile_pending",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ReconcilePendingInterval },
			func(app *billingApp, ctx context.Context) (int64, error) {
				n, err := app.webhooks.RunReconcilePendingBatch(ctx)
				return int64(n), err
			},
		)
	},
}

var entitlementsCmd = &cobra.Command{
	Use:   "entitlements",
	Short: "Run entitlement lifecycle commands",
}

var entitlementsExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Mark active entitlements past their end date as expired",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"entitlements_expire",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ExpireEntitlementsInterval },
			func(app *billingApp, ctx context.Context) (int64, error) {
				return app.entitlements.RunExpireBatch(ctx)
			},
		)
	},
}

func init() {
	rootCmd.AddCommand(ordersCmd)
	rootCmd.AddCommand(entitlementsCmd)
	ordersCmd.AddCommand(ordersReconcilePendingCmd)
	entitlementsCmd.AddCommand(entitlementsExpireCmd)

	rootCmd.PersistentFlags().BoolVar(&workerMode, "worker", false, "Run continuously using configured interval")
}

type jobFunc func(app *billingApp, ctx context.Context) (int64, error)

func runCommand(
	name string,
	intervalResolver func(cfg *config.Config) time.Duration,
	fn jobFunc,
) {
	app, cleanup := mustCreateBillingApp()
	defer cleanup()

	if workerMode {
		runWorker(name, intervalResolver(app.cfg), app, fn)
		return
	}

	ctx := context.Background()
	runJob(name, func() (int64, error) { return fn(app, ctx) })
}

func runWorker(
	name string,
	interval time.Duration,
	app *billingApp,
	fn jobFunc,
) {
	if interval <= 0 {
		logrus.WithField("job", name).Fatal("invalid worker interval")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runJob(name, func() (int64, error) { return fn(app, ctx) })

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-quit:
			logrus.WithField("job", name).Info("Worker shutdown requested")
			return
		case <-ticker.C:
			runJob(name, func() (int64, error) { return fn(app, ctx) })
		}
	}
}

func runJob(name string, fn func() (int64, error)) {
	start := time.Now()
	affected, err := fn()
	entry := logrus.WithFields(logrus.Fields{
		"job":      name,
		"affected": affected,
		"latency":  time.Since(start).String(),
	})
	if err != nil {
		entry.WithError(err).Error("job_failed")
		return
	}
	entry.Info("job_completed")
}
