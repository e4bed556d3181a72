// Command scheduler runs one daily billing pass and exits. It is meant for
// an external cron when the API runs without the in-process scheduler.
package main

import (
	"context"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantbilling/internal/catalog"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"github.com/smallbiznis/tenantbilling/internal/config"
	"github.com/smallbiznis/tenantbilling/internal/invoice"
	"github.com/smallbiznis/tenantbilling/internal/migration"
	"github.com/smallbiznis/tenantbilling/internal/notification"
	"github.com/smallbiznis/tenantbilling/internal/observability"
	"github.com/smallbiznis/tenantbilling/internal/payment"
	"github.com/smallbiznis/tenantbilling/internal/ratelimit"
	"github.com/smallbiznis/tenantbilling/internal/scheduler"
	"github.com/smallbiznis/tenantbilling/internal/subscription"
	"github.com/smallbiznis/tenantbilling/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		catalog.Module,
		notification.Module,
		invoice.Module,
		payment.Module,
		subscription.Module,
		ratelimit.Module,
		fx.Provide(scheduler.ProvideConfig, scheduler.New),

		fx.Invoke(runOnce),
	)

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		os.Exit(1)
	}
	if err := app.Stop(ctx); err != nil {
		os.Exit(1)
	}
	if app.Err() != nil {
		os.Exit(1)
	}
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}

func runOnce(lc fx.Lifecycle, sched *scheduler.Scheduler, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			report, err := sched.RunDaily(ctx)
			if err != nil {
				log.Error("daily billing run failed", zap.Error(err))
				return err
			}
			log.Info("daily billing run finished",
				zap.String("run_id", report.RunID),
				zap.Int("processed", report.Processed),
				zap.Int("failed", report.Failed),
			)
			return nil
		},
	})
}
