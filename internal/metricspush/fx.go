package metricspush

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module pushes process metrics on an interval. It is meant for processes
// that expose no /metrics endpoint, such as the standalone scheduler.
var Module = fx.Module("metrics.push",
	fx.Provide(NewPusher),
	fx.Invoke(Start),
)

func Start(lc fx.Lifecycle, cfg config.Config, pusher Pusher, logger *zap.Logger, db *gorm.DB) {
	if pusher == nil {
		return
	}
	logger = logger.Named("metrics.push")

	registry := prometheus.NewRegistry()
	gauges := NewLedgerGauges(registry)
	gatherer := prometheus.Gatherers{prometheus.DefaultGatherer, registry}

	interval := cfg.MetricsPush.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting metrics push worker", zap.Duration("interval", interval))
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				pushOnce(ctx, logger, pusher, gatherer, gauges, db)
				for {
					select {
					case <-ticker.C:
						pushOnce(ctx, logger, pusher, gatherer, gauges, db)
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
			// Final push so the last job counters are not lost.
			pushOnce(stopCtx, logger, pusher, gatherer, gauges, db)
			return nil
		},
	})
}

func pushOnce(ctx context.Context, logger *zap.Logger, pusher Pusher, gatherer prometheus.Gatherer, gauges *LedgerGauges, db *gorm.DB) {
	ctx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()

	if err := gauges.Refresh(ctx, db); err != nil {
		logger.Warn("ledger gauge refresh failed", zap.Error(err))
	}
	if err := pusher.Push(ctx, gatherer); err != nil {
		logger.Warn("metrics push failed", zap.Error(err))
	}
}
