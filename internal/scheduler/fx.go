package scheduler

import (
	"context"

	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

func NewScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler, log *zap.Logger) {
	if !cfg.Scheduler.Enabled {
		log.Info("scheduler disabled")
		return
	}

	if cfg.Scheduler.Backend == config.SchedulerBackendRiver {
		var runner *RiverRunner
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				r, err := NewRiverRunner(ctx, cfg, sched, log)
				if err != nil {
					return err
				}
				runner = r
				return runner.Start(context.Background())
			},
			OnStop: func(ctx context.Context) error {
				if runner == nil {
					return nil
				}
				return runner.Stop(ctx)
			},
		})
		return
	}

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
