package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/zap"
)

const riverMaxWorkers = 2

type monthlyGrantArgs struct{}

func (monthlyGrantArgs) Kind() string { return JobMonthlyGrant }

type reconcileArgs struct{}

func (reconcileArgs) Kind() string { return JobReconcile }

type purgeExpiredKeysArgs struct{}

func (purgeExpiredKeysArgs) Kind() string { return JobPurgeExpiredKeys }

// jobWorker runs a scheduler job from a river job. The job kind is the
// scheduler job name.
type jobWorker[T river.JobArgs] struct {
	river.WorkerDefaults[T]
	sched *Scheduler
}

func (w *jobWorker[T]) Work(ctx context.Context, job *river.Job[T]) error {
	err := w.sched.RunNamedJob(ctx, job.Args.Kind())
	if errors.Is(err, ErrLedgerMismatches) {
		// Already logged per account; retrying cannot fix it.
		return nil
	}
	return err
}

// Timeout is disabled because runJob applies the per-job timeout.
func (w *jobWorker[T]) Timeout(*river.Job[T]) time.Duration { return -1 }

// monthlySchedule fires at 00:00 UTC on the first day of every month.
type monthlySchedule struct{}

func (monthlySchedule) Next(current time.Time) time.Time {
	return clock.MonthStart(current).AddDate(0, 1, 0)
}

// RiverRunner drives the scheduler jobs through river periodic jobs so that
// only one replica runs each occurrence.
type RiverRunner struct {
	log    *zap.Logger
	pool   *pgxpool.Pool
	client *river.Client[pgx.Tx]
}

func NewRiverRunner(ctx context.Context, cfg config.Config, sched *Scheduler, log *zap.Logger) (*RiverRunner, error) {
	pool, err := pgxpool.New(ctx, db.PostgresDSN(cfg))
	if err != nil {
		return nil, err
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		pool.Close()
		return nil, err
	}

	workers := river.NewWorkers()
	river.AddWorker[monthlyGrantArgs](workers, &jobWorker[monthlyGrantArgs]{sched: sched})
	river.AddWorker[reconcileArgs](workers, &jobWorker[reconcileArgs]{sched: sched})
	river.AddWorker[purgeExpiredKeysArgs](workers, &jobWorker[purgeExpiredKeysArgs]{sched: sched})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: riverMaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: sched.periodicJobs(),
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &RiverRunner{
		log:    log.Named("scheduler.river"),
		pool:   pool,
		client: client,
	}, nil
}

func (r *RiverRunner) Start(ctx context.Context) error {
	r.log.Info("river scheduler starting")
	return r.client.Start(ctx)
}

func (r *RiverRunner) Stop(ctx context.Context) error {
	defer r.pool.Close()
	return r.client.Stop(ctx)
}

func (s *Scheduler) periodicJobs() []*river.PeriodicJob {
	opts := &river.PeriodicJobOpts{RunOnStart: true}
	candidates := []struct {
		name     string
		schedule river.PeriodicSchedule
		args     river.JobArgs
	}{
		{JobMonthlyGrant, monthlySchedule{}, monthlyGrantArgs{}},
		{JobReconcile, river.PeriodicInterval(s.cfg.ReconcileEvery), reconcileArgs{}},
		{JobPurgeExpiredKeys, river.PeriodicInterval(s.cfg.PurgeEvery), purgeExpiredKeysArgs{}},
	}

	jobs := make([]*river.PeriodicJob, 0, len(candidates))
	for _, c := range candidates {
		if !s.isJobEnabled(c.name) {
			continue
		}
		args := c.args
		jobs = append(jobs, river.NewPeriodicJob(c.schedule, func() (river.JobArgs, *river.InsertOpts) {
			return args, nil
		}, opts))
	}
	return jobs
}
