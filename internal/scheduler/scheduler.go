package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/smallbiznis/creditledger/internal/apikey/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/scheduler/guard"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidConfig    = errors.New("invalid_scheduler_config")
	ErrUnknownJob       = errors.New("unknown_scheduler_job")
	ErrGrantIncomplete  = errors.New("monthly_grant_incomplete")
	ErrLedgerMismatches = errors.New("ledger_discrepancies_found")
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Grant   grantdomain.Service
	Ledger  ledgerdomain.Service
	APIKeys apikeydomain.Service
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  Config                       `optional:"true"`
	Metrics *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	grant   grantdomain.Service
	ledger  ledgerdomain.Service
	apiKeys apikeydomain.Service
	metrics *obsmetrics.SchedulerMetrics

	mu              sync.Mutex
	lastGrantPeriod string
	lastReconcile   time.Time
	lastPurge       time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Grant == nil || p.Ledger == nil || p.APIKeys == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   p.Clock,
		grant:   p.Grant,
		ledger:  p.Ledger,
		apiKeys: p.APIKeys,
		metrics: metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A timed out job is picked up again on the next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job that is due.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	now := s.clock.Now()

	s.mu.Lock()
	grantDue := guard.GrantDue(s.lastGrantPeriod, now)
	reconcileDue := guard.IntervalDue(s.lastReconcile, now, s.cfg.ReconcileEvery)
	purgeDue := guard.IntervalDue(s.lastPurge, now, s.cfg.PurgeEvery)
	s.mu.Unlock()

	jobs := []struct {
		Name string
		Due  bool
	}{
		{JobMonthlyGrant, grantDue},
		{JobReconcile, reconcileDue},
		{JobPurgeExpiredKeys, purgeDue},
	}

	for _, job := range jobs {
		if job.Due && s.isJobEnabled(job.Name) {
			err = errors.Join(err, s.RunNamedJob(parent, job.Name))
		}
	}
	return err
}

// RunNamedJob runs one job immediately regardless of its schedule.
func (s *Scheduler) RunNamedJob(ctx context.Context, name string) error {
	switch name {
	case JobMonthlyGrant:
		return s.runJob(ctx, name, s.cfg.GrantBatchSize, s.cfg.GrantTimeout, s.MonthlyGrantJob)
	case JobReconcile:
		return s.runJob(ctx, name, 0, s.cfg.ReconcileTimeout, s.ReconcileJob)
	case JobPurgeExpiredKeys:
		return s.runJob(ctx, name, 0, s.cfg.PurgeTimeout, s.PurgeExpiredKeysJob)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// MonthlyGrantJob grants the current period. The period is only marked done
// once every eligible user was handled, so a partial run is retried.
func (s *Scheduler) MonthlyGrantJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobMonthlyGrant, s.cfg.GrantBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	summary, err := s.grant.GrantMonthlyFreeCredits(ctx)
	run.AddProcessed(summary.SuccessCount + summary.SkippedCount)
	s.metrics.AddBatchProcessed(JobMonthlyGrant, "users", summary.TotalUsers)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.grant.failed", JobMonthlyGrant, err)
		return err
	}
	if !summary.Success {
		err := fmt.Errorf("%w: %d of %d users failed", ErrGrantIncomplete, summary.ErrorCount, summary.TotalUsers)
		s.logSchedulerError(ctx, run, "scheduler.grant.incomplete", JobMonthlyGrant, err,
			zap.String("period", summary.Period),
		)
		return err
	}

	s.mu.Lock()
	s.lastGrantPeriod = summary.Period
	s.mu.Unlock()
	return nil
}

// ReconcileJob compares stored balances with the transaction history and logs
// every account that disagrees. Nothing is corrected automatically.
func (s *Scheduler) ReconcileJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcile, 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	discrepancies, err := s.ledger.Reconcile(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconcile.failed", JobReconcile, err)
		return err
	}

	s.mu.Lock()
	s.lastReconcile = s.clock.Now()
	s.mu.Unlock()

	if len(discrepancies) == 0 {
		return nil
	}
	for _, d := range discrepancies {
		s.logger(ctx).Error("ledger.balance.mismatch",
			zap.String("user_id", d.UserID),
			zap.Int64("balance", d.Balance),
			zap.Int64("ledger_sum", d.LedgerSum),
		)
		run.IncError()
	}
	return fmt.Errorf("%w: %d accounts", ErrLedgerMismatches, len(discrepancies))
}

func (s *Scheduler) PurgeExpiredKeysJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobPurgeExpiredKeys, 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	deleted, err := s.apiKeys.PurgeExpired(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.purge.failed", JobPurgeExpiredKeys, err)
		return err
	}
	run.AddProcessed(int(deleted))
	s.metrics.AddBatchProcessed(JobPurgeExpiredKeys, "api_keys", int(deleted))

	s.mu.Lock()
	s.lastPurge = s.clock.Now()
	s.mu.Unlock()
	return nil
}
