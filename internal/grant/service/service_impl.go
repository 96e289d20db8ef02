package service

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"github.com/smallbiznis/creditledger/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultPageSize    = 200
	defaultConcurrency = 8
	defaultUserTimeout = 5 * time.Second

	runOutcomeSuccess = "success"
	runOutcomePartial = "partial"
	runOutcomeFailed  = "failed"
	runOutcomeNoop    = "noop"
)

type Params struct {
	fx.In

	Log              *zap.Logger
	Ledger           ledgerdomain.Service
	Subscriptions    subscriptiondomain.Service
	Rates            *config.RatesHolder
	Clock            clock.Clock
	Cfg              config.Config
	SchedulerMetrics *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	ledger        ledgerdomain.Service
	subscriptions subscriptiondomain.Service
	rates         *config.RatesHolder
	clock         clock.Clock
	pageSize      int
	concurrency   int
	userTimeout   time.Duration
	metrics       *obsmetrics.SchedulerMetrics
}

func NewService(p Params) grantdomain.Service {
	svc := &Service{
		log:           p.Log.Named("grant.service"),
		ledger:        p.Ledger,
		subscriptions: p.Subscriptions,
		rates:         p.Rates,
		clock:         p.Clock,
		pageSize:      p.Cfg.Grant.PageSize,
		concurrency:   p.Cfg.Grant.Concurrency,
		userTimeout:   p.Cfg.Grant.UserTimeout,
		metrics:       p.SchedulerMetrics,
	}
	if svc.pageSize <= 0 {
		svc.pageSize = defaultPageSize
	}
	if svc.concurrency <= 0 {
		svc.concurrency = defaultConcurrency
	}
	if svc.userTimeout <= 0 {
		svc.userTimeout = defaultUserTimeout
	}
	return svc
}

type tally struct {
	mu      sync.Mutex
	summary grantdomain.Summary
}

func (t *tally) record(result string, credits int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch result {
	case obsmetrics.GrantResultGranted:
		t.summary.SuccessCount++
		t.summary.TotalCreditsDistributed += credits
	case obsmetrics.GrantResultSkipped:
		t.summary.SkippedCount++
	default:
		t.summary.ErrorCount++
	}
}

// GrantMonthlyFreeCredits credits every free-tier account once for the current
// period. Repeated or concurrent runs are safe: the ledger reference
// "monthly:{period}:{user}" can only be applied once.
func (s *Service) GrantMonthlyFreeCredits(ctx context.Context) (grantdomain.Summary, error) {
	ctx, correlationID := correlation.EnsureCorrelationID(ctx)
	period := clock.Period(s.clock.Now())
	amount := s.rates.Get().MonthlyGrantCredits

	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("operation", "grant_monthly_free_credits"),
		zap.String("period", period),
		zap.String("correlation_id", correlationID),
	)

	t := &tally{summary: grantdomain.Summary{Period: period}}
	if amount <= 0 {
		log.Info("monthly grant amount is zero, nothing to do")
		s.metrics.IncGrantRun(runOutcomeNoop)
		t.summary.Success = true
		return t.summary, nil
	}

	log.Info("monthly grant started", zap.Int64("amount", amount))

	userIDs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for userID := range userIDs {
				result := s.grantUser(ctx, log, userID, period, amount)
				s.metrics.IncGrantUser(result)
				if result == obsmetrics.GrantResultGranted {
					s.metrics.AddGrantCredits(amount)
				}
				t.record(result, amount)
			}
		}()
	}

	total, enumErr := s.dispatch(ctx, userIDs)
	close(userIDs)
	wg.Wait()

	summary := t.summary
	summary.TotalUsers = total
	summary.Success = summary.ErrorCount == 0 && enumErr == nil

	fields := []zap.Field{
		zap.Int("total_users", summary.TotalUsers),
		zap.Int("success_count", summary.SuccessCount),
		zap.Int("skipped_count", summary.SkippedCount),
		zap.Int("error_count", summary.ErrorCount),
		zap.Int64("total_credits_distributed", summary.TotalCreditsDistributed),
	}
	switch {
	case enumErr != nil:
		s.metrics.IncGrantRun(runOutcomeFailed)
		log.Error("monthly grant stopped early", append(fields, zap.Error(enumErr))...)
		return summary, enumErr
	case summary.ErrorCount > 0:
		s.metrics.IncGrantRun(runOutcomePartial)
		log.Warn("monthly grant finished with errors", fields...)
	default:
		s.metrics.IncGrantRun(runOutcomeSuccess)
		log.Info("monthly grant finished", fields...)
	}
	return summary, nil
}

// dispatch pages through accounts by user id and sends every free-tier user to the workers.
func (s *Service) dispatch(ctx context.Context, out chan<- string) (int, error) {
	total := 0
	after := ""
	for {
		page, err := s.ledger.ListAccountUserIDs(ctx, after, s.pageSize)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}

		paid, err := s.subscriptions.ListUsersWithActivePaidSubscription(ctx, page)
		if err != nil {
			return total, err
		}
		for _, userID := range page {
			if paid[userID] {
				continue
			}
			select {
			case out <- userID:
				total++
			case <-ctx.Done():
				return total, ctx.Err()
			}
		}

		if len(page) < s.pageSize {
			return total, nil
		}
		after = page[len(page)-1]
	}
}

func (s *Service) grantUser(ctx context.Context, log *zap.Logger, userID, period string, amount int64) string {
	userCtx, cancel := context.WithTimeout(ctx, s.userTimeout)
	defer cancel()

	result, err := s.ledger.ApplyTransaction(userCtx, ledgerdomain.ApplyRequest{
		UserID:      userID,
		Amount:      amount,
		Reason:      ledgerdomain.ReasonMonthlyGrant,
		ReferenceID: grantdomain.ReferenceID(period, userID),
	})
	if err != nil {
		log.Error("monthly grant failed for user", zap.String("user_id", userID), zap.Error(err))
		return obsmetrics.GrantResultError
	}
	if !result.Applied {
		return obsmetrics.GrantResultSkipped
	}
	return obsmetrics.GrantResultGranted
}
