package service

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       consumptiondomain.Repository
	Ledger     ledgerdomain.Service
	Tiers      consumptiondomain.TierResolver
	Rates      *config.RatesHolder
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       consumptiondomain.Repository
	ledger     ledgerdomain.Service
	tiers      consumptiondomain.TierResolver
	rates      *config.RatesHolder
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) consumptiondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("consumption.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		ledger:     p.Ledger,
		tiers:      p.Tiers,
		rates:      p.Rates,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

// charge describes one billable action after unit conversion.
type charge struct {
	userID    string
	requestID string
	metric    consumptiondomain.Metric
	reason    ledgerdomain.Reason
	refPrefix string
	quantity  int64
	quota     int64
	cost      int64
}

func (s *Service) ChargeForAPICall(ctx context.Context, req consumptiondomain.ChargeRequest) (consumptiondomain.ChargeResult, error) {
	userID, requestID, err := normalizeIDs(req.UserID, req.RequestID)
	if err != nil {
		return consumptiondomain.ChargeResult{}, err
	}

	quota, err := s.quotaFor(ctx, userID)
	if err != nil {
		return consumptiondomain.ChargeResult{}, err
	}

	return s.charge(ctx, charge{
		userID:    userID,
		requestID: requestID,
		metric:    consumptiondomain.MetricAPICall,
		reason:    ledgerdomain.ReasonAPICall,
		refPrefix: "apicall:",
		quantity:  1,
		quota:     quota.APICalls,
		cost:      s.rates.Get().CostPerCall,
	})
}

func (s *Service) ChargeForStorage(ctx context.Context, req consumptiondomain.StorageChargeRequest) (consumptiondomain.ChargeResult, error) {
	userID, requestID, err := normalizeIDs(req.UserID, req.RequestID)
	if err != nil {
		return consumptiondomain.ChargeResult{}, err
	}
	if req.GigabyteMonths <= 0 || math.IsNaN(req.GigabyteMonths) || math.IsInf(req.GigabyteMonths, 0) {
		return consumptiondomain.ChargeResult{}, consumptiondomain.ErrInvalidQuantity
	}
	units := int64(math.Round(req.GigabyteMonths * consumptiondomain.StorageUnitsPerGBMonth))
	if units <= 0 {
		return consumptiondomain.ChargeResult{}, consumptiondomain.ErrInvalidQuantity
	}

	quota, err := s.quotaFor(ctx, userID)
	if err != nil {
		return consumptiondomain.ChargeResult{}, err
	}

	return s.charge(ctx, charge{
		userID:    userID,
		requestID: requestID,
		metric:    consumptiondomain.MetricStorage,
		reason:    ledgerdomain.ReasonStorage,
		refPrefix: "storage:",
		quantity:  units,
		quota:     int64(math.Round(quota.StorageGBMonths * consumptiondomain.StorageUnitsPerGBMonth)),
		cost:      int64(math.Ceil(req.GigabyteMonths * float64(s.rates.Get().CostPerGBMonth))),
	})
}

// charge records usage and debits the ledger in one DB transaction. A rejected
// debit rolls the usage row back too, so a denied action consumes no quota.
func (s *Service) charge(ctx context.Context, c charge) (consumptiondomain.ChargeResult, error) {
	var (
		result    consumptiondomain.ChargeResult
		duplicate *consumptiondomain.UsageRecord
	)
	period := clock.Period(s.clock.Now())

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Quota is read-then-write; concurrent charges of one user queue here.
		// This also opens the account of a user who has only made free calls.
		if err := s.ledger.LockAccountTx(ctx, tx, c.userID); err != nil {
			return err
		}

		record := &consumptiondomain.UsageRecord{
			ID:        s.genID.Generate(),
			UserID:    c.userID,
			Metric:    c.metric,
			Period:    period,
			Quantity:  c.quantity,
			RequestID: c.requestID,
			CreatedAt: s.clock.Now(),
		}
		inserted, err := s.repo.Insert(ctx, tx, record)
		if err != nil {
			return err
		}
		if !inserted {
			duplicate, err = s.repo.FindByRequest(ctx, tx, c.metric, c.requestID)
			if err != nil {
				return err
			}
			if duplicate == nil || duplicate.UserID != c.userID {
				return consumptiondomain.ErrRequestIDConflict
			}
			return nil
		}

		total, err := s.repo.SumQuantity(ctx, tx, c.userID, c.metric, period)
		if err != nil {
			return err
		}
		if total <= c.quota || c.cost <= 0 {
			result.WithinQuota = total <= c.quota
			return nil
		}

		applied, err := s.ledger.ApplyTransactionTx(ctx, tx, ledgerdomain.ApplyRequest{
			UserID:      c.userID,
			Amount:      -c.cost,
			Reason:      c.reason,
			ReferenceID: c.refPrefix + c.requestID,
		})
		if err != nil {
			return err
		}
		if err := s.repo.SetCharged(ctx, tx, int64(record.ID), c.cost); err != nil {
			return err
		}
		result.Charged = c.cost
		result.Balance = applied.Balance
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
			s.obsMetrics.RecordConsumption(ctx, string(c.metric), obsmetrics.OutcomeDenied)
			obslogger.WithContext(ctx, s.log).Info("charge denied: insufficient balance",
				zap.String("user_id", c.userID),
				zap.String("metric", string(c.metric)),
				zap.Int64("cost", c.cost),
			)
		case errors.Is(err, consumptiondomain.ErrRequestIDConflict):
			s.obsMetrics.RecordConsumption(ctx, string(c.metric), obsmetrics.OutcomeError)
		default:
			s.obsMetrics.RecordConsumption(ctx, string(c.metric), obsmetrics.OutcomeError)
			obslogger.WithContext(ctx, s.log).Error("charge failed",
				zap.String("user_id", c.userID),
				zap.String("metric", string(c.metric)),
				zap.Error(err),
			)
		}
		return consumptiondomain.ChargeResult{}, err
	}

	if duplicate != nil {
		balance, err := s.ledger.GetBalance(ctx, c.userID)
		if err != nil {
			return consumptiondomain.ChargeResult{}, err
		}
		s.obsMetrics.RecordConsumption(ctx, string(c.metric), obsmetrics.OutcomeDuplicate)
		return consumptiondomain.ChargeResult{
			Charged:     duplicate.Charged,
			Balance:     balance,
			WithinQuota: duplicate.Charged == 0,
			Duplicate:   true,
		}, nil
	}

	if result.Charged == 0 {
		balance, err := s.ledger.GetBalance(ctx, c.userID)
		if err != nil {
			return consumptiondomain.ChargeResult{}, err
		}
		result.Balance = balance
		s.obsMetrics.RecordConsumption(ctx, string(c.metric), obsmetrics.OutcomeFree)
		return result, nil
	}

	s.obsMetrics.RecordConsumption(ctx, string(c.metric), obsmetrics.OutcomeCharged)
	return result, nil
}

func (s *Service) Usage(ctx context.Context, userID string) (consumptiondomain.UsageSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return consumptiondomain.UsageSummary{}, consumptiondomain.ErrInvalidUserID
	}

	paid, err := s.tiers.HasActivePaidSubscription(ctx, userID)
	if err != nil {
		return consumptiondomain.UsageSummary{}, err
	}
	tier, quota := s.quotaForTier(paid)

	period := clock.Period(s.clock.Now())
	calls, err := s.repo.SumQuantity(ctx, s.db, userID, consumptiondomain.MetricAPICall, period)
	if err != nil {
		return consumptiondomain.UsageSummary{}, err
	}
	storage, err := s.repo.SumQuantity(ctx, s.db, userID, consumptiondomain.MetricStorage, period)
	if err != nil {
		return consumptiondomain.UsageSummary{}, err
	}

	return consumptiondomain.UsageSummary{
		Period:               period,
		Tier:                 tier,
		APICalls:             calls,
		APICallQuota:         quota.APICalls,
		StorageGBMonths:      float64(storage) / consumptiondomain.StorageUnitsPerGBMonth,
		StorageGBMonthsQuota: quota.StorageGBMonths,
	}, nil
}

func (s *Service) quotaFor(ctx context.Context, userID string) (config.Quota, error) {
	paid, err := s.tiers.HasActivePaidSubscription(ctx, userID)
	if err != nil {
		return config.Quota{}, err
	}
	_, quota := s.quotaForTier(paid)
	return quota, nil
}

func (s *Service) quotaForTier(paid bool) (consumptiondomain.Tier, config.Quota) {
	rates := s.rates.Get()
	if paid {
		return consumptiondomain.TierPaid, rates.Quotas.Paid
	}
	return consumptiondomain.TierFree, rates.Quotas.Free
}

func normalizeIDs(userID, requestID string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	requestID = strings.TrimSpace(requestID)
	if userID == "" {
		return "", "", consumptiondomain.ErrInvalidUserID
	}
	if requestID == "" {
		return "", "", consumptiondomain.ErrInvalidRequestID
	}
	return userID, requestID, nil
}
