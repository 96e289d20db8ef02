package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       ledgerdomain.Repository
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       ledgerdomain.Repository
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) ApplyTransaction(ctx context.Context, req ledgerdomain.ApplyRequest) (ledgerdomain.ApplyResult, error) {
	var result ledgerdomain.ApplyResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.ApplyTransactionTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return ledgerdomain.ApplyResult{}, err
	}
	return result, nil
}

// ApplyTransactionTx returns ErrInsufficientBalance after the transaction row was
// written; the caller must roll tx back on any error.
func (s *Service) ApplyTransactionTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.ApplyRequest) (ledgerdomain.ApplyResult, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return ledgerdomain.ApplyResult{}, err
	}

	now := s.clock.Now()
	if err := s.repo.EnsureAccount(ctx, tx, req.UserID, now); err != nil {
		return ledgerdomain.ApplyResult{}, err
	}

	entry := &ledgerdomain.Transaction{
		ID:          s.genID.Generate(),
		UserID:      req.UserID,
		Amount:      req.Amount,
		Reason:      req.Reason,
		ReferenceID: req.ReferenceID,
		CreatedAt:   now,
	}
	inserted, err := s.repo.InsertTransaction(ctx, tx, entry)
	if err != nil {
		s.obsMetrics.RecordLedgerTransaction(ctx, string(req.Reason), obsmetrics.OutcomeError, req.Amount)
		return ledgerdomain.ApplyResult{}, err
	}

	if !inserted {
		s.warnOnReferenceMismatch(ctx, tx, req)
		balance, err := s.repo.GetBalance(ctx, tx, req.UserID)
		if err != nil {
			return ledgerdomain.ApplyResult{}, err
		}
		s.obsMetrics.RecordLedgerTransaction(ctx, string(req.Reason), obsmetrics.OutcomeDuplicate, req.Amount)
		return ledgerdomain.ApplyResult{Balance: balance, Applied: false}, nil
	}

	ok, err := s.repo.AddToBalance(ctx, tx, req.UserID, req.Amount, now)
	if err != nil {
		s.obsMetrics.RecordLedgerTransaction(ctx, string(req.Reason), obsmetrics.OutcomeError, req.Amount)
		return ledgerdomain.ApplyResult{}, err
	}
	if !ok {
		s.obsMetrics.RecordLedgerTransaction(ctx, string(req.Reason), obsmetrics.OutcomeInsufficient, req.Amount)
		return ledgerdomain.ApplyResult{}, ledgerdomain.ErrInsufficientBalance
	}

	balance, err := s.repo.GetBalance(ctx, tx, req.UserID)
	if err != nil {
		return ledgerdomain.ApplyResult{}, err
	}
	if err := s.repo.SetBalanceAfter(ctx, tx, entry.ID, balance); err != nil {
		return ledgerdomain.ApplyResult{}, err
	}
	s.obsMetrics.RecordLedgerTransaction(ctx, string(req.Reason), obsmetrics.OutcomeApplied, req.Amount)
	return ledgerdomain.ApplyResult{Balance: balance, Applied: true}, nil
}

func (s *Service) warnOnReferenceMismatch(ctx context.Context, tx *gorm.DB, req ledgerdomain.ApplyRequest) {
	existing, err := s.repo.FindTransactionByReference(ctx, tx, req.ReferenceID)
	if err != nil || existing == nil {
		return
	}
	if existing.UserID != req.UserID || existing.Amount != req.Amount || existing.Reason != req.Reason {
		s.log.Warn("reference id reused with different payload",
			zap.String("reference_id", req.ReferenceID),
			zap.String("user_id", req.UserID),
			zap.String("recorded_user_id", existing.UserID),
			zap.Int64("amount", req.Amount),
			zap.Int64("recorded_amount", existing.Amount),
		)
	}
}

func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, ledgerdomain.ErrInvalidUserID
	}
	return s.repo.GetBalance(ctx, s.db, userID)
}

func (s *Service) ListTransactions(ctx context.Context, req ledgerdomain.ListTransactionsRequest) (ledgerdomain.ListTransactionsResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return ledgerdomain.ListTransactionsResponse{}, ledgerdomain.ErrInvalidUserID
	}

	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}
	var beforeID snowflake.ID
	if cursor != nil {
		beforeID = snowflake.ID(cursor.ID)
	}

	limit := pagination.Pagination{PageSize: req.PageSize}.Limit()
	rows, err := s.repo.ListTransactions(ctx, s.db, userID, beforeID, limit+1)
	if err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}

	page, info, err := pagination.BuildCursorPageInfo(rows, limit, func(t ledgerdomain.Transaction) int64 {
		return int64(t.ID)
	})
	if err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}
	return ledgerdomain.ListTransactionsResponse{
		Transactions:  page,
		NextPageToken: info.NextPageToken,
		HasMore:       info.HasMore,
	}, nil
}

func (s *Service) EnsureAccount(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ledgerdomain.ErrInvalidUserID
	}
	return s.repo.EnsureAccount(ctx, s.db, userID, s.clock.Now())
}

func (s *Service) LockAccountTx(ctx context.Context, tx *gorm.DB, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ledgerdomain.ErrInvalidUserID
	}
	if err := s.repo.EnsureAccount(ctx, tx, userID, s.clock.Now()); err != nil {
		return err
	}
	return s.repo.LockAccount(ctx, tx, userID)
}

func (s *Service) ListAccountUserIDs(ctx context.Context, afterUserID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}
	return s.repo.ListAccountUserIDs(ctx, s.db, afterUserID, limit)
}

func (s *Service) Reconcile(ctx context.Context) ([]ledgerdomain.Discrepancy, error) {
	rows, err := s.repo.FindDiscrepancies(ctx, s.db)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		s.log.Error("ledger balance mismatch",
			zap.String("user_id", row.UserID),
			zap.Int64("balance", row.Balance),
			zap.Int64("ledger_sum", row.LedgerSum),
		)
	}
	return rows, nil
}

func normalizeRequest(req ledgerdomain.ApplyRequest) (ledgerdomain.ApplyRequest, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.ReferenceID = strings.TrimSpace(req.ReferenceID)
	switch {
	case req.UserID == "":
		return req, ledgerdomain.ErrInvalidUserID
	case req.Amount == 0:
		return req, ledgerdomain.ErrInvalidAmount
	case !req.Reason.Valid():
		return req, ledgerdomain.ErrInvalidReason
	case req.ReferenceID == "":
		return req, ledgerdomain.ErrInvalidReferenceID
	}
	return req, nil
}
