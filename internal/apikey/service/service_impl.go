package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/smallbiznis/creditledger/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	apiKeySecretBytes      = 32
	maxNameLength          = 255
	defaultExpiryRetention = 30 * 24 * time.Hour
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       apikeydomain.Repository
	Clock      clock.Clock
	Cfg        config.Config
	AuditSvc   auditdomain.Service  `optional:"true"`
	Ledger     ledgerdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics  `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       apikeydomain.Repository
	genID      *snowflake.Node
	clock      clock.Clock
	retention  time.Duration
	auditSvc   auditdomain.Service
	ledger     ledgerdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) apikeydomain.Service {
	retention := p.Cfg.APIKeyRetention
	if retention <= 0 {
		retention = defaultExpiryRetention
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("apikey.service"),
		repo:       p.Repo,
		genID:      p.GenID,
		clock:      p.Clock,
		retention:  retention,
		auditSvc:   p.AuditSvc,
		ledger:     p.Ledger,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, userID string, req apikeydomain.CreateRequest) (*apikeydomain.CreateResponse, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apikeydomain.ErrInvalidUserID
	}

	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxNameLength {
		return nil, apikeydomain.ErrInvalidName
	}

	now := s.clock.Now().UTC()
	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return nil, apikeydomain.ErrInvalidExpiry
		}
		expiry := req.ExpiresAt.UTC()
		expiresAt = &expiry
	}

	id := s.genID.Generate()
	keyID := newKeyID(id)
	plain, hash, err := generateAPIKey(keyID)
	if err != nil {
		return nil, err
	}

	key := &apikeydomain.APIKey{
		ID:        id,
		UserID:    userID,
		KeyID:     keyID,
		Name:      name,
		Prefix:    plain[:apikeydomain.DisplayPrefixLength],
		HashedKey: hash,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	if err := s.repo.Insert(ctx, s.db, key); err != nil {
		return nil, err
	}
	// Key holders are free-tier users from now on and take part in the monthly grant.
	if s.ledger != nil {
		if err := s.ledger.EnsureAccount(ctx, userID); err != nil {
			obslogger.WithContext(ctx, s.log).Warn("open ledger account failed",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}

	obslogger.WithContext(ctx, s.log).Info("api key created",
		zap.String("user_id", userID),
		zap.String("key_id", keyID),
	)
	metadata := map[string]any{"name": name, "prefix": key.Prefix}
	if expiresAt != nil {
		metadata["expires_at"] = expiresAt.Format(time.RFC3339)
	}
	s.audit(ctx, userID, auditdomain.ActionAPIKeyCreate, keyID, metadata)
	return &apikeydomain.CreateResponse{Key: toResponse(key), Plaintext: plain}, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]apikeydomain.Response, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apikeydomain.ErrInvalidUserID
	}

	items, err := s.repo.List(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	resp := make([]apikeydomain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, toResponse(&items[i]))
	}
	return resp, nil
}

// Revoke deletes a key owned by the requesting user. Keys owned by anyone else
// are reported as not found.
func (s *Service) Revoke(ctx context.Context, keyID string, requestingUserID string) error {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return apikeydomain.ErrInvalidKeyID
	}
	requestingUserID = strings.TrimSpace(requestingUserID)
	if requestingUserID == "" {
		return apikeydomain.ErrNotFound
	}

	deleted, err := s.repo.DeleteOwned(ctx, s.db, keyID, requestingUserID)
	if err != nil {
		return err
	}
	if !deleted {
		return apikeydomain.ErrNotFound
	}

	obslogger.WithContext(ctx, s.log).Info("api key revoked",
		zap.String("user_id", requestingUserID),
		zap.String("key_id", keyID),
	)
	s.audit(ctx, requestingUserID, auditdomain.ActionAPIKeyRevoke, keyID, nil)
	return nil
}

// audit failures are logged by the audit service and never fail the key operation.
func (s *Service) audit(ctx context.Context, userID, action, keyID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeUser, &userID, action, "api_key", &keyID, metadata)
}

func (s *Service) Authenticate(ctx context.Context, plaintext string) (apikeydomain.Identity, error) {
	plaintext = strings.TrimSpace(plaintext)
	if !apikeydomain.WellFormed(plaintext) {
		s.obsMetrics.RecordAPIKeyAuth(ctx, obsmetrics.OutcomeDenied)
		return apikeydomain.Identity{}, apikeydomain.ErrInvalidKey
	}

	hash := apikeydomain.HashAPIKey(plaintext)
	key, err := s.repo.FindByHash(ctx, s.db, hash)
	if err != nil {
		s.obsMetrics.RecordAPIKeyAuth(ctx, obsmetrics.OutcomeError)
		return apikeydomain.Identity{}, err
	}
	if key == nil || subtle.ConstantTimeCompare([]byte(key.HashedKey), []byte(hash)) != 1 {
		s.obsMetrics.RecordAPIKeyAuth(ctx, obsmetrics.OutcomeDenied)
		return apikeydomain.Identity{}, apikeydomain.ErrInvalidKey
	}

	now := s.clock.Now().UTC()
	if key.ExpiresAt != nil && !key.ExpiresAt.After(now) {
		s.obsMetrics.RecordAPIKeyAuth(ctx, obsmetrics.OutcomeDenied)
		return apikeydomain.Identity{}, apikeydomain.ErrInvalidKey
	}

	if err := s.repo.TouchLastUsed(ctx, s.db, int64(key.ID), now); err != nil {
		obslogger.WithContext(ctx, s.log).Warn("failed to update api key last_used_at",
			zap.String("key_id", key.KeyID),
			zap.Error(err),
		)
	}

	s.obsMetrics.RecordAPIKeyAuth(ctx, obsmetrics.OutcomeSuccess)
	return apikeydomain.Identity{UserID: key.UserID, KeyID: key.KeyID}, nil
}

func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-s.retention)
	deleted, err := s.repo.DeleteExpiredBefore(ctx, s.db, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		obslogger.WithContext(ctx, s.log).Info("purged expired api keys",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}

func toResponse(key *apikeydomain.APIKey) apikeydomain.Response {
	return apikeydomain.Response{
		KeyID:      key.KeyID,
		Name:       key.Name,
		Prefix:     key.Prefix,
		CreatedAt:  key.CreatedAt,
		LastUsedAt: key.LastUsedAt,
		ExpiresAt:  key.ExpiresAt,
	}
}

func generateAPIKey(keyID string) (string, string, error) {
	secret := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", err
	}

	plain := apikeydomain.TokenPrefix + keyID + "_" + hex.EncodeToString(secret)
	return plain, apikeydomain.HashAPIKey(plain), nil
}

func newKeyID(id snowflake.ID) string {
	return strconv.FormatInt(int64(id), 36)
}
