package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	"github.com/smallbiznis/creditledger/internal/audit/masking"
	"github.com/smallbiznis/creditledger/internal/clock"
	obscontext "github.com/smallbiznis/creditledger/internal/observability/context"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var sensitiveMetadataKeys = []string{"api_key", "prefix", "secret", "token"}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
	clock clock.Clock
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func (s *Service) AuditLog(ctx context.Context, actorType auditdomain.ActorType, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	targetType = strings.TrimSpace(targetType)
	if targetType == "" {
		targetType = "unknown"
	}

	resolvedActorType, resolvedActorID := resolveActor(ctx, actorType, actorID)

	payload := masking.MaskKeys(metadata, sensitiveMetadataKeys...)
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		if payload == nil {
			payload = map[string]any{}
		}
		payload["request_id"] = requestID
	}

	entry := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  string(resolvedActorType),
		ActorID:    resolvedActorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   normalizePointer(targetID),
		Metadata:   datatypes.JSONMap(payload),
		CreatedAt:  s.clock.Now().UTC(),
	}

	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		obslogger.WithContext(ctx, s.log).Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	actorID := strings.TrimSpace(req.ActorID)
	if actorID == "" {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidActor
	}

	cursor, err := pagination.DecodeCursor(strings.TrimSpace(req.PageToken))
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}
	var beforeID snowflake.ID
	if cursor != nil {
		beforeID = snowflake.ID(cursor.ID)
	}

	limit := req.Pagination.Limit()
	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		ActorID:  actorID,
		Action:   req.Action,
		BeforeID: beforeID,
		Limit:    limit + 1,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	page, info, err := pagination.BuildCursorPageInfo(items, limit, func(item auditdomain.AuditLog) int64 {
		return int64(item.ID)
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}
	if page == nil {
		page = []auditdomain.AuditLog{}
	}
	return auditdomain.ListAuditLogResponse{PageInfo: info, AuditLogs: page}, nil
}

func resolveActor(ctx context.Context, actorType auditdomain.ActorType, actorID *string) (auditdomain.ActorType, *string) {
	if actorType == "" {
		if userID := obscontext.UserIDFromContext(ctx); userID != "" {
			actorType = auditdomain.ActorTypeUser
			if obscontext.AuthMethodFromContext(ctx) == string(auditdomain.ActorTypeAPIKey) {
				actorType = auditdomain.ActorTypeAPIKey
			}
			if normalizePointer(actorID) == nil {
				actorID = &userID
			}
		}
	}
	if actorType == "" {
		actorType = auditdomain.ActorTypeSystem
	}

	return actorType, normalizePointer(actorID)
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
