package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/creditledger/pkg/db/pagination"
)

type ListAuditLogRequest struct {
	pagination.Pagination
	ActorID string
	Action  string
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	// AuditLog stores an entry. An empty actorType is resolved from the caller on ctx.
	AuditLog(ctx context.Context, actorType ActorType, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidAction = errors.New("invalid_action")
)
