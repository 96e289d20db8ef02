package service_test

import (
	"context"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	auditrepo "github.com/smallbiznis/creditledger/internal/audit/repository"
	auditservice "github.com/smallbiznis/creditledger/internal/audit/service"
	"github.com/smallbiznis/creditledger/internal/clock"
	obscontext "github.com/smallbiznis/creditledger/internal/observability/context"
	"github.com/smallbiznis/creditledger/internal/testutil"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService(t *testing.T) auditdomain.Service {
	t.Helper()
	db := testutil.OpenDB(t, &auditdomain.AuditLog{})
	return auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.NewNode(t),
		Repo:  auditrepo.Provide(),
		Clock: clock.NewFakeClock(time.Date(2026, time.March, 4, 9, 0, 0, 0, time.UTC)),
	})
}

func TestAuditLogMasksSecretsAndKeepsRequestID(t *testing.T) {
	svc := newService(t)
	ctx := obscontext.WithRequestID(context.Background(), "req-42")
	user := "user-1"
	target := "k1"

	err := svc.AuditLog(ctx, auditdomain.ActorTypeUser, &user, auditdomain.ActionAPIKeyCreate, "api_key", &target, map[string]any{
		"name":   "ci",
		"prefix": "clk_live_k1_0123",
	})
	require.NoError(t, err)

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{ActorID: user})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, "user", entry.ActorType)
	assert.Equal(t, auditdomain.ActionAPIKeyCreate, entry.Action)
	require.NotNil(t, entry.TargetID)
	assert.Equal(t, "k1", *entry.TargetID)
	assert.Equal(t, "ci", entry.Metadata["name"])
	assert.Equal(t, "clk_live_k1_****", entry.Metadata["prefix"])
	assert.Equal(t, "req-42", entry.Metadata["request_id"])
	assert.False(t, resp.HasMore)
}

func TestAuditLogResolvesActorFromContext(t *testing.T) {
	svc := newService(t)
	ctx := obscontext.WithUser(context.Background(), "user-2", "api_key")

	require.NoError(t, svc.AuditLog(ctx, "", nil, "usage.charge", "", nil, nil))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{ActorID: "user-2"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, string(auditdomain.ActorTypeAPIKey), resp.AuditLogs[0].ActorType)
	assert.Equal(t, "unknown", resp.AuditLogs[0].TargetType)
}

func TestAuditLogRejectsEmptyAction(t *testing.T) {
	svc := newService(t)
	err := svc.AuditLog(context.Background(), auditdomain.ActorTypeSystem, nil, "  ", "api_key", nil, nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListPaginatesPerActor(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	user := "user-1"
	other := "user-9"
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.AuditLog(ctx, auditdomain.ActorTypeUser, &user, auditdomain.ActionAPIKeyRevoke, "api_key", nil, nil))
	}
	require.NoError(t, svc.AuditLog(ctx, auditdomain.ActorTypeUser, &other, auditdomain.ActionAPIKeyRevoke, "api_key", nil, nil))

	first, err := svc.List(ctx, auditdomain.ListAuditLogRequest{ActorID: user, Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	require.True(t, first.HasMore)
	assert.Greater(t, first.AuditLogs[0].ID, first.AuditLogs[1].ID)

	second, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		ActorID:    user,
		Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 1)
	assert.False(t, second.HasMore)

	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidActor)
}
