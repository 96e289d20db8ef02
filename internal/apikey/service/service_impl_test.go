package service_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	apikeydomain "github.com/smallbiznis/creditledger/internal/apikey/domain"
	apikeyrepo "github.com/smallbiznis/creditledger/internal/apikey/repository"
	apikeyservice "github.com/smallbiznis/creditledger/internal/apikey/service"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	auditrepo "github.com/smallbiznis/creditledger/internal/audit/repository"
	auditservice "github.com/smallbiznis/creditledger/internal/audit/service"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creditledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creditledger/internal/ledger/service"
	"github.com/smallbiznis/creditledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var base = time.Date(2026, time.February, 3, 10, 0, 0, 0, time.UTC)

func newService(t *testing.T) (apikeydomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db := testutil.OpenDB(t, &apikeydomain.APIKey{})
	fc := clock.NewFakeClock(base)
	svc := apikeyservice.New(apikeyservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.NewNode(t),
		Repo:  apikeyrepo.Provide(),
		Clock: fc,
		Cfg:   config.Config{APIKeyRetention: 24 * time.Hour},
	})
	return svc, db, fc
}

func TestCreateReturnsPlaintextOnce(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newService(t)

	created, err := svc.Create(ctx, "user-1", apikeydomain.CreateRequest{Name: "  ci  "})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.Plaintext, "clk_live_"+created.Key.KeyID+"_"))
	assert.True(t, apikeydomain.WellFormed(created.Plaintext))
	assert.Equal(t, "ci", created.Key.Name)
	assert.Equal(t, created.Plaintext[:16], created.Key.Prefix)

	var stored apikeydomain.APIKey
	require.NoError(t, db.First(&stored, "key_id = ?", created.Key.KeyID).Error)
	assert.Equal(t, apikeydomain.HashAPIKey(created.Plaintext), stored.HashedKey)
	assert.NotContains(t, stored.HashedKey, created.Plaintext)

	keys, err := svc.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	encoded, err := json.Marshal(keys)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), created.Plaintext)
	assert.NotContains(t, string(encoded), stored.HashedKey)

	others, err := svc.List(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestCreateValidatesInput(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	_, err := svc.Create(ctx, "user-1", apikeydomain.CreateRequest{Name: " "})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidName)

	past := base.Add(-time.Minute)
	_, err = svc.Create(ctx, "user-1", apikeydomain.CreateRequest{Name: "old", ExpiresAt: &past})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidExpiry)

	_, err = svc.Create(ctx, "", apikeydomain.CreateRequest{Name: "anon"})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidUserID)
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc, db, fc := newService(t)

	created, err := svc.Create(ctx, "user-1", apikeydomain.CreateRequest{Name: "ci"})
	require.NoError(t, err)

	identity, err := svc.Authenticate(ctx, created.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, apikeydomain.Identity{UserID: "user-1", KeyID: created.Key.KeyID}, identity)

	var stored apikeydomain.APIKey
	require.NoError(t, db.First(&stored, "key_id = ?", created.Key.KeyID).Error)
	require.NotNil(t, stored.LastUsedAt)
	assert.True(t, stored.LastUsedAt.Equal(fc.Now()))

	tampered := []byte(created.Plaintext)
	if tampered[len(tampered)-1] == '0' {
		tampered[len(tampered)-1] = '1'
	} else {
		tampered[len(tampered)-1] = '0'
	}
	for _, bad := range []string{"", "not-a-key", "clk_live_abc_short", string(tampered)} {
		_, err := svc.Authenticate(ctx, bad)
		assert.ErrorIs(t, err, apikeydomain.ErrInvalidKey, bad)
	}
}

func TestAuthenticateRejectsExpiredKeyButKeepsRow(t *testing.T) {
	ctx := context.Background()
	svc, db, fc := newService(t)

	expiry := base.Add(time.Hour)
	created, err := svc.Create(ctx, "user-1", apikeydomain.CreateRequest{Name: "short", ExpiresAt: &expiry})
	require.NoError(t, err)

	fc.Advance(time.Hour)
	_, err = svc.Authenticate(ctx, created.Plaintext)
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidKey)

	var count int64
	require.NoError(t, db.Model(&apikeydomain.APIKey{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRevokeOnlyOwnedKeys(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	created, err := svc.Create(ctx, "user-1", apikeydomain.CreateRequest{Name: "ci"})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Revoke(ctx, created.Key.KeyID, "user-2"), apikeydomain.ErrNotFound)
	_, err = svc.Authenticate(ctx, created.Plaintext)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, created.Key.KeyID, "user-1"))
	_, err = svc.Authenticate(ctx, created.Plaintext)
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidKey)

	assert.ErrorIs(t, svc.Revoke(ctx, created.Key.KeyID, "user-1"), apikeydomain.ErrNotFound)
}

func TestPurgeExpiredHonoursRetention(t *testing.T) {
	ctx := context.Background()
	svc, _, fc := newService(t)

	soon := base.Add(time.Hour)
	expiring, err := svc.Create(ctx, "user-1", apikeydomain.CreateRequest{Name: "expiring", ExpiresAt: &soon})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "user-1", apikeydomain.CreateRequest{Name: "forever"})
	require.NoError(t, err)

	fc.Advance(2 * time.Hour)
	deleted, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	fc.Advance(24 * time.Hour)
	deleted, err = svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	keys, err := svc.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "forever", keys[0].Name)
	assert.NotEqual(t, expiring.Key.KeyID, keys[0].KeyID)
}

func TestCreateAndRevokeAreAudited(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t, &apikeydomain.APIKey{}, &auditdomain.AuditLog{})
	fc := clock.NewFakeClock(base)
	node := testutil.NewNode(t)
	audits := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepo.Provide(),
		Clock: fc,
	})
	svc := apikeyservice.New(apikeyservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     apikeyrepo.Provide(),
		Clock:    fc,
		AuditSvc: audits,
	})

	created, err := svc.Create(ctx, "user-1", apikeydomain.CreateRequest{Name: "ci"})
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, created.Key.KeyID, "user-1"))

	resp, err := audits.List(ctx, auditdomain.ListAuditLogRequest{ActorID: "user-1"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 2)
	assert.Equal(t, auditdomain.ActionAPIKeyRevoke, resp.AuditLogs[0].Action)
	assert.Equal(t, auditdomain.ActionAPIKeyCreate, resp.AuditLogs[1].Action)

	encoded, err := json.Marshal(resp.AuditLogs)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), created.Plaintext)
	assert.NotContains(t, string(encoded), created.Key.Prefix)
}

func TestCreateOpensLedgerAccount(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t, &apikeydomain.APIKey{}, &ledgerdomain.AccountBalance{}, &ledgerdomain.Transaction{})
	node := testutil.NewNode(t)
	fc := clock.NewFakeClock(base)
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: ledgerrepo.Provide(), Clock: fc,
	})
	svc := apikeyservice.New(apikeyservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Repo:   apikeyrepo.Provide(),
		Clock:  fc,
		Ledger: ledger,
	})

	_, err := svc.Create(ctx, "user-1", apikeydomain.CreateRequest{Name: "ci"})
	require.NoError(t, err)

	users, err := ledger.ListAccountUserIDs(ctx, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, users)
}
