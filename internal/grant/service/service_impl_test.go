package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	consumptionrepo "github.com/smallbiznis/creditledger/internal/consumption/repository"
	consumptionservice "github.com/smallbiznis/creditledger/internal/consumption/service"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	grantservice "github.com/smallbiznis/creditledger/internal/grant/service"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creditledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creditledger/internal/ledger/service"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/creditledger/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/creditledger/internal/subscription/service"
	"github.com/smallbiznis/creditledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, time.June, 15, 8, 0, 0, 0, time.UTC)

type fixture struct {
	db     *gorm.DB
	ledger ledgerdomain.Service
	subs   subscriptiondomain.Service
	clock  *clock.FakeClock
	node   *snowflake.Node
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.OpenDB(t,
		&ledgerdomain.AccountBalance{},
		&ledgerdomain.Transaction{},
		&subscriptiondomain.SubscriptionRecord{},
		&subscriptiondomain.PaymentEvent{},
		&consumptiondomain.UsageRecord{},
	)
	node := testutil.NewNode(t)
	fc := clock.NewFakeClock(now)
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: ledgerrepo.Provide(), Clock: fc,
	})
	subs := subscriptionservice.NewService(subscriptionservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: subscriptionrepo.Provide(), Clock: fc,
	})
	return fixture{db: db, ledger: ledger, subs: subs, clock: fc, node: node}
}

func (f fixture) grantService(amount int64, pageSize int) grantdomain.Service {
	return grantservice.NewService(grantservice.Params{
		Log:           zap.NewNop(),
		Ledger:        f.ledger,
		Subscriptions: f.subs,
		Rates:         config.NewStaticRatesHolder(config.RatesConfig{MonthlyGrantCredits: amount}),
		Clock:         f.clock,
		Cfg:           config.Config{Grant: config.GrantConfig{PageSize: pageSize, Concurrency: 4, UserTimeout: time.Second}},
	})
}

func (f fixture) seedUsers(t *testing.T, n int) []string {
	t.Helper()
	users := make([]string, 0, n)
	for i := 0; i < n; i++ {
		userID := fmt.Sprintf("user-%02d", i)
		require.NoError(t, f.ledger.EnsureAccount(context.Background(), userID))
		users = append(users, userID)
	}
	return users
}

func (f fixture) subscribe(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, f.subs.ApplyProviderEvent(context.Background(), subscriptiondomain.ProviderEvent{
		ID:         "evt_" + userID,
		Provider:   "stripe",
		OccurredAt: now.Add(-time.Hour),
		Raw:        []byte(`{}`),
		Payload: subscriptiondomain.CheckoutCompleted{
			ExternalSubscriptionID: "sub_" + userID,
			ExternalCustomerID:     "cus_" + userID,
			UserID:                 userID,
			Status:                 subscriptiondomain.StatusActive,
		},
	}))
}

func (f fixture) grantCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&ledgerdomain.Transaction{}).Where("reason = ?", ledgerdomain.ReasonMonthlyGrant).Count(&count).Error)
	return count
}

func TestGrantMonthlyFreeCreditsOncePerPeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	users := f.seedUsers(t, 5)
	svc := f.grantService(100, 2)

	first, err := svc.GrantMonthlyFreeCredits(ctx)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, "2026-06", first.Period)
	assert.Equal(t, 5, first.TotalUsers)
	assert.Equal(t, 5, first.SuccessCount)
	assert.Equal(t, int64(500), first.TotalCreditsDistributed)

	second, err := svc.GrantMonthlyFreeCredits(ctx)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, 0, second.SuccessCount)
	assert.Equal(t, 5, second.SkippedCount)
	assert.Zero(t, second.TotalCreditsDistributed)

	for _, userID := range users {
		balance, err := f.ledger.GetBalance(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(100), balance, userID)
	}
	assert.Equal(t, int64(5), f.grantCount(t))
}

func TestGrantMonthlyFreeCreditsNextPeriodGrantsAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedUsers(t, 2)
	svc := f.grantService(50, 10)

	_, err := svc.GrantMonthlyFreeCredits(ctx)
	require.NoError(t, err)

	f.clock.Set(now.AddDate(0, 1, 0))
	summary, err := svc.GrantMonthlyFreeCredits(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-07", summary.Period)
	assert.Equal(t, 2, summary.SuccessCount)

	balance, err := f.ledger.GetBalance(ctx, "user-00")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestGrantMonthlyFreeCreditsConcurrentRunsGrantOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedUsers(t, 6)
	svc := f.grantService(25, 3)

	var wg sync.WaitGroup
	summaries := make([]grantdomain.Summary, 3)
	for i := range summaries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			summary, err := svc.GrantMonthlyFreeCredits(ctx)
			assert.NoError(t, err)
			summaries[i] = summary
		}(i)
	}
	wg.Wait()

	granted := 0
	var credits int64
	for _, summary := range summaries {
		granted += summary.SuccessCount
		credits += summary.TotalCreditsDistributed
	}
	assert.Equal(t, 6, granted)
	assert.Equal(t, int64(150), credits)
	assert.Equal(t, int64(6), f.grantCount(t))
}

func TestGrantMonthlyFreeCreditsSkipsPaidUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedUsers(t, 3)
	f.subscribe(t, "user-01")

	summary, err := f.grantService(100, 10).GrantMonthlyFreeCredits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalUsers)
	assert.Equal(t, 2, summary.SuccessCount)

	balance, err := f.ledger.GetBalance(ctx, "user-01")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestGrantMonthlyFreeCreditsZeroAmountIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedUsers(t, 2)

	summary, err := f.grantService(0, 10).GrantMonthlyFreeCredits(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Zero(t, summary.TotalUsers)
	assert.Zero(t, f.grantCount(t))
}

func TestGrantMonthlyFreeCreditsReachesUsersWithOnlyFreeCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rates := config.DefaultRatesConfig()
	rates.Quotas.Free.APICalls = 10
	consumption := consumptionservice.NewService(consumptionservice.Params{
		DB:     f.db,
		Log:    zap.NewNop(),
		GenID:  f.node,
		Repo:   consumptionrepo.Provide(),
		Ledger: f.ledger,
		Tiers:  f.subs,
		Rates:  config.NewStaticRatesHolder(rates),
		Clock:  f.clock,
	})

	res, err := consumption.ChargeForAPICall(ctx, consumptiondomain.ChargeRequest{UserID: "free-user", RequestID: "req-1"})
	require.NoError(t, err)
	require.True(t, res.WithinQuota)

	summary, err := f.grantService(50, 10).GrantMonthlyFreeCredits(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.TotalUsers)
	assert.Equal(t, 1, summary.SuccessCount)

	balance, err := f.ledger.GetBalance(ctx, "free-user")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
}
