package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/creditledger/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/creditledger/internal/subscription/service"
	"github.com/smallbiznis/creditledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateCheckoutSession(ctx context.Context, params subscriptiondomain.CheckoutParams) (subscriptiondomain.CheckoutSession, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(subscriptiondomain.CheckoutSession), args.Error(1)
}

func (m *mockClient) CancelSubscription(ctx context.Context, externalSubscriptionID string) error {
	args := m.Called(ctx, externalSubscriptionID)
	return args.Error(0)
}

type directory struct {
	client *mockClient
}

func (d directory) Client(provider string) (subscriptiondomain.ProviderClient, error) {
	if provider != "stripe" {
		return nil, errors.New("provider_not_found")
	}
	return d.client, nil
}

func (directory) DefaultProvider() string { return "stripe" }

type fixture struct {
	db     *gorm.DB
	svc    subscriptiondomain.Service
	repo   subscriptiondomain.Repository
	client *mockClient
	clock  *clock.FakeClock
}

var base = time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.OpenDB(t, &subscriptiondomain.SubscriptionRecord{}, &subscriptiondomain.PaymentEvent{})
	client := &mockClient{}
	repo := subscriptionrepo.Provide()
	fc := clock.NewFakeClock(base)
	svc := subscriptionservice.NewService(subscriptionservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     testutil.NewNode(t),
		Repo:      repo,
		Clock:     fc,
		Cfg:       config.Config{Stripe: config.StripeConfig{DefaultPriceID: "price_default"}},
		Providers: directory{client: client},
	})
	return fixture{db: db, svc: svc, repo: repo, client: client, clock: fc}
}

func (f fixture) record(t *testing.T, externalID string) *subscriptiondomain.SubscriptionRecord {
	t.Helper()
	record, err := f.repo.FindByExternalID(context.Background(), f.db, "stripe", externalID)
	require.NoError(t, err)
	return record
}

func checkout(id, externalID, userID string, at time.Time) subscriptiondomain.ProviderEvent {
	return subscriptiondomain.ProviderEvent{
		ID:         id,
		Provider:   "stripe",
		OccurredAt: at,
		Raw:        []byte(`{"id":"` + id + `"}`),
		Payload: subscriptiondomain.CheckoutCompleted{
			ExternalSubscriptionID: externalID,
			ExternalCustomerID:     "cus_1",
			UserID:                 userID,
			Status:                 subscriptiondomain.StatusActive,
		},
	}
}

func event(id string, at time.Time, payload subscriptiondomain.EventPayload) subscriptiondomain.ProviderEvent {
	return subscriptiondomain.ProviderEvent{ID: id, Provider: "stripe", OccurredAt: at, Payload: payload}
}

func TestApplyProviderEventCheckoutCreatesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ApplyProviderEvent(ctx, checkout("evt_1", "sub_1", "user-1", base)))

	record := f.record(t, "sub_1")
	require.NotNil(t, record)
	assert.Equal(t, "user-1", record.UserID)
	assert.Equal(t, subscriptiondomain.StatusActive, record.Status)
	assert.False(t, record.CancelAtPeriodEnd)

	paid, err := f.svc.HasActivePaidSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestApplyProviderEventDuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ApplyProviderEvent(ctx, checkout("evt_1", "sub_1", "user-1", base)))

	failed := event("evt_2", base.Add(time.Hour), subscriptiondomain.InvoicePaymentFailed{ExternalSubscriptionID: "sub_1"})
	require.NoError(t, f.svc.ApplyProviderEvent(ctx, failed))
	assert.Equal(t, subscriptiondomain.StatusPastDue, f.record(t, "sub_1").Status)

	recovered := event("evt_3", base.Add(2*time.Hour), subscriptiondomain.SubscriptionUpdated{
		ExternalSubscriptionID: "sub_1",
		Status:                 subscriptiondomain.StatusActive,
	})
	require.NoError(t, f.svc.ApplyProviderEvent(ctx, recovered))

	err := f.svc.ApplyProviderEvent(ctx, failed)
	assert.ErrorIs(t, err, subscriptiondomain.ErrEventAlreadyProcessed)

	count, err := f.repo.CountEvents(ctx, f.db, "stripe", "evt_2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, subscriptiondomain.StatusActive, f.record(t, "sub_1").Status)

	var total int64
	require.NoError(t, f.db.Model(&subscriptiondomain.SubscriptionRecord{}).Count(&total).Error)
	assert.Equal(t, int64(1), total)
}

func TestApplyProviderEventIgnoresStaleEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ApplyProviderEvent(ctx, checkout("evt_1", "sub_1", "user-1", base)))
	require.NoError(t, f.svc.ApplyProviderEvent(ctx, event("evt_2", base.Add(2*time.Hour), subscriptiondomain.SubscriptionUpdated{
		ExternalSubscriptionID: "sub_1",
		Status:                 subscriptiondomain.StatusActive,
		CancelAtPeriodEnd:      true,
	})))

	// Older than the watermark: recorded, not applied.
	require.NoError(t, f.svc.ApplyProviderEvent(ctx, event("evt_3", base.Add(time.Hour), subscriptiondomain.InvoicePaymentFailed{
		ExternalSubscriptionID: "sub_1",
	})))
	record := f.record(t, "sub_1")
	assert.Equal(t, subscriptiondomain.StatusActive, record.Status)
	assert.True(t, record.CancelAtPeriodEnd)

	count, err := f.repo.CountEvents(ctx, f.db, "stripe", "evt_3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Deletion wins even when it arrives late.
	require.NoError(t, f.svc.ApplyProviderEvent(ctx, event("evt_4", base.Add(30*time.Minute), subscriptiondomain.SubscriptionDeleted{
		ExternalSubscriptionID: "sub_1",
	})))
	record = f.record(t, "sub_1")
	assert.Equal(t, subscriptiondomain.StatusCanceled, record.Status)
	assert.False(t, record.CancelAtPeriodEnd)
	require.NotNil(t, record.CanceledAt)
}

func TestApplyProviderEventCanceledOnlyReactivatedByCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ApplyProviderEvent(ctx, checkout("evt_1", "sub_1", "user-1", base)))
	require.NoError(t, f.svc.ApplyProviderEvent(ctx, event("evt_2", base.Add(time.Hour), subscriptiondomain.SubscriptionDeleted{
		ExternalSubscriptionID: "sub_1",
	})))

	require.NoError(t, f.svc.ApplyProviderEvent(ctx, event("evt_3", base.Add(2*time.Hour), subscriptiondomain.SubscriptionUpdated{
		ExternalSubscriptionID: "sub_1",
		Status:                 subscriptiondomain.StatusActive,
	})))
	assert.Equal(t, subscriptiondomain.StatusCanceled, f.record(t, "sub_1").Status)

	require.NoError(t, f.svc.ApplyProviderEvent(ctx, checkout("evt_4", "sub_1", "user-1", base.Add(3*time.Hour))))
	record := f.record(t, "sub_1")
	assert.Equal(t, subscriptiondomain.StatusActive, record.Status)
	assert.Nil(t, record.CanceledAt)
}

func TestApplyProviderEventUnknownSubscriptionIsDeferred(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.ApplyProviderEvent(ctx, event("evt_1", base, subscriptiondomain.InvoicePaymentFailed{
		ExternalSubscriptionID: "sub_missing",
	}))
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionUnknown)
	assert.Nil(t, f.record(t, "sub_missing"))

	// Not claimed, so the redelivery is processed again.
	count, err := f.repo.CountEvents(ctx, f.db, "stripe", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	// An update that names the user creates the record.
	require.NoError(t, f.svc.ApplyProviderEvent(ctx, event("evt_2", base, subscriptiondomain.SubscriptionUpdated{
		ExternalSubscriptionID: "sub_missing",
		UserID:                 "user-9",
		Status:                 subscriptiondomain.StatusTrialing,
	})))
	record := f.record(t, "sub_missing")
	require.NotNil(t, record)
	assert.Equal(t, "user-9", record.UserID)
	assert.Equal(t, subscriptiondomain.StatusTrialing, record.Status)

	require.NoError(t, f.svc.ApplyProviderEvent(ctx, event("evt_1", base.Add(time.Minute), subscriptiondomain.InvoicePaymentFailed{
		ExternalSubscriptionID: "sub_missing",
	})))
	assert.Equal(t, subscriptiondomain.StatusPastDue, f.record(t, "sub_missing").Status)
}

func TestApplyProviderEventConvergesRegardlessOfOrder(t *testing.T) {
	ctx := context.Background()
	deleted := event("evt_del", base.Add(time.Hour), subscriptiondomain.SubscriptionDeleted{ExternalSubscriptionID: "sub_1"})
	completed := checkout("evt_chk", "sub_1", "user-1", base)

	inOrder := newFixture(t)
	require.NoError(t, inOrder.svc.ApplyProviderEvent(ctx, completed))
	require.NoError(t, inOrder.svc.ApplyProviderEvent(ctx, deleted))

	reordered := newFixture(t)
	assert.ErrorIs(t, reordered.svc.ApplyProviderEvent(ctx, deleted), subscriptiondomain.ErrSubscriptionUnknown)
	require.NoError(t, reordered.svc.ApplyProviderEvent(ctx, completed))
	// Provider redelivery of the deferred event.
	require.NoError(t, reordered.svc.ApplyProviderEvent(ctx, deleted))
	assert.ErrorIs(t, reordered.svc.ApplyProviderEvent(ctx, deleted), subscriptiondomain.ErrEventAlreadyProcessed)

	want := inOrder.record(t, "sub_1")
	got := reordered.record(t, "sub_1")
	require.NotNil(t, want)
	require.NotNil(t, got)
	assert.Equal(t, subscriptiondomain.StatusCanceled, want.Status)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.CancelAtPeriodEnd, got.CancelAtPeriodEnd)

	paid, err := reordered.svc.HasActivePaidSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, paid)
}

func TestApplyProviderEventRejectsIncompleteEvent(t *testing.T) {
	f := newFixture(t)

	err := f.svc.ApplyProviderEvent(context.Background(), subscriptiondomain.ProviderEvent{ID: "evt_1", Provider: "stripe"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidEvent)
}

func TestCancelSubscriptionOfAnotherUserIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.ApplyProviderEvent(ctx, checkout("evt_1", "sub_1", "owner", base)))
	before := f.record(t, "sub_1")

	_, err := f.svc.CancelSubscription(ctx, before.ID.String(), "intruder")
	assert.ErrorIs(t, err, subscriptiondomain.ErrNotFound)

	_, err = f.svc.CancelSubscription(ctx, "999", "intruder")
	assert.ErrorIs(t, err, subscriptiondomain.ErrNotFound)

	_, err = f.svc.CancelSubscription(ctx, "not-an-id", "intruder")
	assert.ErrorIs(t, err, subscriptiondomain.ErrNotFound)

	after := f.record(t, "sub_1")
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.CancelAtPeriodEnd, after.CancelAtPeriodEnd)
	f.client.AssertNotCalled(t, "CancelSubscription", mock.Anything, mock.Anything)
}

func TestCancelSubscriptionSoftCancelsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.ApplyProviderEvent(ctx, checkout("evt_1", "sub_1", "owner", base)))
	record := f.record(t, "sub_1")

	f.client.On("CancelSubscription", mock.Anything, "sub_1").Return(nil).Once()

	canceled, err := f.svc.CancelSubscription(ctx, record.ID.String(), "owner")
	require.NoError(t, err)
	assert.True(t, canceled.CancelAtPeriodEnd)
	assert.Equal(t, subscriptiondomain.StatusActive, canceled.Status)

	again, err := f.svc.CancelSubscription(ctx, record.ID.String(), "owner")
	require.NoError(t, err)
	assert.True(t, again.CancelAtPeriodEnd)
	f.client.AssertNumberOfCalls(t, "CancelSubscription", 1)
}

func TestCancelSubscriptionProviderFailureLeavesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.ApplyProviderEvent(ctx, checkout("evt_1", "sub_1", "owner", base)))
	record := f.record(t, "sub_1")

	f.client.On("CancelSubscription", mock.Anything, "sub_1").Return(errors.New("boom"))

	_, err := f.svc.CancelSubscription(ctx, record.ID.String(), "owner")
	assert.ErrorIs(t, err, subscriptiondomain.ErrProviderError)
	assert.False(t, f.record(t, "sub_1").CancelAtPeriodEnd)
}

func TestCreateCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expected := subscriptiondomain.CheckoutParams{
		UserID:     "user-1",
		PriceID:    "price_default",
		SuccessURL: "https://app.example.com/billing?ok=1",
		CancelURL:  "https://app.example.com/billing",
	}
	f.client.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(p subscriptiondomain.CheckoutParams) bool {
		key := p.IdempotencyKey
		p.IdempotencyKey = ""
		return p == expected && key != ""
	})).
		Return(subscriptiondomain.CheckoutSession{ID: "cs_1", URL: "https://checkout.example.com/cs_1"}, nil).Once()

	session, err := f.svc.CreateCheckout(ctx, subscriptiondomain.CheckoutRequest{
		UserID:     "user-1",
		SuccessURL: expected.SuccessURL,
		CancelURL:  expected.CancelURL,
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", session.ID)
	assert.Equal(t, "stripe", session.Provider)

	_, err = f.svc.CreateCheckout(ctx, subscriptiondomain.CheckoutRequest{UserID: "user-1", SuccessURL: "nope", CancelURL: expected.CancelURL})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidRedirectURL)
}

func TestCreateCheckoutRepeatsShareProviderSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var keys []string
	f.client.On("CreateCheckoutSession", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			keys = append(keys, args.Get(1).(subscriptiondomain.CheckoutParams).IdempotencyKey)
		}).
		Return(subscriptiondomain.CheckoutSession{ID: "cs_1"}, nil)

	req := subscriptiondomain.CheckoutRequest{
		UserID:     "user-1",
		SuccessURL: "https://app.example.com/ok",
		CancelURL:  "https://app.example.com/cancel",
	}
	_, err := f.svc.CreateCheckout(ctx, req)
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)
	_, err = f.svc.CreateCheckout(ctx, req)
	require.NoError(t, err)

	other := req
	other.UserID = "user-2"
	_, err = f.svc.CreateCheckout(ctx, other)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.CreateCheckout(ctx, req)
	require.NoError(t, err)

	require.Len(t, keys, 4)
	assert.Equal(t, keys[0], keys[1])
	assert.NotEqual(t, keys[0], keys[2])
	assert.NotEqual(t, keys[0], keys[3])
}

func TestCreateCheckoutRejectsActiveSubscriber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.ApplyProviderEvent(ctx, checkout("evt_1", "sub_1", "user-1", base)))

	_, err := f.svc.CreateCheckout(ctx, subscriptiondomain.CheckoutRequest{
		UserID:     "user-1",
		SuccessURL: "https://app.example.com/ok",
		CancelURL:  "https://app.example.com/cancel",
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrAlreadySubscribed)
	f.client.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
}

func TestCreateCheckoutProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.client.On("CreateCheckoutSession", mock.Anything, mock.Anything).
		Return(subscriptiondomain.CheckoutSession{}, errors.New("timeout")).Once()

	_, err := f.svc.CreateCheckout(context.Background(), subscriptiondomain.CheckoutRequest{
		UserID:     "user-1",
		SuccessURL: "https://app.example.com/ok",
		CancelURL:  "https://app.example.com/cancel",
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrProviderError)
	f.client.AssertNumberOfCalls(t, "CreateCheckoutSession", 1)
}

func TestListUsersWithActivePaidSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ApplyProviderEvent(ctx, checkout("evt_1", "sub_1", "paid", base)))
	require.NoError(t, f.svc.ApplyProviderEvent(ctx, checkout("evt_2", "sub_2", "lapsed", base)))
	require.NoError(t, f.svc.ApplyProviderEvent(ctx, event("evt_3", base.Add(time.Hour), subscriptiondomain.SubscriptionDeleted{
		ExternalSubscriptionID: "sub_2",
	})))
	require.NoError(t, f.svc.ApplyProviderEvent(ctx, checkout("evt_4", "sub_3", "late", base)))
	require.NoError(t, f.svc.ApplyProviderEvent(ctx, event("evt_5", base.Add(time.Hour), subscriptiondomain.InvoicePaymentFailed{
		ExternalSubscriptionID: "sub_3",
	})))

	paid, err := f.svc.ListUsersWithActivePaidSubscription(ctx, []string{"paid", "lapsed", "late", "free"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"paid": true, "late": true}, paid)

	current, err := f.svc.GetForUser(ctx, "lapsed")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, subscriptiondomain.StatusCanceled, current.Status)

	none, err := f.svc.GetForUser(ctx, "free")
	require.NoError(t, err)
	assert.Nil(t, none)
}
