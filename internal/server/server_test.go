package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/creditledger/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	authdomain "github.com/smallbiznis/creditledger/internal/auth/domain"
	authservice "github.com/smallbiznis/creditledger/internal/auth/service"
	"github.com/smallbiznis/creditledger/internal/auth/session"
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	"github.com/smallbiznis/creditledger/internal/config"
	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	sessionToken = "session-token"
	apiKeyToken  = "clk_live_abc_0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	cronSecret   = "cron-secret"
)

type mockAuth struct{ mock.Mock }

func (m *mockAuth) Authenticate(ctx context.Context, rawToken string) (*authdomain.Session, error) {
	args := m.Called(ctx, rawToken)
	sess, _ := args.Get(0).(*authdomain.Session)
	return sess, args.Error(1)
}

type mockAPIKeys struct {
	mock.Mock
	apikeydomain.Service
}

func (m *mockAPIKeys) Create(ctx context.Context, userID string, req apikeydomain.CreateRequest) (*apikeydomain.CreateResponse, error) {
	args := m.Called(ctx, userID, req)
	resp, _ := args.Get(0).(*apikeydomain.CreateResponse)
	return resp, args.Error(1)
}

func (m *mockAPIKeys) Revoke(ctx context.Context, keyID, requestingUserID string) error {
	return m.Called(ctx, keyID, requestingUserID).Error(0)
}

func (m *mockAPIKeys) Authenticate(ctx context.Context, plaintext string) (apikeydomain.Identity, error) {
	args := m.Called(ctx, plaintext)
	return args.Get(0).(apikeydomain.Identity), args.Error(1)
}

type mockConsumption struct {
	mock.Mock
	consumptiondomain.Service
}

func (m *mockConsumption) ChargeForAPICall(ctx context.Context, req consumptiondomain.ChargeRequest) (consumptiondomain.ChargeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(consumptiondomain.ChargeResult), args.Error(1)
}

func (m *mockConsumption) ChargeForStorage(ctx context.Context, req consumptiondomain.StorageChargeRequest) (consumptiondomain.ChargeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(consumptiondomain.ChargeResult), args.Error(1)
}

type mockLedger struct {
	mock.Mock
	ledgerdomain.Service
}

func (m *mockLedger) Reconcile(ctx context.Context) ([]ledgerdomain.Discrepancy, error) {
	args := m.Called(ctx)
	out, _ := args.Get(0).([]ledgerdomain.Discrepancy)
	return out, args.Error(1)
}

type mockSubscriptions struct {
	mock.Mock
	subscriptiondomain.Service
}

func (m *mockSubscriptions) CancelSubscription(ctx context.Context, subscriptionID, requestingUserID string) (subscriptiondomain.SubscriptionRecord, error) {
	args := m.Called(ctx, subscriptionID, requestingUserID)
	return args.Get(0).(subscriptiondomain.SubscriptionRecord), args.Error(1)
}

type mockPayments struct{ mock.Mock }

func (m *mockPayments) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	return m.Called(ctx, provider, payload, headers).Error(0)
}

type mockGrant struct{ mock.Mock }

func (m *mockGrant) GrantMonthlyFreeCredits(ctx context.Context) (grantdomain.Summary, error) {
	args := m.Called(ctx)
	return args.Get(0).(grantdomain.Summary), args.Error(1)
}

type mockBilling struct{ mock.Mock }

func (m *mockBilling) GetBillingInfo(ctx context.Context, userID string) (billingdomain.Info, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(billingdomain.Info), args.Error(1)
}

type mockAudit struct {
	mock.Mock
	auditdomain.Service
}

func (m *mockAudit) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(auditdomain.ListAuditLogResponse), args.Error(1)
}

type testServer struct {
	engine        *gin.Engine
	auth          *mockAuth
	apiKeys       *mockAPIKeys
	consumption   *mockConsumption
	ledger        *mockLedger
	subscriptions *mockSubscriptions
	payments      *mockPayments
	grant         *mockGrant
	billing       *mockBilling
	audit         *mockAudit
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	ts := &testServer{
		engine:        engine,
		auth:          &mockAuth{},
		apiKeys:       &mockAPIKeys{},
		consumption:   &mockConsumption{},
		ledger:        &mockLedger{},
		subscriptions: &mockSubscriptions{},
		payments:      &mockPayments{},
		grant:         &mockGrant{},
		billing:       &mockBilling{},
		audit:         &mockAudit{},
	}
	ts.auth.On("Authenticate", mock.Anything, sessionToken).Return(&authdomain.Session{UserID: "user-1"}, nil).Maybe()
	ts.auth.On("Authenticate", mock.Anything, mock.Anything).Return(nil, authdomain.ErrInvalidSession).Maybe()
	ts.apiKeys.On("Authenticate", mock.Anything, apiKeyToken).Return(apikeydomain.Identity{UserID: "user-1", KeyID: "abc"}, nil).Maybe()
	ts.apiKeys.On("Authenticate", mock.Anything, mock.Anything).Return(apikeydomain.Identity{}, apikeydomain.ErrInvalidKey).Maybe()

	cfg := config.Config{CronSecret: cronSecret}
	NewServer(ServerParams{
		Gin:             engine,
		Cfg:             cfg,
		Log:             zap.NewNop(),
		Authsvc:         ts.auth,
		CronGuard:       authservice.NewCronGuard(cfg, zap.NewNop()),
		Sessions:        session.NewManager(),
		APIKeySvc:       ts.apiKeys,
		LedgerSvc:       ts.ledger,
		ConsumptionSvc:  ts.consumption,
		SubscriptionSvc: ts.subscriptions,
		PaymentSvc:      ts.payments,
		GrantSvc:        ts.grant,
		BillingSvc:      ts.billing,
		AuditSvc:        ts.audit,
	})
	return ts
}

func (ts *testServer) do(method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	ts.engine.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body.Error
}

var _ paymentdomain.Service = (*mockPayments)(nil)

func TestSessionRoutesRequireSession(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodGet, "/v1/billing", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "unauthorized", decodeError(t, resp).Type)

	resp = ts.do(http.MethodGet, "/v1/billing", "", map[string]string{"Authorization": "Bearer forged"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestCreateAPIKeyReturnsPlaintextOnce(t *testing.T) {
	ts := newTestServer(t)
	ts.apiKeys.On("Create", mock.Anything, "user-1", apikeydomain.CreateRequest{Name: "ci"}).
		Return(&apikeydomain.CreateResponse{
			Key:       apikeydomain.Response{KeyID: "abc", Name: "ci", Prefix: "clk_live_abc_012"},
			Plaintext: apiKeyToken,
		}, nil)

	resp := ts.do(http.MethodPost, "/v1/api-keys", `{"name":"ci"}`, map[string]string{"Authorization": "Bearer " + sessionToken})
	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, "no-store", resp.Header().Get("Cache-Control"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, apiKeyToken, body["api_key"])
}

func TestRevokeAPIKeyNotOwnedIsNotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.apiKeys.On("Revoke", mock.Anything, "xyz", "user-1").Return(apikeydomain.ErrNotFound)
	ts.apiKeys.On("Revoke", mock.Anything, "abc", "user-1").Return(nil)

	headers := map[string]string{"Authorization": "Bearer " + sessionToken}
	resp := ts.do(http.MethodDelete, "/v1/api-keys/xyz", "", headers)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = ts.do(http.MethodDelete, "/v1/api-keys/abc", "", headers)
	assert.Equal(t, http.StatusNoContent, resp.Code)
}

func TestChargeAPICallUsesIdempotencyKey(t *testing.T) {
	ts := newTestServer(t)
	ts.consumption.On("ChargeForAPICall", mock.Anything, consumptiondomain.ChargeRequest{UserID: "user-1", RequestID: "req-1"}).
		Return(consumptiondomain.ChargeResult{Charged: 1, Balance: 99}, nil).Once()

	resp := ts.do(http.MethodPost, "/v1/usage/api-calls", "", map[string]string{
		"Authorization":      "Bearer " + apiKeyToken,
		HeaderIdempotencyKey: "req-1",
		HeaderRequestID:      "ignored",
	})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"data":{"charged":1,"balance":99,"within_quota":false,"duplicate":false}}`, resp.Body.String())
	ts.consumption.AssertExpectations(t)
}

func TestChargeAPICallErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"insufficient", ledgerdomain.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
		{"missing request id", consumptiondomain.ErrInvalidRequestID, http.StatusBadRequest, "validation_error"},
		{"conflict", consumptiondomain.ErrRequestIDConflict, http.StatusConflict, "conflict"},
		{"unexpected", errors.New("connection reset by peer"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.consumption.On("ChargeForAPICall", mock.Anything, mock.Anything).
				Return(consumptiondomain.ChargeResult{}, tc.err)

			resp := ts.do(http.MethodPost, "/v1/usage/api-calls", "", map[string]string{"Authorization": "Bearer " + apiKeyToken})
			assert.Equal(t, tc.status, resp.Code)
			payload := decodeError(t, resp)
			assert.Equal(t, tc.typ, payload.Type)
			assert.NotContains(t, payload.Message, "connection reset")
		})
	}
}

func TestMeteredRoutesRejectBadKeys(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodGet, "/v1/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = ts.do(http.MethodGet, "/v1/balance", "", map[string]string{"Authorization": "Bearer clk_live_nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = ts.do(http.MethodGet, "/v1/balance", "", map[string]string{"Authorization": "Bearer " + sessionToken})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	ts.consumption.AssertNotCalled(t, "ChargeForAPICall", mock.Anything, mock.Anything)
}

func TestChargeStorage(t *testing.T) {
	ts := newTestServer(t)
	ts.consumption.On("ChargeForStorage", mock.Anything, consumptiondomain.StorageChargeRequest{
		UserID: "user-1", RequestID: "req-9", GigabyteMonths: 2.5,
	}).Return(consumptiondomain.ChargeResult{Charged: 3, Balance: 10}, nil)

	resp := ts.do(http.MethodPost, "/v1/usage/storage", `{"gigabyte_months":2.5}`, map[string]string{
		"Authorization": "Bearer " + apiKeyToken,
		HeaderRequestID: "req-9",
	})
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = ts.do(http.MethodPost, "/v1/usage/storage", `{`, map[string]string{"Authorization": "Bearer " + apiKeyToken})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestCancelSubscriptionProviderFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.subscriptions.On("CancelSubscription", mock.Anything, "42", "user-1").
		Return(subscriptiondomain.SubscriptionRecord{}, subscriptiondomain.ErrProviderError)

	resp := ts.do(http.MethodPost, "/v1/subscriptions/42/cancel", "", map[string]string{"Authorization": "Bearer " + sessionToken})
	assert.Equal(t, http.StatusBadGateway, resp.Code)
	assert.Equal(t, "provider_error", decodeError(t, resp).Type)
}

func TestCronRoutesRequireSecret(t *testing.T) {
	ts := newTestServer(t)
	ts.grant.On("GrantMonthlyFreeCredits", mock.Anything).
		Return(grantdomain.Summary{Success: true, Period: "2026-03", TotalUsers: 2, SuccessCount: 2, TotalCreditsDistributed: 200}, nil)
	ts.ledger.On("Reconcile", mock.Anything).Return(nil, nil)

	resp := ts.do(http.MethodPost, "/internal/cron/monthly-grant", "", map[string]string{HeaderCronSecret: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	ts.grant.AssertNotCalled(t, "GrantMonthlyFreeCredits", mock.Anything)

	resp = ts.do(http.MethodPost, "/internal/cron/monthly-grant", "", map[string]string{HeaderCronSecret: cronSecret})
	require.Equal(t, http.StatusOK, resp.Code)
	var summary grantdomain.Summary
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &summary))
	assert.Equal(t, int64(200), summary.TotalCreditsDistributed)

	resp = ts.do(http.MethodGet, "/internal/reconcile?secret="+cronSecret, "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"consistent":true,"discrepancies":[]}`, resp.Body.String())
}

func TestPaymentWebhook(t *testing.T) {
	ts := newTestServer(t)
	ts.payments.On("IngestWebhook", mock.Anything, "stripe", []byte(`{"id":"evt_1"}`), mock.Anything).Return(nil)
	ts.payments.On("IngestWebhook", mock.Anything, "stripe", []byte(`{"id":"evt_bad"}`), mock.Anything).Return(paymentdomain.ErrInvalidSignature)
	ts.payments.On("IngestWebhook", mock.Anything, "stripe", []byte(`{"id":"evt_err"}`), mock.Anything).Return(errors.New("db down"))

	resp := ts.do(http.MethodPost, "/webhooks/stripe", `{"id":"evt_1"}`, nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = ts.do(http.MethodPost, "/webhooks/stripe", `{"id":"evt_bad"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "invalid_signature", decodeError(t, resp).Type)

	resp = ts.do(http.MethodPost, "/webhooks/stripe", `{"id":"evt_err"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		typ    string
	}{
		{ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{apikeydomain.ErrInvalidKey, http.StatusUnauthorized, "unauthorized"},
		{authdomain.ErrInvalidCronToken, http.StatusUnauthorized, "unauthorized"},
		{ledgerdomain.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
		{subscriptiondomain.ErrNotFound, http.StatusNotFound, "not_found"},
		{apikeydomain.ErrNotFound, http.StatusNotFound, "not_found"},
		{apikeydomain.ErrInvalidName, http.StatusBadRequest, "validation_error"},
		{subscriptiondomain.ErrProviderError, http.StatusBadGateway, "provider_error"},
		{paymentdomain.ErrInvalidSignature, http.StatusBadRequest, "invalid_signature"},
		{ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{ErrRequestInProgress, http.StatusConflict, "conflict"},
		{subscriptiondomain.ErrSubscriptionUnknown, http.StatusConflict, "conflict"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		status, payload := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.typ, payload.Type, tc.err.Error())
	}

	_, payload := mapError(apikeydomain.ErrInvalidName)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "name", payload.Errors[0].Field)
}

func TestListAuditLogsScopedToCaller(t *testing.T) {
	ts := newTestServer(t)
	actor := "user-1"
	ts.audit.On("List", mock.Anything, mock.MatchedBy(func(req auditdomain.ListAuditLogRequest) bool {
		return req.ActorID == "user-1" && req.Action == auditdomain.ActionAPIKeyRevoke && req.PageSize == 10
	})).Return(auditdomain.ListAuditLogResponse{
		AuditLogs: []auditdomain.AuditLog{{ID: 7, ActorType: "user", ActorID: &actor, Action: auditdomain.ActionAPIKeyRevoke, TargetType: "api_key"}},
	}, nil)

	resp := ts.do(http.MethodGet, "/v1/audit-logs?action=api_key.revoke&page_size=10", "", map[string]string{"Authorization": "Bearer " + sessionToken})
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Data []auditdomain.AuditLog `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "api_key", body.Data[0].TargetType)
	ts.audit.AssertExpectations(t)
}
