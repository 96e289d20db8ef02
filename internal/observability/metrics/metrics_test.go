package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("reason", "api_call"),
		attribute.String("user_id", "u-1"),
		attribute.String("metric", "api_calls"),
	)
	require.Len(t, attrs, 2)
	for _, attr := range attrs {
		assert.NotEqual(t, attribute.Key("user_id"), attr.Key)
	}
}

func TestRecordLedgerTransactionCountsMagnitude(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := New(Config{ServiceName: "creditledger"}, provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordLedgerTransaction(ctx, "api_call", OutcomeApplied, -5)
	m.RecordLedgerTransaction(ctx, "monthly_grant", OutcomeApplied, 100)
	m.RecordLedgerTransaction(ctx, "monthly_grant", OutcomeDuplicate, 100)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	totals := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[metric.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(3), totals["creditledger_ledger_transactions_total"])
	assert.Equal(t, int64(105), totals["creditledger_ledger_credits_total"])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordConsumption(context.Background(), "api_call", OutcomeCharged)
		m.RecordProviderEvent(context.Background(), "stripe", "checkout.completed", OutcomeApplied)
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newHTTPMetrics(prometheus.NewRegistry())

	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/health", http.MethodGet, "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("unknown", http.MethodGet, "404")))
}
