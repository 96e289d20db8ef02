package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonUnknown              = "unknown"
)

const (
	GrantResultGranted = "granted"
	GrantResultSkipped = "skipped"
	GrantResultError   = "error"
)

// SchedulerMetrics captures scheduler health and monthly grant throughput.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	runLoopLag     prometheus.Histogram
	grantRuns      *prometheus.CounterVec
	grantUsers     *prometheus.CounterVec
	grantCredits   prometheus.Counter
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// NewSchedulerMetrics registers a fresh set of scheduler metrics on registerer.
func NewSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	return newSchedulerMetrics(registerer, cfg)
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "creditledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &SchedulerMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditledger_scheduler_job_runs_total",
			Help:        "Scheduler job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "creditledger_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditledger_scheduler_job_timeouts_total",
			Help:        "Scheduler jobs that hit their deadline.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditledger_scheduler_job_errors_total",
			Help:        "Scheduler job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditledger_scheduler_batch_processed_total",
			Help:        "Items processed by scheduler jobs.",
			ConstLabels: constLabels,
		}, []string{"job", "resource"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "creditledger_scheduler_runloop_lag_seconds",
			Help:        "Scheduler run loop lag beyond the configured interval.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			ConstLabels: constLabels,
		}),
		grantRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditledger_grant_runs_total",
			Help:        "Monthly grant runs by outcome (success, partial, failed).",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		grantUsers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditledger_grant_users_total",
			Help:        "Per-user monthly grant results.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		grantCredits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "creditledger_grant_credits_total",
			Help:        "Credits distributed by the monthly grant.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.batchProcessed,
		m.runLoopLag,
		m.grantRuns,
		m.grantUsers,
		m.grantCredits,
	)
	return m
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

func (m *SchedulerMetrics) IncGrantRun(outcome string) {
	if m == nil {
		return
	}
	m.grantRuns.WithLabelValues(outcome).Inc()
}

func (m *SchedulerMetrics) IncGrantUser(result string) {
	if m == nil {
		return
	}
	m.grantUsers.WithLabelValues(result).Inc()
}

func (m *SchedulerMetrics) AddGrantCredits(credits int64) {
	if m == nil || credits <= 0 {
		return
	}
	m.grantCredits.Add(float64(credits))
}

// ClassifySchedulerJobReason maps job errors to a bounded reason label.
func ClassifySchedulerJobReason(err error) string {
	if err == nil {
		return SchedulerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerJobReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return SchedulerJobReasonUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return SchedulerJobReasonDBLockTimeout
		case "40001", "40P01":
			return SchedulerJobReasonSerializationFailure
		case "23505":
			return SchedulerJobReasonUniqueViolation
		}
	}
	return SchedulerJobReasonUnknown
}
