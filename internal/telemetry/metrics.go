package telemetry

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
)

// Metrics counts engine activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	conflicts     *prometheus.CounterVec
	replays       prometheus.Counter
	expiredSwept  prometheus.Counter
	versionsTotal prometheus.Counter
}

// NewMetrics registers the engine metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_engine_operations_total",
			Help: "Engine operations by operation and result",
		}, []string{"operation", "result"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waypoint_engine_operation_duration_seconds",
			Help:    "Engine operation duration",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_engine_conflicts_total",
			Help: "Detected conflicts by kind and outcome",
		}, []string{"kind", "outcome"}),
		replays: f.NewCounter(prometheus.CounterOpts{
			Name: "waypoint_engine_idempotent_replays_total",
			Help: "Applies answered from the idempotency cache",
		}),
		expiredSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "waypoint_idempotency_expired_swept_total",
			Help: "Expired idempotency records removed by the maintenance sweep",
		}),
		versionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "waypoint_engine_versions_committed_total",
			Help: "Document versions committed by apply and undo",
		}),
	}
}

// ObserveOperation records the outcome and duration of one engine call.
func (m *Metrics) ObserveOperation(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, ResultLabel(err)).Inc()
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ConflictObserved records one detected conflict.
func (m *Metrics) ConflictObserved(kind string, resolved bool) {
	if m == nil {
		return
	}
	outcome := "unresolved"
	if resolved {
		outcome = "resolved"
	}
	m.conflicts.WithLabelValues(kind, outcome).Inc()
}

// IdempotentReplay records an apply served from the idempotency cache.
func (m *Metrics) IdempotentReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

// VersionCommitted records a new document version.
func (m *Metrics) VersionCommitted() {
	if m == nil {
		return
	}
	m.versionsTotal.Inc()
}

// ExpiredSwept records records removed by a sweep.
func (m *Metrics) ExpiredSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredSwept.Add(float64(n))
}

// ResultLabel maps an error to the result label: "ok" or the lower-cased
// error code.
func ResultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(errors.CodeOf(err)))
}
