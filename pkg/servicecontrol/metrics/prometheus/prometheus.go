package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements servicecontrol.Metrics using Prometheus.
type Metrics struct {
	checksTotal          *prometheus.CounterVec
	checkDuration        *prometheus.HistogramVec
	cacheHitsTotal       *prometheus.CounterVec
	cacheMissesTotal     *prometheus.CounterVec
	quotaConsumedTotal   *prometheus.CounterVec
	remoteCallDuration   *prometheus.HistogramVec
	remoteCallErrors     *prometheus.CounterVec
	flushSnapshotsTotal  *prometheus.CounterVec
	reportsDroppedTotal  prometheus.Counter
	breakerStateChanges  *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		checksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Total number of check decisions by result.",
		}, []string{"result"}),

		checkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Latency of check decisions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		quotaConsumedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_consumed_total",
			Help:      "Quota tokens consumed by group and grant result.",
		}, []string{"group", "granted"}),

		remoteCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Latency of control plane calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		remoteCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_call_errors_total",
			Help:      "Total number of failed control plane calls.",
		}, []string{"operation"}),

		flushSnapshotsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_flush_snapshots_total",
			Help:      "Report snapshots flushed, by outcome.",
		}, []string{"outcome"}),

		reportsDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_snapshots_dropped_total",
			Help:      "Report snapshots dropped after retry exhaustion.",
		}),

		breakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordCheck(_, _, result string, duration time.Duration) {
	m.checksTotal.WithLabelValues(result).Inc()
	m.checkDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordQuotaConsumption(_, group string, amount int64, granted bool) {
	m.quotaConsumedTotal.WithLabelValues(group, strconv.FormatBool(granted)).Add(float64(amount))
}

func (m *Metrics) RecordRemoteCall(operation string, duration time.Duration, err error) {
	m.remoteCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.remoteCallErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordFlush(snapshots int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.flushSnapshotsTotal.WithLabelValues(outcome).Add(float64(snapshots))
}

func (m *Metrics) RecordReportDropped(count int) {
	m.reportsDroppedTotal.Add(float64(count))
}

func (m *Metrics) RecordBreakerStateChange(state string) {
	m.breakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default
// Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
