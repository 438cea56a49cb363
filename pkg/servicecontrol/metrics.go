package servicecontrol

import "time"

// Metrics defines the interface for tracking engine operations.
type Metrics interface {
	// RecordCheck records the result ("allowed", "denied", "unknown") and
	// duration of a facade check.
	RecordCheck(consumerID, method, result string, duration time.Duration)

	// RecordCacheHit records a cache hit for a cache type ("check", "quota").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a cache type.
	RecordCacheMiss(cacheType string)

	// RecordQuotaConsumption records a local quota consumption attempt.
	RecordQuotaConsumption(consumerID, group string, amount int64, granted bool)

	// RecordRemoteCall records the duration and status of a transport call.
	RecordRemoteCall(operation string, duration time.Duration, err error)

	// RecordFlush records a report flush attempt covering the given
	// number of bucket snapshots.
	RecordFlush(snapshots int, err error)

	// RecordReportDropped records snapshots dropped after retry exhaustion.
	RecordReportDropped(count int)

	// RecordBreakerStateChange records a circuit breaker state change.
	RecordBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordCheck(consumerID, method, result string, duration time.Duration)  {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                        {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                       {}
func (n *NoopMetrics) RecordQuotaConsumption(consumerID, group string, amount int64, ok bool) {}
func (n *NoopMetrics) RecordRemoteCall(operation string, duration time.Duration, err error)   {}
func (n *NoopMetrics) RecordFlush(snapshots int, err error)                                   {}
func (n *NoopMetrics) RecordReportDropped(count int)                                          {}
func (n *NoopMetrics) RecordBreakerStateChange(state string)                                  {}
