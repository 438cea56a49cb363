package servicecontrol

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// FailPolicy decides what a check returns when the control plane is
// unreachable and no cached quota answer exists.
type FailPolicy string

const (
	// FailOpen serves the request on a degraded allowed verdict.
	FailOpen FailPolicy = "fail_open"
	// FailClosed rejects the request.
	FailClosed FailPolicy = "fail_closed"
)

// CheckCacheOptions configures the check verdict cache.
type CheckCacheOptions struct {
	// TTL is how long a stored verdict stays fresh (default: 1 second,
	// matching the control plane's response expiration).
	TTL time.Duration

	// Capacity bounds the number of cached verdicts (default: 200).
	Capacity int

	// MaxStaleness bounds how far past expiry a verdict may still be
	// reused when the remote call fails (default: 5 minutes).
	MaxStaleness time.Duration

	// MaxEntryAge is the hard age limit enforced by the eviction sweep
	// regardless of use (default: 10 minutes).
	MaxEntryAge time.Duration
}

// QuotaOptions configures the local quota allowance cache and its refill.
type QuotaOptions struct {
	// RefillInterval is how often the scheduler refreshes allowances for
	// recently active keys (default: 10 seconds).
	RefillInterval time.Duration

	// EntryTTL is how long a refreshed allowance stays usable before a
	// remote confirmation is required again (default: 1 minute).
	EntryTTL time.Duration

	// DenialTTL is how long a remote denial is served locally before the
	// next remote attempt (default: 1 second).
	DenialTTL time.Duration

	// VelocityWindow is the number of refill intervals in the moving
	// average used to size refill batches (default: 6).
	VelocityWindow int

	// MinBatch and MaxBatch clamp the refill batch size (defaults: 10
	// and 1000).
	MinBatch int64
	MaxBatch int64

	// MaxEntryAge is the hard age limit for unused entries (default: 10
	// minutes).
	MaxEntryAge time.Duration
}

// ReportOptions configures usage aggregation and flushing.
type ReportOptions struct {
	// FlushInterval is how often drained buckets are sent (default: 2s).
	FlushInterval time.Duration

	// RetryInitialBackoff and RetryMaxBackoff bound the exponential
	// backoff applied to failed flushes (defaults: 1s and 30s).
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	// MaxRetries is the retry budget for a failed flush batch before its
	// snapshots are dropped and counted (default: 5). Dropping usage
	// data is the accepted degradation mode; retries are never infinite.
	MaxRetries int

	// MaxSnapshotsPerRequest caps the batch size of a single transport
	// Report call (default: 1000).
	MaxSnapshotsPerRequest int

	// OperationSampleSize bounds the per-bucket sample of operation ids
	// retained for audit trails (default: 10).
	OperationSampleSize int
}

// BreakerOptions configures the circuit breaker guarding the transport.
type BreakerOptions struct {
	// Enabled turns the breaker on.
	Enabled bool

	// FailureThreshold is the number of consecutive transport failures
	// that opens the circuit (default: 5).
	FailureThreshold uint32

	// ResetTimeout is how long the circuit stays open before a probe is
	// allowed through (default: 30 seconds).
	ResetTimeout time.Duration
}

// Config holds the engine configuration. Values only; how they are
// sourced (files, flags, environment) is up to the caller.
type Config struct {
	// ServiceName names the controlled service (required).
	ServiceName string

	// Check configures the check verdict cache.
	Check CheckCacheOptions

	// Quota configures the local allowance cache.
	Quota QuotaOptions

	// Report configures usage aggregation.
	Report ReportOptions

	// Breaker configures the transport circuit breaker.
	Breaker BreakerOptions

	// RemoteTimeout bounds every synchronous transport call (default: 5s).
	RemoteTimeout time.Duration

	// EvictionInterval is how often the hard-age sweep runs (default: 1m).
	EvictionInterval time.Duration

	// FailPolicy selects fail-open or fail-closed behavior for quota
	// decisions during a transport outage (default: FailOpen, matching
	// the control plane's own client libraries).
	FailPolicy FailPolicy

	// DirectCallLimit optionally bounds the rate of request-path remote
	// calls (cache-miss stampede guard). Zero means unlimited.
	DirectCallLimit rate.Limit
	DirectCallBurst int

	// Store optionally persists quota allowances across restarts.
	// Best-effort and eventually consistent; nil disables persistence.
	Store StateStore

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks engine operations (default: NoopMetrics).
	Metrics Metrics
}

// withDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) withDefaults() Config {
	if c.Check.TTL == 0 {
		c.Check.TTL = time.Second
	}
	if c.Check.Capacity == 0 {
		c.Check.Capacity = 200
	}
	if c.Check.MaxStaleness == 0 {
		c.Check.MaxStaleness = 5 * time.Minute
	}
	if c.Check.MaxEntryAge == 0 {
		c.Check.MaxEntryAge = 10 * time.Minute
	}
	if c.Quota.RefillInterval == 0 {
		c.Quota.RefillInterval = 10 * time.Second
	}
	if c.Quota.EntryTTL == 0 {
		c.Quota.EntryTTL = time.Minute
	}
	if c.Quota.DenialTTL == 0 {
		c.Quota.DenialTTL = time.Second
	}
	if c.Quota.VelocityWindow == 0 {
		c.Quota.VelocityWindow = 6
	}
	if c.Quota.MinBatch == 0 {
		c.Quota.MinBatch = 10
	}
	if c.Quota.MaxBatch == 0 {
		c.Quota.MaxBatch = 1000
	}
	if c.Quota.MaxEntryAge == 0 {
		c.Quota.MaxEntryAge = 10 * time.Minute
	}
	if c.Report.FlushInterval == 0 {
		c.Report.FlushInterval = 2 * time.Second
	}
	if c.Report.RetryInitialBackoff == 0 {
		c.Report.RetryInitialBackoff = time.Second
	}
	if c.Report.RetryMaxBackoff == 0 {
		c.Report.RetryMaxBackoff = 30 * time.Second
	}
	if c.Report.MaxRetries == 0 {
		c.Report.MaxRetries = 5
	}
	if c.Report.MaxSnapshotsPerRequest == 0 {
		c.Report.MaxSnapshotsPerRequest = 1000
	}
	if c.Report.OperationSampleSize == 0 {
		c.Report.OperationSampleSize = 10
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = 30 * time.Second
	}
	if c.RemoteTimeout == 0 {
		c.RemoteTimeout = 5 * time.Second
	}
	if c.EvictionInterval == 0 {
		c.EvictionInterval = time.Minute
	}
	if c.FailPolicy == "" {
		c.FailPolicy = FailOpen
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	return c
}

// Validate rejects configurations that would misbehave at runtime.
// Validation failures are fatal at startup; the engine never sees them.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("%w: service name is required", ErrInvalidConfig)
	}
	if c.Check.TTL < 0 || c.Check.MaxStaleness < 0 || c.Check.MaxEntryAge < 0 {
		return fmt.Errorf("%w: check cache durations must not be negative", ErrInvalidConfig)
	}
	if c.Check.Capacity < 0 {
		return fmt.Errorf("%w: check cache capacity must not be negative", ErrInvalidConfig)
	}
	if c.Quota.RefillInterval < 0 || c.Quota.EntryTTL < 0 || c.Quota.DenialTTL < 0 {
		return fmt.Errorf("%w: quota durations must not be negative", ErrInvalidConfig)
	}
	if c.Quota.VelocityWindow < 0 {
		return fmt.Errorf("%w: quota velocity window must not be negative", ErrInvalidConfig)
	}
	if c.Quota.MinBatch < 0 || c.Quota.MaxBatch < 0 {
		return fmt.Errorf("%w: quota batch bounds must not be negative", ErrInvalidConfig)
	}
	if c.Quota.MinBatch > 0 && c.Quota.MaxBatch > 0 && c.Quota.MinBatch > c.Quota.MaxBatch {
		return fmt.Errorf("%w: quota min batch exceeds max batch", ErrInvalidConfig)
	}
	if c.Report.FlushInterval < 0 || c.Report.RetryInitialBackoff < 0 || c.Report.RetryMaxBackoff < 0 {
		return fmt.Errorf("%w: report durations must not be negative", ErrInvalidConfig)
	}
	if c.Report.MaxRetries < 0 {
		return fmt.Errorf("%w: report max retries must not be negative", ErrInvalidConfig)
	}
	if c.RemoteTimeout < 0 {
		return fmt.Errorf("%w: remote timeout must not be negative", ErrInvalidConfig)
	}
	switch c.FailPolicy {
	case "", FailOpen, FailClosed:
	default:
		return fmt.Errorf("%w: unknown fail policy %q", ErrInvalidConfig, c.FailPolicy)
	}
	if c.DirectCallLimit < 0 {
		return fmt.Errorf("%w: direct call limit must not be negative", ErrInvalidConfig)
	}
	return nil
}
