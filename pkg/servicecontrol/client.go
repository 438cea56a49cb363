package servicecontrol

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Client is the single entry point the middleware adapter calls. It
// answers most checks from local state, falls back to bounded-timeout
// remote calls on cache misses, and batches usage telemetry so the
// control plane sees a small fraction of the request volume.
//
// A process should construct one long-lived Client at startup, pass it
// explicitly to its adapter, and Close it on shutdown.
type Client struct {
	cfg     Config
	remote  *remote
	checks  *CheckCache
	quota   *QuotaCache
	reports *ReportAggregator
	sched   *scheduler

	flight  singleflight.Group
	limiter *rate.Limiter

	logger  Logger
	metrics Metrics
	closed  atomic.Bool
}

// NewClient validates cfg, builds the engine, and starts the background
// scheduler. The transport is required; cfg.Store is optional and, when
// set, seeds quota allowances persisted by a previous process.
func NewClient(transport Transport, cfg Config) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:     cfg,
		remote:  newRemote(transport, cfg),
		checks:  NewCheckCache(cfg.Check.Capacity, cfg.Check.MaxStaleness),
		quota:   NewQuotaCache(cfg.Quota),
		reports: NewReportAggregator(cfg.Report.OperationSampleSize),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if cfg.DirectCallLimit > 0 {
		burst := cfg.DirectCallBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(cfg.DirectCallLimit, burst)
	}

	if cfg.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RemoteTimeout)
		states, err := cfg.Store.LoadAllowances(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("could not load persisted quota allowances", errField(err))
		} else if len(states) > 0 {
			c.quota.Import(states)
			c.logger.Info("loaded persisted quota allowances", Field{"entries", len(states)})
		}
	}

	c.sched = newScheduler(cfg, c.remote, c.checks, c.quota, c.reports)
	c.sched.start()
	return c, nil
}

// Check decides whether the described call may proceed. It never returns
// an error: transport failures are downgraded to a best-effort Verdict
// (stale cache reuse, the configured fail policy, or UNKNOWN).
func (c *Client) Check(ctx context.Context, d *Descriptor) *Verdict {
	start := time.Now()
	verdict := c.check(ctx, d)
	c.metrics.RecordCheck(d.ConsumerID, d.MethodName, string(verdict.Code), time.Since(start))
	return verdict
}

func (c *Client) check(ctx context.Context, d *Descriptor) *Verdict {
	if c.closed.Load() {
		return Unknown("client_closed")
	}
	if d.ConsumerID == "" || d.MethodName == "" {
		return Deny(ReasonNotAuthorized, time.Time{})
	}

	checkKey := d.CheckKey()
	cached, hit := c.checks.Lookup(checkKey)
	if hit {
		c.metrics.RecordCacheHit("check")
		if cached.Denied() {
			return cached
		}
	} else {
		c.metrics.RecordCacheMiss("check")
	}

	// Local quota first: a cached denial or an exhausted pool that the
	// remote also rejects saves the cost of an auth round trip.
	needsRemote := make(map[string]int64)
	for group, cost := range d.QuotaCosts {
		switch c.quota.TryConsume(d.ConsumerID, group, cost) {
		case ConsumeGranted:
			c.metrics.RecordCacheHit("quota")
			c.metrics.RecordQuotaConsumption(d.ConsumerID, group, cost, true)
		case ConsumeDenied:
			c.metrics.RecordQuotaConsumption(d.ConsumerID, group, cost, false)
			return Deny(ReasonQuotaExceeded, time.Now().Add(c.cfg.Quota.DenialTTL))
		case ConsumeNeedsRemote:
			c.metrics.RecordCacheMiss("quota")
			needsRemote[group] = cost
		}
	}

	verdict := cached
	if !hit {
		verdict = c.refreshCheck(ctx, d, checkKey)
		if !verdict.Allowed() {
			return verdict
		}
	}

	for group, cost := range needsRemote {
		if denial := c.allocateRemote(ctx, d, group, cost); denial != nil {
			return denial
		}
	}
	return verdict
}

// refreshCheck performs the synchronous remote check for a cache miss.
// Concurrent misses for the same key share one call. On failure it
// prefers a stale verdict within the staleness bound over UNKNOWN.
func (c *Client) refreshCheck(ctx context.Context, d *Descriptor, key string) *Verdict {
	result, err, _ := c.flight.Do("check\x00"+key, func() (interface{}, error) {
		if !c.allowDirectCall() {
			return nil, transportErr("check", ErrTransportUnavailable)
		}
		verdict, callErr := c.remote.check(ctx, d)
		if callErr != nil {
			return nil, callErr
		}
		if verdict.ExpiresAt.IsZero() {
			stamped := *verdict
			stamped.ExpiresAt = time.Now().Add(c.cfg.Check.TTL)
			verdict = &stamped
		}
		c.checks.Store(key, verdict, c.cfg.Check.TTL)
		return verdict, nil
	})
	if err != nil {
		c.logger.Warn("remote check failed",
			Field{"consumerId", d.ConsumerID},
			Field{"method", d.MethodName},
			errField(err),
		)
		if stale, ok := c.checks.LookupStale(key); ok {
			return stale
		}
		return Unknown("check_unavailable")
	}
	return result.(*Verdict)
}

// quotaAllocRounds bounds the shared-allocation rounds a caller joins
// before allocating its own cost directly.
const quotaAllocRounds = 3

// quotaGrant carries a shared allocation's outcome to every flight waiter.
type quotaGrant struct {
	requested int64
	granted   int64
}

// allocateRemote resolves a quota group the local pool could not answer.
// It requests a velocity-sized batch, deposits the grant into the pool,
// and re-runs the local consumption so concurrent callers sharing the
// allocation each consume exactly once. A caller left uncovered by a
// FULL grant (concurrent waiters drained it first) joins another round;
// only a visible remote shortfall produces a denial. Returns nil when
// the cost was covered, otherwise the verdict to surface.
func (c *Client) allocateRemote(ctx context.Context, d *Descriptor, group string, cost int64) *Verdict {
	flightKey := fmt.Sprintf("quota\x00%s\x00%d", d.QuotaKey(group), cost)
	for round := 0; round < quotaAllocRounds; round++ {
		result, err, _ := c.flight.Do(flightKey, func() (interface{}, error) {
			if !c.allowDirectCall() {
				return nil, transportErr("allocate_quota", ErrTransportUnavailable)
			}
			batch := cost + c.quota.SuggestBatch(d.ConsumerID, group)
			granted, callErr := c.remote.allocateQuota(ctx, d.ConsumerID, group, batch)
			if callErr != nil {
				return nil, callErr
			}
			c.quota.ApplyGrant(d.ConsumerID, group, granted, 0)
			return quotaGrant{requested: batch, granted: granted}, nil
		})
		if err != nil {
			return c.quotaUnavailable(d, group, err)
		}

		if c.quota.TryConsume(d.ConsumerID, group, cost) == ConsumeGranted {
			c.metrics.RecordQuotaConsumption(d.ConsumerID, group, cost, true)
			return nil
		}
		if grant := result.(quotaGrant); grant.granted < grant.requested {
			// The remote under-granted: the consumer is out of quota.
			c.metrics.RecordQuotaConsumption(d.ConsumerID, group, cost, false)
			c.quota.ApplyDenial(d.ConsumerID, group)
			return Deny(ReasonQuotaExceeded, time.Now().Add(c.cfg.Quota.DenialTTL))
		}
	}

	// Contended past the round budget: allocate exactly this call's cost
	// so the outcome no longer depends on the shared pool.
	if !c.allowDirectCall() {
		return c.quotaUnavailable(d, group, transportErr("allocate_quota", ErrTransportUnavailable))
	}
	granted, err := c.remote.allocateQuota(ctx, d.ConsumerID, group, cost)
	if err != nil {
		return c.quotaUnavailable(d, group, err)
	}
	if granted < cost {
		c.metrics.RecordQuotaConsumption(d.ConsumerID, group, cost, false)
		c.quota.ApplyGrant(d.ConsumerID, group, granted, 0)
		c.quota.ApplyDenial(d.ConsumerID, group)
		return Deny(ReasonQuotaExceeded, time.Now().Add(c.cfg.Quota.DenialTTL))
	}
	c.metrics.RecordQuotaConsumption(d.ConsumerID, group, cost, true)
	c.quota.ApplyGrant(d.ConsumerID, group, granted-cost, cost)
	return nil
}

// quotaUnavailable applies the fail policy to a failed remote allocation.
func (c *Client) quotaUnavailable(d *Descriptor, group string, err error) *Verdict {
	c.logger.Warn("remote quota allocation failed",
		Field{"consumerId", d.ConsumerID},
		Field{"group", group},
		Field{"failPolicy", string(c.cfg.FailPolicy)},
		errField(err),
	)
	if c.cfg.FailPolicy == FailClosed {
		return Deny(ReasonQuotaExceeded, time.Time{})
	}
	// Fail-open: serve the request on a degraded allowed verdict.
	return &Verdict{Code: VerdictAllowed, Reason: "quota_unavailable", Degraded: true}
}

// Report feeds a completed request into the in-memory aggregator. It
// never blocks on I/O and never surfaces an error: the request already
// finished and must not be delayed or failed by telemetry.
func (c *Client) Report(d *Descriptor, o Outcome) {
	if c.closed.Load() || d == nil {
		return
	}
	c.reports.Record(d, o)
}

// Close stops the scheduler after a final best-effort flush and persists
// allowance state when a store is configured. Subsequent Check calls
// return UNKNOWN and Report calls are dropped.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClientClosed
	}
	c.sched.stop()
	return nil
}

// CheckCacheStats exposes check cache counters for admin surfaces.
func (c *Client) CheckCacheStats() CheckCacheStats {
	return c.checks.Stats()
}

func (c *Client) allowDirectCall() bool {
	return c.limiter == nil || c.limiter.Allow()
}
