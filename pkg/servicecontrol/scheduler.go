package servicecontrol

import (
	"context"
	"time"
)

// scheduler is the background driver that flushes report buckets,
// refreshes quota allowances, and sweeps expired cache entries. A single
// goroutine runs all three timers, so cycles never overlap; when a cycle
// runs long the ticker drops the missed ticks instead of queueing them.
type scheduler struct {
	cfg     Config
	remote  *remote
	checks  *CheckCache
	quota   *QuotaCache
	reports *ReportAggregator
	store   StateStore
	logger  Logger
	metrics Metrics

	pending []*pendingFlush

	stopCh chan struct{}
	doneCh chan struct{}
}

// pendingFlush is a drained snapshot batch awaiting delivery.
type pendingFlush struct {
	snapshots   []*ReportSnapshot
	attempts    int
	nextAttempt time.Time
}

func newScheduler(cfg Config, remote *remote, checks *CheckCache, quota *QuotaCache, reports *ReportAggregator) *scheduler {
	return &scheduler{
		cfg:     cfg,
		remote:  remote,
		checks:  checks,
		quota:   quota,
		reports: reports,
		store:   cfg.Store,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (s *scheduler) start() {
	go s.run()
}

// stop halts the timers and performs a final best-effort flush so pending
// usage data survives shutdown whenever the transport allows it.
func (s *scheduler) stop() {
	close(s.stopCh)
	<-s.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RemoteTimeout)
	defer cancel()
	s.flush(ctx)
	s.persist(ctx)
}

func (s *scheduler) run() {
	defer close(s.doneCh)

	flushTicker := time.NewTicker(s.cfg.Report.FlushInterval)
	refillTicker := time.NewTicker(s.cfg.Quota.RefillInterval)
	evictTicker := time.NewTicker(s.cfg.EvictionInterval)
	defer flushTicker.Stop()
	defer refillTicker.Stop()
	defer evictTicker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-s.stopCh:
			return
		case <-flushTicker.C:
			s.flush(ctx)
		case <-refillTicker.C:
			s.refill(ctx)
		case <-evictTicker.C:
			s.evict()
		}
	}
}

// flush drains the aggregator, enqueues the snapshots, and attempts every
// batch that is due. Failed batches back off exponentially and are dropped
// once the retry budget is spent; dropped usage data is logged and
// counted, never silently retried forever.
func (s *scheduler) flush(ctx context.Context) {
	snapshots := s.reports.Drain()
	for start := 0; start < len(snapshots); start += s.cfg.Report.MaxSnapshotsPerRequest {
		end := start + s.cfg.Report.MaxSnapshotsPerRequest
		if end > len(snapshots) {
			end = len(snapshots)
		}
		s.pending = append(s.pending, &pendingFlush{snapshots: snapshots[start:end]})
	}

	now := time.Now()
	remaining := s.pending[:0]
	for _, batch := range s.pending {
		if now.Before(batch.nextAttempt) {
			remaining = append(remaining, batch)
			continue
		}

		err := s.remote.report(ctx, batch.snapshots)
		s.metrics.RecordFlush(len(batch.snapshots), err)
		if err == nil {
			continue
		}

		batch.attempts++
		if batch.attempts > s.cfg.Report.MaxRetries {
			s.metrics.RecordReportDropped(len(batch.snapshots))
			s.logger.Error("dropping report snapshots after retry exhaustion",
				Field{"snapshots", len(batch.snapshots)},
				Field{"attempts", batch.attempts},
				errField(err),
			)
			continue
		}
		batch.nextAttempt = now.Add(s.backoff(batch.attempts))
		s.logger.Warn("report flush failed, will retry",
			Field{"snapshots", len(batch.snapshots)},
			Field{"attempt", batch.attempts},
			errField(err),
		)
		remaining = append(remaining, batch)
	}
	s.pending = remaining
}

func (s *scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.Report.RetryInitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.Report.RetryMaxBackoff {
			return s.cfg.Report.RetryMaxBackoff
		}
	}
	return d
}

// refill refreshes the allowance pools of recently active keys. A failed
// allocation leaves the existing pool intact until the next attempt.
func (s *scheduler) refill(ctx context.Context) {
	for _, target := range s.quota.RefillTargets() {
		granted, err := s.remote.allocateQuota(ctx, target.ConsumerID, target.Group, target.Amount)
		if err != nil {
			s.logger.Warn("quota refill failed, keeping stale pool",
				Field{"consumerId", target.ConsumerID},
				Field{"group", target.Group},
				Field{"requested", target.Amount},
				errField(err),
			)
			continue
		}
		s.quota.ApplyGrant(target.ConsumerID, target.Group, granted, 0)
		s.logger.Debug("refilled quota allowance",
			Field{"consumerId", target.ConsumerID},
			Field{"group", target.Group},
			Field{"granted", granted},
		)
	}
	s.persist(ctx)
}

func (s *scheduler) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveAllowances(ctx, s.quota.Export()); err != nil {
		s.logger.Warn("failed to persist quota allowances", errField(err))
	}
}

// evict sweeps both caches for entries past the hard age limit, bounding
// memory growth from long-tail keys that normal TTL handling never touches.
func (s *scheduler) evict() {
	checks := s.checks.Sweep(s.cfg.Check.MaxEntryAge)
	allowances := s.quota.Sweep(s.cfg.Quota.MaxEntryAge)
	if checks > 0 || allowances > 0 {
		s.logger.Debug("evicted aged cache entries",
			Field{"checkEntries", checks},
			Field{"quotaEntries", allowances},
		)
	}
}
