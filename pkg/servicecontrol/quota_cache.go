package servicecontrol

import (
	"sync"
	"time"
)

// ConsumeResult is the outcome of a local quota consumption attempt.
type ConsumeResult int

const (
	// ConsumeGranted means the local pool covered the cost.
	ConsumeGranted ConsumeResult = iota
	// ConsumeDenied means a recent remote denial is still in effect.
	ConsumeDenied
	// ConsumeNeedsRemote means the local pool cannot answer and the
	// caller must fall back to a direct remote allocation.
	ConsumeNeedsRemote
)

// QuotaCache maintains per-(consumer, group) token pools refilled from the
// remote service, so quota decisions stay off the request path. Entries
// are created lazily on first reference and locked individually; unrelated
// keys never contend.
type QuotaCache struct {
	mu      sync.RWMutex
	entries map[string]*allowance
	opts    QuotaOptions
}

type allowance struct {
	mu sync.Mutex

	consumerID string
	group      string

	remaining   int64
	deniedUntil time.Time
	refreshedAt time.Time
	expiresAt   time.Time
	lastAccess  time.Time

	// consumed accumulates grants since the last refill tick; the ring
	// of past intervals drives the moving-average batch sizing.
	consumed  int64
	intervals []int64
	pos       int
	filled    int
}

// RefillTarget names an active allowance the scheduler should refresh.
type RefillTarget struct {
	ConsumerID string
	Group      string
	Amount     int64
}

// AllowanceState is a persistable snapshot of one allowance entry.
type AllowanceState struct {
	ConsumerID  string    `json:"consumer_id"`
	Group       string    `json:"group"`
	Remaining   int64     `json:"remaining"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// NewQuotaCache creates a quota allowance cache.
func NewQuotaCache(opts QuotaOptions) *QuotaCache {
	if opts.VelocityWindow <= 0 {
		opts.VelocityWindow = 6
	}
	return &QuotaCache{
		entries: make(map[string]*allowance),
		opts:    opts,
	}
}

func (q *QuotaCache) getOrCreate(consumerID, group string) *allowance {
	key := quotaKey(consumerID, group)

	q.mu.RLock()
	entry, ok := q.entries[key]
	q.mu.RUnlock()
	if ok {
		return entry
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if entry, ok = q.entries[key]; ok {
		return entry
	}
	entry = &allowance{
		consumerID: consumerID,
		group:      group,
		intervals:  make([]int64, q.opts.VelocityWindow),
	}
	q.entries[key] = entry
	return entry
}

// TryConsume attempts an atomic decrement-if-sufficient against the local
// pool. Insufficient tokens never deny outright: the caller falls back to
// a direct remote allocation for correctness.
func (q *QuotaCache) TryConsume(consumerID, group string, amount int64) ConsumeResult {
	if amount <= 0 {
		return ConsumeGranted
	}
	entry := q.getOrCreate(consumerID, group)
	now := time.Now()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.lastAccess = now
	if now.Before(entry.deniedUntil) {
		return ConsumeDenied
	}
	if entry.refreshedAt.IsZero() || now.After(entry.expiresAt) {
		// Never serve from an expired pool; refresh-or-evict first.
		return ConsumeNeedsRemote
	}
	if entry.remaining < amount {
		return ConsumeNeedsRemote
	}
	entry.remaining -= amount
	entry.consumed += amount
	return ConsumeGranted
}

// ApplyGrant records an authoritative remote allocation: granted tokens
// are added to the pool and consumed tokens (already spent by the caller
// out of the same allocation) feed the velocity estimate.
func (q *QuotaCache) ApplyGrant(consumerID, group string, granted, consumed int64) {
	entry := q.getOrCreate(consumerID, group)
	now := time.Now()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if granted > 0 {
		entry.remaining += granted
	}
	entry.consumed += consumed
	entry.refreshedAt = now
	entry.expiresAt = now.Add(q.opts.EntryTTL)
	entry.deniedUntil = time.Time{}
	entry.lastAccess = now
}

// ApplyDenial records a remote denial. TryConsume returns ConsumeDenied
// for the key until the denial TTL elapses, short-circuiting further
// remote calls for a consumer that is out of quota.
func (q *QuotaCache) ApplyDenial(consumerID, group string) {
	entry := q.getOrCreate(consumerID, group)
	now := time.Now()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.deniedUntil = now.Add(q.opts.DenialTTL)
	entry.lastAccess = now
}

// SuggestBatch sizes a remote allocation request from the consumption
// moving average, clamped to the configured bounds.
func (q *QuotaCache) SuggestBatch(consumerID, group string) int64 {
	entry := q.getOrCreate(consumerID, group)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return q.clampBatch(entry.velocity())
}

func (q *QuotaCache) clampBatch(n int64) int64 {
	if n < q.opts.MinBatch {
		n = q.opts.MinBatch
	}
	if q.opts.MaxBatch > 0 && n > q.opts.MaxBatch {
		n = q.opts.MaxBatch
	}
	return n
}

// velocity returns the moving average of per-interval consumption,
// including the interval in progress. Caller holds entry.mu.
func (a *allowance) velocity() int64 {
	sum := a.consumed
	count := int64(1)
	for i := 0; i < a.filled; i++ {
		sum += a.intervals[i]
		count++
	}
	return sum / count
}

// RefillTargets rotates each entry's consumption window and returns the
// keys with recent activity, each with a suggested refill amount. Called
// once per refill interval by the scheduler.
func (q *QuotaCache) RefillTargets() []RefillTarget {
	q.mu.RLock()
	entries := make([]*allowance, 0, len(q.entries))
	for _, entry := range q.entries {
		entries = append(entries, entry)
	}
	q.mu.RUnlock()

	activityBound := time.Now().Add(-2 * q.opts.RefillInterval)
	var targets []RefillTarget
	for _, entry := range entries {
		entry.mu.Lock()
		entry.intervals[entry.pos] = entry.consumed
		entry.pos = (entry.pos + 1) % len(entry.intervals)
		if entry.filled < len(entry.intervals) {
			entry.filled++
		}
		entry.consumed = 0
		active := entry.lastAccess.After(activityBound)
		amount := q.clampBatch(entry.velocity())
		entry.mu.Unlock()

		if active {
			targets = append(targets, RefillTarget{
				ConsumerID: entry.consumerID,
				Group:      entry.group,
				Amount:     amount,
			})
		}
	}
	return targets
}

// Sweep removes entries unused for longer than maxAge and returns the
// number removed.
func (q *QuotaCache) Sweep(maxAge time.Duration) int {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for key, entry := range q.entries {
		entry.mu.Lock()
		stale := now.Sub(entry.lastAccess) > maxAge
		entry.mu.Unlock()
		if stale {
			delete(q.entries, key)
			removed++
		}
	}
	return removed
}

// Remaining reports the current pool size for a key, mainly for tests and
// admin inspection.
func (q *QuotaCache) Remaining(consumerID, group string) int64 {
	q.mu.RLock()
	entry, ok := q.entries[quotaKey(consumerID, group)]
	q.mu.RUnlock()
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.remaining
}

// Export snapshots every allowance for best-effort persistence.
func (q *QuotaCache) Export() []AllowanceState {
	q.mu.RLock()
	entries := make([]*allowance, 0, len(q.entries))
	for _, entry := range q.entries {
		entries = append(entries, entry)
	}
	q.mu.RUnlock()

	states := make([]AllowanceState, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		states = append(states, AllowanceState{
			ConsumerID:  entry.consumerID,
			Group:       entry.group,
			Remaining:   entry.remaining,
			RefreshedAt: entry.refreshedAt,
		})
		entry.mu.Unlock()
	}
	return states
}

// Import seeds allowances from persisted state. Pools older than the
// entry TTL are loaded but stay unusable until the next refresh, so a
// stale snapshot can never mint tokens.
func (q *QuotaCache) Import(states []AllowanceState) {
	for _, st := range states {
		entry := q.getOrCreate(st.ConsumerID, st.Group)
		entry.mu.Lock()
		entry.remaining = st.Remaining
		entry.refreshedAt = st.RefreshedAt
		entry.expiresAt = st.RefreshedAt.Add(q.opts.EntryTTL)
		entry.mu.Unlock()
	}
}

// Size returns the number of tracked allowance entries.
func (q *QuotaCache) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}
