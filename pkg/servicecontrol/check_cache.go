package servicecontrol

import (
	"sync"
	"time"
)

// CheckCache memoizes check verdicts under short TTLs. It never calls the
// transport itself; on a miss the facade performs the remote check and
// stores the result.
type CheckCache struct {
	mu       sync.Mutex
	entries  map[string]*checkEntry
	capacity int

	maxStaleness time.Duration

	hits      int64
	misses    int64
	evictions int64
	sequence  int64
}

type checkEntry struct {
	verdict    *Verdict
	storedAt   time.Time
	halfLife   time.Time // storedAt + ttl/2; entries past this are evictable
	expiresAt  time.Time
	accessedAt time.Time
	sequence   int64
}

// CheckCacheStats holds check cache counters.
type CheckCacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// NewCheckCache creates a check cache with the given capacity and
// staleness bound.
func NewCheckCache(capacity int, maxStaleness time.Duration) *CheckCache {
	if capacity <= 0 {
		capacity = 200
	}
	return &CheckCache{
		entries:      make(map[string]*checkEntry, capacity),
		capacity:     capacity,
		maxStaleness: maxStaleness,
	}
}

// Lookup returns the fresh verdict for key, or (nil, false) on a miss or
// an expired entry.
func (c *CheckCache) Lookup(key string) (*Verdict, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || now.After(entry.expiresAt) {
		c.misses++
		return nil, false
	}
	entry.accessedAt = now
	c.hits++
	return entry.verdict, true
}

// LookupStale returns an expired verdict for key if it is still within the
// staleness bound. Used only when the remote call has already failed;
// stale data beats no data, up to a point.
func (c *CheckCache) LookupStale(key string) (*Verdict, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if now.Sub(entry.storedAt) > c.staleBound(entry) {
		return nil, false
	}
	entry.accessedAt = now
	return entry.verdict.withDegraded(), true
}

func (c *CheckCache) staleBound(entry *checkEntry) time.Duration {
	ttl := entry.expiresAt.Sub(entry.storedAt)
	return ttl + c.maxStaleness
}

// Store inserts or replaces the verdict for key with the given TTL. When
// the cache is full it evicts the least-recently-used entry among those
// past half their TTL; fresh entries are never evicted speculatively, so
// the cache may briefly exceed capacity until entries age.
func (c *CheckCache) Store(key string, v *Verdict, ttl time.Duration) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictHalfLifeLRU(now)
	}

	c.sequence++
	c.entries[key] = &checkEntry{
		verdict:    v,
		storedAt:   now,
		halfLife:   now.Add(ttl / 2),
		expiresAt:  now.Add(ttl),
		accessedAt: now,
		sequence:   c.sequence,
	}
}

// Invalidate removes the entry for key.
func (c *CheckCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Sweep removes every entry older than maxAge regardless of use and
// returns the number removed. Driven by the scheduler's eviction timer to
// bound memory growth from long-tail keys.
func (c *CheckCache) Sweep(maxAge time.Duration) int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) > maxAge {
			delete(c.entries, key)
			removed++
		}
	}
	c.evictions += int64(removed)
	return removed
}

// Stats returns cache counters.
func (c *CheckCache) Stats() CheckCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CheckCacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

// evictHalfLifeLRU removes the least-recently-used entry among those past
// half their TTL. Caller holds c.mu.
func (c *CheckCache) evictHalfLifeLRU(now time.Time) {
	var victim string
	var victimTime time.Time
	var victimSeq int64
	found := false

	for key, entry := range c.entries {
		if now.Before(entry.halfLife) {
			continue
		}
		if !found || entry.accessedAt.Before(victimTime) ||
			(entry.accessedAt.Equal(victimTime) && entry.sequence < victimSeq) {
			victim = key
			victimTime = entry.accessedAt
			victimSeq = entry.sequence
			found = true
		}
	}
	if found {
		delete(c.entries, victim)
		c.evictions++
	}
}
