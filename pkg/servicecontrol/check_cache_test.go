package servicecontrol_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol"
)

func TestCheckCacheLookupFresh(t *testing.T) {
	cache := servicecontrol.NewCheckCache(10, time.Minute)
	cache.Store("k1", servicecontrol.Allow(time.Now().Add(time.Minute)), time.Minute)

	v, ok := cache.Lookup("k1")
	if !ok {
		t.Fatal("expected hit for fresh entry")
	}
	if !v.Allowed() {
		t.Errorf("Code = %v, want allowed", v.Code)
	}
	if v.Degraded {
		t.Error("fresh lookup must not be degraded")
	}
}

func TestCheckCacheLookupMiss(t *testing.T) {
	cache := servicecontrol.NewCheckCache(10, time.Minute)
	if _, ok := cache.Lookup("absent"); ok {
		t.Error("expected miss for absent key")
	}
}

func TestCheckCacheLookupExpired(t *testing.T) {
	cache := servicecontrol.NewCheckCache(10, time.Minute)
	cache.Store("k1", servicecontrol.Allow(time.Now()), -time.Second)

	if _, ok := cache.Lookup("k1"); ok {
		t.Error("expected miss for expired entry")
	}
}

func TestCheckCacheLookupStale(t *testing.T) {
	cache := servicecontrol.NewCheckCache(10, time.Minute)
	// Expired immediately, but well within the staleness bound.
	cache.Store("k1", servicecontrol.Allow(time.Now()), 0)

	if _, ok := cache.Lookup("k1"); ok {
		t.Fatal("entry should be expired for fresh lookup")
	}

	v, ok := cache.LookupStale("k1")
	if !ok {
		t.Fatal("expected stale hit within staleness bound")
	}
	if !v.Degraded {
		t.Error("stale verdict must be marked degraded")
	}
	if !v.Allowed() {
		t.Errorf("Code = %v, want allowed", v.Code)
	}
}

func TestCheckCacheLookupStaleBeyondBound(t *testing.T) {
	cache := servicecontrol.NewCheckCache(10, 0)
	cache.Store("k1", servicecontrol.Allow(time.Now()), -time.Hour)

	if _, ok := cache.LookupStale("k1"); ok {
		t.Error("entries beyond the staleness bound must not be served")
	}
}

func TestCheckCacheEvictsAgedLRU(t *testing.T) {
	cache := servicecontrol.NewCheckCache(3, time.Minute)

	// Entries with ttl 0 are immediately past half-life, so evictable.
	for i := 0; i < 3; i++ {
		cache.Store(fmt.Sprintf("k%d", i), servicecontrol.Allow(time.Now()), 0)
	}
	// Touch k1 and k2 so k0 is the least recently used.
	cache.LookupStale("k1")
	cache.LookupStale("k2")

	cache.Store("k3", servicecontrol.Allow(time.Now().Add(time.Minute)), time.Minute)

	stats := cache.Stats()
	if stats.Size != 3 {
		t.Errorf("Size = %d, want 3", stats.Size)
	}
	if stats.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", stats.Evictions)
	}
	if _, ok := cache.LookupStale("k0"); ok {
		t.Error("k0 should have been evicted as LRU")
	}
}

func TestCheckCacheNeverEvictsFreshEntries(t *testing.T) {
	cache := servicecontrol.NewCheckCache(2, time.Minute)

	// Long TTLs keep every entry before its half-life.
	cache.Store("k0", servicecontrol.Allow(time.Now().Add(time.Hour)), time.Hour)
	cache.Store("k1", servicecontrol.Allow(time.Now().Add(time.Hour)), time.Hour)
	cache.Store("k2", servicecontrol.Allow(time.Now().Add(time.Hour)), time.Hour)

	stats := cache.Stats()
	if stats.Size != 3 {
		t.Errorf("Size = %d, want 3 (soft overflow instead of evicting fresh entries)", stats.Size)
	}
	if stats.Evictions != 0 {
		t.Errorf("Evictions = %d, want 0", stats.Evictions)
	}
}

func TestCheckCacheInvalidate(t *testing.T) {
	cache := servicecontrol.NewCheckCache(10, time.Minute)
	cache.Store("k1", servicecontrol.Allow(time.Now().Add(time.Minute)), time.Minute)
	cache.Invalidate("k1")

	if _, ok := cache.Lookup("k1"); ok {
		t.Error("invalidated entry must not be returned")
	}
}

func TestCheckCacheSweep(t *testing.T) {
	cache := servicecontrol.NewCheckCache(10, time.Minute)
	cache.Store("old", servicecontrol.Allow(time.Now()), time.Minute)
	cache.Store("new", servicecontrol.Allow(time.Now()), time.Minute)

	// maxAge 0 removes everything stored before now.
	time.Sleep(time.Millisecond)
	removed := cache.Sweep(0)
	if removed != 2 {
		t.Errorf("Sweep removed %d, want 2", removed)
	}
	if stats := cache.Stats(); stats.Size != 0 {
		t.Errorf("Size = %d after sweep, want 0", stats.Size)
	}
}

func TestCheckCacheStatsCounts(t *testing.T) {
	cache := servicecontrol.NewCheckCache(10, time.Minute)
	cache.Store("k1", servicecontrol.Allow(time.Now().Add(time.Minute)), time.Minute)

	cache.Lookup("k1")
	cache.Lookup("k1")
	cache.Lookup("absent")

	stats := cache.Stats()
	if stats.Hits != 2 {
		t.Errorf("Hits = %d, want 2", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
}
