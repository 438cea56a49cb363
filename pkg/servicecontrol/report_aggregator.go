package servicecontrol

import (
	"sync"
	"time"
)

// latencyBounds are the upper bounds of the latency histogram buckets.
// The last slot of a snapshot's LatencyCounts is the overflow bucket.
var latencyBounds = []time.Duration{
	1 * time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2500 * time.Millisecond,
	5 * time.Second,
	10 * time.Second,
}

// LatencyBounds returns the histogram bucket upper bounds used in report
// snapshots.
func LatencyBounds() []time.Duration {
	bounds := make([]time.Duration, len(latencyBounds))
	copy(bounds, latencyBounds)
	return bounds
}

// ReportSnapshot is the drained, immutable form of one report bucket.
type ReportSnapshot struct {
	ConsumerID  string
	MethodName  string
	StatusClass string

	FirstSeen time.Time
	LastSeen  time.Time

	RequestCount  int64
	RequestBytes  int64
	ResponseBytes int64

	// StatusCounts breaks RequestCount down by exact status code.
	StatusCounts map[int]int64

	// LatencyCounts has len(LatencyBounds())+1 slots; the final slot
	// counts requests above the largest bound.
	LatencyCounts []int64
	LatencySum    time.Duration

	// OperationSamples is a bounded sample of operation ids kept for
	// audit trails; it is never the full per-request list.
	OperationSamples []string
}

// ReportAggregator accumulates usage records into coarse buckets so the
// control plane sees aggregated usage instead of one record per call.
// Record never blocks on I/O; Drain is a destructive read safe to run
// concurrently with Record.
type ReportAggregator struct {
	mu      sync.RWMutex
	buckets map[string]*reportBucket

	sampleSize int
	records    int64
}

type reportBucket struct {
	mu     sync.Mutex
	sealed bool

	consumerID  string
	methodName  string
	statusClass string

	firstSeen time.Time
	lastSeen  time.Time

	requestCount  int64
	requestBytes  int64
	responseBytes int64
	statusCounts  map[int]int64
	latencyCounts []int64
	latencySum    time.Duration
	samples       []string
}

// NewReportAggregator creates an aggregator keeping at most sampleSize
// operation ids per bucket.
func NewReportAggregator(sampleSize int) *ReportAggregator {
	if sampleSize <= 0 {
		sampleSize = 10
	}
	return &ReportAggregator{
		buckets:    make(map[string]*reportBucket),
		sampleSize: sampleSize,
	}
}

// reportKey is deliberately coarser than the check key: it drops the
// operation id and resource so one bucket aggregates many calls.
func reportKey(d *Descriptor, statusClass string) string {
	return d.ConsumerID + "\x00" + d.MethodName + "\x00" + statusClass
}

// Record merges one completed request into its bucket. It always succeeds
// and only touches in-memory state under the bucket's lock.
func (r *ReportAggregator) Record(d *Descriptor, o Outcome) {
	class := StatusClass(o.StatusCode)
	key := reportKey(d, class)
	now := time.Now()

	for {
		bucket := r.getOrCreate(key, d, class)

		bucket.mu.Lock()
		if bucket.sealed {
			// A concurrent Drain detached this bucket after we fetched
			// it; retry against the freshly installed accumulator so the
			// record lands exactly once.
			bucket.mu.Unlock()
			continue
		}
		bucket.merge(d, o, now, r.sampleSize)
		bucket.mu.Unlock()
		return
	}
}

func (r *ReportAggregator) getOrCreate(key string, d *Descriptor, class string) *reportBucket {
	r.mu.RLock()
	bucket, ok := r.buckets[key]
	r.mu.RUnlock()
	if ok {
		return bucket
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if bucket, ok = r.buckets[key]; ok {
		return bucket
	}
	bucket = &reportBucket{
		consumerID:    d.ConsumerID,
		methodName:    d.MethodName,
		statusClass:   class,
		statusCounts:  make(map[int]int64),
		latencyCounts: make([]int64, len(latencyBounds)+1),
	}
	r.buckets[key] = bucket
	return bucket
}

// merge folds one outcome into the bucket. Caller holds bucket.mu.
func (b *reportBucket) merge(d *Descriptor, o Outcome, now time.Time, sampleSize int) {
	if b.requestCount == 0 {
		b.firstSeen = now
	}
	b.lastSeen = now
	b.requestCount++
	if o.RequestSize > 0 {
		b.requestBytes += o.RequestSize
	}
	if o.ResponseSize > 0 {
		b.responseBytes += o.ResponseSize
	}
	b.statusCounts[o.StatusCode]++
	b.latencyCounts[latencyBucketIndex(o.Latency)]++
	b.latencySum += o.Latency
	if len(b.samples) < sampleSize {
		b.samples = append(b.samples, d.OperationID)
	}
}

func latencyBucketIndex(latency time.Duration) int {
	for i, bound := range latencyBounds {
		if latency <= bound {
			return i
		}
	}
	return len(latencyBounds)
}

// Drain atomically detaches every bucket and returns their snapshots.
// Records arriving mid-drain land in the freshly installed accumulators;
// none is lost and none is counted twice. Draining twice with no
// intervening Record returns nothing the second time.
func (r *ReportAggregator) Drain() []*ReportSnapshot {
	r.mu.Lock()
	detached := r.buckets
	r.buckets = make(map[string]*reportBucket, len(detached))
	r.mu.Unlock()

	snapshots := make([]*ReportSnapshot, 0, len(detached))
	for _, bucket := range detached {
		bucket.mu.Lock()
		bucket.sealed = true
		if bucket.requestCount > 0 {
			snapshots = append(snapshots, bucket.snapshot())
		}
		bucket.mu.Unlock()
	}
	return snapshots
}

// snapshot copies the bucket's accumulated state. Caller holds bucket.mu.
func (b *reportBucket) snapshot() *ReportSnapshot {
	statusCounts := make(map[int]int64, len(b.statusCounts))
	for code, n := range b.statusCounts {
		statusCounts[code] = n
	}
	latencyCounts := make([]int64, len(b.latencyCounts))
	copy(latencyCounts, b.latencyCounts)
	samples := make([]string, len(b.samples))
	copy(samples, b.samples)

	return &ReportSnapshot{
		ConsumerID:       b.consumerID,
		MethodName:       b.methodName,
		StatusClass:      b.statusClass,
		FirstSeen:        b.firstSeen,
		LastSeen:         b.lastSeen,
		RequestCount:     b.requestCount,
		RequestBytes:     b.requestBytes,
		ResponseBytes:    b.responseBytes,
		StatusCounts:     statusCounts,
		LatencyCounts:    latencyCounts,
		LatencySum:       b.latencySum,
		OperationSamples: samples,
	}
}

// Size returns the number of active buckets.
func (r *ReportAggregator) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}
