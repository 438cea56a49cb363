package servicecontrol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestClient(t *testing.T, transport Transport, cfg Config) *Client {
	t.Helper()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "library.example.com"
	}
	client, err := NewClient(transport, cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewClientRequiresTransport(t *testing.T) {
	_, err := NewClient(nil, Config{ServiceName: "s"})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(&fakeTransport{}, Config{})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestCheckAllowedAndCached(t *testing.T) {
	transport := &fakeTransport{}
	client := newTestClient(t, transport, Config{})

	d := NewDescriptor("c1", "library.books.list", "/v1/books")

	v := client.Check(context.Background(), d)
	if !v.Allowed() {
		t.Fatalf("Code = %v, want allowed", v.Code)
	}

	v = client.Check(context.Background(), d)
	if !v.Allowed() {
		t.Fatalf("second Code = %v, want allowed", v.Code)
	}

	if checks, _, _ := transport.counts(); checks != 1 {
		t.Errorf("remote check calls = %d, want 1 (second call served from cache)", checks)
	}
}

func TestCheckCachedDenialServedLocally(t *testing.T) {
	transport := &fakeTransport{}
	transport.checkFn = func(*Descriptor) (*Verdict, error) {
		return Deny(ReasonNotAuthorized, time.Now().Add(time.Minute)), nil
	}
	client := newTestClient(t, transport, Config{})

	d := NewDescriptor("c1", "library.books.delete", "/v1/books/1")

	for i := 0; i < 3; i++ {
		v := client.Check(context.Background(), d)
		if !v.Denied() || v.Reason != ReasonNotAuthorized {
			t.Fatalf("call %d: verdict = %+v, want not_authorized denial", i, v)
		}
	}
	if checks, _, _ := transport.counts(); checks != 1 {
		t.Errorf("remote check calls = %d, want 1 (denials are cached too)", checks)
	}
}

func TestCheckRejectsIncompleteDescriptor(t *testing.T) {
	transport := &fakeTransport{}
	client := newTestClient(t, transport, Config{})

	v := client.Check(context.Background(), NewDescriptor("", "m", "r"))
	if !v.Denied() || v.Reason != ReasonNotAuthorized {
		t.Errorf("verdict = %+v, want not_authorized denial", v)
	}
	if checks, _, _ := transport.counts(); checks != 0 {
		t.Error("incomplete descriptors must not reach the transport")
	}
}

func TestCheckUnknownWhenTransportDownAndNoCache(t *testing.T) {
	transport := &fakeTransport{}
	transport.checkFn = func(*Descriptor) (*Verdict, error) {
		return nil, errors.New("connection refused")
	}
	client := newTestClient(t, transport, Config{})

	v := client.Check(context.Background(), NewDescriptor("c1", "m", "r"))
	if v.Code != VerdictUnknown {
		t.Errorf("Code = %v, want unknown", v.Code)
	}
	if !v.Degraded {
		t.Error("unknown verdict must be degraded")
	}
}

func TestCheckServesStaleOnTransportFailure(t *testing.T) {
	transport := &fakeTransport{}
	cfg := Config{}
	cfg.Check.TTL = time.Millisecond
	cfg.Check.MaxStaleness = time.Minute
	client := newTestClient(t, transport, cfg)

	d := NewDescriptor("c1", "m", "r")
	if v := client.Check(context.Background(), d); !v.Allowed() {
		t.Fatalf("seed call = %v, want allowed", v.Code)
	}

	time.Sleep(5 * time.Millisecond)
	transport.mu.Lock()
	transport.checkFn = func(*Descriptor) (*Verdict, error) {
		return nil, errors.New("connection refused")
	}
	transport.mu.Unlock()

	v := client.Check(context.Background(), d)
	if !v.Allowed() {
		t.Fatalf("Code = %v, want stale allowed", v.Code)
	}
	if !v.Degraded {
		t.Error("stale verdict must be degraded")
	}
}

func TestQuotaLifecycle(t *testing.T) {
	transport := &fakeTransport{}
	budget := int64(10)
	transport.allocateFn = func(_, _ string, amount int64) (int64, error) {
		granted := amount
		if granted > budget {
			granted = budget
		}
		budget -= granted
		return granted, nil
	}
	client := newTestClient(t, transport, Config{})

	newCall := func() *Descriptor {
		return NewDescriptor("c1", "library.books.list", "/v1/books",
			WithQuotaCost("api_calls", 1),
		)
	}

	for i := 0; i < 10; i++ {
		v := client.Check(context.Background(), newCall())
		if !v.Allowed() {
			t.Fatalf("call %d: Code = %v, want allowed", i+1, v.Code)
		}
	}

	// Budget exhausted: the insufficient grant denies and arms the
	// denial TTL, so the next call is denied without a remote trip.
	v := client.Check(context.Background(), newCall())
	if !v.Denied() || v.Reason != ReasonQuotaExceeded {
		t.Fatalf("verdict = %+v, want quota_exceeded denial", v)
	}

	_, allocsBefore, _ := transport.counts()
	v = client.Check(context.Background(), newCall())
	if !v.Denied() {
		t.Fatalf("Code = %v, want denied during denial TTL", v.Code)
	}
	if _, allocs, _ := transport.counts(); allocs != allocsBefore {
		t.Error("denial TTL should short-circuit remote allocations")
	}

	// Most of the 10 granted calls must have come from the local pool.
	if _, allocs, _ := transport.counts(); allocs > 3 {
		t.Errorf("remote allocations = %d, want batching to keep this small", allocs)
	}
}

func TestQuotaFailClosedDenies(t *testing.T) {
	transport := &fakeTransport{}
	transport.allocateFn = func(_, _ string, _ int64) (int64, error) {
		return 0, errors.New("connection refused")
	}
	client := newTestClient(t, transport, Config{FailPolicy: FailClosed})

	d := NewDescriptor("c1", "m", "r", WithQuotaCost("api_calls", 1))
	v := client.Check(context.Background(), d)
	if !v.Denied() || v.Reason != ReasonQuotaExceeded {
		t.Errorf("verdict = %+v, want quota_exceeded denial under fail-closed", v)
	}
}

func TestQuotaFailOpenAllowsDegraded(t *testing.T) {
	transport := &fakeTransport{}
	transport.allocateFn = func(_, _ string, _ int64) (int64, error) {
		return 0, errors.New("connection refused")
	}
	client := newTestClient(t, transport, Config{FailPolicy: FailOpen})

	d := NewDescriptor("c1", "m", "r", WithQuotaCost("api_calls", 1))
	v := client.Check(context.Background(), d)
	if !v.Allowed() {
		t.Fatalf("Code = %v, want allowed under fail-open", v.Code)
	}
	if !v.Degraded {
		t.Error("fail-open verdict must be degraded")
	}
}

func TestConcurrentQuotaNeverOverGrants(t *testing.T) {
	transport := &fakeTransport{}
	var budgetMu sync.Mutex
	budget := int64(30)
	transport.allocateFn = func(_, _ string, amount int64) (int64, error) {
		budgetMu.Lock()
		defer budgetMu.Unlock()
		granted := amount
		if granted > budget {
			granted = budget
		}
		budget -= granted
		return granted, nil
	}
	client := newTestClient(t, transport, Config{})

	const callers = 50
	var wg sync.WaitGroup
	var allowedMu sync.Mutex
	allowed := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := NewDescriptor("c1", "m", "r", WithQuotaCost("api_calls", 1))
			if client.Check(context.Background(), d).Allowed() {
				allowedMu.Lock()
				allowed++
				allowedMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed > 30 {
		t.Errorf("allowed %d calls from a budget of 30", allowed)
	}
	if allowed == 0 {
		t.Error("expected at least some calls to be allowed")
	}
}

func TestConcurrentSharedGrantNeverDenies(t *testing.T) {
	transport := &fakeTransport{}
	transport.allocateFn = func(_, _ string, amount int64) (int64, error) {
		// Unlimited remote quota, slow enough for callers to pile up on
		// one shared allocation.
		time.Sleep(2 * time.Millisecond)
		return amount, nil
	}
	client := newTestClient(t, transport, Config{})

	const callers = 40
	start := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	denied := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d := NewDescriptor("c1", "m", "r", WithQuotaCost("api_calls", 1))
			v := client.Check(context.Background(), d)
			if v.Denied() {
				mu.Lock()
				denied++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	// With the remote granting every allocation in full, a caller left
	// uncovered by a shared batch must retry or allocate its own cost,
	// never report quota_exceeded.
	if denied != 0 {
		t.Errorf("denied %d of %d callers with unlimited remote quota", denied, callers)
	}
}

func TestReportFeedsAggregator(t *testing.T) {
	transport := &fakeTransport{}
	client := newTestClient(t, transport, Config{})

	d := NewDescriptor("c1", "m", "r")
	client.Report(d, Outcome{StatusCode: 200, Latency: time.Millisecond})
	client.Report(d, Outcome{StatusCode: 200, Latency: time.Millisecond})

	if client.reports.Size() != 1 {
		t.Errorf("aggregator buckets = %d, want 1", client.reports.Size())
	}
}

func TestCloseIdempotenceAndAfterClose(t *testing.T) {
	transport := &fakeTransport{}
	client, err := NewClient(transport, Config{ServiceName: "s"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := client.Close(); !errors.Is(err, ErrClientClosed) {
		t.Errorf("second Close = %v, want ErrClientClosed", err)
	}

	v := client.Check(context.Background(), NewDescriptor("c1", "m", "r"))
	if v.Code != VerdictUnknown {
		t.Errorf("Check after Close = %v, want unknown", v.Code)
	}

	client.Report(NewDescriptor("c1", "m", "r"), Outcome{StatusCode: 200})
	if client.reports.Size() != 0 {
		t.Error("Report after Close must be dropped")
	}
}

func TestCloseFlushesReports(t *testing.T) {
	transport := &fakeTransport{}
	client, err := NewClient(transport, Config{ServiceName: "s"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	client.Report(NewDescriptor("c1", "m", "r"), Outcome{StatusCode: 200})
	client.Close()

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.reported) != 1 {
		t.Errorf("reported %d snapshots on Close, want 1", len(transport.reported))
	}
}

func TestClientLoadsPersistedAllowances(t *testing.T) {
	transport := &fakeTransport{}
	store := &recordingStore{states: []AllowanceState{{
		ConsumerID:  "c1",
		Group:       "api_calls",
		Remaining:   50,
		RefreshedAt: time.Now(),
	}}}
	client := newTestClient(t, transport, Config{Store: store})

	d := NewDescriptor("c1", "m", "r", WithQuotaCost("api_calls", 1))
	v := client.Check(context.Background(), d)
	if !v.Allowed() {
		t.Fatalf("Code = %v, want allowed from warm-started pool", v.Code)
	}
	if _, allocs, _ := transport.counts(); allocs != 0 {
		t.Errorf("remote allocations = %d, want 0 (pool was warm)", allocs)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	transport := &fakeTransport{}
	transport.checkFn = func(*Descriptor) (*Verdict, error) {
		return nil, errors.New("connection refused")
	}
	cfg := Config{}
	cfg.Breaker.Enabled = true
	cfg.Breaker.FailureThreshold = 2
	client := newTestClient(t, transport, cfg)

	// Distinct keys so the check cache and singleflight stay out of the way.
	for i := 0; i < 5; i++ {
		d := NewDescriptor("c1", "m", string(rune('a'+i)))
		v := client.Check(context.Background(), d)
		if v.Code != VerdictUnknown {
			t.Fatalf("call %d: Code = %v, want unknown", i, v.Code)
		}
	}

	// After two consecutive failures the breaker is open and stops
	// forwarding calls to the transport.
	if checks, _, _ := transport.counts(); checks != 2 {
		t.Errorf("transport check calls = %d, want 2 (breaker open after threshold)", checks)
	}
}
