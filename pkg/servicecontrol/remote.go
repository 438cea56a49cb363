package servicecontrol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// remote wraps the injected Transport with the pieces every caller needs:
// a bounded timeout, the shared circuit breaker, metrics, and uniform
// TransportError mapping. Both the facade and the scheduler go through it.
type remote struct {
	transport Transport
	breaker   *gobreaker.CircuitBreaker
	metrics   Metrics
	timeout   time.Duration
}

func newRemote(transport Transport, cfg Config) *remote {
	r := &remote{
		transport: transport,
		metrics:   cfg.Metrics,
		timeout:   cfg.RemoteTimeout,
	}
	if cfg.Breaker.Enabled {
		r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.ServiceName,
			MaxRequests: 1,
			Timeout:     cfg.Breaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.Breaker.FailureThreshold
			},
			OnStateChange: func(_ string, _, to gobreaker.State) {
				cfg.Metrics.RecordBreakerStateChange(to.String())
			},
		})
	}
	return r
}

func (r *remote) check(ctx context.Context, d *Descriptor) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	var verdict *Verdict
	err := r.execute("check", func() error {
		var innerErr error
		verdict, innerErr = r.transport.Check(ctx, d)
		return innerErr
	})
	r.metrics.RecordRemoteCall("check", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return verdict, nil
}

func (r *remote) allocateQuota(ctx context.Context, consumerID, group string, amount int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	var granted int64
	err := r.execute("allocate_quota", func() error {
		var innerErr error
		granted, innerErr = r.transport.AllocateQuota(ctx, consumerID, group, amount)
		return innerErr
	})
	r.metrics.RecordRemoteCall("allocate_quota", time.Since(start), err)
	if err != nil {
		return 0, err
	}
	return granted, nil
}

func (r *remote) report(ctx context.Context, snapshots []*ReportSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := r.execute("report", func() error {
		return r.transport.Report(ctx, snapshots)
	})
	r.metrics.RecordRemoteCall("report", time.Since(start), err)
	return err
}

// execute runs fn through the breaker when one is configured and maps
// every failure, including an open circuit, to a TransportError.
func (r *remote) execute(op string, fn func() error) error {
	if r.breaker == nil {
		return transportErr(op, fn())
	}
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
		return transportErr(op, err)
	}
	return nil
}
