// Package billing forwards flushed usage snapshots to a billing system.
// It decorates the transport, so the engine needs no billing awareness:
// whatever reaches the control plane also reaches the sink.
package billing

import (
	"context"

	"github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol"
)

// Sink receives the usage snapshots of each successful report flush.
// Implementations must tolerate duplicate delivery: a flush that fails
// after the sink saw it will be retried.
type Sink interface {
	Publish(ctx context.Context, snapshots []*servicecontrol.ReportSnapshot) error
}

// NoopSink discards all snapshots.
type NoopSink struct{}

func (NoopSink) Publish(context.Context, []*servicecontrol.ReportSnapshot) error { return nil }

// TeeTransport wraps a Transport and mirrors reported snapshots into a
// Sink. Sink failures are logged and never propagate: billing export is
// best-effort and must not trigger report retries.
type TeeTransport struct {
	inner  servicecontrol.Transport
	sink   Sink
	logger servicecontrol.Logger
}

// NewTeeTransport decorates inner with a billing sink. A nil logger
// falls back to the no-op logger.
func NewTeeTransport(inner servicecontrol.Transport, sink Sink, logger servicecontrol.Logger) *TeeTransport {
	if logger == nil {
		logger = &servicecontrol.NoopLogger{}
	}
	return &TeeTransport{inner: inner, sink: sink, logger: logger}
}

func (t *TeeTransport) Check(ctx context.Context, d *servicecontrol.Descriptor) (*servicecontrol.Verdict, error) {
	return t.inner.Check(ctx, d)
}

func (t *TeeTransport) AllocateQuota(ctx context.Context, consumerID, group string, amount int64) (int64, error) {
	return t.inner.AllocateQuota(ctx, consumerID, group, amount)
}

func (t *TeeTransport) Report(ctx context.Context, snapshots []*servicecontrol.ReportSnapshot) error {
	if err := t.inner.Report(ctx, snapshots); err != nil {
		return err
	}
	if t.sink == nil {
		return nil
	}
	if err := t.sink.Publish(ctx, snapshots); err != nil {
		t.logger.Warn("billing sink publish failed",
			servicecontrol.Field{Key: "snapshots", Value: len(snapshots)},
			servicecontrol.Field{Key: "error", Value: err},
		)
	}
	return nil
}
