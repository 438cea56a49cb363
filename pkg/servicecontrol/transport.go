package servicecontrol

import "context"

// Transport is the boundary to the remote control plane. Implementations
// perform the actual wire calls; the engine treats them as a black box.
//
// Every failure (timeout, connection error, malformed response) must be
// returned as a single uniform *TransportError so the caching layer's
// degradation policy stays simple. Implementations that return other
// error types still work: the engine wraps them on the way in.
type Transport interface {
	// Check asks the control plane for an authorization verdict.
	Check(ctx context.Context, d *Descriptor) (*Verdict, error)

	// AllocateQuota requests amount tokens for (consumerID, group) and
	// returns the amount actually granted, which may be less than
	// requested, including zero for an outright denial.
	AllocateQuota(ctx context.Context, consumerID, group string, amount int64) (int64, error)

	// Report delivers a batch of aggregated usage snapshots. The engine
	// guarantees at-least-once delivery attempts; the remote service is
	// responsible for idempotent aggregation of retried batches.
	Report(ctx context.Context, snapshots []*ReportSnapshot) error
}
