package servicecontrol

import "context"

// StateStore persists quota allowance snapshots so a restarted process
// can warm-start its pools instead of stampeding the control plane.
// Persistence is best-effort and eventually consistent: the engine never
// fails a request over a store error, and multiple processes sharing a
// store observe each other's state only at snapshot granularity.
//
// Implementations live under storage/ (memory, redis, postgres,
// firestore).
type StateStore interface {
	// SaveAllowances replaces the stored snapshot for this service.
	SaveAllowances(ctx context.Context, states []AllowanceState) error

	// LoadAllowances returns the stored snapshot, or an empty slice when
	// none exists.
	LoadAllowances(ctx context.Context) ([]AllowanceState, error)
}
