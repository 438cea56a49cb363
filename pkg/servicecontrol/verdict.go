package servicecontrol

import "time"

// VerdictCode enumerates the possible outcomes of a check.
type VerdictCode string

const (
	// VerdictAllowed means the call may proceed.
	VerdictAllowed VerdictCode = "allowed"
	// VerdictDenied means the call must be rejected.
	VerdictDenied VerdictCode = "denied"
	// VerdictUnknown means no usable answer exists; the adapter's
	// fail-open/fail-closed policy decides what to do with the request.
	VerdictUnknown VerdictCode = "unknown"
)

// Well-known denial reasons.
const (
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonNotAuthorized = "not_authorized"
)

// Verdict is the immutable result of a check. A refresh produces a new
// Verdict; existing ones are never mutated.
type Verdict struct {
	// Code is the decision.
	Code VerdictCode

	// Reason explains a denial (empty for allowed verdicts).
	Reason string

	// ExpiresAt is when this verdict stops being authoritative.
	ExpiresAt time.Time

	// Degraded marks verdicts produced from stale cache data or a
	// fail-open policy while the control plane was unreachable.
	Degraded bool
}

// Allowed reports whether the call may proceed.
func (v *Verdict) Allowed() bool { return v.Code == VerdictAllowed }

// Denied reports whether the call must be rejected.
func (v *Verdict) Denied() bool { return v.Code == VerdictDenied }

// Expired reports whether the verdict is past its expiry at the given time.
func (v *Verdict) Expired(now time.Time) bool {
	return !v.ExpiresAt.IsZero() && now.After(v.ExpiresAt)
}

// Allow builds an allowed verdict valid until expiresAt.
func Allow(expiresAt time.Time) *Verdict {
	return &Verdict{Code: VerdictAllowed, ExpiresAt: expiresAt}
}

// Deny builds a denied verdict valid until expiresAt.
func Deny(reason string, expiresAt time.Time) *Verdict {
	return &Verdict{Code: VerdictDenied, Reason: reason, ExpiresAt: expiresAt}
}

// Unknown builds the degraded verdict returned when the control plane is
// unreachable and no cached answer exists.
func Unknown(reason string) *Verdict {
	return &Verdict{Code: VerdictUnknown, Reason: reason, Degraded: true}
}

// withDegraded returns a copy of v marked as degraded. Verdicts are
// replaced, not mutated.
func (v *Verdict) withDegraded() *Verdict {
	clone := *v
	clone.Degraded = true
	return &clone
}
