package servicecontrol

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded is the business-level quota denial. It is surfaced
	// inside a Verdict, never as a returned error.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidConfig is returned by Config.Validate for bad values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidDescriptor is returned when a descriptor is missing
	// required fields.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrClientClosed is returned when the client is used after Close.
	ErrClientClosed = errors.New("client is closed")

	// ErrTransportUnavailable marks transport failures that were produced
	// locally (open circuit, request-path rate limit) rather than by the
	// remote call itself.
	ErrTransportUnavailable = errors.New("transport unavailable")
)

// TransportError is the uniform wrapper for every remote-call failure:
// timeouts, connection errors, malformed responses, open circuit. The
// caching layer's degradation policy only ever sees this one type.
type TransportError struct {
	// Op names the remote operation that failed: "check",
	// "allocate_quota" or "report".
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// transportErr wraps err as a TransportError unless it already is one.
func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
