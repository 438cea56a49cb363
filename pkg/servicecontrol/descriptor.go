package servicecontrol

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Descriptor describes a single API call. It is built once per incoming
// request by the middleware adapter and must not be modified afterwards;
// NewDescriptor copies all map arguments so callers cannot alias them.
type Descriptor struct {
	// OperationID is globally unique per call instance. Generated when
	// not supplied via WithOperationID.
	OperationID string

	// ConsumerID identifies the calling consumer or project.
	ConsumerID string

	// ServiceName is the controlled service (optional, informational).
	ServiceName string

	// MethodName is the full API method name.
	MethodName string

	// ResourceName is the resource the call targets.
	ResourceName string

	// QuotaCosts maps quota group names to the cost this call consumes.
	QuotaCosts map[string]int64

	// Labels is an arbitrary label set attached to the call.
	Labels map[string]string

	// StartTime is when the request arrived.
	StartTime time.Time
}

// DescriptorOption customizes a Descriptor at construction time.
type DescriptorOption func(*Descriptor)

// WithOperationID sets an explicit operation id instead of a generated one.
func WithOperationID(id string) DescriptorOption {
	return func(d *Descriptor) { d.OperationID = id }
}

// WithServiceName sets the controlled service name.
func WithServiceName(name string) DescriptorOption {
	return func(d *Descriptor) { d.ServiceName = name }
}

// WithQuotaCost adds a quota cost for a quota group.
func WithQuotaCost(group string, cost int64) DescriptorOption {
	return func(d *Descriptor) {
		if cost < 0 {
			cost = 0
		}
		d.QuotaCosts[group] = cost
	}
}

// WithLabels merges labels into the descriptor.
func WithLabels(labels map[string]string) DescriptorOption {
	return func(d *Descriptor) {
		for k, v := range labels {
			d.Labels[k] = v
		}
	}
}

// WithStartTime sets the request start time (defaults to time.Now).
func WithStartTime(t time.Time) DescriptorOption {
	return func(d *Descriptor) { d.StartTime = t }
}

// NewDescriptor creates an immutable call descriptor.
func NewDescriptor(consumerID, methodName, resourceName string, opts ...DescriptorOption) *Descriptor {
	d := &Descriptor{
		ConsumerID:   consumerID,
		MethodName:   methodName,
		ResourceName: resourceName,
		QuotaCosts:   make(map[string]int64),
		Labels:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.OperationID == "" {
		d.OperationID = uuid.NewString()
	}
	if d.StartTime.IsZero() {
		d.StartTime = time.Now().UTC()
	}
	return d
}

// CheckKey returns the fingerprint used to index check verdicts. It covers
// only the security-relevant fields, so descriptors that differ in
// operation id or timestamps still share a key.
func (d *Descriptor) CheckKey() string {
	h := md5.New()
	h.Write([]byte(d.ConsumerID))
	h.Write([]byte{0})
	h.Write([]byte(d.MethodName))
	h.Write([]byte{0})
	h.Write([]byte(d.ResourceName))
	return hex.EncodeToString(h.Sum(nil))
}

// QuotaKey returns the fingerprint used to index quota allowances for a
// quota group. The consumer id and group are kept recoverable because the
// scheduler needs them for refill calls.
func (d *Descriptor) QuotaKey(group string) string {
	return quotaKey(d.ConsumerID, group)
}

func quotaKey(consumerID, group string) string {
	return consumerID + "\x00" + group
}

// Outcome carries the response-side facts of a completed request, used
// only for usage reporting.
type Outcome struct {
	// StatusCode is the HTTP (or mapped) response status code.
	StatusCode int

	// RequestSize is the request size in bytes, -1 when unknown.
	RequestSize int64

	// ResponseSize is the response size in bytes, -1 when unknown.
	ResponseSize int64

	// Latency is the total request latency.
	Latency time.Duration

	// BackendLatency is the time spent in the backend, 0 when unknown.
	BackendLatency time.Duration
}

// StatusClass buckets a status code into "1xx".."5xx" ("unknown" for
// anything outside 100-599). Report buckets aggregate by class, not code.
func StatusClass(code int) string {
	switch {
	case code >= 100 && code < 200:
		return "1xx"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
