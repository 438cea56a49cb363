// Package http provides HTTP middleware that runs the service control
// check before the handler and reports the outcome after it.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol"
)

// ConsumerIDExtractor extracts the consumer identity from an HTTP request.
// Return empty string if the caller could not be identified.
type ConsumerIDExtractor func(r *http.Request) string

// MethodExtractor extracts the logical method name from an HTTP request.
// For example: "GET /v1/books" or an RPC-style "library.books.list".
type MethodExtractor func(r *http.Request) string

// CostExtractor returns the quota costs charged for a request, keyed by
// quota group. Return nil when the request charges no quota.
type CostExtractor func(r *http.Request) map[string]int64

// Config holds middleware configuration.
type Config struct {
	// Client is the service control client instance (required).
	Client *servicecontrol.Client

	// GetConsumerID extracts the consumer identity (required).
	GetConsumerID ConsumerIDExtractor

	// GetMethod extracts the method name. Defaults to "METHOD path".
	GetMethod MethodExtractor

	// GetCosts extracts per-group quota costs. Defaults to nil costs.
	GetCosts CostExtractor

	// OnDenied is called when the verdict is DENIED.
	// If nil, quota denials return 429 and authorization denials 403.
	OnDenied func(w http.ResponseWriter, r *http.Request, v *servicecontrol.Verdict)

	// OnUnauthenticated is called when no consumer could be extracted.
	// If nil, returns 401 Unauthorized.
	OnUnauthenticated func(w http.ResponseWriter, r *http.Request)
}

// Middleware creates an HTTP middleware that gates each request on a
// service control verdict. UNKNOWN verdicts pass through: the client has
// already applied the configured fail policy, and a request it could not
// decide must not be failed by the adapter.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.GetMethod == nil {
		config.GetMethod = DefaultMethod()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			consumerID := config.GetConsumerID(r)
			if consumerID == "" {
				if config.OnUnauthenticated != nil {
					config.OnUnauthenticated(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			var opts []servicecontrol.DescriptorOption
			for group, cost := range extractCosts(config, r) {
				opts = append(opts, servicecontrol.WithQuotaCost(group, cost))
			}
			desc := servicecontrol.NewDescriptor(consumerID, config.GetMethod(r), r.URL.Path, opts...)

			verdict := config.Client.Check(r.Context(), desc)
			if verdict.Denied() {
				if config.OnDenied != nil {
					config.OnDenied(w, r, verdict)
				} else {
					writeDenial(w, verdict)
				}
				config.Client.Report(desc, servicecontrol.Outcome{
					StatusCode: denialStatus(verdict),
					Latency:    time.Since(desc.StartTime),
				})
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			config.Client.Report(desc, servicecontrol.Outcome{
				StatusCode:   rec.status,
				RequestSize:  r.ContentLength,
				ResponseSize: rec.written,
				Latency:      time.Since(desc.StartTime),
			})
		})
	}
}

func extractCosts(config Config, r *http.Request) map[string]int64 {
	if config.GetCosts == nil {
		return nil
	}
	return config.GetCosts(r)
}

func writeDenial(w http.ResponseWriter, v *servicecontrol.Verdict) {
	http.Error(w, "Request denied: "+v.Reason, denialStatus(v))
}

func denialStatus(v *servicecontrol.Verdict) int {
	if v.Reason == servicecontrol.ReasonQuotaExceeded {
		return http.StatusTooManyRequests
	}
	return http.StatusForbidden
}

// statusRecorder captures the response status and body size for the
// usage report.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}

// Common extractors for convenience

// FromHeader returns a ConsumerIDExtractor that reads a header, such as
// an API key header.
func FromHeader(headerName string) ConsumerIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromQuery returns a ConsumerIDExtractor that reads a query parameter.
func FromQuery(param string) ConsumerIDExtractor {
	return func(r *http.Request) string {
		return r.URL.Query().Get(param)
	}
}

// ContextKey is a type for context keys.
type ContextKey string

// ConsumerIDKey is the context key an authentication layer can use to
// hand the consumer identity to this middleware.
const ConsumerIDKey ContextKey = "servicecontrol:consumerID"

// FromContext returns a ConsumerIDExtractor that reads the request context.
func FromContext(key ContextKey) ConsumerIDExtractor {
	return func(r *http.Request) string {
		if id, ok := r.Context().Value(key).(string); ok {
			return id
		}
		return ""
	}
}

// WithConsumerID adds the consumer identity to a request context.
func WithConsumerID(ctx context.Context, consumerID string) context.Context {
	return context.WithValue(ctx, ConsumerIDKey, consumerID)
}

// DefaultMethod returns a MethodExtractor producing "METHOD path".
func DefaultMethod() MethodExtractor {
	return func(r *http.Request) string {
		return r.Method + " " + r.URL.Path
	}
}

// FixedCost returns a CostExtractor charging a constant cost to one group.
func FixedCost(group string, cost int64) CostExtractor {
	return func(r *http.Request) map[string]int64 {
		return map[string]int64{group: cost}
	}
}
