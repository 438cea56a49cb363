// Package gin provides Gin middleware that gates requests on a service
// control verdict and reports the outcome after the handler runs.
package gin

import (
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol"
)

// ConsumerIDExtractor extracts the consumer identity from a Gin context.
// Return empty string if the caller could not be identified.
type ConsumerIDExtractor func(c *gongin.Context) string

// MethodExtractor extracts the logical method name from a Gin context.
type MethodExtractor func(c *gongin.Context) string

// CostExtractor returns the quota costs charged for a request, keyed by
// quota group.
type CostExtractor func(c *gongin.Context) map[string]int64

// Config holds middleware configuration.
type Config struct {
	// Client is the service control client instance (required).
	Client *servicecontrol.Client

	// GetConsumerID extracts the consumer identity (required).
	GetConsumerID ConsumerIDExtractor

	// GetMethod extracts the method name. Defaults to the route pattern.
	GetMethod MethodExtractor

	// GetCosts extracts per-group quota costs (optional).
	GetCosts CostExtractor

	// OnDenied is called when the verdict is DENIED.
	// If nil, quota denials return 429 and authorization denials 403.
	OnDenied func(c *gongin.Context, v *servicecontrol.Verdict)

	// OnUnauthenticated is called when no consumer could be extracted.
	// If nil, returns 401 Unauthorized.
	OnUnauthenticated func(c *gongin.Context)
}

// Middleware creates a Gin middleware that enforces service control
// verdicts. UNKNOWN verdicts pass through: the client already applied
// the configured fail policy.
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Client == nil {
		panic("servicecontrol/gin: Config.Client is required")
	}
	if cfg.GetConsumerID == nil {
		panic("servicecontrol/gin: Config.GetConsumerID is required")
	}
	if cfg.GetMethod == nil {
		cfg.GetMethod = FromRoute()
	}

	return func(c *gongin.Context) {
		consumerID := cfg.GetConsumerID(c)
		if consumerID == "" {
			if cfg.OnUnauthenticated != nil {
				cfg.OnUnauthenticated(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		var opts []servicecontrol.DescriptorOption
		if cfg.GetCosts != nil {
			for group, cost := range cfg.GetCosts(c) {
				opts = append(opts, servicecontrol.WithQuotaCost(group, cost))
			}
		}
		desc := servicecontrol.NewDescriptor(consumerID, cfg.GetMethod(c), c.Request.URL.Path, opts...)

		verdict := cfg.Client.Check(c.Request.Context(), desc)
		if verdict.Denied() {
			status := http.StatusForbidden
			if verdict.Reason == servicecontrol.ReasonQuotaExceeded {
				status = http.StatusTooManyRequests
			}
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, verdict)
			} else {
				c.JSON(status, gongin.H{"error": "Request denied", "reason": verdict.Reason})
			}
			c.Abort()
			cfg.Client.Report(desc, servicecontrol.Outcome{
				StatusCode: status,
				Latency:    time.Since(desc.StartTime),
			})
			return
		}

		c.Next()

		cfg.Client.Report(desc, servicecontrol.Outcome{
			StatusCode:   c.Writer.Status(),
			RequestSize:  c.Request.ContentLength,
			ResponseSize: int64(c.Writer.Size()),
			Latency:      time.Since(desc.StartTime),
		})
	}
}

// Convenience extractors

// FromContext returns a ConsumerIDExtractor reading a Gin context value,
// for integrating with auth middleware that calls c.Set.
func FromContext(key string) ConsumerIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a ConsumerIDExtractor that reads a header.
func FromHeader(headerName string) ConsumerIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromQuery returns a ConsumerIDExtractor that reads a query parameter.
func FromQuery(queryName string) ConsumerIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// FromRoute returns a MethodExtractor using the matched route pattern.
func FromRoute() MethodExtractor {
	return func(c *gongin.Context) string {
		if path := c.FullPath(); path != "" {
			return c.Request.Method + " " + path
		}
		return c.Request.Method + " " + c.Request.URL.Path
	}
}

// FixedCost returns a CostExtractor charging a constant cost to one group.
func FixedCost(group string, cost int64) CostExtractor {
	return func(*gongin.Context) map[string]int64 {
		return map[string]int64{group: cost}
	}
}
