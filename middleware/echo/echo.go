// Package echo provides Echo middleware that gates requests on a service
// control verdict and reports the outcome after the handler runs.
package echo

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol"
)

// ConsumerIDExtractor extracts the consumer identity from an Echo context.
// Return empty string if the caller could not be identified.
type ConsumerIDExtractor func(c echo.Context) string

// MethodExtractor extracts the logical method name from an Echo context.
type MethodExtractor func(c echo.Context) string

// CostExtractor returns the quota costs charged for a request, keyed by
// quota group.
type CostExtractor func(c echo.Context) map[string]int64

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
	OnDenied func(c echo.Context, v *servicecontrol.Verdict) error

	// OnUnauthenticated is called when no consumer could be extracted.
	// If nil, returns 401 Unauthorized.
	OnUnauthenticated func(c echo.Context) error
}

// Middleware creates an Echo middleware that enforces service control
// verdicts. UNKNOWN verdicts pass through: the client already applied
// the configured fail policy.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Client == nil {
		panic("servicecontrol/echo: Config.Client is required")
	}
	if cfg.GetConsumerID == nil {
		panic("servicecontrol/echo: Config.GetConsumerID is required")
	}
	if cfg.GetMethod == nil {
		cfg.GetMethod = FromRoute()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			consumerID := cfg.GetConsumerID(c)
			if consumerID == "" {
				if cfg.OnUnauthenticated != nil {
					return cfg.OnUnauthenticated(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			var opts []servicecontrol.DescriptorOption
			if cfg.GetCosts != nil {
				for group, cost := range cfg.GetCosts(c) {
					opts = append(opts, servicecontrol.WithQuotaCost(group, cost))
				}
			}
			desc := servicecontrol.NewDescriptor(consumerID, cfg.GetMethod(c), c.Request().URL.Path, opts...)

			verdict := cfg.Client.Check(c.Request().Context(), desc)
			if verdict.Denied() {
				status := http.StatusForbidden
				if verdict.Reason == servicecontrol.ReasonQuotaExceeded {
					status = http.StatusTooManyRequests
				}
				cfg.Client.Report(desc, servicecontrol.Outcome{
					StatusCode: status,
					Latency:    time.Since(desc.StartTime),
				})
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, verdict)
				}
				return c.JSON(status, map[string]string{"error": "Request denied", "reason": verdict.Reason})
			}

			err := next(c)

			cfg.Client.Report(desc, servicecontrol.Outcome{
				StatusCode:   c.Response().Status,
				RequestSize:  c.Request().ContentLength,
				ResponseSize: c.Response().Size,
				Latency:      time.Since(desc.StartTime),
			})
			return err
		}
	}
}

// Convenience extractors

// FromHeader returns a ConsumerIDExtractor that reads a header.
func FromHeader(headerName string) ConsumerIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromQuery returns a ConsumerIDExtractor that reads a query parameter.
func FromQuery(queryName string) ConsumerIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}

// FromContext returns a ConsumerIDExtractor reading an Echo context
// value, for integrating with auth middleware that calls c.Set.
func FromContext(key string) ConsumerIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromRoute returns a MethodExtractor using the matched route pattern.
func FromRoute() MethodExtractor {
	return func(c echo.Context) string {
		if path := c.Path(); path != "" {
			return c.Request().Method + " " + path
		}
		return c.Request().Method + " " + c.Request().URL.Path
	}
}

// FixedCost returns a CostExtractor charging a constant cost to one group.
func FixedCost(group string, cost int64) CostExtractor {
	return func(echo.Context) map[string]int64 {
		return map[string]int64{group: cost}
	}
}
