// Package fiber provides Fiber middleware that gates requests on a
// service control verdict and reports the outcome after the handler runs.
package fiber

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol"
)

// ConsumerIDExtractor extracts the consumer identity from a Fiber context.
// Return empty string if the caller could not be identified.
type ConsumerIDExtractor func(c *fiber.Ctx) string

// MethodExtractor extracts the logical method name from a Fiber context.
type MethodExtractor func(c *fiber.Ctx) string

// CostExtractor returns the quota costs charged for a request, keyed by
// quota group.
type CostExtractor func(c *fiber.Ctx) map[string]int64

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
	OnDenied func(c *fiber.Ctx, v *servicecontrol.Verdict) error

	// OnUnauthenticated is called when no consumer could be extracted.
	// If nil, returns 401 Unauthorized.
	OnUnauthenticated func(c *fiber.Ctx) error
}

// Middleware creates a Fiber middleware that enforces service control
// verdicts. UNKNOWN verdicts pass through: the client already applied
// the configured fail policy.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Client == nil {
		panic("servicecontrol/fiber: Config.Client is required")
	}
	if cfg.GetConsumerID == nil {
		panic("servicecontrol/fiber: Config.GetConsumerID is required")
	}
	if cfg.GetMethod == nil {
		cfg.GetMethod = FromRoute()
	}

	return func(c *fiber.Ctx) error {
		consumerID := cfg.GetConsumerID(c)
		if consumerID == "" {
			if cfg.OnUnauthenticated != nil {
				return cfg.OnUnauthenticated(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		var opts []servicecontrol.DescriptorOption
		if cfg.GetCosts != nil {
			for group, cost := range cfg.GetCosts(c) {
				opts = append(opts, servicecontrol.WithQuotaCost(group, cost))
			}
		}
		desc := servicecontrol.NewDescriptor(consumerID, cfg.GetMethod(c), c.Path(), opts...)

		verdict := cfg.Client.Check(c.UserContext(), desc)
		if verdict.Denied() {
			status := fiber.StatusForbidden
			if verdict.Reason == servicecontrol.ReasonQuotaExceeded {
				status = fiber.StatusTooManyRequests
			}
			cfg.Client.Report(desc, servicecontrol.Outcome{
				StatusCode: status,
				Latency:    time.Since(desc.StartTime),
			})
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, verdict)
			}
			return c.Status(status).JSON(fiber.Map{"error": "Request denied", "reason": verdict.Reason})
		}

		err := c.Next()

		cfg.Client.Report(desc, servicecontrol.Outcome{
			StatusCode:   c.Response().StatusCode(),
			RequestSize:  int64(len(c.Body())),
			ResponseSize: int64(len(c.Response().Body())),
			Latency:      time.Since(desc.StartTime),
		})
		return err
	}
}

// Convenience extractors

// FromHeader returns a ConsumerIDExtractor that reads a header.
func FromHeader(headerName string) ConsumerIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromQuery returns a ConsumerIDExtractor that reads a query parameter.
func FromQuery(queryName string) ConsumerIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}

// FromLocals returns a ConsumerIDExtractor reading a Fiber locals value,
// for integrating with auth middleware that calls c.Locals.
func FromLocals(key string) ConsumerIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromRoute returns a MethodExtractor using the matched route pattern.
func FromRoute() MethodExtractor {
	return func(c *fiber.Ctx) string {
		if route := c.Route(); route != nil && route.Path != "" {
			return c.Method() + " " + route.Path
		}
		return c.Method() + " " + c.Path()
	}
}

// FixedCost returns a CostExtractor charging a constant cost to one group.
func FixedCost(group string, cost int64) CostExtractor {
	return func(*fiber.Ctx) map[string]int64 {
		return map[string]int64{group: cost}
	}
}
