// Package stripe publishes usage snapshots as Stripe billing meter
// events, so metered subscription prices can bill on API consumption.
package stripe

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol"
)

const defaultEventName = "api_requests"

// Config holds Stripe sink configuration.
type Config struct {
	// APIKey is the Stripe secret key. Required.
	APIKey string

	// EventName is the billing meter event name configured in Stripe.
	// Default: "api_requests".
	EventName string

	// CustomerResolver maps a consumer id to a Stripe customer id.
	// Required: snapshots whose consumer cannot be resolved are skipped.
	CustomerResolver func(ctx context.Context, consumerID string) (string, error)
}

// Sink implements billing.Sink using Stripe billing meter events.
type Sink struct {
	client    *stripe.Client
	eventName string
	resolve   func(ctx context.Context, consumerID string) (string, error)
}

// NewSink creates a new Stripe billing sink.
func NewSink(config Config) (*Sink, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("stripe api key is required")
	}
	if config.CustomerResolver == nil {
		return nil, fmt.Errorf("customer resolver is required")
	}
	if config.EventName == "" {
		config.EventName = defaultEventName
	}

	return &Sink{
		client:    stripe.NewClient(apiKey),
		eventName: config.EventName,
		resolve:   config.CustomerResolver,
	}, nil
}

// Publish implements billing.Sink. Each snapshot becomes one meter event
// carrying the aggregated request count. Snapshots for consumers without
// a Stripe customer are skipped, not failed, so unbilled internal
// traffic cannot block billing for everyone else.
func (s *Sink) Publish(ctx context.Context, snapshots []*servicecontrol.ReportSnapshot) error {
	var firstErr error
	for _, snap := range snapshots {
		customerID, err := s.resolve(ctx, snap.ConsumerID)
		if err != nil || customerID == "" {
			continue
		}

		params := &stripe.BillingMeterEventCreateParams{
			EventName: stripe.String(s.eventName),
			Payload: map[string]string{
				"stripe_customer_id": customerID,
				"value":              strconv.FormatInt(snap.RequestCount, 10),
				"method":             snap.MethodName,
			},
			Timestamp: stripe.Int64(snap.LastSeen.Unix()),
		}
		if _, err := s.client.V1BillingMeterEvents.Create(ctx, params); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to create meter event for %s: %w", snap.ConsumerID, err)
			}
		}
	}
	return firstErr
}
