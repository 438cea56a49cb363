// Package redis provides a Redis implementation of the
// servicecontrol.StateStore interface. Each service's allowance snapshot
// is stored as a single JSON value so save and load stay one round trip.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol"
)

// Store implements servicecontrol.StateStore using Redis.
type Store struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis state store configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "svcctl:")
	KeyPrefix string

	// ServiceName scopes the snapshot key so multiple services can share
	// one Redis instance. Required.
	ServiceName string

	// SnapshotTTL is the TTL for the snapshot key (default: 24h). A stale
	// snapshot is worse than none, so the key expires.
	SnapshotTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(serviceName string) Config {
	return Config{
		KeyPrefix:   "svcctl:",
		ServiceName: serviceName,
		SnapshotTTL: 24 * time.Hour,
	}
}

// New creates a new Redis state store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "svcctl:"
	}
	if config.SnapshotTTL == 0 {
		config.SnapshotTTL = 24 * time.Hour
	}

	return &Store{client: client, config: config}, nil
}

func (s *Store) key() string {
	return s.config.KeyPrefix + "allowances:" + s.config.ServiceName
}

// SaveAllowances implements servicecontrol.StateStore.
func (s *Store) SaveAllowances(ctx context.Context, states []servicecontrol.AllowanceState) error {
	payload, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("failed to encode allowance snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(), payload, s.config.SnapshotTTL).Err(); err != nil {
		return fmt.Errorf("failed to store allowance snapshot: %w", err)
	}
	return nil
}

// LoadAllowances implements servicecontrol.StateStore.
func (s *Store) LoadAllowances(ctx context.Context) ([]servicecontrol.AllowanceState, error) {
	payload, err := s.client.Get(ctx, s.key()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load allowance snapshot: %w", err)
	}

	var states []servicecontrol.AllowanceState
	if err := json.Unmarshal(payload, &states); err != nil {
		return nil, fmt.Errorf("failed to decode allowance snapshot: %w", err)
	}
	return states, nil
}
