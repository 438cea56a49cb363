// Package postgres provides a PostgreSQL implementation of the
// servicecontrol.StateStore interface. A save replaces the service's
// whole snapshot (delete then insert) inside one transaction, so a
// crashed save never leaves a half-replaced snapshot.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol"
)

// Schema is the DDL for the allowance snapshot table. Run it once at
// deployment, or call EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS quota_allowances (
	service_name TEXT NOT NULL,
	consumer_id  TEXT NOT NULL,
	quota_group  TEXT NOT NULL,
	remaining    BIGINT NOT NULL,
	refreshed_at TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (service_name, consumer_id, quota_group)
);
`

// Store implements servicecontrol.StateStore using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL state store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string. Required.
	ConnectionString string

	// ServiceName scopes the snapshot rows. Required.
	ServiceName string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(connectionString, serviceName string) Config {
	return Config{
		ConnectionString: connectionString,
		ServiceName:      serviceName,
		MaxConns:         10,
		MinConns:         2,
		MaxConnLifetime:  time.Hour,
		MaxConnIdleTime:  30 * time.Minute,
	}
}

// New creates a new PostgreSQL state store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// EnsureSchema creates the snapshot table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SaveAllowances implements servicecontrol.StateStore.
func (s *Store) SaveAllowances(ctx context.Context, states []servicecontrol.AllowanceState) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM quota_allowances WHERE service_name = $1`,
		s.config.ServiceName); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}

	for _, state := range states {
		if _, err := tx.Exec(ctx,
			`INSERT INTO quota_allowances
				(service_name, consumer_id, quota_group, remaining, refreshed_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, now())`,
			s.config.ServiceName, state.ConsumerID, state.Group,
			state.Remaining, state.RefreshedAt); err != nil {
			return fmt.Errorf("failed to insert allowance: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LoadAllowances implements servicecontrol.StateStore.
func (s *Store) LoadAllowances(ctx context.Context) ([]servicecontrol.AllowanceState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT consumer_id, quota_group, remaining, refreshed_at
			FROM quota_allowances WHERE service_name = $1`,
		s.config.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer rows.Close()

	var states []servicecontrol.AllowanceState
	for rows.Next() {
		var state servicecontrol.AllowanceState
		if err := rows.Scan(&state.ConsumerID, &state.Group,
			&state.Remaining, &state.RefreshedAt); err != nil {
			return nil, fmt.Errorf("failed to scan allowance: %w", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return states, nil
}
