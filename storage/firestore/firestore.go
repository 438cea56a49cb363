// Package firestore provides a Firestore implementation of the
// servicecontrol.StateStore interface. The snapshot lives in one
// document per service, replaced wholesale on every save.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol"
)

// Store implements servicecontrol.StateStore using Google Cloud Firestore.
type Store struct {
	client      *firestore.Client
	collection  string
	serviceName string
}

// Config holds Firestore state store configuration.
type Config struct {
	// Collection is the Firestore collection holding allowance snapshots.
	// Default: "servicecontrol_allowances"
	Collection string

	// ServiceName names the snapshot document. Required.
	ServiceName string
}

type allowanceDoc struct {
	ConsumerID  string    `firestore:"consumerId"`
	Group       string    `firestore:"group"`
	Remaining   int64     `firestore:"remaining"`
	RefreshedAt time.Time `firestore:"refreshedAt"`
}

type snapshotDoc struct {
	Allowances []allowanceDoc `firestore:"allowances"`
	UpdatedAt  time.Time      `firestore:"updatedAt"`
}

// New creates a new Firestore state store.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if config.Collection == "" {
		config.Collection = "servicecontrol_allowances"
	}

	return &Store{
		client:      client,
		collection:  config.Collection,
		serviceName: config.ServiceName,
	}, nil
}

// SaveAllowances implements servicecontrol.StateStore.
func (s *Store) SaveAllowances(ctx context.Context, states []servicecontrol.AllowanceState) error {
	doc := snapshotDoc{
		Allowances: make([]allowanceDoc, 0, len(states)),
		UpdatedAt:  time.Now(),
	}
	for _, state := range states {
		doc.Allowances = append(doc.Allowances, allowanceDoc{
			ConsumerID:  state.ConsumerID,
			Group:       state.Group,
			Remaining:   state.Remaining,
			RefreshedAt: state.RefreshedAt,
		})
	}

	_, err := s.client.Collection(s.collection).Doc(s.serviceName).Set(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to store allowance snapshot: %w", err)
	}
	return nil
}

// LoadAllowances implements servicecontrol.StateStore.
func (s *Store) LoadAllowances(ctx context.Context) ([]servicecontrol.AllowanceState, error) {
	snap, err := s.client.Collection(s.collection).Doc(s.serviceName).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load allowance snapshot: %w", err)
	}

	var doc snapshotDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode allowance snapshot: %w", err)
	}

	states := make([]servicecontrol.AllowanceState, 0, len(doc.Allowances))
	for _, a := range doc.Allowances {
		states = append(states, servicecontrol.AllowanceState{
			ConsumerID:  a.ConsumerID,
			Group:       a.Group,
			Remaining:   a.Remaining,
			RefreshedAt: a.RefreshedAt,
		})
	}
	return states, nil
}
