// Package engine implements the embedded chart store: an in-memory map of
// records with optional JSON file persistence.
package engine

import (
	"context"
	"time"

	"github.com/celerix-dev/celerix-charts/pkg/chart"
)

// Source is the read side needed to copy a store.
// It mirrors sdk.OwnerEnumeration without importing the sdk.
type Source interface {
	ListOwners(ctx context.Context) ([]string, error)
	ListByOwner(ctx context.Context, owner string) ([]*chart.Record, error)
}

// Destination is the write side needed to copy a store.
type Destination interface {
	Save(ctx context.Context, owner string, kind chart.Kind, payload chart.Payload) (*chart.Record, error)
}

// Importer is implemented by destinations that can keep record timestamps.
type Importer interface {
	Import(ctx context.Context, rec *chart.Record) error
}

// Default latencies of the embedded store. They stand in for the round trip
// of a hosted database so the UI flows behave the same in both modes.
const (
	DefaultSaveLatency = 500 * time.Millisecond
	DefaultLoadLatency = 300 * time.Millisecond
)

// Option configures a MemStore.
type Option func(*MemStore)

// WithLatency sets the simulated latency of Save and Load.
func WithLatency(save, load time.Duration) Option {
	return func(m *MemStore) {
		m.saveLatency = save
		m.loadLatency = load
	}
}

// WithClock replaces time.Now for stamping records.
func WithClock(now func() time.Time) Option {
	return func(m *MemStore) {
		m.now = now
	}
}
