package sdk

import (
	"context"

	"github.com/celerix-dev/celerix-charts/pkg/chart"
)

// --- Functional Interfaces (Interface Segregation) ---

// ChartReader loads the persisted chart of an owner.
// A missing record is reported as chart.ErrNotFound.
type ChartReader interface {
	Load(ctx context.Context, owner string, kind chart.Kind) (*chart.Record, error)
}

// ChartWriter upserts the chart of an owner. CreatedAt is kept across
// overwrites; UpdatedAt is stamped on every save.
type ChartWriter interface {
	Save(ctx context.Context, owner string, kind chart.Kind, payload chart.Payload) (*chart.Record, error)
}

// OwnerEnumeration allows discovering owners and all charts of one owner.
type OwnerEnumeration interface {
	ListOwners(ctx context.Context) ([]string, error)
	ListByOwner(ctx context.Context, owner string) ([]*chart.Record, error)
}

// RecordImporter writes a record as-is, keeping its timestamps.
// Used by migrations and restores.
type RecordImporter interface {
	Import(ctx context.Context, rec *chart.Record) error
}

// --- Composite Interfaces ---

// ChartStore is the persistence gateway of the dashboard.
// The embedded engine, the SQL and badger stores and the remote client all
// implement it, so the workflow does not care which one is active.
type ChartStore interface {
	ChartReader
	ChartWriter
	OwnerEnumeration
}
