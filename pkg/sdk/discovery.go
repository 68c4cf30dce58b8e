package sdk

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/celerix-dev/celerix-charts/internal/badgerstore"
	"github.com/celerix-dev/celerix-charts/internal/engine"
	"github.com/celerix-dev/celerix-charts/internal/sqlstore"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

// Options selects and configures a store.
type Options struct {
	// Addr of a remote daemon. When set and reachable it wins over Backend.
	Addr       string
	DisableTLS bool

	Backend string
	DataDir string
	// DSN of the SQL backends. SQLite defaults to <DataDir>/charts.db.
	DSN string
	// SealKey encrypts embedded owner files when set (32 bytes).
	SealKey []byte

	// Simulated latency of the embedded engine. Nil means the engine default.
	SaveLatency *time.Duration
	LoadLatency *time.Duration

	Logger *slog.Logger
}

// Open initializes the store described by opts.
// It returns the interface, so the app doesn't care if it's local or remote.
func Open(ctx context.Context, opts Options) (ChartStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// 1. A remote daemon, if one is configured and answering
	if opts.Addr != "" {
		client, err := Connect(opts.Addr, WithTLS(!opts.DisableTLS), WithLogger(logger))
		if err == nil {
			return client, nil
		}
		logger.Warn("chart daemon unreachable, falling back to local store", "addr", opts.Addr, "backend", opts.Backend, "error", err)
	}

	// 2. A local backend
	switch opts.Backend {
	case "", BackendFile, BackendMemory:
		return openEngine(opts, logger)
	case BackendSQLite:
		dsn := opts.DSN
		if dsn == "" {
			dsn = filepath.Join(opts.DataDir, "charts.db")
		}
		return sqlstore.Open(ctx, sqlstore.SQLite, dsn, sqlstore.WithLogger(logger))
	case BackendPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("backend %s requires a DSN", opts.Backend)
		}
		return sqlstore.Open(ctx, sqlstore.Postgres, opts.DSN, sqlstore.WithLogger(logger))
	case BackendBadger:
		dir := ""
		if opts.DataDir != "" {
			dir = filepath.Join(opts.DataDir, "badger")
		}
		return badgerstore.Open(dir, badgerstore.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}

// The embedded engine uses the same code the daemon uses, inside the app process.
func openEngine(opts Options, logger *slog.Logger) (ChartStore, error) {
	var engineOpts []engine.Option
	if opts.SaveLatency != nil || opts.LoadLatency != nil {
		save, load := engine.DefaultSaveLatency, engine.DefaultLoadLatency
		if opts.SaveLatency != nil {
			save = *opts.SaveLatency
		}
		if opts.LoadLatency != nil {
			load = *opts.LoadLatency
		}
		engineOpts = append(engineOpts, engine.WithLatency(save, load))
	}

	if opts.Backend == BackendMemory || opts.DataDir == "" {
		return engine.NewMemStore(nil, nil, engineOpts...), nil
	}

	var pOpts []engine.PersistenceOption
	pOpts = append(pOpts, engine.WithLogger(logger))
	if opts.SealKey != nil {
		pOpts = append(pOpts, engine.WithSealKey(opts.SealKey))
	}
	p, err := engine.NewPersistence(opts.DataDir, pOpts...)
	if err != nil {
		return nil, err
	}

	allData, err := p.LoadAll()
	if err != nil {
		return nil, err
	}

	return engine.NewMemStore(allData, p, engineOpts...), nil
}

// Close releases the store if it holds a connection or file handle.
func Close(s ChartStore) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
