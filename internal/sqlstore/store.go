// Package sqlstore implements the chart store on a SQL database. SQLite
// (modernc.org/sqlite) and PostgreSQL (pgx) share one table layout,
// user_chart_data, applied by embedded migrations.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	_ "modernc.org/sqlite"             // sqlite driver

	"github.com/celerix-dev/celerix-charts/pkg/chart"
	"github.com/celerix-dev/celerix-charts/pkg/schema"
)

// Dialect is a supported SQL backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

// Store is a chart store backed by database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock replaces time.Now for stamping records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to the database, configures the pool and applies any
// pending migrations.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Store, error) {
	if dialect != SQLite && dialect != Postgres {
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}

	if dialect == SQLite {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}

	if err := runMigrations(db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return newStore(db, dialect, opts...), nil
}

func newStore(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UpdatedAt only moves forward: a stamp older than the stored one keeps the
// stored one. Timestamps compare correctly both as TIMESTAMPTZ and as the
// fixed-width UTC text SQLite stores.
const upsertQuery = `
INSERT INTO user_chart_data (email, chart_type, chart_data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (email, chart_type) DO UPDATE SET
    chart_data = excluded.chart_data,
    updated_at = CASE WHEN excluded.updated_at > user_chart_data.updated_at
        THEN excluded.updated_at ELSE user_chart_data.updated_at END
RETURNING email, chart_type, chart_data, created_at, updated_at`

const importQuery = `
INSERT INTO user_chart_data (email, chart_type, chart_data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (email, chart_type) DO UPDATE SET
    chart_data = excluded.chart_data,
    created_at = excluded.created_at,
    updated_at = excluded.updated_at`

const selectColumns = `SELECT email, chart_type, chart_data, created_at, updated_at FROM user_chart_data`

func (s *Store) Save(ctx context.Context, owner string, kind chart.Kind, payload chart.Payload) (*chart.Record, error) {
	if owner == "" {
		return nil, chart.Fail("save", errors.New("owner is required"))
	}
	if !kind.Valid() {
		return nil, chart.Fail("save", fmt.Errorf("%w: %q", chart.ErrUnknownKind, kind))
	}
	if payload == nil || payload.Kind() != kind {
		return nil, chart.Fail("save", fmt.Errorf("payload does not match %s", kind))
	}
	if err := chart.ValidatePayload(payload); err != nil {
		return nil, chart.Fail("save", err)
	}
	now := chart.Stamp(s.now())
	d, err := (&chart.Record{Owner: owner, Kind: kind, Payload: payload, CreatedAt: now, UpdatedAt: now}).ToSchema()
	if err != nil {
		return nil, chart.Fail("save", err)
	}

	row := s.db.QueryRowContext(ctx, s.rebind(upsertQuery),
		d.Email, d.ChartType, string(d.ChartData), d.CreatedAt, d.UpdatedAt)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, chart.Fail("save", err)
	}
	return rec, nil
}

func (s *Store) Import(ctx context.Context, rec *chart.Record) error {
	if rec == nil {
		return chart.Fail("import", errors.New("nil record"))
	}
	if err := rec.Validate(); err != nil {
		return chart.Fail("import", err)
	}
	d, err := rec.ToSchema()
	if err != nil {
		return chart.Fail("import", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(importQuery),
		d.Email, d.ChartType, string(d.ChartData), d.CreatedAt, d.UpdatedAt)
	return chart.Fail("import", err)
}

func (s *Store) Load(ctx context.Context, owner string, kind chart.Kind) (*chart.Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE email = ? AND chart_type = ?`), owner, string(kind))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chart.ErrNotFound
	}
	if err != nil {
		return nil, chart.Fail("load", err)
	}
	return rec, nil
}

func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT email FROM user_chart_data ORDER BY email`)
	if err != nil {
		return nil, chart.Fail("list owners", err)
	}
	defer rows.Close()

	owners := []string{}
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, chart.Fail("list owners", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, chart.Fail("list owners", err)
	}
	return owners, nil
}

func (s *Store) ListByOwner(ctx context.Context, owner string) ([]*chart.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(selectColumns+` WHERE email = ?`), owner)
	if err != nil {
		return nil, chart.Fail("list", err)
	}
	defer rows.Close()

	var list []*chart.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			// One bad row must not hide the owner's other chart.
			s.logger.Warn("skipping unreadable chart row", "owner", owner, "error", err)
			continue
		}
		list = append(list, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, chart.Fail("list", err)
	}
	slices.SortFunc(list, func(a, b *chart.Record) int {
		return slices.Index(chart.Kinds, a.Kind) - slices.Index(chart.Kinds, b.Kind)
	})
	return list, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*chart.Record, error) {
	var d schema.UserChartData
	var data string
	if err := row.Scan(&d.Email, &d.ChartType, &data, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.ChartData = []byte(data)
	return chart.FromSchema(d)
}
