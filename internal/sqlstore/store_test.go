package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-charts/pkg/chart"
)

var ctx = context.Background()

func openSQLite(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(ctx, SQLite, filepath.Join(t.TempDir(), "charts.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_SaveLoad(t *testing.T) {
	s := openSQLite(t)

	_, err := s.Load(ctx, "ana@example.com", chart.KindDuration)
	assert.ErrorIs(t, err, chart.ErrNotFound)

	payload := chart.DefaultDurations()
	payload[3].Seconds = 600
	saved, err := s.Save(ctx, "ana@example.com", chart.KindDuration, payload)
	require.NoError(t, err)
	assert.True(t, saved.CreatedAt.Equal(saved.UpdatedAt))

	got, err := s.Load(ctx, "ana@example.com", chart.KindDuration)
	require.NoError(t, err)
	assert.True(t, got.Payload.Equal(payload))
	assert.Equal(t, 312, got.Payload.(chart.DurationSeries).Average())
}

func TestSQLite_UpsertKeepsCreatedAt(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := openSQLite(t, WithClock(clock))

	first, err := s.Save(ctx, "bo@example.com", chart.KindSadPath, chart.DefaultFailures())
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	second, err := s.Save(ctx, "bo@example.com", chart.KindSadPath, chart.DefaultFailures())
	require.NoError(t, err)
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt))
	assert.True(t, second.UpdatedAt.Equal(first.UpdatedAt.Add(time.Hour)))

	// A clock behind the stored stamp does not move UpdatedAt backwards.
	mu.Lock()
	now = now.Add(-2 * time.Hour)
	mu.Unlock()
	third, err := s.Save(ctx, "bo@example.com", chart.KindSadPath, chart.DefaultFailures())
	require.NoError(t, err)
	assert.True(t, third.UpdatedAt.Equal(second.UpdatedAt))

	recs, err := s.ListByOwner(ctx, "bo@example.com")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSQLite_ListAndImport(t *testing.T) {
	s := openSQLite(t)

	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.Import(ctx, &chart.Record{
		Owner: "z@example.com", Kind: chart.KindSadPath, Payload: chart.DefaultFailures(),
		CreatedAt: created, UpdatedAt: created,
	}))
	_, err := s.Save(ctx, "z@example.com", chart.KindDuration, chart.DefaultDurations())
	require.NoError(t, err)
	_, err = s.Save(ctx, "a@example.com", chart.KindDuration, chart.DefaultDurations())
	require.NoError(t, err)

	owners, err := s.ListOwners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "z@example.com"}, owners)

	recs, err := s.ListByOwner(ctx, "z@example.com")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, chart.KindDuration, recs[0].Kind)
	assert.Equal(t, chart.KindSadPath, recs[1].Kind)
	assert.True(t, recs[1].CreatedAt.Equal(created))
}

func TestSQLite_RejectsBadWrites(t *testing.T) {
	s := openSQLite(t)
	var pe *chart.PersistenceError

	_, err := s.Save(ctx, "", chart.KindDuration, chart.DefaultDurations())
	assert.True(t, errors.As(err, &pe))

	_, err = s.Save(ctx, "a@example.com", chart.KindDuration, chart.DefaultFailures())
	assert.True(t, errors.As(err, &pe))

	err = s.Import(ctx, &chart.Record{Owner: "a@example.com", Kind: chart.KindDuration})
	assert.True(t, errors.As(err, &pe))
}

func TestSQLite_ReopenRunsNoMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "charts.db")
	s, err := Open(ctx, SQLite, path)
	require.NoError(t, err)
	_, err = s.Save(ctx, "ana@example.com", chart.KindDuration, chart.DefaultDurations())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, SQLite, path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Load(ctx, "ana@example.com", chart.KindDuration)
	assert.NoError(t, err)
}

func TestOpen_UnsupportedDialect(t *testing.T) {
	_, err := Open(ctx, Dialect("oracle"), "")
	assert.Error(t, err)
}

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

var recordColumns = []string{"email", "chart_type", "chart_data", "created_at", "updated_at"}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: Postgres}
	lite := &Store{dialect: SQLite}
	q := "SELECT 1 WHERE a = ? AND b = ?"
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestPostgres_Save(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	s := newStore(db, Postgres, WithClock(func() time.Time { return now }))

	created := now.Add(-24 * time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO user_chart_data")).
		WithArgs("ana@example.com", "sadpath", sqlmock.AnyArg(), "2025-03-01T09:30:00.000Z", "2025-03-01T09:30:00.000Z").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("ana@example.com", "sadpath", `[{"name": "Timeout", "color": "#ef4444", "value": 40}]`, created, now))

	rec, err := s.Save(ctx, "ana@example.com", chart.KindSadPath, chart.FailureBreakdown{{Label: "Timeout", Percentage: 40, ColorHint: "#ef4444"}})
	require.NoError(t, err)
	assert.True(t, rec.CreatedAt.Equal(created))
	assert.True(t, rec.UpdatedAt.Equal(now))
	assert.Equal(t, 40.0, rec.Payload.(chart.FailureBreakdown)[0].Percentage)
}

func TestPostgres_LoadNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := newStore(db, Postgres)

	mock.ExpectQuery(`SELECT .+ FROM user_chart_data WHERE email = \$1 AND chart_type = \$2`).
		WithArgs("ghost@example.com", "duration").
		WillReturnRows(sqlmock.NewRows(recordColumns))

	_, err := s.Load(ctx, "ghost@example.com", chart.KindDuration)
	assert.ErrorIs(t, err, chart.ErrNotFound)
}

func TestPostgres_LoadFailure(t *testing.T) {
	db, mock := newMockDB(t)
	s := newStore(db, Postgres)

	mock.ExpectQuery(`SELECT .+ FROM user_chart_data`).
		WillReturnError(errors.New("connection reset"))

	_, err := s.Load(ctx, "ana@example.com", chart.KindDuration)
	var pe *chart.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "load", pe.Op)
	assert.False(t, errors.Is(err, chart.ErrNotFound))
}

func TestPostgres_ListByOwnerSkipsBadRows(t *testing.T) {
	db, mock := newMockDB(t)
	s := newStore(db, Postgres)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM user_chart_data WHERE email = \$1`).
		WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("ana@example.com", "sadpath", `not json`, now, now).
			AddRow("ana@example.com", "duration", `[{"time": "9:00", "duration": 245}]`, now, now))

	recs, err := s.ListByOwner(ctx, "ana@example.com")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, chart.KindDuration, recs[0].Kind)
}
