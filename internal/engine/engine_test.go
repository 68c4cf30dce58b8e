package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-charts/pkg/chart"
)

var ctx = context.Background()

func newTestStore(p *Persistence, opts ...Option) *MemStore {
	return NewMemStore(nil, p, append([]Option{WithLatency(0, 0)}, opts...)...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestMemStore_SaveLoad(t *testing.T) {
	ms := newTestStore(nil)

	payload := chart.DefaultDurations()
	payload[3].Seconds = 600

	saved, err := ms.Save(ctx, "ana@example.com", chart.KindDuration, payload)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !saved.CreatedAt.Equal(saved.UpdatedAt) {
		t.Errorf("first save should have CreatedAt == UpdatedAt, got %v / %v", saved.CreatedAt, saved.UpdatedAt)
	}

	// Mutating the caller's payload must not leak into the store.
	payload[3].Seconds = 1

	got, err := ms.Load(ctx, "ana@example.com", chart.KindDuration)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Payload.(chart.DurationSeries)[3].Seconds != 600 {
		t.Errorf("Expected 600 at 12:00, got %v", got.Payload)
	}

	_, err = ms.Load(ctx, "ana@example.com", chart.KindSadPath)
	if !errors.Is(err, chart.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemStore_SaveTwiceKeepsCreatedAt(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)}
	ms := newTestStore(nil, WithClock(clock.Now))

	first, err := ms.Save(ctx, "bo@example.com", chart.KindSadPath, chart.DefaultFailures())
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	clock.Set(clock.Now().Add(time.Minute))
	second, err := ms.Save(ctx, "bo@example.com", chart.KindSadPath, chart.DefaultFailures())
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if second.UpdatedAt.Before(first.UpdatedAt) || !second.UpdatedAt.Equal(first.UpdatedAt.Add(time.Minute)) {
		t.Errorf("UpdatedAt did not advance: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}

	// A clock stepping backwards never moves UpdatedAt backwards.
	clock.Set(clock.Now().Add(-time.Hour))
	third, _ := ms.Save(ctx, "bo@example.com", chart.KindSadPath, chart.DefaultFailures())
	if third.UpdatedAt.Before(second.UpdatedAt) {
		t.Errorf("UpdatedAt moved backwards: %v -> %v", second.UpdatedAt, third.UpdatedAt)
	}
}

func TestMemStore_RejectsBadWrites(t *testing.T) {
	ms := newTestStore(nil)
	var pe *chart.PersistenceError

	if _, err := ms.Save(ctx, "", chart.KindDuration, chart.DefaultDurations()); !errors.As(err, &pe) {
		t.Errorf("empty owner: expected PersistenceError, got %v", err)
	}
	if _, err := ms.Save(ctx, "a@b.c", chart.KindDuration, chart.DefaultFailures()); !errors.As(err, &pe) {
		t.Errorf("kind mismatch: expected PersistenceError, got %v", err)
	}
	if _, err := ms.Save(ctx, "a@b.c", chart.Kind("pie"), chart.DefaultFailures()); !errors.Is(err, chart.ErrUnknownKind) {
		t.Errorf("unknown kind: expected ErrUnknownKind, got %v", err)
	}

	bad := chart.DurationSeries{{Label: "9:00", Seconds: -50}, {Label: "10:00", Seconds: 5000}}
	if _, err := ms.Save(ctx, "a@b.c", chart.KindDuration, bad); !errors.Is(err, chart.ErrValueOutOfRange) {
		t.Errorf("out of range: expected ErrValueOutOfRange, got %v", err)
	}
	now := time.Now()
	rec := &chart.Record{Owner: "a@b.c", Kind: chart.KindDuration, Payload: bad, CreatedAt: now, UpdatedAt: now}
	if err := ms.Import(ctx, rec); !errors.Is(err, chart.ErrValueOutOfRange) {
		t.Errorf("import out of range: expected ErrValueOutOfRange, got %v", err)
	}
	if _, err := ms.Load(ctx, "a@b.c", chart.KindDuration); !errors.Is(err, chart.ErrNotFound) {
		t.Errorf("rejected writes must not be stored, got %v", err)
	}
}

func TestMemStore_ListOwners(t *testing.T) {
	ms := newTestStore(nil)
	ms.Save(ctx, "p2@example.com", chart.KindSadPath, chart.DefaultFailures())
	ms.Save(ctx, "p1@example.com", chart.KindSadPath, chart.DefaultFailures())
	ms.Save(ctx, "p1@example.com", chart.KindDuration, chart.DefaultDurations())

	owners, _ := ms.ListOwners(ctx)
	if len(owners) != 2 || owners[0] != "p1@example.com" {
		t.Errorf("Expected sorted owners, got %v", owners)
	}

	recs, _ := ms.ListByOwner(ctx, "p1@example.com")
	if len(recs) != 2 || recs[0].Kind != chart.KindDuration || recs[1].Kind != chart.KindSadPath {
		t.Errorf("Expected duration then sadpath, got %v", recs)
	}
}

func TestMemStore_ConcurrentSameKey(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPersistence(dir)
	if err != nil {
		t.Fatalf("NewPersistence failed: %v", err)
	}
	ms := newTestStore(p)

	const writers = 20
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			payload := chart.DefaultDurations()
			payload[0].Seconds = v
			if _, err := ms.Save(ctx, "race@example.com", chart.KindDuration, payload); err != nil {
				t.Errorf("concurrent save failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	mem, err := ms.Load(ctx, "race@example.com", chart.KindDuration)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// The file must hold the same single winner as memory.
	allData, err := p.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	disk := allData["race@example.com"][chart.KindDuration]
	if disk == nil || !disk.Payload.Equal(mem.Payload) {
		t.Errorf("disk and memory disagree: %v vs %v", disk, mem)
	}
}

func TestPersistence_ReloadIntoNewStore(t *testing.T) {
	dir := t.TempDir()
	p, _ := NewPersistence(dir)
	ms := newTestStore(p)

	saved, err := ms.Save(ctx, "ana/../x@example.com", chart.KindDuration, chart.DefaultDurations())
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "ana%2F..%2Fx@example.com.json")); err != nil {
		t.Fatalf("owner file not created with escaped name: %v", err)
	}

	allData, err := p.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	ms2 := NewMemStore(allData, p, WithLatency(0, 0))

	got, err := ms2.Load(ctx, "ana/../x@example.com", chart.KindDuration)
	if err != nil {
		t.Fatalf("Load on new store failed: %v", err)
	}
	if !got.Payload.Equal(saved.Payload) || !got.UpdatedAt.Equal(saved.UpdatedAt) {
		t.Errorf("reloaded record differs: %+v vs %+v", got, saved)
	}
}

func TestPersistence_SkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	p, _ := NewPersistence(dir)
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}

	allData, err := p.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(allData) != 0 {
		t.Errorf("Expected corrupted file to be skipped, got %v", allData)
	}
}

func TestPersistence_Sealed(t *testing.T) {
	dir := t.TempDir()
	key := []byte("thisis32byteslongsecretkey123456")
	p, err := NewPersistence(dir, WithSealKey(key))
	if err != nil {
		t.Fatalf("NewPersistence failed: %v", err)
	}
	ms := newTestStore(p)
	if _, err := ms.Save(ctx, "secret@example.com", chart.KindSadPath, chart.DefaultFailures()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "secret@example.com.sealed"))
	if err != nil {
		t.Fatalf("sealed file missing: %v", err)
	}
	if len(raw) == 0 || string(raw[0]) == "{" {
		t.Errorf("sealed file looks like plain JSON")
	}

	allData, _ := p.LoadAll()
	if allData["secret@example.com"][chart.KindSadPath] == nil {
		t.Error("sealed record was not reloaded")
	}

	if _, err := NewPersistence(dir, WithSealKey([]byte("short"))); err == nil {
		t.Error("short seal key should be rejected")
	}
}

func TestMemStore_PersistenceFailureRollsBack(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	p, _ := NewPersistence(dir)
	ms := newTestStore(p)

	if _, err := ms.Save(ctx, "ana@example.com", chart.KindDuration, chart.DefaultDurations()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Pull the directory out from under the store.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	changed := chart.DefaultDurations()
	changed[0].Seconds = 1
	_, err := ms.Save(ctx, "ana@example.com", chart.KindDuration, changed)
	var pe *chart.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected PersistenceError, got %v", err)
	}

	got, _ := ms.Load(ctx, "ana@example.com", chart.KindDuration)
	if !got.Payload.Equal(chart.DefaultDurations()) {
		t.Errorf("failed save was not rolled back: %v", got.Payload)
	}

	if _, err := ms.Save(ctx, "new@example.com", chart.KindDuration, changed); err == nil {
		t.Fatal("Expected failure for new owner")
	}
	if owners, _ := ms.ListOwners(ctx); len(owners) != 1 {
		t.Errorf("failed first save left owner behind: %v", owners)
	}
}

func TestMigrate(t *testing.T) {
	src := newTestStore(nil)
	src.Save(ctx, "a@example.com", chart.KindDuration, chart.DefaultDurations())
	src.Save(ctx, "a@example.com", chart.KindSadPath, chart.DefaultFailures())
	src.Save(ctx, "b@example.com", chart.KindSadPath, chart.DefaultFailures())

	dst := newTestStore(nil)
	n, err := Migrate(ctx, src, dst)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 records copied, got %d", n)
	}

	want, _ := src.Load(ctx, "b@example.com", chart.KindSadPath)
	got, err := dst.Load(ctx, "b@example.com", chart.KindSadPath)
	if err != nil {
		t.Fatalf("Load from destination failed: %v", err)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) || !got.Payload.Equal(want.Payload) {
		t.Errorf("migrated record differs: %+v vs %+v", got, want)
	}
}

// saveOnly hides Import so Migrate falls back to Save.
type saveOnly struct{ ms *MemStore }

func (s saveOnly) Save(ctx context.Context, owner string, kind chart.Kind, payload chart.Payload) (*chart.Record, error) {
	return s.ms.Save(ctx, owner, kind, payload)
}

func TestMigrate_FallsBackToSave(t *testing.T) {
	src := newTestStore(nil)
	src.Save(ctx, "a@example.com", chart.KindDuration, chart.DefaultDurations())

	dst := newTestStore(nil)
	if _, err := Migrate(ctx, src, saveOnly{dst}); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if _, err := dst.Load(ctx, "a@example.com", chart.KindDuration); err != nil {
		t.Errorf("record not copied: %v", err)
	}
}
