package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-charts/pkg/chart"
)

// MemStore is the thread-safe embedded chart store.
type MemStore struct {
	mu sync.RWMutex
	// Structure: [owner][kind]record. Stored records are never mutated,
	// only replaced, so snapshots may share them.
	data      map[string]map[chart.Kind]*chart.Record
	persister *Persistence

	// writeMu serializes the write path so files land in save order.
	writeMu sync.Mutex

	saveLatency time.Duration
	loadLatency time.Duration
	now         func() time.Time
}

// NewMemStore initializes a store.
// It accepts existing data (from LoadAll) and a persister; both may be nil.
func NewMemStore(initialData map[string]map[chart.Kind]*chart.Record, p *Persistence, opts ...Option) *MemStore {
	if initialData == nil {
		initialData = make(map[string]map[chart.Kind]*chart.Record)
	}
	m := &MemStore{
		data:        initialData,
		persister:   p,
		saveLatency: DefaultSaveLatency,
		loadLatency: DefaultLoadLatency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// --- Interface Implementation ---

// Save upserts the record of (owner, kind). The simulated latency is not
// interrupted by ctx: a started save always completes.
func (m *MemStore) Save(_ context.Context, owner string, kind chart.Kind, payload chart.Payload) (*chart.Record, error) {
	if err := checkWrite(owner, kind, payload); err != nil {
		return nil, chart.Fail("save", err)
	}
	sleep(m.saveLatency)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	prev := m.data[owner][kind]
	now := chart.Stamp(m.now())
	rec := &chart.Record{
		Owner:     owner,
		Kind:      kind,
		Payload:   payload.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev != nil {
		rec.CreatedAt = prev.CreatedAt
		if now.Before(prev.UpdatedAt) {
			rec.UpdatedAt = prev.UpdatedAt
		}
	}
	m.put(rec)
	snapshot := m.copyOwnerData(owner)
	m.mu.Unlock()

	if err := m.persist(owner, snapshot); err != nil {
		m.mu.Lock()
		if prev != nil {
			m.put(prev)
		} else {
			m.remove(owner, kind)
		}
		m.mu.Unlock()
		return nil, chart.Fail("save", err)
	}
	return rec.Clone(), nil
}

// Import stores rec with its own timestamps.
func (m *MemStore) Import(_ context.Context, rec *chart.Record) error {
	if rec == nil {
		return chart.Fail("import", errors.New("nil record"))
	}
	if err := rec.Validate(); err != nil {
		return chart.Fail("import", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	prev := m.data[rec.Owner][rec.Kind]
	m.put(rec.Clone())
	snapshot := m.copyOwnerData(rec.Owner)
	m.mu.Unlock()

	if err := m.persist(rec.Owner, snapshot); err != nil {
		m.mu.Lock()
		if prev != nil {
			m.put(prev)
		} else {
			m.remove(rec.Owner, rec.Kind)
		}
		m.mu.Unlock()
		return chart.Fail("import", err)
	}
	return nil
}

func (m *MemStore) Load(_ context.Context, owner string, kind chart.Kind) (*chart.Record, error) {
	sleep(m.loadLatency)

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.data[owner][kind]
	if !ok {
		return nil, chart.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemStore) ListOwners(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]string, 0, len(m.data))
	for owner := range m.data {
		list = append(list, owner)
	}
	slices.Sort(list)
	return list, nil
}

func (m *MemStore) ListByOwner(_ context.Context, owner string) ([]*chart.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var list []*chart.Record
	for _, kind := range chart.Kinds {
		if rec, ok := m.data[owner][kind]; ok {
			list = append(list, rec.Clone())
		}
	}
	return list, nil
}

// put and remove MUST be called while holding m.mu.Lock.
func (m *MemStore) put(rec *chart.Record) {
	if m.data[rec.Owner] == nil {
		m.data[rec.Owner] = make(map[chart.Kind]*chart.Record)
	}
	m.data[rec.Owner][rec.Kind] = rec
}

func (m *MemStore) remove(owner string, kind chart.Kind) {
	delete(m.data[owner], kind)
	if len(m.data[owner]) == 0 {
		delete(m.data, owner)
	}
}

// copyOwnerData copies the record map of an owner.
// It MUST be called while holding m.mu.Lock or m.mu.RLock.
func (m *MemStore) copyOwnerData(owner string) map[chart.Kind]*chart.Record {
	original, ok := m.data[owner]
	if !ok {
		return nil
	}
	ownerCopy := make(map[chart.Kind]*chart.Record, len(original))
	for kind, rec := range original {
		ownerCopy[kind] = rec
	}
	return ownerCopy
}

func (m *MemStore) persist(owner string, data map[chart.Kind]*chart.Record) error {
	if m.persister == nil {
		return nil
	}
	return m.persister.SaveOwner(owner, data)
}

func checkWrite(owner string, kind chart.Kind, payload chart.Payload) error {
	if owner == "" {
		return errors.New("owner is required")
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", chart.ErrUnknownKind, kind)
	}
	if payload == nil {
		return errors.New("payload is required")
	}
	if payload.Kind() != kind {
		return fmt.Errorf("%s payload cannot be stored as %s", payload.Kind(), kind)
	}
	return chart.ValidatePayload(payload)
}

func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
