package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/celerix-dev/celerix-charts/internal/metrics"
	"github.com/celerix-dev/celerix-charts/internal/workflow"
)

// Registry holds the open dashboard sessions by id.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	factory  func() *workflow.Dashboard
	now      func() time.Time
}

type entry struct {
	dash     *workflow.Dashboard
	lastSeen time.Time
}

// NewRegistry creates sessions with factory.
func NewRegistry(factory func() *workflow.Dashboard) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		factory:  factory,
		now:      time.Now,
	}
}

// Create opens a new anonymous dashboard and returns its id.
func (r *Registry) Create() (string, *workflow.Dashboard) {
	id := uuid.NewString()
	d := r.factory()

	r.mu.Lock()
	r.sessions[id] = &entry{dash: d, lastSeen: r.now()}
	r.mu.Unlock()

	metrics.SessionOpened()
	return id, d
}

// Get returns the dashboard of id and marks it as used.
func (r *Registry) Get(id string) (*workflow.Dashboard, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	e.lastSeen = r.now()
	return e.dash, true
}

// Delete closes the dashboard of id. Pending saves finish first.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	e.dash.Close()
	metrics.SessionClosed()
	return true
}

// Expire closes sessions unused for longer than maxIdle and returns how
// many were closed.
func (r *Registry) Expire(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var idle []string
	for id, e := range r.sessions {
		if e.lastSeen.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, id := range idle {
		if r.Delete(id) {
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Delete(id)
	}
}
