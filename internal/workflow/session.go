package workflow

import (
	"errors"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-charts/pkg/chart"
)

// ErrSessionClosed is returned when using an edit session after it was
// saved or cancelled.
var ErrSessionClosed = errors.New("edit session is closed")

// EditSession is the working copy of one chart while its edit form is open.
type EditSession struct {
	mu      sync.Mutex
	kind    chart.Kind
	origin  chart.Payload
	working chart.Payload
	opened  time.Time
	closed  bool
}

func newEditSession(kind chart.Kind, seed chart.Payload, now time.Time) *EditSession {
	return &EditSession{
		kind:    kind,
		origin:  seed.Clone(),
		working: seed.Clone(),
		opened:  now,
	}
}

func (s *EditSession) Kind() chart.Kind { return s.kind }

// OpenedAt is when the session started.
func (s *EditSession) OpenedAt() time.Time { return s.opened }

// SetValue replaces the value of point i. Input that is not a number in
// the chart's range becomes 0.
func (s *EditSession) SetValue(i int, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.working.SetValue(i, raw)
}

// Reset restores the payload the session was opened with.
func (s *EditSession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.working = s.origin.Clone()
	return nil
}

// Working returns a copy of the current working payload.
func (s *EditSession) Working() chart.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working.Clone()
}

// Cancel discards the session.
func (s *EditSession) Cancel() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether the session was saved or cancelled.
func (s *EditSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// finish closes the session and hands over the working copy.
func (s *EditSession) finish() (chart.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.closed = true
	return s.working, nil
}
