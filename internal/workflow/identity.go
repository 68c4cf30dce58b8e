package workflow

import (
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/celerix-dev/celerix-charts/pkg/chart"
)

var (
	// ErrEmptyEmail is returned when the captured email is blank.
	ErrEmptyEmail = errors.New("email is required")
	// ErrInvalidEmail is returned in strict mode for a malformed address.
	ErrInvalidEmail = errors.New("email address is not valid")
	// ErrAlreadyIdentified is returned by a second capture in one session.
	ErrAlreadyIdentified = errors.New("identity already captured")
)

var validate = validator.New()

// IdentityGate is the Anonymous -> Identified(email) state of one session.
// There is no way back to Anonymous.
type IdentityGate struct {
	mu     sync.Mutex
	email  string
	strict bool

	pending    chart.Kind
	hasPending bool
}

// NewIdentityGate returns an anonymous gate. With strict set, captured
// emails must also be well-formed addresses; otherwise anything non-blank
// is accepted.
func NewIdentityGate(strict bool) *IdentityGate {
	return &IdentityGate{strict: strict}
}

// Email returns the captured email, if any.
func (g *IdentityGate) Email() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.email, g.email != ""
}

// Capture moves the gate to Identified. The email is trimmed first.
func (g *IdentityGate) Capture(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrEmptyEmail
	}
	if g.strict {
		if err := validate.Var(email, "email"); err != nil {
			return "", ErrInvalidEmail
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.email != "" {
		return "", ErrAlreadyIdentified
	}
	g.email = email
	return email, nil
}

// Defer remembers kind as the edit to resume after capture. A later call
// replaces an earlier one.
func (g *IdentityGate) Defer(kind chart.Kind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = kind
	g.hasPending = true
}

// Pending returns the deferred edit target without consuming it.
func (g *IdentityGate) Pending() (chart.Kind, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending, g.hasPending
}

// takePending returns the deferred edit target and clears it, so it fires
// at most once.
func (g *IdentityGate) takePending() (chart.Kind, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kind, ok := g.pending, g.hasPending
	g.pending, g.hasPending = "", false
	return kind, ok
}
