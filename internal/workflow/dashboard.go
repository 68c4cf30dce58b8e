// Package workflow implements the chart edit flow of one dashboard session:
// the identity gate, the overwrite guard and the edit sessions on top of a
// chart store.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-charts/internal/metrics"
	"github.com/celerix-dev/celerix-charts/internal/notify"
	"github.com/celerix-dev/celerix-charts/pkg/chart"
	"github.com/celerix-dev/celerix-charts/pkg/sdk"
)

var (
	// ErrNoSession is returned when an operation needs an open edit session.
	ErrNoSession = errors.New("no edit session is open")
	// ErrNoPendingOverwrite is returned when there is no overwrite prompt to answer.
	ErrNoPendingOverwrite = errors.New("no overwrite confirmation is pending")
)

// Notification texts.
const (
	TitleEmailSaved = "Email saved!"
	TitleChartSaved = "Chart data saved!"
	TitleSaveFailed = "Save failed"
	TitleLoadFailed = "Load failed"
)

var savedMessages = map[chart.Kind]string{
	chart.KindDuration: "Your custom call duration data has been saved successfully.",
	chart.KindSadPath:  "Your custom sad path data has been saved successfully.",
}

// Dashboard is one user's view of both charts. It is safe for concurrent
// use; store calls run outside its lock.
type Dashboard struct {
	mu          sync.Mutex
	store       sdk.ChartStore
	bus         *notify.Bus
	gate        *IdentityGate
	controllers map[chart.Kind]*controller

	saves  sync.WaitGroup
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Dashboard.
type Option func(*Dashboard)

// WithBus sets the notification bus. By default the dashboard creates its own.
func WithBus(b *notify.Bus) Option {
	return func(d *Dashboard) { d.bus = b }
}

// WithStrictEmail makes identity capture validate the email format.
func WithStrictEmail(strict bool) Option {
	return func(d *Dashboard) { d.gate = NewIdentityGate(strict) }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dashboard) { d.logger = l }
}

// NewDashboard returns an anonymous dashboard showing the built-in defaults.
func NewDashboard(store sdk.ChartStore, opts ...Option) *Dashboard {
	d := &Dashboard{
		store:       store,
		gate:        NewIdentityGate(false),
		controllers: make(map[chart.Kind]*controller, len(chart.Kinds)),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.bus == nil {
		d.bus = notify.NewBus(notify.WithLogger(d.logger))
	}
	for _, kind := range chart.Kinds {
		d.controllers[kind] = newController(kind)
	}
	return d
}

// Bus returns the dashboard's notification bus.
func (d *Dashboard) Bus() *notify.Bus { return d.bus }

// Gate returns the dashboard's identity gate.
func (d *Dashboard) Gate() *IdentityGate { return d.gate }

func (d *Dashboard) controller(kind chart.Kind) (*controller, error) {
	c, ok := d.controllers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", chart.ErrUnknownKind, kind)
	}
	return c, nil
}

// RequestEdit starts editing kind. Without an identity the request is
// deferred and Blocked is returned. Otherwise the persisted record is
// checked: customized data needs confirmation first, anything else opens
// an edit session.
func (d *Dashboard) RequestEdit(ctx context.Context, kind chart.Kind) (Outcome, error) {
	c, err := d.controller(kind)
	if err != nil {
		return Outcome{}, err
	}

	email, ok := d.gate.Email()
	if !ok {
		d.gate.Defer(kind)
		metrics.EditOutcome(kind, Blocked.String())
		return Outcome{State: Blocked, Kind: kind, Pending: kind}, nil
	}

	rec, err := d.load(ctx, email, kind)

	d.mu.Lock()
	defer d.mu.Unlock()

	if s := c.activeSession(); s != nil {
		metrics.EditOutcome(kind, ReadyToEdit.String())
		return Outcome{State: ReadyToEdit, Kind: kind, Working: s.Working()}, nil
	}
	if err == nil && c.differsFromDefault(rec) {
		c.overwrite = newOverwritePrompt(rec)
		metrics.EditOutcome(kind, NeedsOverwriteConfirmation.String())
		return Outcome{State: NeedsOverwriteConfirmation, Kind: kind, Overwrite: c.overwrite}, nil
	}
	s := c.openSession(d)
	metrics.EditOutcome(kind, ReadyToEdit.String())
	return Outcome{State: ReadyToEdit, Kind: kind, Working: s.Working()}, nil
}

// load reads the persisted record. Failures other than not-found are
// reported on the bus and treated like a missing record.
func (d *Dashboard) load(ctx context.Context, email string, kind chart.Kind) (*chart.Record, error) {
	rec, err := d.store.Load(context.WithoutCancel(ctx), email, kind)
	if err != nil && !errors.Is(err, chart.ErrNotFound) {
		d.logger.Warn("loading chart failed", "kind", kind, "error", err)
		d.bus.Error(TitleLoadFailed, fmt.Sprintf("Your saved %s data could not be loaded. Showing the current data instead.", kind))
	}
	return rec, err
}

// ConfirmOverwrite answers the overwrite prompt of kind with "edit anyway".
// The session starts from the displayed payload.
func (d *Dashboard) ConfirmOverwrite(kind chart.Kind) (Outcome, error) {
	c, err := d.controller(kind)
	if err != nil {
		return Outcome{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.overwrite == nil {
		return Outcome{}, ErrNoPendingOverwrite
	}
	s := c.openSession(d)
	return Outcome{State: ReadyToEdit, Kind: kind, Working: s.Working()}, nil
}

// DeclineOverwrite answers the overwrite prompt of kind with "keep existing".
// The displayed payload does not change.
func (d *Dashboard) DeclineOverwrite(kind chart.Kind) error {
	c, err := d.controller(kind)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.overwrite == nil {
		return ErrNoPendingOverwrite
	}
	c.overwrite = nil
	return nil
}

// Session returns the open edit session of kind.
func (d *Dashboard) Session(kind chart.Kind) (*EditSession, error) {
	c, err := d.controller(kind)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	s := c.activeSession()
	if s == nil {
		return nil, ErrNoSession
	}
	return s, nil
}

// CancelEdit discards the open edit session of kind.
func (d *Dashboard) CancelEdit(kind chart.Kind) error {
	s, err := d.Session(kind)
	if err != nil {
		return err
	}
	s.Cancel()
	return nil
}

// Save closes the edit session of kind and displays its working copy right
// away. With an identity the payload is then persisted in the background;
// the outcome is reported on the bus. A failed save leaves the new payload
// displayed. The caller's context does not cancel the background save.
func (d *Dashboard) Save(ctx context.Context, kind chart.Kind) error {
	c, err := d.controller(kind)
	if err != nil {
		return err
	}

	d.mu.Lock()
	s := c.activeSession()
	if s == nil {
		d.mu.Unlock()
		return ErrNoSession
	}
	working, err := s.finish()
	if err != nil {
		d.mu.Unlock()
		return ErrNoSession
	}
	c.session = nil
	c.displayed = working
	payload := working.Clone()
	d.mu.Unlock()

	email, ok := d.gate.Email()
	if !ok {
		return nil
	}

	d.saves.Add(1)
	go func() {
		defer d.saves.Done()
		d.persist(context.WithoutCancel(ctx), email, kind, payload)
	}()
	return nil
}

func (d *Dashboard) persist(ctx context.Context, email string, kind chart.Kind, payload chart.Payload) {
	if _, err := d.store.Save(ctx, email, kind, payload); err != nil {
		d.logger.Error("saving chart failed", "kind", kind, "error", err)
		d.bus.Error(TitleSaveFailed, "There was an error saving your chart data. Please try again.")
		return
	}
	d.bus.Success(TitleChartSaved, savedMessages[kind])
}

// Capture records the user's email. It then shows the user's saved charts
// and, if an edit was deferred, resumes it once through RequestEdit and
// returns its outcome.
func (d *Dashboard) Capture(ctx context.Context, email string) (*Outcome, error) {
	email, err := d.gate.Capture(email)
	if err != nil {
		return nil, err
	}
	d.bus.Success(TitleEmailSaved, fmt.Sprintf("You can now customize charts and your data will be saved for %s", email))

	for _, kind := range chart.Kinds {
		rec, err := d.load(ctx, email, kind)
		if err != nil {
			continue
		}
		d.mu.Lock()
		if c := d.controllers[kind]; c.activeSession() == nil {
			c.displayed = rec.Payload
		}
		d.mu.Unlock()
	}

	kind, ok := d.gate.takePending()
	if !ok {
		return nil, nil
	}
	outcome, err := d.RequestEdit(ctx, kind)
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// View returns what the dashboard shows for kind.
func (d *Dashboard) View(kind chart.Kind) (ChartView, error) {
	c, err := d.controller(kind)
	if err != nil {
		return ChartView{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return c.view(), nil
}

// Snapshot is the full state of a dashboard.
type Snapshot struct {
	Email   string                `json:"email,omitempty"`
	Pending chart.Kind            `json:"pending,omitempty"`
	Charts  []ChartView           `json:"charts"`
	Active  []notify.Notification `json:"notifications"`
}

// Snapshot returns the identity, every chart view and the visible
// notifications.
func (d *Dashboard) Snapshot() Snapshot {
	email, _ := d.gate.Email()
	pending, _ := d.gate.Pending()

	d.mu.Lock()
	charts := make([]ChartView, 0, len(chart.Kinds))
	for _, kind := range chart.Kinds {
		charts = append(charts, d.controllers[kind].view())
	}
	d.mu.Unlock()

	return Snapshot{Email: email, Pending: pending, Charts: charts, Active: d.bus.Active()}
}

// Wait blocks until every background save has finished.
func (d *Dashboard) Wait() {
	d.saves.Wait()
}

// Close waits for background saves and closes the bus.
func (d *Dashboard) Close() {
	d.Wait()
	d.bus.Close()
}
