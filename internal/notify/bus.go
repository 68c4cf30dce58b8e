// Package notify is the transient notification list of a dashboard.
// Each dashboard owns its own Bus; nothing here is global.
package notify

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Kind is the severity of a notification.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
)

// DefaultTTL is how long a notification stays visible.
const DefaultTTL = 4 * time.Second

// Notification is one visible message.
type Notification struct {
	ID        uint64    `json:"id"`
	Kind      Kind      `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Forwarder receives a copy of every notification.
type Forwarder interface {
	Forward(n Notification)
}

// ForwarderFunc adapts a function to a Forwarder.
type ForwarderFunc func(n Notification)

func (f ForwarderFunc) Forward(n Notification) { f(n) }

// Bus holds the active notifications in arrival order.
type Bus struct {
	mu      sync.Mutex
	nextID  uint64
	items   []Notification
	timers  map[uint64]*time.Timer
	subs    map[int]chan []Notification
	nextSub int
	closed  bool

	ttl        time.Duration
	forwarders []Forwarder
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithTTL sets the auto-dismiss delay. Zero disables auto-dismiss.
func WithTTL(d time.Duration) Option {
	return func(b *Bus) { b.ttl = d }
}

// WithForwarder adds a forwarder.
func WithForwarder(f Forwarder) Option {
	return func(b *Bus) { b.forwarders = append(b.forwarders, f) }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		timers: make(map[uint64]*time.Timer),
		subs:   make(map[int]chan []Notification),
		ttl:    DefaultTTL,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Notify appends a notification and returns its id. It never blocks on
// subscribers or forwarders and never fails; after Close it returns 0.
func (b *Bus) Notify(kind Kind, title, message string) uint64 {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	b.nextID++
	n := Notification{
		ID:        b.nextID,
		Kind:      kind,
		Title:     title,
		Message:   message,
		CreatedAt: b.now(),
	}
	b.items = append(b.items, n)
	if b.ttl > 0 {
		id := n.ID
		b.timers[id] = time.AfterFunc(b.ttl, func() { b.Dismiss(id) })
	}
	b.publishLocked()
	forwarders := b.forwarders
	b.mu.Unlock()

	b.logger.Debug("notification", "id", n.ID, "type", n.Kind, "title", n.Title)
	for _, f := range forwarders {
		f.Forward(n)
	}
	return n.ID
}

// Success, Error and Info are shorthands for Notify.
func (b *Bus) Success(title, message string) uint64 { return b.Notify(KindSuccess, title, message) }
func (b *Bus) Error(title, message string) uint64   { return b.Notify(KindError, title, message) }
func (b *Bus) Info(title, message string) uint64    { return b.Notify(KindInfo, title, message) }

// Dismiss removes the notification with id. It reports whether it was active.
func (b *Bus) Dismiss(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.IndexFunc(b.items, func(n Notification) bool { return n.ID == id })
	if i < 0 {
		return false
	}
	b.items = slices.Delete(b.items, i, i+1)
	if t, ok := b.timers[id]; ok {
		t.Stop()
		delete(b.timers, id)
	}
	b.publishLocked()
	return true
}

// Active returns a copy of the visible notifications, oldest first.
func (b *Bus) Active() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.items)
}

// Subscribe returns a channel that receives the full list after every
// change, starting with the current one. Slow readers only see the latest
// list. Call cancel to unsubscribe; the channel is closed.
func (b *Bus) Subscribe() (<-chan []Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []Notification, 1)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	ch <- slices.Clone(b.items)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Close stops all timers and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// publishLocked MUST be called while holding b.mu.
func (b *Bus) publishLocked() {
	for _, ch := range b.subs {
		snapshot := slices.Clone(b.items)
		// Replace an unread snapshot with the newer one.
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
