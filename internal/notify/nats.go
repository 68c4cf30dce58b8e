package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the NATS subject prefix of forwarded notifications.
// The full subject is SubjectPrefix + "." + kind.
const SubjectPrefix = "celerix.charts.notify"

// Subject returns the subject notifications of kind are published on.
func Subject(kind Kind) string {
	return SubjectPrefix + "." + string(kind)
}

// NATSForwarder publishes every notification as JSON to NATS.
type NATSForwarder struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSForwarder connects to NATS with automatic reconnection support.
func NewNATSForwarder(url string, logger *slog.Logger, opts ...nats.Option) (*NATSForwarder, error) {
	defaults := []nats.Option{
		nats.Name("celerix-charts"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSForwarder{conn: nc, logger: logger}, nil
}

// Forward publishes n. Failures are logged, never returned.
func (f *NATSForwarder) Forward(n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		f.logger.Warn("marshaling notification", "id", n.ID, "error", err)
		return
	}
	if err := f.conn.Publish(Subject(n.Kind), data); err != nil {
		f.logger.Warn("publishing notification", "id", n.ID, "subject", Subject(n.Kind), "error", err)
	}
}

// Flush waits until published notifications reached the server.
func (f *NATSForwarder) Flush() error {
	return f.conn.Flush()
}

func (f *NATSForwarder) Close() error {
	f.conn.Close()
	return nil
}
