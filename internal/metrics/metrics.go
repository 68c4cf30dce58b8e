// Package metrics holds the Prometheus instruments of the chart service.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/celerix-dev/celerix-charts/internal/notify"
	"github.com/celerix-dev/celerix-charts/pkg/chart"
	"github.com/celerix-dev/celerix-charts/pkg/sdk"
)

var (
	// storeOps counts gateway operations by backend, operation and result
	storeOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "celerix_charts_store_operations_total",
		Help: "Chart store operations by backend, operation and result",
	}, []string{"backend", "op", "result"})

	// storeDuration tracks gateway latency
	storeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "celerix_charts_store_operation_duration_seconds",
		Help:    "Chart store operation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	}, []string{"backend", "op"})

	editOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "celerix_charts_edit_requests_total",
		Help: "Edit requests by chart kind and outcome",
	}, []string{"kind", "outcome"})

	notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "celerix_charts_notifications_total",
		Help: "Notifications shown by type",
	}, []string{"type"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "celerix_charts_sessions_active",
		Help: "Dashboard sessions currently open",
	})
)

// Result labels of storeOps.
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

func result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, chart.ErrNotFound):
		return ResultNotFound
	default:
		return ResultError
	}
}

func observe(backend, op string, start time.Time, err error) {
	storeOps.WithLabelValues(backend, op, result(err)).Inc()
	storeDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// EditOutcome records the outcome of an edit request.
func EditOutcome(kind chart.Kind, outcome string) {
	editOutcomes.WithLabelValues(string(kind), outcome).Inc()
}

// SessionOpened and SessionClosed track the session gauge.
func SessionOpened() { activeSessions.Inc() }
func SessionClosed() { activeSessions.Dec() }

// NotificationCounter counts every notification it is forwarded.
var NotificationCounter notify.Forwarder = notify.ForwarderFunc(func(n notify.Notification) {
	notifications.WithLabelValues(string(n.Kind)).Inc()
})

// Instrument wraps s so every call is counted and timed under backend.
// Import stays available when s supports it.
func Instrument(s sdk.ChartStore, backend string) sdk.ChartStore {
	base := &instrumented{inner: s, backend: backend}
	if imp, ok := s.(sdk.RecordImporter); ok {
		return &instrumentedImporter{instrumented: base, importer: imp}
	}
	return base
}

type instrumented struct {
	inner   sdk.ChartStore
	backend string
}

func (s *instrumented) Save(ctx context.Context, owner string, kind chart.Kind, payload chart.Payload) (rec *chart.Record, err error) {
	defer func(start time.Time) { observe(s.backend, "save", start, err) }(time.Now())
	return s.inner.Save(ctx, owner, kind, payload)
}

func (s *instrumented) Load(ctx context.Context, owner string, kind chart.Kind) (rec *chart.Record, err error) {
	defer func(start time.Time) { observe(s.backend, "load", start, err) }(time.Now())
	return s.inner.Load(ctx, owner, kind)
}

func (s *instrumented) ListOwners(ctx context.Context) (owners []string, err error) {
	defer func(start time.Time) { observe(s.backend, "list_owners", start, err) }(time.Now())
	return s.inner.ListOwners(ctx)
}

func (s *instrumented) ListByOwner(ctx context.Context, owner string) (recs []*chart.Record, err error) {
	defer func(start time.Time) { observe(s.backend, "list", start, err) }(time.Now())
	return s.inner.ListByOwner(ctx, owner)
}

// Close closes the wrapped store.
func (s *instrumented) Close() error {
	return sdk.Close(s.inner)
}

// Unwrap returns the wrapped store.
func (s *instrumented) Unwrap() sdk.ChartStore {
	return s.inner
}

type instrumentedImporter struct {
	*instrumented
	importer sdk.RecordImporter
}

func (s *instrumentedImporter) Import(ctx context.Context, rec *chart.Record) (err error) {
	defer func(start time.Time) { observe(s.backend, "import", start, err) }(time.Now())
	return s.importer.Import(ctx, rec)
}
