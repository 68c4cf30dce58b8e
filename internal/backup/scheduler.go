package backup

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-charts/internal/engine"
)

// Run exports src once and writes the export to every destination.
// It returns the first write error after trying all destinations.
func Run(ctx context.Context, src engine.Source, destinations []Destination) (int, error) {
	var buf bytes.Buffer
	if err := ExportJSONL(ctx, src, &buf); err != nil {
		return 0, err
	}
	data := buf.Bytes()

	var firstErr error
	for _, dest := range destinations {
		if err := dest.Write(ctx, data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("write %v: %w", dest, err)
		}
	}
	return len(data), firstErr
}

// Scheduler runs periodic backups.
type Scheduler struct {
	src          engine.Source
	destinations []Destination
	interval     time.Duration
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(src engine.Source, destinations []Destination, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		src:          src,
		destinations: destinations,
		interval:     interval,
		logger:       logger,
	}
}

// Start runs a backup immediately, then on every tick.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for a running backup to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	s.backupOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.backupOnce(ctx)
		}
	}
}

func (s *Scheduler) backupOnce(ctx context.Context) {
	n, err := Run(ctx, s.src, s.destinations)
	if err != nil {
		s.logger.Error("chart backup failed", "error", err)
		return
	}
	s.logger.Info("chart backup completed", "destinations", len(s.destinations), "bytes", n)
}
