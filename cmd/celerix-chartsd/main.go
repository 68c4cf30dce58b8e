// Command celerix-chartsd serves the chart store over the TCP line protocol
// and the dashboard workflow over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/celerix-dev/celerix-charts/internal/api"
	"github.com/celerix-dev/celerix-charts/internal/backup"
	"github.com/celerix-dev/celerix-charts/internal/config"
	"github.com/celerix-dev/celerix-charts/internal/metrics"
	"github.com/celerix-dev/celerix-charts/internal/notify"
	"github.com/celerix-dev/celerix-charts/internal/server"
	"github.com/celerix-dev/celerix-charts/internal/vault"
	"github.com/celerix-dev/celerix-charts/internal/workflow"
	"github.com/celerix-dev/celerix-charts/pkg/sdk"
)

const (
	sessionIdleTimeout = 30 * time.Minute
	shutdownTimeout    = 10 * time.Second
)

var configFile string

var settings = config.New()

var rootCmd = &cobra.Command{
	Use:           "celerix-chartsd",
	Short:         "Chart store daemon with the dashboard workflow API",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(settings, configFile)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&configFile, "config", "", "config file (default: celerix-charts.yaml)")
	f.String("data-dir", "./data", "directory of the embedded stores")
	f.Int("port", 7001, "TCP protocol port")
	f.Int("http-port", 7002, "HTTP API port (0 disables the API)")
	f.Bool("disable-tls", false, "serve the TCP protocol without TLS")
	f.String("backend", sdk.BackendFile, "store backend: file, memory, sqlite, postgres or badger")
	f.String("dsn", "", "SQL data source name")
	f.String("master-key", "", "key that seals owner files of the file backend")
	f.String("nats-url", "", "publish notifications to this NATS server")
	f.Bool("strict-email", false, "reject malformed email addresses")
	f.Duration("notify-ttl", notify.DefaultTTL, "how long notifications stay visible")
	f.String("backup-file", "", "write periodic JSONL backups to this file")
	f.String("backup-bucket", "", "write periodic JSONL backups to this S3 bucket")
	f.String("backup-key", "celerix-charts/charts.jsonl", "S3 object key of the backup")
	f.String("backup-region", "", "S3 region")
	f.String("backup-endpoint", "", "S3-compatible endpoint (enables path-style addressing)")
	f.Duration("backup-interval", time.Hour, "time between backups")

	if err := config.BindFlags(settings, f); err != nil {
		panic(err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	opts, err := cfg.StoreOptions()
	if err != nil {
		return err
	}
	// The daemon is the store; it never forwards to another one.
	opts.Addr = ""
	opts.Logger = logger

	base, err := sdk.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	store := metrics.Instrument(base, cfg.Backend)
	defer func() {
		if err := sdk.Close(store); err != nil {
			logger.Error("error closing store", "error", err)
		}
	}()

	owners, err := store.ListOwners(ctx)
	if err != nil {
		return fmt.Errorf("read owners: %w", err)
	}
	logger.Info("chart store opened", "backend", cfg.Backend, "data_dir", cfg.DataDir, "owners", len(owners))

	// TCP protocol
	router := server.NewRouter(store)
	router.SetLogger(logger)
	if !cfg.DisableTLS {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			return fmt.Errorf("generate TLS certificate: %w", err)
		}
		router.SetCertificate(cert)
	} else {
		logger.Warn("TLS disabled for the chart protocol")
	}

	// Notifications
	forwarders := []notify.Forwarder{metrics.NotificationCounter}
	if cfg.NATSURL != "" {
		nf, err := notify.NewNATSForwarder(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := nf.Close(); err != nil {
				logger.Error("error closing NATS forwarder", "error", err)
			}
		}()
		forwarders = append(forwarders, nf)
		logger.Info("notification forwarding enabled", "nats_url", cfg.NATSURL)
	}

	sessions := api.NewRegistry(func() *workflow.Dashboard {
		busOpts := []notify.Option{notify.WithTTL(cfg.NotifyTTL), notify.WithLogger(logger)}
		for _, f := range forwarders {
			busOpts = append(busOpts, notify.WithForwarder(f))
		}
		return workflow.NewDashboard(store,
			workflow.WithBus(notify.NewBus(busOpts...)),
			workflow.WithStrictEmail(cfg.StrictEmail),
			workflow.WithLogger(logger),
		)
	})
	defer sessions.Close()

	// Backups
	scheduler, err := newBackupScheduler(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	if scheduler != nil {
		scheduler.Start()
		defer scheduler.Stop()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return router.Listen(strconv.Itoa(cfg.Port))
	})

	var httpServer *http.Server
	if cfg.HTTPPort > 0 {
		gin.SetMode(gin.ReleaseMode)
		httpServer = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
			Handler:           api.NewRouter(&api.Handler{Store: store, Sessions: sessions, Logger: logger}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("HTTP API listening", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := sessions.Expire(sessionIdleTimeout); n > 0 {
					logger.Info("expired idle sessions", "count", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := router.Stop(); err != nil {
			logger.Error("TCP router shutdown error", "error", err)
		}
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown error", "error", err)
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info("finalizing pending saves")
	return err
}

func newBackupScheduler(ctx context.Context, cfg *config.Config, store sdk.ChartStore, logger *slog.Logger) (*backup.Scheduler, error) {
	b := cfg.Backup
	if !b.Enabled() || b.Interval <= 0 {
		return nil, nil
	}

	var dests []backup.Destination
	if b.File != "" {
		dests = append(dests, &backup.FileDestination{Path: b.File})
	}
	if b.Bucket != "" {
		s3Dest, err := backup.NewS3Destination(ctx, b.Bucket, b.Key, b.Region, b.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("create S3 backup destination: %w", err)
		}
		dests = append(dests, s3Dest)
	}
	for _, d := range dests {
		logger.Info("backup destination enabled", "destination", d, "interval", b.Interval)
	}
	return backup.NewScheduler(store, dests, b.Interval, logger), nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
