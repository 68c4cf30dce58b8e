package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-charts/internal/backup"
	"github.com/celerix-dev/celerix-charts/internal/engine"
	"github.com/celerix-dev/celerix-charts/pkg/sdk"
)

var (
	migrateTo sdk.Options

	exportFile     string
	exportBucket   string
	exportKey      string
	exportRegion   string
	exportEndpoint string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy every chart record into another store",
	Long: `Copy every chart record of the selected store into another backend.
Records keep their timestamps when the target supports imports.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var zero time.Duration
		migrateTo.SaveLatency, migrateTo.LoadLatency = &zero, &zero
		dst, err := sdk.Open(cmd.Context(), migrateTo)
		if err != nil {
			return fmt.Errorf("open target store: %w", err)
		}
		defer func() { _ = sdk.Close(dst) }()

		n, err := engine.Migrate(cmd.Context(), store, dst)
		if err != nil {
			return fmt.Errorf("migration failed after %d records: %w", n, err)
		}
		fmt.Printf("Migrated %d chart records to %s\n", n, migrateTo.Backend)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export every chart record as JSON lines",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var dests []backup.Destination
		if exportFile != "" && exportFile != "-" {
			dests = append(dests, &backup.FileDestination{Path: exportFile})
		}
		if exportBucket != "" {
			d, err := backup.NewS3Destination(cmd.Context(), exportBucket, exportKey, exportRegion, exportEndpoint)
			if err != nil {
				return err
			}
			dests = append(dests, d)
		}
		if len(dests) == 0 {
			return backup.ExportJSONL(cmd.Context(), store, cmd.OutOrStdout())
		}

		n, err := backup.Run(cmd.Context(), store, dests)
		if err != nil {
			return err
		}
		for _, d := range dests {
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d bytes to %v\n", n, d)
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Restore chart records from a JSON lines export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		n, err := backup.ImportJSONL(cmd.Context(), bytes.NewReader(data), store)
		if err != nil {
			return fmt.Errorf("restore failed after %d records: %w", n, err)
		}
		fmt.Printf("Restored %d chart records\n", n)
		return nil
	},
}

func init() {
	f := migrateCmd.Flags()
	f.StringVar(&migrateTo.Backend, "to-backend", sdk.BackendSQLite, "target backend: file, sqlite, postgres or badger")
	f.StringVar(&migrateTo.DataDir, "to-data-dir", "./data", "target data directory")
	f.StringVar(&migrateTo.DSN, "to-dsn", "", "target SQL data source name")
	f.StringVar(&migrateTo.Addr, "to-addr", "", "target daemon address")
	f.BoolVar(&migrateTo.DisableTLS, "to-disable-tls", false, "connect to the target daemon without TLS")

	f = exportCmd.Flags()
	f.StringVar(&exportFile, "file", "-", "output file (- for stdout)")
	f.StringVar(&exportBucket, "s3-bucket", "", "upload the export to this S3 bucket")
	f.StringVar(&exportKey, "s3-key", "celerix-charts/charts.jsonl", "S3 object key")
	f.StringVar(&exportRegion, "s3-region", "us-east-1", "S3 region")
	f.StringVar(&exportEndpoint, "s3-endpoint", "", "S3-compatible endpoint")
}
