// Command celerix-charts inspects and maintains chart stores: a running
// daemon or any local backend.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-charts/internal/config"
	"github.com/celerix-dev/celerix-charts/internal/render"
	"github.com/celerix-dev/celerix-charts/pkg/sdk"
)

var (
	configFile string
	jsonOutput bool
	noColor    bool

	settings = config.New()
	cfg      *config.Config
	store    sdk.ChartStore
)

var rootCmd = &cobra.Command{
	Use:           "celerix-charts <command>",
	Short:         "CLI for the chart store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(settings, configFile)
		if err != nil {
			return err
		}
		store, err = openStore(cmd, cfg)
		return err
	},
}

// closeStore runs after every command, including failed ones.
func closeStore() {
	if store != nil {
		_ = sdk.Close(store)
		store = nil
	}
}

// openStore opens the configured store without simulated latency.
func openStore(cmd *cobra.Command, cfg *config.Config) (sdk.ChartStore, error) {
	opts, err := cfg.StoreOptions()
	if err != nil {
		return nil, err
	}
	var zero time.Duration
	opts.SaveLatency, opts.LoadLatency = &zero, &zero
	return sdk.Open(cmd.Context(), opts)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default: celerix-charts.yaml)")
	pf.BoolVar(&jsonOutput, "json", false, "output as JSON")
	pf.BoolVar(&noColor, "no-color", false, "disable colored output")
	pf.String("store-addr", "", "address of a running daemon (default: local store)")
	pf.Bool("disable-tls", false, "connect to the daemon without TLS")
	pf.String("backend", sdk.BackendFile, "local backend: file, memory, sqlite, postgres or badger")
	pf.String("data-dir", "./data", "directory of the embedded stores")
	pf.String("dsn", "", "SQL data source name")
	pf.String("master-key", "", "key that seals owner files of the file backend")

	if err := config.BindFlags(settings, pf); err != nil {
		panic(err)
	}

	cobra.OnFinalize(closeStore)
	rootCmd.AddCommand(pingCmd, loadCmd, saveCmd, ownersCmd, listCmd, showCmd, migrateCmd, exportCmd, restoreCmd)
}

func renderOptions() render.Options {
	return render.Options{UseColors: !noColor && !color.NoColor}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
