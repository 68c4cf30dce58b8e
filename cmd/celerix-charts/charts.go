package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-charts/internal/render"
	"github.com/celerix-dev/celerix-charts/pkg/chart"
	"github.com/celerix-dev/celerix-charts/pkg/sdk"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the chart daemon answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, ok := store.(*sdk.Client)
		if !ok {
			fmt.Printf("No daemon in use, local %s store is available\n", cfg.Backend)
			return nil
		}
		if err := client.Ping(cmd.Context()); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		fmt.Println("PONG")
		return nil
	},
}

var loadCmd = &cobra.Command{
	Use:   "load <owner> <kind>",
	Short: "Print a stored chart record as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := loadRecord(cmd, args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var saveCmd = &cobra.Command{
	Use:   "save <owner> <kind> <json payload>",
	Short: "Store the chart_data of an owner",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := chart.ParseKind(args[1])
		if err != nil {
			return err
		}
		payload, err := chart.DecodePayload(kind, []byte(args[2]))
		if err != nil {
			return err
		}
		rec, err := store.Save(cmd.Context(), args[0], kind, payload)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(rec)
		}
		fmt.Printf("Saved %s chart of %s (%d points)\n", kind, rec.Owner, payload.Len())
		return nil
	},
}

var ownersCmd = &cobra.Command{
	Use:   "owners",
	Short: "List every owner with stored charts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		owners, err := store.ListOwners(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(owners)
		}
		return render.Owners(cmd.OutOrStdout(), owners)
	},
}

var listCmd = &cobra.Command{
	Use:   "list <owner>",
	Short: "List the stored charts of an owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := store.ListByOwner(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(records)
		}
		if len(records) == 0 {
			fmt.Printf("No charts stored for %s\n", args[0])
			return nil
		}
		return render.Records(cmd.OutOrStdout(), records, renderOptions())
	},
}

var showCmd = &cobra.Command{
	Use:   "show <owner> <kind>",
	Short: "Show a chart as a table with its summary",
	Long:  "Show a chart as a table with its summary. Without a stored record the built-in default chart is shown.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := loadRecord(cmd, args[0], args[1])
		if errors.Is(err, chart.ErrNotFound) {
			kind, _ := chart.ParseKind(args[1])
			fmt.Printf("No %s chart stored for %s, showing the default\n", kind, args[0])
			rec = &chart.Record{Owner: args[0], Kind: kind, Payload: chart.Defaults(kind)}
		} else if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(chart.Summarize(rec.Payload))
		}
		return render.Chart(cmd.OutOrStdout(), rec, renderOptions())
	},
}

func loadRecord(cmd *cobra.Command, owner, rawKind string) (*chart.Record, error) {
	kind, err := chart.ParseKind(rawKind)
	if err != nil {
		return nil, err
	}
	return store.Load(cmd.Context(), owner, kind)
}
