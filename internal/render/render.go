// Package render prints chart records as terminal tables.
package render

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/celerix-dev/celerix-charts/pkg/chart"
)

// Options controls table output.
type Options struct {
	// UseColors highlights values that differ from the default chart.
	UseColors bool
}

func painters(opts Options) (changed, muted func(...any) string) {
	if !opts.UseColors {
		return fmt.Sprint, fmt.Sprint
	}
	return color.New(color.FgYellow, color.Bold).SprintFunc(), color.New(color.FgHiBlack).SprintFunc()
}

// Chart writes every entry of rec followed by its summary figure.
func Chart(w io.Writer, rec *chart.Record, opts Options) error {
	changed, muted := painters(opts)

	table := tablewriter.NewWriter(w)
	defer func() { _ = table.Close() }()

	defaults := chart.Defaults(rec.Kind)
	var data [][]string
	switch p := rec.Payload.(type) {
	case chart.DurationSeries:
		table.Header([]string{"Time", "Seconds", "Duration"})
		def, _ := defaults.(chart.DurationSeries)
		for i, pt := range p {
			value := strconv.Itoa(pt.Seconds)
			if i < len(def) && def[i] != pt {
				value = changed(value)
			}
			data = append(data, []string{pt.Label, value, FormatSeconds(pt.Seconds)})
		}
	case chart.FailureBreakdown:
		table.Header([]string{"Reason", "Share %", "Calls"})
		def, _ := defaults.(chart.FailureBreakdown)
		for i, c := range p {
			value := strconv.FormatFloat(c.Percentage, 'f', -1, 64)
			if i < len(def) && def[i].Percentage != c.Percentage {
				value = changed(value)
			}
			data = append(data, []string{c.Label, value, strconv.Itoa(p.Calls(i))})
		}
	default:
		return fmt.Errorf("%w: %q", chart.ErrUnknownKind, rec.Kind)
	}

	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignRight
	})
	if err := table.Bulk(data); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "%s for %s\n", rec.Kind.Title(), rec.Owner); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, SummaryLine(chart.Summarize(rec.Payload))); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, muted("Last modified "+rec.UpdatedAt.Format(time.DateTime)))
	return err
}

// Records writes one row per record of an owner.
func Records(w io.Writer, records []*chart.Record, opts Options) error {
	table := tablewriter.NewWriter(w)
	defer func() { _ = table.Close() }()

	table.Header([]string{"Kind", "Chart", "Points", "Summary", "Updated"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignLeft
	})

	changed, _ := painters(opts)
	var data [][]string
	for _, rec := range records {
		summary := SummaryLine(chart.Summarize(rec.Payload))
		if !rec.Payload.Equal(chart.Defaults(rec.Kind)) {
			summary = changed(summary)
		}
		data = append(data, []string{
			string(rec.Kind),
			rec.Kind.Title(),
			strconv.Itoa(rec.Payload.Len()),
			summary,
			rec.UpdatedAt.Format(time.DateTime),
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

// Owners writes the owner list with a total.
func Owners(w io.Writer, owners []string) error {
	table := tablewriter.NewWriter(w)
	defer func() { _ = table.Close() }()

	table.Header([]string{"#", "Owner"})
	data := make([][]string, 0, len(owners))
	for i, o := range owners {
		data = append(data, []string{strconv.Itoa(i + 1), o})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d owners\n", len(owners))
	return err
}

// SummaryLine is the one-line headline figure of a chart.
func SummaryLine(s chart.Summary) string {
	switch s.Kind {
	case chart.KindDuration:
		return "Average duration " + FormatSeconds(s.AverageSeconds)
	case chart.KindSadPath:
		return "Failure rate " + strconv.FormatFloat(s.FailureRate, 'f', 1, 64) + "%"
	}
	return ""
}

// FormatSeconds renders seconds as "3m 10s".
func FormatSeconds(seconds int) string {
	if seconds < 60 {
		return strconv.Itoa(seconds) + "s"
	}
	return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
}
