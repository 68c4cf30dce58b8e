// Package backup exports every chart record as JSON lines and writes the
// export to a file or an S3-compatible bucket, once or on a schedule.
package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/celerix-dev/celerix-charts/internal/engine"
	"github.com/celerix-dev/celerix-charts/pkg/chart"
)

// Version of the export format.
const Version = "1"

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version     string    `json:"version"`
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	OwnerCount  int       `json:"owner_count"`
	RecordCount int       `json:"record_count"`
}

// line wraps a single JSONL record with a type discriminator.
type line struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ExportJSONL writes all records of src as JSONL to w: a header line, then
// one "chart" line per record, owners in sorted order.
func ExportJSONL(ctx context.Context, src engine.Source, w io.Writer) error {
	owners, err := src.ListOwners(ctx)
	if err != nil {
		return fmt.Errorf("list owners: %w", err)
	}

	var records []*chart.Record
	for _, owner := range owners {
		recs, err := src.ListByOwner(ctx, owner)
		if err != nil {
			return fmt.Errorf("list charts of %s: %w", owner, err)
		}
		records = append(records, recs...)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:     Version,
		Type:        "header",
		Timestamp:   time.Now().UTC(),
		OwnerCount:  len(owners),
		RecordCount: len(records),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode %s chart of %s: %w", rec.Kind, rec.Owner, err)
		}
		if err := enc.Encode(line{Type: "chart", Data: data}); err != nil {
			return fmt.Errorf("encode %s chart of %s: %w", rec.Kind, rec.Owner, err)
		}
	}
	return nil
}

// ImportJSONL reads an export from r into dst and returns how many records
// were restored. Destinations implementing engine.Importer keep the
// exported timestamps.
func ImportJSONL(ctx context.Context, r io.Reader, dst engine.Destination) (int, error) {
	importer, canImport := dst.(engine.Importer)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	restored := 0
	seenHeader := false
	for n := 1; scanner.Scan(); n++ {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		if !seenHeader {
			var h header
			if err := json.Unmarshal(raw, &h); err != nil || h.Type != "header" {
				return 0, errors.New("missing export header")
			}
			if h.Version != Version {
				return 0, fmt.Errorf("unsupported export version %q", h.Version)
			}
			seenHeader = true
			continue
		}

		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return restored, fmt.Errorf("line %d: %w", n, err)
		}
		if l.Type != "chart" {
			continue
		}
		var rec chart.Record
		if err := json.Unmarshal(l.Data, &rec); err != nil {
			return restored, fmt.Errorf("line %d: %w", n, err)
		}

		var err error
		if canImport {
			err = importer.Import(ctx, &rec)
		} else {
			_, err = dst.Save(ctx, rec.Owner, rec.Kind, rec.Payload)
		}
		if err != nil {
			return restored, fmt.Errorf("line %d: restore %s chart of %s: %w", n, rec.Kind, rec.Owner, err)
		}
		restored++
	}
	if err := scanner.Err(); err != nil {
		return restored, fmt.Errorf("read export: %w", err)
	}
	if !seenHeader {
		return 0, errors.New("missing export header")
	}
	return restored, nil
}
