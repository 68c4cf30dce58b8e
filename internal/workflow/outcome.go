package workflow

import (
	"fmt"
	"time"

	"github.com/celerix-dev/celerix-charts/pkg/chart"
)

// State is the result of an edit request.
type State int

const (
	// Blocked means no identity is captured yet; the kind was deferred.
	Blocked State = iota + 1
	// NeedsOverwriteConfirmation means a customized record would be replaced.
	NeedsOverwriteConfirmation
	// ReadyToEdit means an edit session is open.
	ReadyToEdit
)

var stateNames = map[State]string{
	Blocked:                    "blocked",
	NeedsOverwriteConfirmation: "needs_overwrite_confirmation",
	ReadyToEdit:                "ready_to_edit",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PreviewSize is how many entries of an existing record the overwrite
// prompt shows.
const PreviewSize = 5

// OverwritePrompt describes the record an edit would replace.
type OverwritePrompt struct {
	Existing     *chart.Record       `json:"existing"`
	LastModified time.Time           `json:"last_modified"`
	Preview      []chart.PreviewItem `json:"preview"`
	More         int                 `json:"more"`
}

func newOverwritePrompt(rec *chart.Record) *OverwritePrompt {
	preview, more := chart.Preview(rec.Payload, PreviewSize)
	return &OverwritePrompt{
		Existing:     rec,
		LastModified: rec.UpdatedAt,
		Preview:      preview,
		More:         more,
	}
}

// Outcome is returned by RequestEdit and ConfirmOverwrite.
type Outcome struct {
	State State      `json:"state"`
	Kind  chart.Kind `json:"kind"`
	// Pending is the deferred kind when Blocked.
	Pending chart.Kind `json:"pending,omitempty"`
	// Overwrite is set when NeedsOverwriteConfirmation.
	Overwrite *OverwritePrompt `json:"overwrite,omitempty"`
	// Working is the session's working copy when ReadyToEdit.
	Working chart.Payload `json:"working,omitempty"`
}
