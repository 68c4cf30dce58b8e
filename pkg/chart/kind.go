// Package chart holds the chart data model of the dashboard: the two chart
// kinds, their payloads, persisted records and summary statistics.
package chart

import (
	"fmt"
	"strings"
)

// Kind identifies one of the dashboard charts.
type Kind string

const (
	// KindDuration is the call duration trend (time series of seconds).
	KindDuration Kind = "duration"
	// KindSadPath is the failure reason breakdown (categorical percentages).
	KindSadPath Kind = "sadpath"
)

// Kinds lists every chart kind in display order.
var Kinds = []Kind{KindDuration, KindSadPath}

// ParseKind converts a chart_type string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Valid reports whether k is a known chart kind.
func (k Kind) Valid() bool {
	return k == KindDuration || k == KindSadPath
}

func (k Kind) String() string { return string(k) }

// Title is the human readable chart name.
func (k Kind) Title() string {
	switch k {
	case KindDuration:
		return "Call Duration Analysis"
	case KindSadPath:
		return "Sad Path Analysis"
	}
	return string(k)
}
