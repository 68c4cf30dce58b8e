package chart

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

const (
	// MaxDurationSeconds bounds a single duration point, inclusive.
	MaxDurationSeconds = 999
	// MaxPercentage bounds a single failure category share, inclusive.
	MaxPercentage = 100
)

// Payload is the chart_data of a record. Both chart kinds implement it.
//
// Equal is value equality over the full ordered payload. SetValue never
// rejects input: anything non-numeric or outside the valid range of the kind
// is stored as 0.
type Payload interface {
	Kind() Kind
	Len() int
	Clone() Payload
	Equal(other Payload) bool
	SetValue(i int, raw string) error
	Labels() []string
	Values() []float64
}

// DurationPoint is the average call duration at one time of day.
type DurationPoint struct {
	Label   string `json:"time"`
	Seconds int    `json:"duration" validate:"min=0,max=999"`
}

// DurationSeries is ordered chronologically by label.
type DurationSeries []DurationPoint

func (s DurationSeries) Kind() Kind { return KindDuration }
func (s DurationSeries) Len() int   { return len(s) }

func (s DurationSeries) Clone() Payload {
	return slices.Clone(s)
}

func (s DurationSeries) Equal(other Payload) bool {
	o, ok := other.(DurationSeries)
	return ok && slices.Equal(s, o)
}

func (s DurationSeries) SetValue(i int, raw string) error {
	if i < 0 || i >= len(s) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}
	s[i].Seconds = CoerceSeconds(raw)
	return nil
}

func (s DurationSeries) Labels() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = p.Label
	}
	return out
}

func (s DurationSeries) Values() []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = float64(p.Seconds)
	}
	return out
}

// CategoryShare is the share of failed calls attributed to one reason.
type CategoryShare struct {
	Label      string  `json:"name"`
	Percentage float64 `json:"value" validate:"min=0,max=100"`
	ColorHint  string  `json:"color"`
}

// FailureBreakdown is the sad path chart payload. The percentages are a
// display figure and need not total 100.
type FailureBreakdown []CategoryShare

func (b FailureBreakdown) Kind() Kind { return KindSadPath }
func (b FailureBreakdown) Len() int   { return len(b) }

func (b FailureBreakdown) Clone() Payload {
	return slices.Clone(b)
}

func (b FailureBreakdown) Equal(other Payload) bool {
	o, ok := other.(FailureBreakdown)
	return ok && slices.Equal(b, o)
}

func (b FailureBreakdown) SetValue(i int, raw string) error {
	if i < 0 || i >= len(b) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}
	b[i].Percentage = CoercePercentage(raw)
	return nil
}

func (b FailureBreakdown) Labels() []string {
	out := make([]string, len(b))
	for i, c := range b {
		out[i] = c.Label
	}
	return out
}

func (b FailureBreakdown) Values() []float64 {
	out := make([]float64, len(b))
	for i, c := range b {
		out[i] = c.Percentage
	}
	return out
}

// CoerceSeconds parses an edited duration. Fractions are truncated;
// non-numeric input and values outside [0, MaxDurationSeconds] become 0,
// not the previous value.
func CoerceSeconds(raw string) int {
	raw = strings.TrimSpace(raw)
	n, err := strconv.Atoi(raw)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		f = math.Trunc(f)
		if f < 0 || f > MaxDurationSeconds {
			return 0
		}
		n = int(f)
	}
	if n < 0 || n > MaxDurationSeconds {
		return 0
	}
	return n
}

// CoercePercentage parses an edited share with the same policy as CoerceSeconds.
func CoercePercentage(raw string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) || f < 0 || f > MaxPercentage {
		return 0
	}
	return f
}

// ValidatePayload checks every value of p against the range of its kind.
func ValidatePayload(p Payload) error {
	switch v := p.(type) {
	case DurationSeries:
		for i := range v {
			if err := validate.Struct(v[i]); err != nil {
				return fmt.Errorf("%w: %s point %d (%s): %d seconds", ErrValueOutOfRange, v.Kind(), i, v[i].Label, v[i].Seconds)
			}
		}
	case FailureBreakdown:
		for i := range v {
			if err := validate.Struct(v[i]); err != nil {
				return fmt.Errorf("%w: %s point %d (%s): %v%%", ErrValueOutOfRange, v.Kind(), i, v[i].Label, v[i].Percentage)
			}
		}
	}
	return nil
}

// DecodePayload decodes raw chart_data for kind. Values are not range
// checked here; see ValidatePayload.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindDuration:
		s := DurationSeries{}
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		if s == nil {
			s = DurationSeries{}
		}
		return s, nil
	case KindSadPath:
		b := FailureBreakdown{}
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		if b == nil {
			b = FailureBreakdown{}
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}
