package chart

import "math"

// Average is the mean duration in whole seconds, rounded to nearest.
func (s DurationSeries) Average() int {
	if len(s) == 0 {
		return 0
	}
	sum := 0
	for _, p := range s {
		sum += p.Seconds
	}
	return int(math.Round(float64(sum) / float64(len(s))))
}

// Total is the failure rate figure shown next to the sad path chart.
func (b FailureBreakdown) Total() float64 {
	var sum float64
	for _, c := range b {
		sum += c.Percentage
	}
	return sum
}

// Calls estimates the number of calls behind category i.
func (b FailureBreakdown) Calls(i int) int {
	if i < 0 || i >= len(b) {
		return 0
	}
	return int(math.Round(b[i].Percentage / 100 * b.Total()))
}

// Summary is the headline figure of a chart.
type Summary struct {
	Kind           Kind    `json:"kind"`
	Title          string  `json:"title"`
	Points         int     `json:"points"`
	AverageSeconds int     `json:"average_seconds"`
	FailureRate    float64 `json:"failure_rate"`
}

// Summarize computes the headline figure for p.
func Summarize(p Payload) Summary {
	if p == nil {
		return Summary{}
	}
	s := Summary{Kind: p.Kind(), Title: p.Kind().Title(), Points: p.Len()}
	switch v := p.(type) {
	case DurationSeries:
		s.AverageSeconds = v.Average()
	case FailureBreakdown:
		s.FailureRate = v.Total()
	}
	return s
}

// PreviewItem is one entry of a payload preview.
type PreviewItem struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Preview returns the first n entries of p and how many were left out.
func Preview(p Payload, n int) ([]PreviewItem, int) {
	if p == nil {
		return nil, 0
	}
	labels, values := p.Labels(), p.Values()
	if n > len(labels) {
		n = len(labels)
	}
	items := make([]PreviewItem, n)
	for i := range n {
		items[i] = PreviewItem{Label: labels[i], Value: values[i]}
	}
	return items, len(labels) - n
}
