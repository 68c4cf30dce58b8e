package workflow

import (
	"github.com/celerix-dev/celerix-charts/pkg/chart"
)

// controller is the state of one chart on a dashboard. Its fields are
// guarded by the owning Dashboard's mutex.
type controller struct {
	kind      chart.Kind
	defaults  chart.Payload
	displayed chart.Payload
	overwrite *OverwritePrompt
	session   *EditSession
}

func newController(kind chart.Kind) *controller {
	return &controller{
		kind:      kind,
		defaults:  chart.Defaults(kind),
		displayed: chart.Defaults(kind),
	}
}

// openSession returns the open session, or starts one seeded from the
// displayed payload.
func (c *controller) openSession(d *Dashboard) *EditSession {
	if c.session != nil && !c.session.Closed() {
		return c.session
	}
	c.overwrite = nil
	c.session = newEditSession(c.kind, c.displayed, d.now())
	return c.session
}

// activeSession returns the session unless it was cancelled.
func (c *controller) activeSession() *EditSession {
	if c.session != nil && c.session.Closed() {
		c.session = nil
	}
	return c.session
}

// differsFromDefault reports whether rec holds customized data.
func (c *controller) differsFromDefault(rec *chart.Record) bool {
	return rec.Payload == nil || !rec.Payload.Equal(c.defaults)
}

func (c *controller) view() ChartView {
	v := ChartView{
		Kind:      c.kind,
		Title:     c.kind.Title(),
		Payload:   c.displayed.Clone(),
		Summary:   chart.Summarize(c.displayed),
		Overwrite: c.overwrite,
	}
	if s := c.activeSession(); s != nil {
		v.Editing = true
		v.Working = s.Working()
	}
	return v
}

// ChartView is what a dashboard shows for one chart.
type ChartView struct {
	Kind      chart.Kind       `json:"kind"`
	Title     string           `json:"title"`
	Payload   chart.Payload    `json:"payload"`
	Summary   chart.Summary    `json:"summary"`
	Editing   bool             `json:"editing"`
	Working   chart.Payload    `json:"working,omitempty"`
	Overwrite *OverwritePrompt `json:"overwrite,omitempty"`
}
