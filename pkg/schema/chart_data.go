// Package schema defines the storage layout shared by every chart store backend.
package schema

import "encoding/json"

// TimeLayout is the ISO-8601 form used for created_at and updated_at.
// It matches what browsers produce for Date.toISOString.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// UserChartData is one persisted chart for one user.
// The JSON shape is the compatibility contract with existing stored data:
// one entry per (email, chart_type), chart_data is the raw payload array.
type UserChartData struct {
	Email     string          `json:"email"`
	ChartType string          `json:"chart_type"`
	ChartData json.RawMessage `json:"chart_data"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}
