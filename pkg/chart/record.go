package chart

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/celerix-dev/celerix-charts/pkg/schema"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Record is the persisted chart of one owner. There is at most one record
// per (Owner, Kind) in any store.
type Record struct {
	Owner     string    `validate:"required"`
	Kind      Kind      `validate:"required,oneof=duration sadpath"`
	Payload   Payload   `validate:"required"`
	CreatedAt time.Time `validate:"required"`
	UpdatedAt time.Time `validate:"required,gtefield=CreatedAt"`
}

// Validate checks the record invariants, including UpdatedAt >= CreatedAt
// and the value range of every point.
func (r *Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid chart record: %w", err)
	}
	if r.Payload.Kind() != r.Kind {
		return fmt.Errorf("invalid chart record: %s payload stored as %s", r.Payload.Kind(), r.Kind)
	}
	if err := ValidatePayload(r.Payload); err != nil {
		return fmt.Errorf("invalid chart record: %w", err)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = r.Payload.Clone()
	}
	return &c
}

// Stamp returns the timestamp granularity stores keep (milliseconds, UTC).
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// ToSchema converts the record into its storage layout.
func (r *Record) ToSchema() (schema.UserChartData, error) {
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return schema.UserChartData{}, fmt.Errorf("encode %s payload: %w", r.Kind, err)
	}
	return schema.UserChartData{
		Email:     r.Owner,
		ChartType: string(r.Kind),
		ChartData: data,
		CreatedAt: r.CreatedAt.UTC().Format(schema.TimeLayout),
		UpdatedAt: r.UpdatedAt.UTC().Format(schema.TimeLayout),
	}, nil
}

// FromSchema converts a stored entry back into a Record.
func FromSchema(d schema.UserChartData) (*Record, error) {
	kind, err := ParseKind(d.ChartType)
	if err != nil {
		return nil, err
	}
	payload, err := DecodePayload(kind, d.ChartData)
	if err != nil {
		return nil, err
	}
	created, err := time.Parse(time.RFC3339Nano, d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &Record{
		Owner:     d.Email,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: created.UTC(),
		UpdatedAt: updated.UTC(),
	}, nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	d, err := r.ToSchema()
	if err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var d schema.UserChartData
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	rec, err := FromSchema(d)
	if err != nil {
		return err
	}
	*r = *rec
	return nil
}
