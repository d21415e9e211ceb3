package models

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/pkg/errors"
)

// RunContext is the structured payload carried between workflow steps,
// persisted as jsonb. Steps return partial contexts that are merged into
// the run's context; keys are only ever added or overwritten, never removed.
type RunContext map[string]interface{}

// Merge returns a new context containing the receiver's keys plus the
// other's. Keys in other win on conflict.
func (c RunContext) Merge(other RunContext) RunContext {
	merged := make(RunContext, len(c)+len(other))
	for k, v := range c {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// Value implements driver.Valuer so sqlx can write the context as jsonb.
func (c RunContext) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner for reading the jsonb column.
func (c *RunContext) Scan(src interface{}) error {
	if src == nil {
		*c = RunContext{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.Errorf("cannot scan %T into RunContext", src)
	}
	return json.Unmarshal(raw, c)
}
