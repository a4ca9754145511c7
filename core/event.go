package core

import (
	"fmt"
	"time"
)

// Event is a normalized security event with a flat field map. Every event
// carries a tenant ID; events without one are rejected at the ingest boundary.
type Event struct {
	EventID      string                 `json:"event_id"`
	TenantID     string                 `json:"tenant_id"`
	Timestamp    time.Time              `json:"timestamp"`
	SourceFormat string                 `json:"source_format"`
	Fields       map[string]interface{} `json:"fields"`
}

// Field returns the named field as a string, or "" with ok=false when the
// field is absent. Well-known envelope fields resolve without consulting the
// field map so rules can reference them uniformly.
func (e *Event) Field(name string) (string, bool) {
	switch name {
	case "event_id":
		return e.EventID, true
	case "tenant_id":
		return e.TenantID, true
	}
	v, ok := e.Fields[name]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// EventRow is a single row returned by the durable event store. Rows expose
// the same flat field map shape as live events so both engines share one
// evaluation path.
type EventRow struct {
	EventID   string                 `json:"event_id"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields"`
}

// Field mirrors Event.Field for historical rows.
func (r *EventRow) Field(name string) (string, bool) {
	if name == "event_id" {
		return r.EventID, true
	}
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprintf("%v", v), true
}
