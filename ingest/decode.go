package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"aegis/core"
	"aegis/metrics"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Format identifies a wire encoding at the ingest boundary.
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// envelope is the wire shape of an inbound event. Unknown keys land in
// Fields untouched.
type envelope struct {
	EventID   string                 `json:"event_id" msgpack:"event_id"`
	TenantID  string                 `json:"tenant_id" msgpack:"tenant_id"`
	Timestamp time.Time              `json:"timestamp" msgpack:"timestamp"`
	Fields    map[string]interface{} `json:"fields" msgpack:"fields"`
}

// Decode parses one wire payload into an Event. Events without a tenant are
// rejected; a missing event ID gets a generated one and a missing timestamp
// defaults to arrival time.
func Decode(format Format, payload []byte) (*core.Event, error) {
	var env envelope
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(payload, &env)
	case FormatMsgpack:
		err = msgpack.Unmarshal(payload, &env)
	default:
		return nil, core.NewValidationError("format", "unsupported wire format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", format, err)
	}

	if env.TenantID == "" {
		return nil, core.NewValidationError("tenant_id", "event has no tenant")
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Fields == nil {
		env.Fields = map[string]interface{}{}
	}

	metrics.EventsIngested.WithLabelValues(string(format)).Inc()
	return &core.Event{
		EventID:      env.EventID,
		TenantID:     env.TenantID,
		Timestamp:    env.Timestamp.UTC(),
		SourceFormat: string(format),
		Fields:       env.Fields,
	}, nil
}
