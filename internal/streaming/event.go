// Package streaming carries live task progress over per-task Redis
// Streams: a publisher mirrors emitter events onto the stream, and a
// per-process hub fans stream entries out to subscribers.
package streaming

import (
	"encoding/json"
	"time"
)

// Event types the hub itself produces.
const (
	TypeInitialState = "initial_state"
)

// Event is one task stream entry. Extras carry open-ended payload
// fields; the fixed top-level keys never move into Extras, so existing
// consumers keep working as payloads grow.
type Event struct {
	ThreadID   string
	UpdateType string
	Timestamp  string
	Extras     map[string]interface{}
}

// NewEvent stamps an event with the current time.
func NewEvent(threadID, updateType string, extras map[string]interface{}) Event {
	return Event{
		ThreadID:   threadID,
		UpdateType: updateType,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Extras:     extras,
	}
}

// reserved are the fixed top-level keys.
func reserved(k string) bool {
	return k == "thread_id" || k == "update_type" || k == "timestamp"
}

// Fields flattens the event into stream field/value pairs, each value
// JSON-encoded.
func (e Event) Fields() (map[string]interface{}, error) {
	out := make(map[string]interface{}, 3+len(e.Extras))
	put := func(k string, v interface{}) error {
		blob, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[k] = string(blob)
		return nil
	}
	if err := put("thread_id", e.ThreadID); err != nil {
		return nil, err
	}
	if err := put("update_type", e.UpdateType); err != nil {
		return nil, err
	}
	if err := put("timestamp", e.Timestamp); err != nil {
		return nil, err
	}
	for k, v := range e.Extras {
		if reserved(k) {
			continue
		}
		if err := put(k, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EventFromValues rebuilds an event from raw stream values. Each value
// is coerced to string then parsed as JSON, falling back to the raw
// string for entries written by older publishers.
func EventFromValues(values map[string]interface{}) Event {
	e := Event{Extras: make(map[string]interface{})}
	for k, raw := range values {
		var s string
		switch v := raw.(type) {
		case string:
			s = v
		case []byte:
			s = string(v)
		default:
			e.Extras[k] = v
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			decoded = s
		}
		switch k {
		case "thread_id":
			if str, ok := decoded.(string); ok {
				e.ThreadID = str
			}
		case "update_type":
			if str, ok := decoded.(string); ok {
				e.UpdateType = str
			}
		case "timestamp":
			if str, ok := decoded.(string); ok {
				e.Timestamp = str
			}
		default:
			e.Extras[k] = decoded
		}
	}
	return e
}

// MarshalJSON flattens extras to top level.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, 3+len(e.Extras))
	for k, v := range e.Extras {
		if !reserved(k) {
			flat[k] = v
		}
	}
	flat["thread_id"] = e.ThreadID
	flat["update_type"] = e.UpdateType
	flat["timestamp"] = e.Timestamp
	return json.Marshal(flat)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	flat := map[string]interface{}{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	e.Extras = make(map[string]interface{})
	for k, v := range flat {
		switch k {
		case "thread_id":
			e.ThreadID, _ = v.(string)
		case "update_type":
			e.UpdateType, _ = v.(string)
		case "timestamp":
			e.Timestamp, _ = v.(string)
		default:
			e.Extras[k] = v
		}
	}
	return nil
}
