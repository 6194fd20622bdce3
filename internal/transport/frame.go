// Package transport implements a channel/topic pub-sub socket client over
// websockets. One physical connection per address multiplexes any number of
// logical channels; each channel is an independent join session identified
// by its topic. The wire unit is a 5-element JSON array
// [joinRef, msgRef, topic, event, payload].
package transport

import (
	"encoding/json"
	"fmt"
)

// Frame is one low-level wire frame. Empty JoinRef/Ref encode as null.
type Frame struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload json.RawMessage
}

// Reserved protocol event names.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"

	// HeartbeatTopic is the control topic heartbeats are pushed on.
	HeartbeatTopic = "phoenix"
)

// MarshalJSON encodes the frame as the 5-element array.
func (f Frame) MarshalJSON() ([]byte, error) {
	payload := f.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	parts := [5]any{nullable(f.JoinRef), nullable(f.Ref), f.Topic, f.Event, payload}
	return json.Marshal(parts)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// UnmarshalJSON decodes the 5-element array form.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("frame: %w", err)
	}
	if len(parts) != 5 {
		return fmt.Errorf("frame: got %d elements, want 5", len(parts))
	}
	if err := unmarshalNullableString(parts[0], &f.JoinRef); err != nil {
		return fmt.Errorf("frame joinRef: %w", err)
	}
	if err := unmarshalNullableString(parts[1], &f.Ref); err != nil {
		return fmt.Errorf("frame msgRef: %w", err)
	}
	if err := json.Unmarshal(parts[2], &f.Topic); err != nil {
		return fmt.Errorf("frame topic: %w", err)
	}
	if err := json.Unmarshal(parts[3], &f.Event); err != nil {
		return fmt.Errorf("frame event: %w", err)
	}
	f.Payload = parts[4]
	return nil
}

func unmarshalNullableString(data json.RawMessage, dst *string) error {
	if string(data) == "null" {
		*dst = ""
		return nil
	}
	return json.Unmarshal(data, dst)
}

// Envelope is the normalized 3-field shape handed to the inbound router
// after the adapter unwraps a frame.
type Envelope struct {
	Event   string
	Topic   string
	Payload json.RawMessage
}

// Reply is the payload of a phx_reply frame.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// OK reports whether the server replied with ok status.
func (r Reply) OK() bool { return r.Status == "ok" }
