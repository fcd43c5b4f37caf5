package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved event types emitted by the kernel itself. User handlers may not
// register these.
const (
	SystemAck   = "system:ack"
	SystemError = "system:error"
	SystemReply = "system:reply"
)

// Transport tags stamped onto clients by the transport that owns them.
const (
	TransportWebSocket = "websocket"
	TransportMesh      = "mesh"
)

// ErrEmptyType is returned when a decoded message has no routing key.
var ErrEmptyType = errors.New("message type must not be empty")

// TargetList is the envelope-level target field. The wire form is either a
// single client id string or an array of ids. No core path consumes it; it
// is carried through decode/encode untouched.
type TargetList []string

// UnmarshalJSON accepts a JSON string or array of strings.
func (t *TargetList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = TargetList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("target must be a string or array of strings: %w", err)
	}
	*t = TargetList(many)
	return nil
}

// MarshalJSON emits a bare string for a single target, an array otherwise.
func (t TargetList) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// Message is the wire-level envelope routed by the kernel. Type is the
// routing key; Timestamp is stamped by the hub on every outbound send,
// in milliseconds since epoch.
type Message struct {
	Type      string     `json:"type"`
	Payload   any        `json:"payload,omitempty"`
	Target    TargetList `json:"target,omitempty"`
	Room      string     `json:"room,omitempty"`
	Ack       string     `json:"ack,omitempty"`
	Timestamp int64      `json:"timestamp,omitempty"`
}

// Clone returns a shallow copy of the message. Payload is shared; callers
// that mutate payloads own the consequences.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Target != nil {
		cp.Target = append(TargetList(nil), m.Target...)
	}
	return &cp
}

// DecodeMessage parses a wire payload into a Message. It fails on invalid
// JSON and on a missing or empty type field.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return nil, ErrEmptyType
	}
	return &msg, nil
}

// EncodeMessage serializes a Message for the wire.
func EncodeMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// PayloadMap coerces the message payload into a string-keyed map. Returns
// nil when the payload is absent or not an object.
func (m *Message) PayloadMap() map[string]any {
	if m == nil || m.Payload == nil {
		return nil
	}
	if pm, ok := m.Payload.(map[string]any); ok {
		return pm
	}
	return nil
}
