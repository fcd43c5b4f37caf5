package types

import (
	"errors"
)

// ErrNoSendCapability is returned when a client record has no send function.
var ErrNoSendCapability = errors.New("client has no send capability")

// ClientContext is the record every transport registers with the hub for
// each connected endpoint, whether a user websocket or a synthetic mesh
// peer. The hub owns Rooms and keeps it in sync with the room manager; the
// transport owns the two capability functions.
type ClientContext struct {
	ID          string
	Transport   string
	Metadata    map[string]any
	ConnectedAt int64
	Rooms       []string

	SendFunc  func(*Message) error
	CloseFunc func(reason string) error
}

// Send forwards a message through the owning transport.
func (c *ClientContext) Send(msg *Message) error {
	if c.SendFunc == nil {
		return ErrNoSendCapability
	}
	return c.SendFunc(msg)
}

// Close asks the owning transport to tear the connection down.
func (c *ClientContext) Close(reason string) error {
	if c.CloseFunc == nil {
		return nil
	}
	return c.CloseFunc(reason)
}

// Snapshot captures the client state for the presence store. All fields are
// copies; mutating a snapshot never touches the live client.
type Snapshot struct {
	ID          string         `json:"id"`
	Transport   string         `json:"transport"`
	Metadata    map[string]any `json:"metadata"`
	ConnectedAt int64          `json:"connectedAt"`
	Rooms       []string       `json:"rooms"`
}

// Snapshot returns a deep copy of the client's observable state.
func (c *ClientContext) Snapshot() Snapshot {
	return Snapshot{
		ID:          c.ID,
		Transport:   c.Transport,
		Metadata:    CloneMetadata(c.Metadata),
		ConnectedAt: c.ConnectedAt,
		Rooms:       append([]string(nil), c.Rooms...),
	}
}

// Clone deep-copies a presence snapshot.
func (s Snapshot) Clone() Snapshot {
	cp := s
	cp.Metadata = CloneMetadata(s.Metadata)
	cp.Rooms = append([]string(nil), s.Rooms...)
	return cp
}

// CloneMetadata shallow-copies a metadata map, never returning nil.
func CloneMetadata(md map[string]any) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
