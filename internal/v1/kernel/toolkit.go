package kernel

import (
	"context"

	"go.uber.org/zap"

	"github.com/wiremesh/wiremesh/internal/v1/hub"
	"github.com/wiremesh/wiremesh/internal/v1/logging"
	"github.com/wiremesh/wiremesh/internal/v1/types"
)

// Toolkit is the per-invocation capability bundle handed to handlers. It is
// a small value object bound to the originating client id rather than a
// closure over kernel state, so handler signatures stay uniform.
type Toolkit struct {
	kernel   *Kernel
	clientID string
	msg      *types.Message

	Rooms    RoomsAPI
	Presence PresenceAPI
}

func newToolkit(k *Kernel, clientID string, msg *types.Message) *Toolkit {
	tk := &Toolkit{kernel: k, clientID: clientID, msg: msg}
	tk.Rooms = RoomsAPI{tk: tk}
	tk.Presence = PresenceAPI{tk: tk}
	return tk
}

// ClientID returns the originating client id.
func (tk *Toolkit) ClientID() string { return tk.clientID }

// Reply sends a message back to the originating client as-is.
func (tk *Toolkit) Reply(msg *types.Message) bool {
	return tk.kernel.hub.Send(tk.clientID, msg)
}

// ReplyText wraps a plain string into the system:reply envelope and sends
// it to the originating client.
func (tk *Toolkit) ReplyText(text string) bool {
	return tk.Reply(&types.Message{
		Type:    types.SystemReply,
		Payload: map[string]any{"message": text},
	})
}

// Send unicasts a message to the target client through the hub.
func (tk *Toolkit) Send(targetID string, msg *types.Message) bool {
	return tk.kernel.hub.Send(targetID, msg)
}

// Broadcast sends to every registered client, or, when a filter is given,
// to each client whose presence snapshot matches.
func (tk *Toolkit) Broadcast(msg *types.Message, filter func(types.Snapshot) bool) int {
	if filter == nil {
		return tk.kernel.hub.Broadcast(msg, hub.BroadcastOptions{})
	}
	sent := 0
	for _, snap := range tk.kernel.hub.Presence().List() {
		if !filter(snap) {
			continue
		}
		if tk.kernel.hub.Send(snap.ID, msg) {
			sent++
		}
	}
	return sent
}

// Log writes a debug entry scoped to the originating client.
func (tk *Toolkit) Log(msg string, fields ...zap.Field) {
	ctx := context.WithValue(context.Background(), logging.ClientIDKey, tk.clientID)
	logging.Debug(ctx, msg, fields...)
}

// RoomBroadcastOptions scope a room broadcast from a handler.
type RoomBroadcastOptions struct {
	ExceptSelf bool
	Except     []string
}

// RoomsAPI exposes room operations bound to the originating client.
type RoomsAPI struct {
	tk *Toolkit
}

// Join adds the originating client to the room.
func (r RoomsAPI) Join(room string) bool {
	return r.tk.kernel.hub.JoinRoom(room, r.tk.clientID)
}

// Leave removes the originating client from the room.
func (r RoomsAPI) Leave(room string) bool {
	return r.tk.kernel.hub.LeaveRoom(room, r.tk.clientID)
}

// List returns the member ids of a room.
func (r RoomsAPI) List(room string) []string {
	return r.tk.kernel.hub.Rooms().List(room)
}

// Broadcast sends to a room, defaulting to the triggering message's room.
// When no room resolves, the call is a silent no-op. ExceptSelf adds the
// originator to the exclusion set.
func (r RoomsAPI) Broadcast(msg *types.Message, room string, opts RoomBroadcastOptions) int {
	if room == "" {
		room = r.tk.msg.Room
	}
	if room == "" {
		return 0
	}
	except := append([]string(nil), opts.Except...)
	if opts.ExceptSelf {
		except = append(except, r.tk.clientID)
	}
	return r.tk.kernel.hub.Broadcast(msg, hub.BroadcastOptions{Room: room, Except: except})
}

// PresenceAPI exposes presence operations bound to the originating client.
type PresenceAPI struct {
	tk *Toolkit
}

// List returns every presence snapshot.
func (p PresenceAPI) List() []types.Snapshot {
	return p.tk.kernel.hub.Presence().List()
}

// Get returns a single presence snapshot.
func (p PresenceAPI) Get(id string) (types.Snapshot, bool) {
	return p.tk.kernel.hub.Presence().Get(id)
}

// Update shallow-merges metadata into the originating client's record and
// its presence mirror.
func (p PresenceAPI) Update(metadata map[string]any) bool {
	return p.tk.kernel.hub.UpdateMetadata(p.tk.clientID, metadata)
}
