// Package hub owns the authoritative client registry and the fan-out paths.
// All registry, room, and presence mutations are serialized behind one
// coarse mutex; transports may read sockets in parallel but hand decoded
// messages through here.
package hub

import (
	"context"
	"time"

	"sync"

	"go.uber.org/zap"

	"github.com/wiremesh/wiremesh/internal/v1/logging"
	"github.com/wiremesh/wiremesh/internal/v1/metrics"
	"github.com/wiremesh/wiremesh/internal/v1/presence"
	"github.com/wiremesh/wiremesh/internal/v1/rooms"
	"github.com/wiremesh/wiremesh/internal/v1/types"
)

// Listener receives the three hub events. The kernel is the only consumer;
// its callbacks must not block for long since they run on the emitting
// goroutine.
type Listener interface {
	ClientConnected(snap types.Snapshot)
	ClientDisconnected(snap types.Snapshot, reason string)
	Message(msg *types.Message, client *types.ClientContext)
}

// BroadcastOptions scope a broadcast. Room limits targets to room members;
// Except removes ids from the target set.
type BroadcastOptions struct {
	Room   string
	Except []string
}

// Hub is the central coordinator: client registry, room manager, presence
// store, and every outbound send path.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*types.ClientContext
	rooms    *rooms.Manager
	presence *presence.Store
	listener Listener
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		clients:  make(map[string]*types.ClientContext),
		rooms:    rooms.NewManager(),
		presence: presence.NewStore(),
	}
}

// SetListener installs the event consumer. Must be called before any
// transport starts feeding the hub.
func (h *Hub) SetListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = l
}

// Register inserts a client into the registry, takes its initial presence
// snapshot, and emits the connected event. Registering an id twice is
// rejected; ids are unique per lifetime.
func (h *Hub) Register(client *types.ClientContext) bool {
	h.mu.Lock()
	if _, exists := h.clients[client.ID]; exists {
		h.mu.Unlock()
		logging.Warn(context.Background(), "Duplicate client registration rejected", zap.String("clientId", client.ID))
		return false
	}
	if client.ConnectedAt == 0 {
		client.ConnectedAt = time.Now().UnixMilli()
	}
	h.clients[client.ID] = client
	snap := client.Snapshot()
	h.presence.Connect(snap)
	l := h.listener
	h.mu.Unlock()

	metrics.RegisteredClients.Inc()
	logging.Debug(context.Background(), "Client registered",
		zap.String("clientId", client.ID), zap.String("transport", client.Transport))

	if l != nil {
		l.ClientConnected(snap)
	}
	return true
}

// Unregister removes a client, leaving all rooms first so the presence
// entry stays consistent until the end, then emits the disconnected event.
// Unknown ids are a no-op, which makes the disconnect path idempotent.
func (h *Hub) Unregister(id, reason string) {
	h.mu.Lock()
	client, ok := h.clients[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	h.rooms.LeaveAll(id)
	client.Rooms = nil
	h.presence.SyncRooms(id, nil)
	snap := client.Snapshot()
	delete(h.clients, id)
	h.presence.Disconnect(id)
	l := h.listener
	h.mu.Unlock()

	metrics.RegisteredClients.Dec()
	metrics.ActiveRooms.Set(float64(h.rooms.Count()))
	logging.Debug(context.Background(), "Client unregistered",
		zap.String("clientId", id), zap.String("reason", reason))

	if l != nil {
		l.ClientDisconnected(snap, reason)
	}
}

// Receive hands an inbound wire message to the listener. Messages from
// unknown clients are dropped silently; the sender may have just
// disconnected.
func (h *Hub) Receive(msg *types.Message, clientID string) {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	l := h.listener
	h.mu.RUnlock()

	if !ok || l == nil {
		return
	}
	l.Message(msg, client)
}

// JoinRoom adds the client to a room and refreshes its rooms view and
// presence entry. Reports whether the client is known.
func (h *Hub) JoinRoom(room, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return false
	}
	h.rooms.Join(room, clientID)
	client.Rooms = h.rooms.RoomsFor(clientID)
	h.presence.SyncRooms(clientID, client.Rooms)
	metrics.ActiveRooms.Set(float64(h.rooms.Count()))
	return true
}

// LeaveRoom removes the client from a room, refreshing the same views.
func (h *Hub) LeaveRoom(room, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return false
	}
	h.rooms.Leave(room, clientID)
	client.Rooms = h.rooms.RoomsFor(clientID)
	h.presence.SyncRooms(clientID, client.Rooms)
	metrics.ActiveRooms.Set(float64(h.rooms.Count()))
	return true
}

// Send stamps a timestamp and forwards the message to the client's
// transport. Reports whether delivery was attempted.
func (h *Hub) Send(id string, msg *types.Message) bool {
	h.mu.RLock()
	client, ok := h.clients[id]
	h.mu.RUnlock()

	if !ok {
		return false
	}

	stamped := msg.Clone()
	stamped.Timestamp = time.Now().UnixMilli()
	if err := client.Send(stamped); err != nil {
		logging.Error(context.Background(), "Send failed",
			zap.String("clientId", id), zap.Error(err))
	}
	return true
}

// Broadcast stamps the message once and dispatches it to every target:
// room members when a room is given, all registered clients otherwise,
// minus the exclusion set. Target order is unspecified.
func (h *Hub) Broadcast(msg *types.Message, opts BroadcastOptions) int {
	excluded := make(map[string]struct{}, len(opts.Except))
	for _, id := range opts.Except {
		excluded[id] = struct{}{}
	}

	h.mu.RLock()
	var targets []*types.ClientContext
	if opts.Room != "" {
		for _, id := range h.rooms.List(opts.Room) {
			if _, skip := excluded[id]; skip {
				continue
			}
			if c, ok := h.clients[id]; ok {
				targets = append(targets, c)
			}
		}
	} else {
		for id, c := range h.clients {
			if _, skip := excluded[id]; skip {
				continue
			}
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	stamped := msg.Clone()
	stamped.Timestamp = time.Now().UnixMilli()

	for _, client := range targets {
		if err := client.Send(stamped); err != nil {
			logging.Error(context.Background(), "Broadcast send failed",
				zap.String("clientId", client.ID), zap.Error(err))
		}
	}
	metrics.BroadcastTargets.Add(float64(len(targets)))
	return len(targets)
}

// UpdateMetadata shallow-merges metadata into the live client record and
// its presence mirror. Unknown ids report false.
func (h *Hub) UpdateMetadata(id string, metadata map[string]any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[id]
	if !ok {
		return false
	}
	if client.Metadata == nil {
		client.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		client.Metadata[k] = v
	}
	return h.presence.Update(id, metadata)
}

// Client returns the live client record for an id.
func (h *Hub) Client(id string) (*types.ClientContext, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// ClientIDs returns the ids of every registered client.
func (h *Hub) ClientIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	return out
}

// Rooms exposes the room manager.
func (h *Hub) Rooms() *rooms.Manager { return h.rooms }

// Presence exposes the presence store.
func (h *Hub) Presence() *presence.Store { return h.presence }

// CloseAll closes every registered client with the given reason. Each close
// is expected to funnel back into Unregister via the owning transport.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	clients := make([]*types.ClientContext, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		_ = c.Close(reason)
	}
}
