// Package rooms maintains the bidirectional mapping between room names and
// client ids. Room names are case-insensitive; the lowercased form is
// canonical. Empty rooms are garbage-collected on leave.
package rooms

import (
	"sort"
	"strings"
	"sync"

	"k8s.io/utils/set"
)

// Manager tracks room membership in both directions.
type Manager struct {
	mu      sync.RWMutex
	rooms   map[string]set.Set[string] // room -> client ids
	clients map[string]set.Set[string] // client id -> rooms
}

// NewManager creates an empty room manager.
func NewManager() *Manager {
	return &Manager{
		rooms:   make(map[string]set.Set[string]),
		clients: make(map[string]set.Set[string]),
	}
}

// Canonical returns the canonical (lowercased) form of a room name.
func Canonical(room string) string {
	return strings.ToLower(room)
}

// Join adds the client to the room. An empty room name is a no-op.
func (m *Manager) Join(room, clientID string) {
	room = Canonical(room)
	if room == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rooms[room] == nil {
		m.rooms[room] = set.New[string]()
	}
	m.rooms[room].Insert(clientID)

	if m.clients[clientID] == nil {
		m.clients[clientID] = set.New[string]()
	}
	m.clients[clientID].Insert(room)
}

// Leave removes the client from the room, dropping empty sets entirely.
func (m *Manager) Leave(room, clientID string) {
	room = Canonical(room)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(room, clientID)
}

func (m *Manager) leaveLocked(room, clientID string) {
	if members, ok := m.rooms[room]; ok {
		members.Delete(clientID)
		if members.Len() == 0 {
			delete(m.rooms, room)
		}
	}
	if joined, ok := m.clients[clientID]; ok {
		joined.Delete(room)
		if joined.Len() == 0 {
			delete(m.clients, clientID)
		}
	}
}

// LeaveAll removes the client from every room it belongs to.
func (m *Manager) LeaveAll(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	joined, ok := m.clients[clientID]
	if !ok {
		return
	}
	for _, room := range joined.UnsortedList() {
		m.leaveLocked(room, clientID)
	}
}

// List returns the client ids in the room, empty if unknown.
func (m *Manager) List(room string) []string {
	room = Canonical(room)

	m.mu.RLock()
	defer m.mu.RUnlock()

	members, ok := m.rooms[room]
	if !ok {
		return nil
	}
	out := members.UnsortedList()
	sort.Strings(out)
	return out
}

// RoomsFor returns the rooms the client is a member of.
func (m *Manager) RoomsFor(clientID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	joined, ok := m.clients[clientID]
	if !ok {
		return nil
	}
	out := joined.UnsortedList()
	sort.Strings(out)
	return out
}

// Count returns the number of non-empty rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}
