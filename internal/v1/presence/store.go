// Package presence keeps a process-local directory of connected clients:
// identity, metadata, and current rooms. The store mirrors the hub registry
// and is refreshed on connect, disconnect, metadata update, and room change.
package presence

import (
	"sort"
	"sync"

	"github.com/wiremesh/wiremesh/internal/v1/types"
)

// Store maps client ids to their presence snapshots.
type Store struct {
	mu      sync.RWMutex
	entries map[string]types.Snapshot
}

// NewStore creates an empty presence store.
func NewStore() *Store {
	return &Store{entries: make(map[string]types.Snapshot)}
}

// Connect records the snapshot of a newly connected client.
func (s *Store) Connect(snap types.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[snap.ID] = snap.Clone()
}

// Disconnect deletes the client's entry.
func (s *Store) Disconnect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Get returns a copy of the client's snapshot.
func (s *Store) Get(id string) (types.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.entries[id]
	if !ok {
		return types.Snapshot{}, false
	}
	return snap.Clone(), true
}

// List returns copies of every snapshot, ordered by client id.
func (s *Store) List() []types.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Snapshot, 0, len(s.entries))
	for _, snap := range s.entries {
		out = append(out, snap.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update shallow-merges metadata into the client's snapshot. Unknown clients
// are not recreated; the call reports whether an entry was updated.
func (s *Store) Update(id string, metadata map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.entries[id]
	if !ok {
		return false
	}
	if snap.Metadata == nil {
		snap.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		snap.Metadata[k] = v
	}
	s.entries[id] = snap
	return true
}

// SyncRooms replaces the client's rooms list.
func (s *Store) SyncRooms(id string, roomList []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.entries[id]
	if !ok {
		return
	}
	snap.Rooms = append([]string(nil), roomList...)
	s.entries[id] = snap
}

// Count returns the number of tracked clients.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
