package hub

import (
	"sync"

	"github.com/wiremesh/wiremesh/internal/v1/types"
)

// mockClient records every message sent to it.
type mockClient struct {
	mu     sync.Mutex
	sent   []*types.Message
	closed []string
}

func (m *mockClient) context(id, transport string) *types.ClientContext {
	return &types.ClientContext{
		ID:        id,
		Transport: transport,
		Metadata:  map[string]any{},
		SendFunc: func(msg *types.Message) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.sent = append(m.sent, msg)
			return nil
		},
		CloseFunc: func(reason string) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.closed = append(m.closed, reason)
			return nil
		},
	}
}

func (m *mockClient) messages() []*types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Message(nil), m.sent...)
}

// recordingListener captures emitted hub events.
type recordingListener struct {
	mu            sync.Mutex
	connected     []types.Snapshot
	disconnected  []types.Snapshot
	disconnectRsn []string
	received      []*types.Message
	receivedFrom  []string
}

func (l *recordingListener) ClientConnected(snap types.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = append(l.connected, snap)
}

func (l *recordingListener) ClientDisconnected(snap types.Snapshot, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, snap)
	l.disconnectRsn = append(l.disconnectRsn, reason)
}

func (l *recordingListener) Message(msg *types.Message, client *types.ClientContext) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received = append(l.received, msg)
	l.receivedFrom = append(l.receivedFrom, client.ID)
}
