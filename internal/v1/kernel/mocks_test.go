package kernel

import (
	"context"
	"sync"

	"github.com/wiremesh/wiremesh/internal/v1/hub"
	"github.com/wiremesh/wiremesh/internal/v1/types"
)

// mockTransport records starts and stops.
type mockTransport struct {
	mu       sync.Mutex
	name     string
	started  int
	stopped  int
	startErr error
}

func (t *mockTransport) Name() string {
	if t.name == "" {
		return "mock"
	}
	return t.name
}

func (t *mockTransport) Start(_ context.Context, _ *hub.Hub) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startErr != nil {
		return t.startErr
	}
	t.started++
	return nil
}

func (t *mockTransport) Stop(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped++
	return nil
}

func (t *mockTransport) counts() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started, t.stopped
}

// mockClient captures outbound messages sent through the hub.
type mockClient struct {
	mu   sync.Mutex
	sent []*types.Message
}

func (m *mockClient) register(k *Kernel, id string) *types.ClientContext {
	c := &types.ClientContext{
		ID:        id,
		Transport: types.TransportWebSocket,
		Metadata:  map[string]any{},
		SendFunc: func(msg *types.Message) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.sent = append(m.sent, msg)
			return nil
		},
		CloseFunc: func(string) error { return nil },
	}
	k.Hub().Register(c)
	return c
}

func (m *mockClient) messages() []*types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Message(nil), m.sent...)
}

func (m *mockClient) byType(eventType string) []*types.Message {
	var out []*types.Message
	for _, msg := range m.messages() {
		if msg.Type == eventType {
			out = append(out, msg)
		}
	}
	return out
}
