package signaling

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiremesh/wiremesh/internal/v1/kernel"
	"github.com/wiremesh/wiremesh/internal/v1/logging"
	"github.com/wiremesh/wiremesh/internal/v1/types"
)

func init() {
	_ = logging.Initialize(logging.LevelSilent)
}

// mockClient captures outbound messages sent through the hub.
type mockClient struct {
	mu   sync.Mutex
	ctx  *types.ClientContext
	sent []*types.Message
}

func registerClient(k *kernel.Kernel, id string) *mockClient {
	m := &mockClient{}
	m.ctx = &types.ClientContext{
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
	k.Hub().Register(m.ctx)
	return m
}

func (m *mockClient) byType(eventType string) []*types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Message
	for _, msg := range m.sent {
		if msg.Type == eventType {
			out = append(out, msg)
		}
	}
	return out
}

func newBridgeKernel(t *testing.T, opts Options) *kernel.Kernel {
	t.Helper()
	k := kernel.New()
	require.NoError(t, New(opts).Attach(k))
	return k
}

func TestOffer_UnicastToTarget(t *testing.T) {
	k := newBridgeKernel(t, Options{})
	alice := registerClient(k, "alice")
	bob := registerClient(k, "bob")
	carol := registerClient(k, "carol")

	k.Message(&types.Message{
		Type: "webrtc:offer",
		Payload: map[string]any{
			"target":      "bob",
			"description": map[string]any{"type": "offer", "sdp": "v=0"},
			"metadata":    map[string]any{"camera": "front"},
		},
	}, alice.ctx)

	forwarded := bob.byType("webrtc:offer")
	require.Len(t, forwarded, 1)
	payload := forwarded[0].PayloadMap()
	assert.Equal(t, "alice", payload["from"])
	assert.Equal(t, "bob", payload["target"])
	assert.Equal(t, map[string]any{"type": "offer", "sdp": "v=0"}, payload["description"])
	assert.Equal(t, map[string]any{"camera": "front"}, payload["metadata"])

	// Unicast means unicast.
	assert.Empty(t, carol.byType("webrtc:offer"))
	assert.Empty(t, alice.byType("webrtc:offer"))
}

func TestOffer_DescriptionAlias(t *testing.T) {
	k := newBridgeKernel(t, Options{})
	alice := registerClient(k, "alice")
	bob := registerClient(k, "bob")

	k.Message(&types.Message{
		Type: "webrtc:offer",
		Payload: map[string]any{
			"target": "bob",
			"offer":  map[string]any{"sdp": "v=0"},
		},
	}, alice.ctx)

	forwarded := bob.byType("webrtc:offer")
	require.Len(t, forwarded, 1)
	assert.Equal(t, map[string]any{"sdp": "v=0"}, forwarded[0].PayloadMap()["description"])
	assert.Empty(t, alice.byType("webrtc:error"))
}

func TestOffer_RoomBroadcastExcludesSender(t *testing.T) {
	k := newBridgeKernel(t, Options{})
	alice := registerClient(k, "alice")
	bob := registerClient(k, "bob")
	carol := registerClient(k, "carol")
	outsider := registerClient(k, "dave")

	for _, id := range []string{"alice", "bob", "carol"} {
		require.True(t, k.Hub().JoinRoom("call", id))
	}

	k.Message(&types.Message{
		Type: "webrtc:offer",
		Payload: map[string]any{
			"room":        "call",
			"description": map[string]any{"sdp": "v=0"},
		},
	}, alice.ctx)

	require.Len(t, bob.byType("webrtc:offer"), 1)
	require.Len(t, carol.byType("webrtc:offer"), 1)
	assert.Empty(t, alice.byType("webrtc:offer"), "sender is excluded from the room broadcast")
	assert.Empty(t, outsider.byType("webrtc:offer"))

	payload := bob.byType("webrtc:offer")[0].PayloadMap()
	assert.Equal(t, "alice", payload["from"])
	assert.Equal(t, "call", payload["room"])
}

func TestOffer_RoomFromEnvelope(t *testing.T) {
	k := newBridgeKernel(t, Options{})
	alice := registerClient(k, "alice")
	bob := registerClient(k, "bob")
	require.True(t, k.Hub().JoinRoom("call", "alice"))
	require.True(t, k.Hub().JoinRoom("call", "bob"))

	k.Message(&types.Message{
		Type:    "webrtc:offer",
		Room:    "call",
		Payload: map[string]any{"description": map[string]any{"sdp": "v=0"}},
	}, alice.ctx)

	require.Len(t, bob.byType("webrtc:offer"), 1)
}

func TestValidation_ReasonCodes(t *testing.T) {
	tests := []struct {
		name    string
		msgType string
		payload map[string]any
		reason  string
	}{
		{"offer without description", "webrtc:offer", map[string]any{"target": "bob"}, ReasonInvalidOffer},
		{"answer without description", "webrtc:answer", map[string]any{"target": "bob"}, ReasonInvalidAnswer},
		{"candidate without candidate", "webrtc:candidate", map[string]any{"target": "bob"}, ReasonInvalidCandidate},
		{"offer without target or room", "webrtc:offer", map[string]any{"description": map[string]any{"sdp": "v=0"}}, ReasonTargetOrRoomRequired},
		{"bye without target or room", "webrtc:bye", map[string]any{}, ReasonTargetOrRoomRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newBridgeKernel(t, Options{})
			alice := registerClient(k, "alice")
			bob := registerClient(k, "bob")

			k.Message(&types.Message{Type: tt.msgType, Payload: tt.payload}, alice.ctx)

			errs := alice.byType("webrtc:error")
			require.Len(t, errs, 1)
			assert.Equal(t, tt.reason, errs[0].PayloadMap()["reason"])
			assert.Empty(t, bob.byType(tt.msgType), "invalid signals are never forwarded")
		})
	}
}

func TestValidation_ErrorStillAcked(t *testing.T) {
	k := newBridgeKernel(t, Options{})
	alice := registerClient(k, "alice")

	k.Message(&types.Message{Type: "webrtc:offer", Payload: map[string]any{}, Ack: "a1"}, alice.ctx)

	require.Len(t, alice.byType("webrtc:error"), 1)
	acks := alice.byType(types.SystemAck)
	require.Len(t, acks, 1)
	assert.Equal(t, "a1", acks[0].PayloadMap()["ack"])
}

func TestAnswerAndCandidate_Forwarded(t *testing.T) {
	k := newBridgeKernel(t, Options{})
	alice := registerClient(k, "alice")
	bob := registerClient(k, "bob")

	k.Message(&types.Message{
		Type:    "webrtc:answer",
		Payload: map[string]any{"target": "bob", "description": map[string]any{"type": "answer"}},
	}, alice.ctx)
	k.Message(&types.Message{
		Type:    "webrtc:candidate",
		Payload: map[string]any{"target": "bob", "candidate": map[string]any{"candidate": "candidate:1"}},
	}, alice.ctx)

	require.Len(t, bob.byType("webrtc:answer"), 1)
	candidates := bob.byType("webrtc:candidate")
	require.Len(t, candidates, 1)
	assert.Equal(t, map[string]any{"candidate": "candidate:1"}, candidates[0].PayloadMap()["candidate"])
}

func TestBye_NoRequiredField(t *testing.T) {
	k := newBridgeKernel(t, Options{})
	alice := registerClient(k, "alice")
	bob := registerClient(k, "bob")

	k.Message(&types.Message{Type: "webrtc:bye", Payload: map[string]any{"target": "bob"}}, alice.ctx)

	byes := bob.byType("webrtc:bye")
	require.Len(t, byes, 1)
	payload := byes[0].PayloadMap()
	assert.Equal(t, "alice", payload["from"])
	assert.NotContains(t, payload, "description")
	assert.Empty(t, alice.byType("webrtc:error"))
}

func TestAutoJoinRooms(t *testing.T) {
	k := newBridgeKernel(t, Options{AutoJoinRooms: true})
	alice := registerClient(k, "alice")
	bob := registerClient(k, "bob")
	require.True(t, k.Hub().JoinRoom("call", "bob"))

	k.Message(&types.Message{
		Type:    "webrtc:offer",
		Payload: map[string]any{"room": "call", "description": map[string]any{"sdp": "v=0"}},
	}, alice.ctx)

	assert.Contains(t, k.Rooms().List("call"), "alice", "offer joins the sender before forwarding")
	require.Len(t, bob.byType("webrtc:offer"), 1)

	// Without the flag, the sender broadcasts into the room from outside.
	k2 := newBridgeKernel(t, Options{})
	alice2 := registerClient(k2, "alice")
	registerClient(k2, "bob")
	require.True(t, k2.Hub().JoinRoom("call", "bob"))

	k2.Message(&types.Message{
		Type:    "webrtc:offer",
		Payload: map[string]any{"room": "call", "description": map[string]any{"sdp": "v=0"}},
	}, alice2.ctx)

	assert.NotContains(t, k2.Rooms().List("call"), "alice")
}

func TestCustomNamespace(t *testing.T) {
	k := kernel.New()
	b := New(Options{Namespace: "rtc"})
	require.NoError(t, b.Attach(k))
	assert.Equal(t, "rtc", b.Namespace())

	alice := registerClient(k, "alice")
	bob := registerClient(k, "bob")

	k.Message(&types.Message{
		Type:    "rtc:offer",
		Payload: map[string]any{"target": "bob", "description": map[string]any{"sdp": "v=0"}},
	}, alice.ctx)
	require.Len(t, bob.byType("rtc:offer"), 1)

	// Validation errors carry the namespace too.
	k.Message(&types.Message{Type: "rtc:offer", Payload: map[string]any{"target": "bob"}}, alice.ctx)
	require.Len(t, alice.byType("rtc:error"), 1)

	// The default namespace is untouched.
	k.Message(&types.Message{Type: "webrtc:offer", Payload: map[string]any{"target": "bob"}}, alice.ctx)
	assert.Empty(t, alice.byType("webrtc:error"))
}

func TestTargetNotConnected_NoError(t *testing.T) {
	k := newBridgeKernel(t, Options{})
	alice := registerClient(k, "alice")

	k.Message(&types.Message{
		Type:    "webrtc:offer",
		Payload: map[string]any{"target": "ghost", "description": map[string]any{"sdp": "v=0"}},
		Ack:     "a1",
	}, alice.ctx)

	// Sending to a departed peer is not a protocol error; the ack still
	// arrives and no webrtc:error is produced.
	assert.Empty(t, alice.byType("webrtc:error"))
	require.Len(t, alice.byType(types.SystemAck), 1)
}
