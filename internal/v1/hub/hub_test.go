package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiremesh/wiremesh/internal/v1/types"
)

func TestRegister_EmitsConnectedAndSnapshots(t *testing.T) {
	h := New()
	l := &recordingListener{}
	h.SetListener(l)

	mc := &mockClient{}
	ok := h.Register(mc.context("c1", types.TransportWebSocket))
	require.True(t, ok)

	require.Len(t, l.connected, 1)
	assert.Equal(t, "c1", l.connected[0].ID)

	snap, found := h.Presence().Get("c1")
	require.True(t, found)
	assert.Equal(t, types.TransportWebSocket, snap.Transport)
	assert.NotZero(t, snap.ConnectedAt)
}

func TestRegister_DuplicateRejected(t *testing.T) {
	h := New()
	l := &recordingListener{}
	h.SetListener(l)

	mc := &mockClient{}
	require.True(t, h.Register(mc.context("c1", types.TransportWebSocket)))
	assert.False(t, h.Register(mc.context("c1", types.TransportWebSocket)))
	assert.Len(t, l.connected, 1)
}

func TestUnregister_LeavesRoomsBeforePresenceDelete(t *testing.T) {
	h := New()
	l := &recordingListener{}
	h.SetListener(l)

	mc := &mockClient{}
	h.Register(mc.context("c1", types.TransportWebSocket))
	h.JoinRoom("lobby", "c1")

	h.Unregister("c1", "test")

	assert.Empty(t, h.Rooms().List("lobby"))
	_, found := h.Presence().Get("c1")
	assert.False(t, found)

	require.Len(t, l.disconnected, 1)
	assert.Equal(t, "test", l.disconnectRsn[0])
}

func TestUnregister_UnknownIsNoop(t *testing.T) {
	h := New()
	l := &recordingListener{}
	h.SetListener(l)

	h.Unregister("ghost", "test")
	assert.Empty(t, l.disconnected)
}

func TestUnregister_ExactlyOneDisconnectEvent(t *testing.T) {
	h := New()
	l := &recordingListener{}
	h.SetListener(l)

	mc := &mockClient{}
	h.Register(mc.context("c1", types.TransportWebSocket))
	h.Unregister("c1", "first")
	h.Unregister("c1", "second")

	assert.Len(t, l.disconnected, 1)
}

func TestReceive_KnownClient(t *testing.T) {
	h := New()
	l := &recordingListener{}
	h.SetListener(l)

	mc := &mockClient{}
	h.Register(mc.context("c1", types.TransportWebSocket))
	h.Receive(&types.Message{Type: "chat:message"}, "c1")

	require.Len(t, l.received, 1)
	assert.Equal(t, "c1", l.receivedFrom[0])
}

func TestReceive_UnknownClientDroppedSilently(t *testing.T) {
	h := New()
	l := &recordingListener{}
	h.SetListener(l)

	h.Receive(&types.Message{Type: "chat:message"}, "ghost")
	assert.Empty(t, l.received)
}

func TestJoinRoom_SyncsClientAndPresence(t *testing.T) {
	h := New()
	mc := &mockClient{}
	client := mc.context("c1", types.TransportWebSocket)
	h.Register(client)

	require.True(t, h.JoinRoom("Lobby", "c1"))

	assert.Equal(t, []string{"lobby"}, client.Rooms)
	snap, _ := h.Presence().Get("c1")
	assert.Equal(t, []string{"lobby"}, snap.Rooms)
	assert.Equal(t, h.Rooms().RoomsFor("c1"), snap.Rooms)
}

func TestLeaveRoom_SyncsClientAndPresence(t *testing.T) {
	h := New()
	mc := &mockClient{}
	client := mc.context("c1", types.TransportWebSocket)
	h.Register(client)
	h.JoinRoom("lobby", "c1")

	require.True(t, h.LeaveRoom("lobby", "c1"))

	assert.Empty(t, client.Rooms)
	snap, _ := h.Presence().Get("c1")
	assert.Empty(t, snap.Rooms)
}

func TestJoinRoom_UnknownClient(t *testing.T) {
	h := New()
	assert.False(t, h.JoinRoom("lobby", "ghost"))
}

func TestSend_StampsTimestamp(t *testing.T) {
	h := New()
	mc := &mockClient{}
	h.Register(mc.context("c1", types.TransportWebSocket))

	attempted := h.Send("c1", &types.Message{Type: "system:reply"})
	require.True(t, attempted)

	msgs := mc.messages()
	require.Len(t, msgs, 1)
	assert.Positive(t, msgs[0].Timestamp)
}

func TestSend_UnknownClient(t *testing.T) {
	h := New()
	assert.False(t, h.Send("ghost", &types.Message{Type: "t"}))
}

func TestSend_DoesNotMutateOriginal(t *testing.T) {
	h := New()
	mc := &mockClient{}
	h.Register(mc.context("c1", types.TransportWebSocket))

	original := &types.Message{Type: "t"}
	h.Send("c1", original)
	assert.Zero(t, original.Timestamp)
}

func TestBroadcast_AllClientsExcept(t *testing.T) {
	h := New()
	a, b, c := &mockClient{}, &mockClient{}, &mockClient{}
	h.Register(a.context("a", types.TransportWebSocket))
	h.Register(b.context("b", types.TransportWebSocket))
	h.Register(c.context("c", types.TransportMesh))

	n := h.Broadcast(&types.Message{Type: "t"}, BroadcastOptions{Except: []string{"b"}})

	assert.Equal(t, 2, n)
	assert.Len(t, a.messages(), 1)
	assert.Empty(t, b.messages())
	assert.Len(t, c.messages(), 1)
}

func TestBroadcast_RoomScoped(t *testing.T) {
	h := New()
	a, b := &mockClient{}, &mockClient{}
	h.Register(a.context("a", types.TransportWebSocket))
	h.Register(b.context("b", types.TransportWebSocket))
	h.JoinRoom("lobby", "a")

	n := h.Broadcast(&types.Message{Type: "t"}, BroadcastOptions{Room: "lobby"})

	assert.Equal(t, 1, n)
	assert.Len(t, a.messages(), 1)
	assert.Empty(t, b.messages())
}

func TestBroadcast_StampsOnce(t *testing.T) {
	h := New()
	a, b := &mockClient{}, &mockClient{}
	h.Register(a.context("a", types.TransportWebSocket))
	h.Register(b.context("b", types.TransportWebSocket))

	h.Broadcast(&types.Message{Type: "t"}, BroadcastOptions{})

	am, bm := a.messages(), b.messages()
	require.Len(t, am, 1)
	require.Len(t, bm, 1)
	assert.Equal(t, am[0].Timestamp, bm[0].Timestamp)
	assert.Positive(t, am[0].Timestamp)
}

func TestCloseAll(t *testing.T) {
	h := New()
	a, b := &mockClient{}, &mockClient{}
	h.Register(a.context("a", types.TransportWebSocket))
	h.Register(b.context("b", types.TransportMesh))

	h.CloseAll("shutdown")

	assert.Equal(t, []string{"shutdown"}, a.closed)
	assert.Equal(t, []string{"shutdown"}, b.closed)
}
