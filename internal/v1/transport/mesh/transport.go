// Package mesh federates kernels over a direct TCP peer-to-peer mesh. Each
// remote node is surfaced locally as one synthetic client (id
// "mesh:<nodeId>") registered with the hub; the wire protocol is
// line-delimited JSON envelopes with a hello handshake. Messages relayed to
// a peer are re-emitted there only by whatever handlers that node has
// registered; there is no built-in loop prevention.
package mesh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wiremesh/wiremesh/internal/v1/hub"
	"github.com/wiremesh/wiremesh/internal/v1/logging"
	"github.com/wiremesh/wiremesh/internal/v1/metrics"
	"github.com/wiremesh/wiremesh/internal/v1/types"
)

const (
	// DefaultPort is used when Options.Port is zero.
	DefaultPort = 9090
	// DefaultHost is used when Options.Host is empty.
	DefaultHost = "0.0.0.0"
	// DefaultReconnectInterval paces redials of configured peers.
	DefaultReconnectInterval = 5 * time.Second
)

// Options configure the transport.
type Options struct {
	// NodeID identifies this node on the mesh; a fresh UUID by default.
	NodeID string
	Host   string
	Port   int
	// Peers are host:port addresses dialed at start and redialed forever.
	Peers             []string
	ReconnectInterval time.Duration
}

// Transport maintains at most one live connection per remote node.
type Transport struct {
	opts Options

	mu         sync.Mutex
	hub        *hub.Hub
	listener   net.Listener
	running    bool
	conns      map[*peerConn]struct{}   // every live socket, ready or not
	peers      map[string]*peerConn     // remote nodeID -> ready conn
	bound      map[string]string        // dial addr -> nodeID it resolves to
	dialing    map[string]bool          // dial addr -> dial in flight
	timers     map[string]*time.Timer   // dial addr -> pending reconnect
	configured map[string]bool          // addresses from Options.Peers
	wg         sync.WaitGroup
}

// New creates a mesh transport with defaults applied.
func New(opts Options) *Transport {
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}

	configured := make(map[string]bool, len(opts.Peers))
	for _, addr := range opts.Peers {
		configured[addr] = true
	}

	return &Transport{
		opts:       opts,
		conns:      make(map[*peerConn]struct{}),
		peers:      make(map[string]*peerConn),
		bound:      make(map[string]string),
		dialing:    make(map[string]bool),
		timers:     make(map[string]*time.Timer),
		configured: configured,
	}
}

// Name implements kernel.Transport.
func (t *Transport) Name() string { return types.TransportMesh }

// NodeID returns this node's mesh identity.
func (t *Transport) NodeID() string { return t.opts.NodeID }

// Start opens the TCP listener and dials every configured peer.
func (t *Transport) Start(ctx context.Context, h *hub.Hub) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.hub = h

	addr := fmt.Sprintf("%s:%d", t.opts.Host, t.opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("mesh listen on %s: %w", addr, err)
	}
	t.listener = ln
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln)

	for _, peer := range t.opts.Peers {
		t.dial(peer)
	}

	logging.Info(ctx, "Mesh transport listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("nodeId", t.opts.NodeID),
		zap.Int("peers", len(t.opts.Peers)))
	return nil
}

// Stop closes the listener, cancels reconnects, and closes every socket.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	ln := t.listener
	for addr, timer := range t.timers {
		timer.Stop()
		delete(t.timers, addr)
	}
	conns := make([]*peerConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		c.close("transport stopped")
	}
	t.wg.Wait()

	logging.Info(ctx, "Mesh transport stopped", zap.String("nodeId", t.opts.NodeID))
	return nil
}

// Addr returns the bound listen address.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", t.opts.Host, t.opts.Port)
}

// Broadcast forwards a message to every ready peer.
func (t *Transport) Broadcast(msg *types.Message) int {
	t.mu.Lock()
	targets := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		targets = append(targets, p)
	}
	t.mu.Unlock()

	for _, p := range targets {
		if err := p.sendMessage(msg); err != nil {
			logging.Error(context.Background(), "Mesh broadcast write failed",
				zap.String("nodeId", p.remoteID()), zap.Error(err))
		}
	}
	return len(targets)
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		sock, err := ln.Accept()
		if err != nil {
			return
		}
		t.adopt(sock, "", false)
	}
}

// dial initiates an outbound connection unless one is already pending or a
// ready connection is bound to the address.
func (t *Transport) dial(addr string) {
	t.mu.Lock()
	if !t.running || t.dialing[addr] {
		t.mu.Unlock()
		return
	}
	if _, ok := t.bound[addr]; ok {
		t.mu.Unlock()
		return
	}
	t.dialing[addr] = true
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		sock, err := net.Dial("tcp", addr)

		t.mu.Lock()
		delete(t.dialing, addr)
		running := t.running
		t.mu.Unlock()

		if err != nil {
			if running {
				logging.Debug(context.Background(), "Mesh dial failed",
					zap.String("addr", addr), zap.Error(err))
				t.scheduleReconnect(addr)
			}
			return
		}
		if !running {
			_ = sock.Close()
			return
		}
		t.adopt(sock, addr, true)
	}()
}

// adopt starts the protocol on a fresh socket. Dialers send their hello
// immediately; acceptors answer when the remote hello arrives.
func (t *Transport) adopt(sock net.Conn, addr string, dialer bool) {
	p := &peerConn{t: t, sock: sock, addr: addr, dialer: dialer}

	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		_ = sock.Close()
		return
	}
	t.conns[p] = struct{}{}
	t.mu.Unlock()

	if dialer {
		if err := p.sendHello(); err != nil {
			p.close("hello write failed")
			return
		}
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		p.readLoop()
	}()
}

// handleHello resolves a connection to a remote node, enforcing at most one
// live connection per nodeID.
func (t *Transport) handleHello(p *peerConn, remoteID string) {
	ctx := context.WithValue(context.Background(), logging.NodeIDKey, t.opts.NodeID)

	if remoteID == "" || remoteID == t.opts.NodeID {
		logging.Warn(ctx, "Rejecting hello", zap.String("remoteNodeId", remoteID))
		p.close("invalid hello")
		return
	}

	t.mu.Lock()
	if _, exists := t.peers[remoteID]; exists {
		// Duplicate connection: the established one wins. Remember what the
		// address resolves to so the reconnect loop stays quiet while the
		// surviving connection is up.
		if p.addr != "" {
			t.bound[p.addr] = remoteID
		}
		t.mu.Unlock()
		logging.Debug(ctx, "Closing duplicate mesh connection", zap.String("remoteNodeId", remoteID))
		p.discard()
		return
	}
	p.setReady(remoteID)
	t.peers[remoteID] = p
	if p.addr != "" {
		t.bound[p.addr] = remoteID
	}
	h := t.hub
	t.mu.Unlock()

	// The acceptor answers with its own hello once the connection is the
	// surviving one for this node; a discarded duplicate gets no reply and
	// therefore never turns ready on the other side.
	if !p.dialer {
		if err := p.sendHello(); err != nil {
			p.close("hello write failed")
			return
		}
	}

	client := &types.ClientContext{
		ID:          "mesh:" + remoteID,
		Transport:   types.TransportMesh,
		Metadata:    map[string]any{"nodeId": remoteID},
		ConnectedAt: time.Now().UnixMilli(),
		SendFunc:    p.sendMessage,
		CloseFunc: func(reason string) error {
			p.close(reason)
			return nil
		},
	}
	// The gauge moves with ready state so release always balances it.
	metrics.MeshPeers.Inc()
	if !h.Register(client) {
		p.close("registration rejected")
		return
	}

	logging.Info(ctx, "Mesh peer ready", zap.String("remoteNodeId", remoteID))
}

// release cleans up after a closing connection and schedules reconnects for
// every configured address the connection served.
func (t *Transport) release(p *peerConn, reason string) {
	remoteID, wasReady := p.readyState()

	t.mu.Lock()
	delete(t.conns, p)

	var redial []string
	if wasReady {
		if t.peers[remoteID] == p {
			delete(t.peers, remoteID)
			for addr, nodeID := range t.bound {
				if nodeID == remoteID {
					delete(t.bound, addr)
					redial = append(redial, addr)
				}
			}
		}
	} else if p.dialer {
		redial = append(redial, p.addr)
	}
	t.mu.Unlock()

	if wasReady {
		metrics.MeshPeers.Dec()
		t.hub.Unregister("mesh:"+remoteID, reason)
	}
	for _, addr := range redial {
		t.scheduleReconnect(addr)
	}
}

// scheduleReconnect arms a fixed-interval redial for configured addresses
// only; inbound-only peers are never dialed.
func (t *Transport) scheduleReconnect(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running || !t.configured[addr] {
		return
	}
	if _, pending := t.timers[addr]; pending {
		return
	}
	t.timers[addr] = time.AfterFunc(t.opts.ReconnectInterval, func() {
		t.mu.Lock()
		delete(t.timers, addr)
		t.mu.Unlock()
		metrics.MeshReconnects.Inc()
		t.dial(addr)
	})
}
