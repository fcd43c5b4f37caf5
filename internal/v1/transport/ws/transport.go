// Package ws is the WebSocket transport. It speaks RFC 6455 directly on
// hijacked sockets: the upgrade handshake, frame parsing and encoding, and
// the per-socket heartbeat are all implemented here so the server can face
// untrusted clients without delegating framing to an upgrader.
package ws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wiremesh/wiremesh/internal/v1/hub"
	"github.com/wiremesh/wiremesh/internal/v1/logging"
	"github.com/wiremesh/wiremesh/internal/v1/types"
)

const (
	// DefaultPort is used when Options.Port is zero.
	DefaultPort = 7070
	// DefaultHost is used when Options.Host is empty.
	DefaultHost = "0.0.0.0"
	// DefaultHeartbeatInterval drives the ping/pong liveness check.
	DefaultHeartbeatInterval = 30 * time.Second
)

// Options configure the transport.
type Options struct {
	Host string
	Port int
	// Path, when set, rejects upgrade requests whose URL does not start
	// with it.
	Path              string
	HeartbeatInterval time.Duration
	// Server, when provided, is an externally owned http.Server: the
	// transport installs itself as its handler and does not listen.
	Server *http.Server
}

// Transport accepts WebSocket clients and registers them with the hub.
type Transport struct {
	opts Options

	mu       sync.Mutex
	hub      *hub.Hub
	server   *http.Server
	external bool
	conns    map[*connection]struct{}
	running  bool
}

// New creates a WebSocket transport with defaults applied.
func New(opts Options) *Transport {
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Transport{
		opts:  opts,
		conns: make(map[*connection]struct{}),
	}
}

// Name implements kernel.Transport.
func (t *Transport) Name() string { return types.TransportWebSocket }

// Addr returns the bound listen address, useful when Port was 0 in tests.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server != nil && t.server.Addr != "" {
		return t.server.Addr
	}
	return fmt.Sprintf("%s:%d", t.opts.Host, t.opts.Port)
}

// Start begins accepting upgrade requests. With an external server the
// transport only installs its handler; otherwise it opens its own listener
// and any bind failure propagates as a fatal error.
func (t *Transport) Start(ctx context.Context, h *hub.Hub) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.hub = h

	if t.opts.Server != nil {
		t.opts.Server.Handler = t
		t.external = true
		t.running = true
		logging.Info(ctx, "WebSocket transport attached to external server")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", t.opts.Host, t.opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("websocket listen on %s: %w", addr, err)
	}

	t.server = &http.Server{Addr: ln.Addr().String(), Handler: t}
	go func() {
		if serveErr := t.server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			logging.Error(context.Background(), "WebSocket server terminated", zap.Error(serveErr))
		}
	}()

	t.running = true
	logging.Info(ctx, "WebSocket transport listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop closes the listener and every live connection. Each connection
// teardown unregisters its client from the hub exactly once.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	server, external := t.server, t.external
	conns := make([]*connection, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	if server != nil && !external {
		_ = server.Close()
	}
	for _, c := range conns {
		c.close("transport stopped")
	}

	logging.Info(ctx, "WebSocket transport stopped", zap.Int("connections", len(conns)))
	return nil
}

// ServeHTTP performs the upgrade handshake. Any violation destroys the
// socket without a response body.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.opts.Path != "" && !strings.HasPrefix(r.URL.Path, t.opts.Path) {
		destroySocket(w)
		return
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		destroySocket(w)
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		destroySocket(w)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		destroySocket(w)
		return
	}
	sock, brw, err := hj.Hijack()
	if err != nil {
		logging.Error(r.Context(), "WebSocket hijack failed", zap.Error(err))
		return
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey(key) + "\r\n\r\n"
	if _, err := sock.Write([]byte(response)); err != nil {
		_ = sock.Close()
		return
	}

	// Bytes the client pipelined behind the handshake are already buffered.
	var leftover []byte
	if n := brw.Reader.Buffered(); n > 0 {
		leftover, _ = brw.Reader.Peek(n)
		leftover = append([]byte(nil), leftover...)
	}

	t.adopt(sock, leftover)
}

// adopt wires an upgraded socket into the hub and starts its loops.
func (t *Transport) adopt(sock net.Conn, leftover []byte) {
	c := newConnection(t, sock, leftover)

	client := &types.ClientContext{
		ID:          uuid.NewString(),
		Transport:   types.TransportWebSocket,
		Metadata:    map[string]any{},
		ConnectedAt: time.Now().UnixMilli(),
		SendFunc:    c.sendMessage,
		CloseFunc: func(reason string) error {
			c.close(reason)
			return nil
		},
	}
	c.clientID = client.ID

	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		c.close("transport stopped")
		return
	}
	t.conns[c] = struct{}{}
	h := t.hub
	t.mu.Unlock()

	if !h.Register(client) {
		c.close("registration rejected")
		return
	}

	go c.readLoop()
	go c.heartbeatLoop()
}

func (t *Transport) drop(c *connection) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

// destroySocket tears the underlying TCP connection down without writing a
// response body.
func destroySocket(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if sock, _, err := hj.Hijack(); err == nil {
			_ = sock.Close()
			return
		}
	}
	// No hijack support (e.g. HTTP/2 test recorders): fall back to an
	// empty-body status.
	w.WriteHeader(http.StatusBadRequest)
}
