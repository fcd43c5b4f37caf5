package ws

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wiremesh/wiremesh/internal/v1/logging"
	"github.com/wiremesh/wiremesh/internal/v1/metrics"
	"github.com/wiremesh/wiremesh/internal/v1/types"
)

const readChunkSize = 4096

// connection owns one upgraded socket: its read buffer, its heartbeat, and
// the serialized write path. Teardown runs exactly once no matter which
// path triggers it.
type connection struct {
	t        *Transport
	sock     net.Conn
	clientID string

	buf   []byte
	alive atomic.Bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	stop      chan struct{}
}

func newConnection(t *Transport, sock net.Conn, leftover []byte) *connection {
	c := &connection{
		t:    t,
		sock: sock,
		buf:  append([]byte(nil), leftover...),
		stop: make(chan struct{}),
	}
	c.alive.Store(true)
	metrics.ActiveWebSocketConnections.Inc()
	return c
}

// readLoop accumulates bytes and drains complete frames from the buffer.
func (c *connection) readLoop() {
	chunk := make([]byte, readChunkSize)
	for {
		// Drain every complete frame already buffered.
		for {
			f, consumed, ok, err := decodeFrame(c.buf)
			if err != nil {
				logging.Error(context.WithValue(context.Background(), logging.ClientIDKey, c.clientID),
					"Closing connection on invalid frame", zap.Error(err))
				c.close("invalid frame")
				return
			}
			if !ok {
				break
			}
			c.buf = c.buf[consumed:]
			if done := c.handleFrame(f); done {
				return
			}
		}

		n, err := c.sock.Read(chunk)
		if err != nil {
			c.close("read error")
			return
		}
		c.alive.Store(true)
		c.buf = append(c.buf, chunk[:n]...)
	}
}

// handleFrame dispatches one frame; true means the connection is finished.
func (c *connection) handleFrame(f frame) bool {
	ctx := context.WithValue(context.Background(), logging.ClientIDKey, c.clientID)

	switch f.opcode {
	case opcodeText:
		metrics.WebSocketFrames.WithLabelValues("text").Inc()
		msg, err := types.DecodeMessage(f.payload)
		if err != nil {
			// Protocol violation: drop the message, keep the connection.
			logging.Error(ctx, "Dropping malformed inbound payload", zap.Error(err))
			return false
		}
		c.t.hub.Receive(msg, c.clientID)
	case opcodeClose:
		metrics.WebSocketFrames.WithLabelValues("close").Inc()
		c.close("client close")
		return true
	case opcodePing:
		metrics.WebSocketFrames.WithLabelValues("ping").Inc()
		c.write(encodeFrame(opcodePong, f.payload))
	case opcodePong:
		metrics.WebSocketFrames.WithLabelValues("pong").Inc()
		c.alive.Store(true)
	default:
		metrics.WebSocketFrames.WithLabelValues("other").Inc()
	}
	return false
}

// heartbeatLoop closes the connection when nothing arrived within an
// interval, otherwise clears the alive flag and pings.
func (c *connection) heartbeatLoop() {
	ticker := time.NewTicker(c.t.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.alive.Load() {
				c.close("heartbeat timeout")
				return
			}
			c.alive.Store(false)
			c.write(encodeFrame(opcodePing, nil))
		case <-c.stop:
			return
		}
	}
}

// sendMessage is the client's send capability: encode and frame as text.
func (c *connection) sendMessage(msg *types.Message) error {
	data, err := types.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.write(encodeFrame(opcodeText, data))
	return nil
}

func (c *connection) write(framed []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.sock.Write(framed); err != nil {
		logging.Debug(context.Background(), "WebSocket write failed",
			zap.String("client_id", c.clientID), zap.Error(err))
	}
}

// close releases the socket, the heartbeat, and the hub registration on any
// exit path.
func (c *connection) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.stop)
		_ = c.sock.Close()
		c.t.drop(c)
		c.t.hub.Unregister(c.clientID, reason)
		metrics.ActiveWebSocketConnections.Dec()
	})
}
