package mesh

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/wiremesh/wiremesh/internal/v1/logging"
	"github.com/wiremesh/wiremesh/internal/v1/types"
)

// maxLineBytes bounds a single envelope line.
const maxLineBytes = 1 << 20

// envelope is the only wire shape on a mesh socket: UTF-8 JSON, one object
// per newline-terminated line.
type envelope struct {
	Kind    string         `json:"kind"`
	NodeID  string         `json:"nodeId,omitempty"`
	Message *types.Message `json:"message,omitempty"`
}

const (
	kindHello   = "hello"
	kindMessage = "message"
)

// peerConn is one TCP connection to a sibling node.
type peerConn struct {
	t      *Transport
	sock   net.Conn
	addr   string // dialed address; empty for inbound
	dialer bool

	mu     sync.Mutex
	nodeID string
	ready  bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (p *peerConn) setReady(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodeID = nodeID
	p.ready = true
}

func (p *peerConn) readyState() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodeID, p.ready
}

func (p *peerConn) remoteID() string {
	id, _ := p.readyState()
	return id
}

// readLoop splits the stream at newlines and handles each envelope. Empty
// lines are ignored; malformed lines are dropped with a log.
func (p *peerConn) readLoop() {
	scanner := bufio.NewScanner(p.sock)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			logging.Error(context.Background(), "Dropping malformed mesh envelope", zap.Error(err))
			continue
		}

		switch env.Kind {
		case kindHello:
			p.t.handleHello(p, env.NodeID)
		case kindMessage:
			if env.Message == nil || env.Message.Type == "" {
				logging.Error(context.Background(), "Dropping mesh message without type")
				continue
			}
			if id, ready := p.readyState(); ready {
				p.t.hub.Receive(env.Message, "mesh:"+id)
			}
		default:
			logging.Error(context.Background(), "Unknown mesh envelope kind", zap.String("kind", env.Kind))
		}
	}

	// A scanner error is a protocol violation (most likely a line past
	// maxLineBytes), not a peer going away; log it and close with a reason
	// that says so.
	if err := scanner.Err(); err != nil {
		logging.Error(context.Background(), "Mesh read failed",
			zap.String("remoteNodeId", p.remoteID()), zap.Error(err))
		p.close("read error")
		return
	}
	p.close("connection closed")
}

func (p *peerConn) sendHello() error {
	return p.writeEnvelope(envelope{Kind: kindHello, NodeID: p.t.opts.NodeID})
}

// sendMessage is the synthetic client's send capability.
func (p *peerConn) sendMessage(msg *types.Message) error {
	return p.writeEnvelope(envelope{Kind: kindMessage, Message: msg})
}

func (p *peerConn) writeEnvelope(env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.sock.Write(data)
	return err
}

// discard drops a duplicate connection without touching the surviving
// peer's registration or scheduling a redial.
func (p *peerConn) discard() {
	p.closeOnce.Do(func() {
		_ = p.sock.Close()
		p.t.mu.Lock()
		delete(p.t.conns, p)
		p.t.mu.Unlock()
	})
}

// close tears the connection down and lets the transport clean up
// registrations and reconnects.
func (p *peerConn) close(reason string) {
	p.closeOnce.Do(func() {
		_ = p.sock.Close()
		p.t.release(p, reason)
	})
}
