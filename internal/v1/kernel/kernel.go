// Package kernel routes typed messages to user-registered handlers. It owns
// the transports, consumes the hub's events, and dispatches each inbound
// message from a single worker to preserve per-client FIFO ordering.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wiremesh/wiremesh/internal/v1/hub"
	"github.com/wiremesh/wiremesh/internal/v1/logging"
	"github.com/wiremesh/wiremesh/internal/v1/metrics"
	"github.com/wiremesh/wiremesh/internal/v1/presence"
	"github.com/wiremesh/wiremesh/internal/v1/rooms"
	"github.com/wiremesh/wiremesh/internal/v1/types"
)

// Handler processes one inbound message. Returning an error (or panicking)
// is isolated by the kernel: the originator gets a system:error and the
// remaining handlers still run.
type Handler func(ctx context.Context, msg *types.Message, tk *Toolkit) error

// Transport is a pluggable connection source. Start registers clients with
// the hub and feeds decoded messages into it; Stop closes every connection,
// which emits one disconnect per registered client.
type Transport interface {
	Name() string
	Start(ctx context.Context, h *hub.Hub) error
	Stop(ctx context.Context) error
}

// Wildcard is the catch-all registration key. Wildcard handlers run after
// the typed handlers for every event.
const Wildcard = "*"

var (
	// ErrReservedType rejects registrations that would shadow kernel replies.
	ErrReservedType = errors.New("cannot register handler for reserved system type")
	// ErrEmptyEventType rejects registrations with no routing key.
	ErrEmptyEventType = errors.New("event type must not be empty")
	// ErrTemplateArity is returned when placeholder and parameter counts differ.
	ErrTemplateArity = errors.New("template placeholder count does not match parameters")
)

var templatePlaceholder = regexp.MustCompile(`\[[^\[\]]+\]`)

type inbound struct {
	msg    *types.Message
	client *types.ClientContext
}

// Kernel is the dispatch engine.
type Kernel struct {
	mu         sync.Mutex
	hub        *hub.Hub
	handlers   map[string][]Handler
	wildcard   []Handler
	transports []Transport
	running    bool

	inbox chan inbound
	quit  chan struct{}
	done  chan struct{}
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithTransport registers a transport at construction time.
func WithTransport(t Transport) Option {
	return func(k *Kernel) { k.transports = append(k.transports, t) }
}

// WithLogLevel initializes the global logger: silent, error, info, or debug.
func WithLogLevel(level string) Option {
	return func(k *Kernel) {
		if err := logging.Initialize(level); err != nil {
			logging.Error(context.Background(), "Invalid log level, keeping previous", zap.Error(err))
		}
	}
}

// New creates a kernel with its own hub.
func New(opts ...Option) *Kernel {
	k := &Kernel{
		hub:      hub.New(),
		handlers: make(map[string][]Handler),
		inbox:    make(chan inbound, 256),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.hub.SetListener(k)
	return k
}

// Hub exposes the kernel's hub; transports and tests use it directly.
func (k *Kernel) Hub() *hub.Hub { return k.hub }

// Presence exposes a read view of connected clients.
func (k *Kernel) Presence() *presence.Store { return k.hub.Presence() }

// Rooms exposes a read view of room membership.
func (k *Kernel) Rooms() *rooms.Manager { return k.hub.Rooms() }

// On registers a handler for an event type, appending to any existing
// handlers. Registering "*" targets the wildcard bucket. The reserved
// system:* types cannot be registered.
func (k *Kernel) On(eventType string, h Handler) error {
	if eventType == "" {
		return ErrEmptyEventType
	}
	switch eventType {
	case types.SystemAck, types.SystemError, types.SystemReply:
		return fmt.Errorf("%w: %s", ErrReservedType, eventType)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if eventType == Wildcard {
		k.wildcard = append(k.wildcard, h)
		return nil
	}
	k.handlers[eventType] = append(k.handlers[eventType], h)
	return nil
}

// OnTemplate registers a handler for an event template with bracketed
// placeholders, e.g. "chat:join:[roomId]" with params ["lobby"]. Placeholders
// are substituted in order; the counts must match.
func (k *Kernel) OnTemplate(template string, params []string, h Handler) error {
	placeholders := templatePlaceholder.FindAllString(template, -1)
	if len(placeholders) != len(params) {
		return fmt.Errorf("%w: %d placeholders, %d params", ErrTemplateArity, len(placeholders), len(params))
	}

	resolved := template
	for _, param := range params {
		resolved = strings.Replace(resolved, templatePlaceholder.FindString(resolved), param, 1)
	}
	return k.On(resolved, h)
}

// UseTransport adds a transport. If the kernel is already running, the
// transport is started immediately.
func (k *Kernel) UseTransport(t Transport) error {
	k.mu.Lock()
	k.transports = append(k.transports, t)
	running := k.running
	k.mu.Unlock()

	if running {
		return t.Start(context.Background(), k.hub)
	}
	return nil
}

// Start starts every transport in parallel and launches the dispatch
// worker. It is idempotent. A transport start failure is fatal: already
// started transports are stopped and the error propagates.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return nil
	}
	k.running = true
	k.quit = make(chan struct{})
	k.done = make(chan struct{})
	transports := append([]Transport(nil), k.transports...)
	k.mu.Unlock()

	go k.dispatchLoop()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range transports {
		g.Go(func() error {
			if err := t.Start(gctx, k.hub); err != nil {
				return fmt.Errorf("start transport %s: %w", t.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = k.Stop(ctx)
		return err
	}

	logging.Info(ctx, "Kernel started", zap.Int("transports", len(transports)))
	return nil
}

// Stop stops every transport in parallel, waits for each to close its
// connections, then stops the dispatch worker. Idempotent.
func (k *Kernel) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	k.running = false
	transports := append([]Transport(nil), k.transports...)
	quit, done := k.quit, k.done
	k.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range transports {
		g.Go(func() error {
			if err := t.Stop(gctx); err != nil {
				return fmt.Errorf("stop transport %s: %w", t.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	close(quit)
	<-done

	logging.Info(ctx, "Kernel stopped")
	return err
}

// Running reports whether Start has completed and Stop has not.
func (k *Kernel) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.running
}

// --- hub.Listener ---

// ClientConnected logs new registrations.
func (k *Kernel) ClientConnected(snap types.Snapshot) {
	logging.Info(context.Background(), "Client connected",
		zap.String("clientId", snap.ID), zap.String("transport", snap.Transport))
}

// ClientDisconnected logs departures.
func (k *Kernel) ClientDisconnected(snap types.Snapshot, reason string) {
	logging.Info(context.Background(), "Client disconnected",
		zap.String("clientId", snap.ID), zap.String("reason", reason))
}

// Message queues an inbound message for dispatch. During shutdown the
// message is dropped rather than blocking the transport's read loop.
func (k *Kernel) Message(msg *types.Message, client *types.ClientContext) {
	k.mu.Lock()
	quit := k.quit
	k.mu.Unlock()

	if quit == nil {
		// Kernel never started; dispatch synchronously (tests drive this).
		k.dispatch(msg, client)
		return
	}
	select {
	case k.inbox <- inbound{msg: msg, client: client}:
	case <-quit:
	}
}

func (k *Kernel) dispatchLoop() {
	defer close(k.done)
	for {
		select {
		case ev := <-k.inbox:
			k.dispatch(ev.msg, ev.client)
		case <-k.quit:
			return
		}
	}
}

// dispatch runs the central algorithm: typed handlers, then wildcards, each
// isolated; the ack goes out strictly after every handler completed.
func (k *Kernel) dispatch(msg *types.Message, client *types.ClientContext) {
	ctx := context.WithValue(context.Background(), logging.ClientIDKey, client.ID)

	k.mu.Lock()
	handlers := append([]Handler(nil), k.handlers[msg.Type]...)
	handlers = append(handlers, k.wildcard...)
	k.mu.Unlock()

	if len(handlers) == 0 {
		logging.Debug(ctx, "No handlers for event", zap.String("eventType", msg.Type))
		metrics.DispatchedMessages.WithLabelValues(msg.Type, "unhandled").Inc()
		k.sendAck(msg, client.ID)
		return
	}

	// Fresh snapshot; absence means the client raced a disconnect.
	if _, ok := k.hub.Presence().Get(client.ID); !ok {
		return
	}

	tk := newToolkit(k, client.ID, msg)

	status := "ok"
	for _, h := range handlers {
		if err := invoke(h, ctx, msg, tk); err != nil {
			status = "error"
			metrics.HandlerErrors.Inc()
			logging.Error(ctx, "Handler failed",
				zap.String("eventType", msg.Type), zap.Error(err))
			k.hub.Send(client.ID, &types.Message{
				Type: types.SystemError,
				Payload: map[string]any{
					"message": "Internal handler error",
					"details": err.Error(),
				},
			})
		}
	}
	metrics.DispatchedMessages.WithLabelValues(msg.Type, status).Inc()

	k.sendAck(msg, client.ID)
}

func (k *Kernel) sendAck(msg *types.Message, clientID string) {
	if msg.Ack == "" {
		return
	}
	k.hub.Send(clientID, &types.Message{
		Type:    types.SystemAck,
		Payload: map[string]any{"ack": msg.Ack},
	})
}

// invoke runs one handler with panic containment.
func invoke(h Handler, ctx context.Context, msg *types.Message, tk *Toolkit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg, tk)
}
