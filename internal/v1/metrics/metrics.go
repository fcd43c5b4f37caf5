package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the messaging kernel.
//
// Naming convention: namespace_subsystem_name
// - namespace: wiremesh
// - subsystem: hub, kernel, websocket, mesh
//
// Gauges track current state (connections, rooms, peers); counters track
// cumulative events (dispatches, errors, broadcasts).

var (
	// RegisteredClients tracks the number of clients in the hub registry.
	RegisteredClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wiremesh",
		Subsystem: "hub",
		Name:      "clients_registered",
		Help:      "Current number of clients registered with the hub",
	})

	// ActiveRooms tracks the number of non-empty rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wiremesh",
		Subsystem: "hub",
		Name:      "rooms_active",
		Help:      "Current number of non-empty rooms",
	})

	// BroadcastTargets counts clients addressed by broadcast fan-out.
	BroadcastTargets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wiremesh",
		Subsystem: "hub",
		Name:      "broadcast_targets_total",
		Help:      "Total clients addressed by broadcast fan-out",
	})

	// DispatchedMessages counts kernel dispatches by event type and status.
	DispatchedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wiremesh",
		Subsystem: "kernel",
		Name:      "messages_dispatched_total",
		Help:      "Total messages dispatched by the kernel",
	}, []string{"event_type", "status"})

	// HandlerErrors counts isolated handler failures.
	HandlerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wiremesh",
		Subsystem: "kernel",
		Name:      "handler_errors_total",
		Help:      "Total handler failures isolated by the kernel",
	})

	// ActiveWebSocketConnections tracks live websocket sockets.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wiremesh",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// WebSocketFrames counts inbound frames by opcode label.
	WebSocketFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wiremesh",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total WebSocket frames received",
	}, []string{"opcode"})

	// MeshPeers tracks ready peer connections.
	MeshPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wiremesh",
		Subsystem: "mesh",
		Name:      "peers_ready",
		Help:      "Current number of ready mesh peers",
	})

	// MeshReconnects counts scheduled reconnect attempts.
	MeshReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wiremesh",
		Subsystem: "mesh",
		Name:      "reconnects_total",
		Help:      "Total mesh reconnect attempts",
	})
)
