package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wiremesh/wiremesh/internal/v1/config"
	"github.com/wiremesh/wiremesh/internal/v1/health"
	"github.com/wiremesh/wiremesh/internal/v1/kernel"
	"github.com/wiremesh/wiremesh/internal/v1/logging"
	"github.com/wiremesh/wiremesh/internal/v1/signaling"
	"github.com/wiremesh/wiremesh/internal/v1/transport/mesh"
	"github.com/wiremesh/wiremesh/internal/v1/transport/ws"
	"github.com/wiremesh/wiremesh/internal/v1/types"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.LogLevel); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// --- Build the kernel with both transports ---
	meshTransport := mesh.New(mesh.Options{
		NodeID:            cfg.NodeID,
		Host:              cfg.MeshHost,
		Port:              cfg.MeshPort,
		Peers:             cfg.MeshPeers,
		ReconnectInterval: cfg.MeshReconnect,
	})

	k := kernel.New(
		kernel.WithTransport(ws.New(ws.Options{
			Host:              cfg.WSHost,
			Port:              cfg.WSPort,
			Path:              cfg.WSPath,
			HeartbeatInterval: cfg.WSHeartbeat,
		})),
		kernel.WithTransport(meshTransport),
	)

	// WebRTC signaling on the default namespace.
	bridge := signaling.New(signaling.Options{AutoJoinRooms: true})
	if err := bridge.Attach(k); err != nil {
		slog.Error("Failed to attach signaling bridge", "error", err)
		os.Exit(1)
	}

	registerHandlers(k)

	if err := k.Start(context.Background()); err != nil {
		slog.Error("Failed to start kernel", "error", err)
		os.Exit(1)
	}
	slog.Info("✅ Kernel started",
		"ws_port", cfg.WSPort, "mesh_port", cfg.MeshPort, "node_id", meshTransport.NodeID())

	// --- Set up the ops server ---
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Origins()
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(k)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.OpsPort),
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Ops server starting", "port", cfg.OpsPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run ops server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop the kernel first: transports close every connection and each
	// registered client gets its disconnect.
	if err := k.Stop(ctx); err != nil {
		slog.Error("Error during kernel shutdown:", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Ops server forced to shutdown:", "error", err)
	}

	slog.Info("Server exiting")
}

// registerHandlers wires the built-in chat and presence channels. Embedders
// replace these with their own handlers.
func registerHandlers(k *kernel.Kernel) {
	mustOn(k, "chat:join", func(ctx context.Context, msg *types.Message, tk *kernel.Toolkit) error {
		if msg.Room == "" {
			return nil
		}
		tk.Rooms.Join(msg.Room)
		return nil
	})

	mustOn(k, "chat:leave", func(ctx context.Context, msg *types.Message, tk *kernel.Toolkit) error {
		if msg.Room == "" {
			return nil
		}
		tk.Rooms.Leave(msg.Room)
		return nil
	})

	mustOn(k, "chat:message", func(ctx context.Context, msg *types.Message, tk *kernel.Toolkit) error {
		// The body arrives either as a bare string payload or under "body".
		body := msg.Payload
		if pm := msg.PayloadMap(); pm != nil {
			body = pm["body"]
		}
		tk.Rooms.Broadcast(&types.Message{
			Type: "chat:message",
			Payload: map[string]any{
				"from": tk.ClientID(),
				"body": body,
				"room": msg.Room,
			},
		}, msg.Room, kernel.RoomBroadcastOptions{ExceptSelf: true})
		return nil
	})

	mustOn(k, "presence:update", func(ctx context.Context, msg *types.Message, tk *kernel.Toolkit) error {
		if pm := msg.PayloadMap(); pm != nil {
			tk.Presence.Update(pm)
		}
		return nil
	})
}

func mustOn(k *kernel.Kernel, eventType string, h kernel.Handler) {
	if err := k.On(eventType, h); err != nil {
		logging.Fatal(context.Background(), "Failed to register handler",
			zap.String("eventType", eventType), zap.Error(err))
	}
}
