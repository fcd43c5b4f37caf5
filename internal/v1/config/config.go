package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// WebSocket transport
	WSHost      string
	WSPort      int
	WSPath      string
	WSHeartbeat time.Duration

	// Peer mesh transport
	MeshHost      string
	MeshPort      int
	MeshPeers     []string
	MeshReconnect time.Duration
	NodeID        string

	// Operational surface
	OpsPort        int
	LogLevel       string
	AllowedOrigins string
}

var validLogLevels = map[string]bool{
	"silent": true,
	"error":  true,
	"info":   true,
	"debug":  true,
}

// ValidateEnv validates all environment variables and returns a Config object.
// Every variable has a sensible default; an error is returned only for values
// that are present but invalid, with all problems collected into one message.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	parsePort := func(key string, def int) int {
		raw := os.Getenv(key)
		if raw == "" {
			return def
		}
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("%s must be a valid port number between 1 and 65535 (got '%s')", key, raw))
			return def
		}
		return port
	}

	parseInterval := func(key string, def time.Duration) time.Duration {
		raw := os.Getenv(key)
		if raw == "" {
			return def
		}
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 1 {
			errors = append(errors, fmt.Sprintf("%s must be a positive number of milliseconds (got '%s')", key, raw))
			return def
		}
		return time.Duration(ms) * time.Millisecond
	}

	cfg.WSHost = getEnvOrDefault("WS_HOST", "0.0.0.0")
	cfg.WSPort = parsePort("WS_PORT", 7070)
	cfg.WSPath = os.Getenv("WS_PATH")
	cfg.WSHeartbeat = parseInterval("WS_HEARTBEAT_MS", 30*time.Second)

	cfg.MeshHost = getEnvOrDefault("MESH_HOST", "0.0.0.0")
	cfg.MeshPort = parsePort("MESH_PORT", 9090)
	cfg.MeshReconnect = parseInterval("MESH_RECONNECT_MS", 5*time.Second)
	cfg.NodeID = os.Getenv("NODE_ID")

	// MESH_PEERS: comma-separated host:port list
	if raw := os.Getenv("MESH_PEERS"); raw != "" {
		for _, peer := range strings.Split(raw, ",") {
			peer = strings.TrimSpace(peer)
			if peer == "" {
				continue
			}
			if !isValidHostPort(peer) {
				errors = append(errors, fmt.Sprintf("MESH_PEERS entries must be in format 'host:port' (got '%s')", peer))
				continue
			}
			cfg.MeshPeers = append(cfg.MeshPeers, peer)
		}
	}

	cfg.OpsPort = parsePort("OPS_PORT", 8080)
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	if !validLogLevels[cfg.LogLevel] {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of silent|error|info|debug (got '%s')", cfg.LogLevel))
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// Origins returns the allowed CORS origins, falling back to the local
// development frontend when none are configured.
func (c *Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return []string{"http://localhost:3000"}
	}
	var origins []string
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"ws_host", cfg.WSHost,
		"ws_port", cfg.WSPort,
		"ws_heartbeat", cfg.WSHeartbeat,
		"mesh_port", cfg.MeshPort,
		"mesh_peers", strings.Join(cfg.MeshPeers, ","),
		"mesh_reconnect", cfg.MeshReconnect,
		"node_id", cfg.NodeID,
		"ops_port", cfg.OpsPort,
		"log_level", cfg.LogLevel,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default
// value if unset or empty
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
