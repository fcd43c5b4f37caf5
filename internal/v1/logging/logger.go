package logging

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	mu     sync.RWMutex
)

type contextKey string

const (
	ClientIDKey contextKey = "client_id"
	RoomKey     contextKey = "room"
	NodeIDKey   contextKey = "node_id"
)

// Level names accepted by Initialize. "silent" disables output entirely.
const (
	LevelSilent = "silent"
	LevelError  = "error"
	LevelInfo   = "info"
	LevelDebug  = "debug"
)

// Initialize sets up the global logger at the given level.
// It may be called again to change the level; tests rely on this.
func Initialize(level string) error {
	mu.Lock()
	defer mu.Unlock()

	if level == LevelSilent {
		logger = zap.NewNop()
		return nil
	}

	zl, err := parseLevel(level)
	if err != nil {
		return err
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zl)
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	logger, err = config.Build(zap.AddCallerSkip(1))
	return err
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case LevelError:
		return zapcore.ErrorLevel, nil
	case LevelInfo, "":
		return zapcore.InfoLevel, nil
	case LevelDebug:
		return zapcore.DebugLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// GetLogger returns the global logger instance.
func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		// Fallback for tests or before init
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Debug logs a message at DebugLevel
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, appendContextFields(ctx, fields)...)
}

// Info logs a message at InfoLevel
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs a message at WarnLevel
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs a message at ErrorLevel
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

// Fatal logs a message at FatalLevel
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if cid, ok := ctx.Value(ClientIDKey).(string); ok {
		fields = append(fields, zap.String("client_id", cid))
	}
	if room, ok := ctx.Value(RoomKey).(string); ok {
		fields = append(fields, zap.String("room", room))
	}
	if nid, ok := ctx.Value(NodeIDKey).(string); ok {
		fields = append(fields, zap.String("node_id", nid))
	}

	return fields
}
