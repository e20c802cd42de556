// Package logging configures zerolog for the coordination layer.
//
// Components never log through the global logger directly. They receive a
// zerolog.Logger through their options (WithLogger) and fall back to
// NewLogger(component) when none is given.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Component names used in the "component" field.
const (
	ComponentRateLimit    = "ratelimit"
	ComponentSession      = "session"
	ComponentCache        = "cache"
	ComponentInvalidation = "invalidation"
	ComponentMiddleware   = "middleware"
	ComponentUpstream     = "upstream"
	ComponentServer       = "server"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	level, err := ParseLevel(string(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a level name to a zerolog.Level.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger derives a component logger from the global logger.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log level guidelines:
//
// Debug: cache hit/miss with key, script results, session lookups.
//
// Info: lifecycle (startup, shutdown, store connected), cap evictions,
// bulk session revocation.
//
// Warn: fail-open decisions while the store is unavailable, invalidation
// events dropped because the queue is full, skipped cache writes.
//
// Error: invalidation failures, configuration errors.
//
// Context fields:
//   - component: ratelimit, session, cache, invalidation, middleware, server
//   - identifier: rate limit identifier (already normalized)
//   - session_id, principal_id
//   - key: cache key or pattern
//   - event_type: invalidation event type
//   - degraded: true when a decision was taken without the store
