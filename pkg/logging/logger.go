// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
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

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

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

// ParseLevel converts a level name to zerolog.Level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Nop returns a disabled logger, handy as a default for optional logger fields.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Item state transitions (pending, dispatching, in_flight, ...)
//   - Rate limiter waits and quota cooldown checks
//   - Cache hit/miss per item
//
// Info: Normal operation events
//   - Run start/finish with counts
//   - Periodic progress (done/total)
//   - Resume summary (items already present in the checkpoint log)
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts and backoff sleeps
//   - Malformed checkpoint lines skipped on load
//   - Server-imposed cooldowns (429 with Retry-After)
//
// Error: Error conditions requiring attention
//   - Items recorded with a terminal error outcome
//   - Checkpoint write failures (halts the run)
//
// Context Fields:
//   - run_id: ULID of the current engine run
//   - item_id: work item identifier
//   - attempt: 1-based dispatch attempt
//   - error_class: rate_limit, timeout, server, network, client, auth, not_found, schema
//   - backoff: computed retry delay
//   - in_flight: currently held limiter slots
//   - done/total: progress counters
