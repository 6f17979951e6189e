// Package logging provides structured logging configuration using zerolog.
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
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

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

// ParseLevel validates a configured level name.
func ParseLevel(s string) (LogLevel, error) {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug, nil
	case LevelInfo:
		return LevelInfo, nil
	case LevelWarn, "warning":
		return LevelWarn, nil
	case LevelError:
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
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

// WithRun adds the run coordinates to logger.
func WithRun(logger zerolog.Logger, owner, repo string, runID int64) zerolog.Logger {
	return logger.With().
		Str("owner", owner).
		Str("repo", repo).
		Int64("run_id", runID).
		Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Page fetch progress (page, fetched, total_count)
//   - Cache operations (hit/miss, conditional requests, ETags)
//   - Store queries and shared in-flight fetches
//
// Info: Normal operation events
//   - Run ingestion finished
//   - Rate budget refreshed
//   - Worker and sweeper startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - RequeueToWait and RetryAfter outcomes
//   - Rate budget throttling
//   - Retry attempts and cache errors
//
// Error: Error conditions requiring attention
//   - Fatal outcomes and dead-lettered jobs
//   - Corrupted upstream data (unknown status, job count mismatch)
//   - Critical rate budget blocks
//
// Context Fields:
//   - owner, repo, run_id: Run coordinates
//   - page, total_count: Pagination progress
//   - job_id, method, token: Queue execution
//   - outcome, reason, delay: Job outcome
//   - remaining: Rate budget remaining
//   - error_class: Error classification (client, server, rate_limit, network)
