package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const ServiceName = "irma-ledger"

// NewLogger creates a structured JSON logger on stdout. Level comes from
// IRMA_LOG_LEVEL (default info).
func NewLogger(component string) zerolog.Logger {
	return newLogger(os.Stdout, component, ParseLogLevel(os.Getenv("IRMA_LOG_LEVEL")))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return newLogger(os.Stdout, component, level)
}

// NewLoggerTo writes to w. Used by tests to capture output.
func NewLoggerTo(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return newLogger(w, component, level)
}

func newLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", ServiceName).
		Str("component", component).
		Logger()
}

// ParseLogLevel maps a level name to a zerolog level; unknown names give info.
func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
