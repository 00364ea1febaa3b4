package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. It discards everything until Init is
// called.
var Logger = zerolog.Nop()

// Config holds logging configuration.
type Config struct {
	// Level is a zerolog level name: debug, info, warn, or error.
	// Unrecognized or empty values fall back to info.
	Level string

	// JSONOutput selects JSON lines over human-readable console output
	JSONOutput bool

	// Output defaults to stderr
	Output io.Writer
}

// Init replaces the global logger. The level is carried on the logger
// itself rather than zerolog's global, so tests can reinitialize freely.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with one of the server's
// components (dispatch, deleteto, queue, storage, serverpool, kv).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithConnID returns a child logger tagged with a client connection ID, so
// one connection's requests, death, and drained responses group together.
func WithConnID(connID string) zerolog.Logger {
	return Logger.With().Str("conn_id", connID).Logger()
}
