// Package log wraps zerolog with the global-logger-plus-component-child
// pattern used throughout the daemon.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger, configured once by Init.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
}

// Config controls Init's output shape.
type Config struct {
	Level  string // debug, info, warn, error
	JSON   bool
	Output io.Writer
}

// Init replaces the global Logger. Called once at daemon startup with the
// values resolved from Config and CLI flags.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.JSON {
		Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the given subsystem name,
// e.g. log.Component("scanner").
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Redact masks a secret value for inclusion in a log field, never logging
// more than a short prefix. Passwords, bearer tokens, and server secrets
// must always go through this before reaching a log call.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + "****"
}
