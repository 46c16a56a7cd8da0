// Package observability provides the shared logging and metrics primitives
// used by every MarketPrism process.
package observability

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the root structured logger for a process. Level accepts the
// zerolog level names; unknown values fall back to info. Child components
// derive their loggers via With().Str("component", ...).
func NewLogger(service, level string) zerolog.Logger {
	return newLogger(service, level, os.Stderr)
}

func newLogger(service, level string, out io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
