// Package logging configures the process-wide zerolog logger. Components get
// a derived logger tagged with their name so log lines can be filtered per
// service, mirroring the sub-logger layout of the registration stack.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger writing JSON lines to stdout.
func New(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.ErrorFieldName = "err"

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

// Component derives a sub-logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
