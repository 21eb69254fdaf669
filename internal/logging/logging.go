// Package logging builds the zerolog loggers used across the hub.
// Components receive a logger and add their own "component" field.
package logging

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Supported output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// ParseLevel maps a config/CLI level name to a zerolog level.
// Empty and unknown names fall back to info; ok reports whether the name was recognized.
func ParseLevel(name string) (level zerolog.Level, ok bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zerolog.DebugLevel, true
	case "", "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	}
	return zerolog.InfoLevel, false
}

// New returns a logger writing to w at the given level.
// The console format is meant for a terminal; json is meant for files and log shippers.
func New(w io.Writer, level, format string) zerolog.Logger {
	lvl, _ := ParseLevel(level)

	out := w
	if strings.ToLower(format) != FormatJSON {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component derives a child logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
