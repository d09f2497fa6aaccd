// Package sysutil holds process-level helpers for the updatesd binary:
// logger bootstrap and loose parsing of env-style flags.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParseLevel maps a level name to a zerolog level. Names are
// case-insensitive and "warning" is accepted for warn. Blank or unknown
// names select info.
func ParseLevel(name string) zerolog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// SetLogLevel sets the global zerolog level from a name; see ParseLevel.
func SetLogLevel(name string) {
	zerolog.SetGlobalLevel(ParseLevel(name))
}

// SetupLogger installs the global logger: JSON lines on w, or a console
// writer when pretty is set. Every entry carries the service name.
func SetupLogger(w io.Writer, level string, pretty bool, service string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	SetLogLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	ctx := zerolog.New(w).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}

// IsTruthy reports whether v spells true: 1, true, yes, y, on.
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

// IsFalsy reports whether v spells false: 0, false, no, n, off.
// Blank or unknown input is neither truthy nor falsy.
func IsFalsy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no", "n", "off":
		return true
	}
	return false
}

// FirstNonEmpty returns the first value that is not blank, or "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
