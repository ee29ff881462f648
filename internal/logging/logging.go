// Package logging builds the JSON [slog.Logger] shared by the covercheck
// server and CLI.
//
// Every record carries service=covercheck. Attributes whose key names a
// credential or a piece of member PHI are replaced with [Redacted] before
// they reach the output, including keys nested inside groups.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ServiceName is attached to every record produced by [New].
const ServiceName = "covercheck"

// Redacted replaces the value of sensitive attributes.
const Redacted = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"api_key":       {},
	"token":         {},
	"secret":        {},
	"password":      {},
	"member_name":   {},
	"full_name":     {},
	"date_of_birth": {},
	"dob":           {},
}

// New returns a logger writing JSON to stderr at level.
func New(level string) *slog.Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter returns a logger writing JSON to w at level. Unknown levels
// fall back to info.
func NewWithWriter(level string, w io.Writer) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: redact,
	})
	return slog.New(h).With(slog.String("service", ServiceName))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel maps debug, info, warn (or warning) and error to a [slog.Level],
// ignoring case and surrounding space. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsSensitive reports whether values logged under key are redacted.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}
	if IsSensitive(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	return a
}
