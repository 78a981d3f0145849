package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON at Info, anything else human-readable text at
// Debug; a non-nil level overrides either. Logs go to stderr; stdout
// carries change notices.
func NewLogger(env string, level *slog.Level) *slog.Logger {
	return New(os.Stderr, env, level)
}

// New builds the environment's logger on w. A non-nil level overrides
// the environment default.
func New(w io.Writer, env string, level *slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	var handler slog.Handler

	if env == "production" {
		if level != nil {
			opts.Level = *level
		}

		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.Level = slog.LevelDebug
		if level != nil {
			opts.Level = *level
		}

		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel turns LOG_LEVEL into a slog level. Empty means "use the
// environment default" and yields nil.
func ParseLevel(s string) (*slog.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil //nolint:nilnil // nil level selects the default
	}

	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", s, err)
	}

	return &l, nil
}

// ForScope tags every record with the scope it concerns.
func ForScope(logger *slog.Logger, scopeID string) *slog.Logger {
	return logger.With(slog.String("scope", scopeID))
}
