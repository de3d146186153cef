package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Options configures the process logger. Component and RunID end up on every
// line.
type Options struct {
	Level     string
	Format    Format
	Component string
	RunID     string
	// Clock overrides the timestamp source; tests pin it.
	Clock func() time.Time
}

// New returns a logr.Logger writing structured lines to w. JSON lines carry
// timestamp, level, component and run_id, the same shape
// ValidateStructuredLogLine checks.
func New(w io.Writer, opts Options) (logr.Logger, error) {
	if w == nil {
		return logr.Discard(), nil
	}
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return logr.Discard(), err
	}
	fields := populateRequiredLogFields(LoggingSchemaFields{Component: opts.Component, RunID: opts.RunID})
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	handlerOpts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return attr
			}
			switch attr.Key {
			case slog.TimeKey:
				return slog.String("timestamp", clock().UTC().Format(time.RFC3339))
			case slog.LevelKey:
				return slog.String("level", levelName(attr.Value))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	}

	var handler slog.Handler
	switch normalizeFormat(opts.Format) {
	case FormatText:
		handler = slog.NewTextHandler(w, handlerOpts)
	default:
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	handler = handler.WithAttrs([]slog.Attr{
		slog.String("component", fields.Component),
		slog.String("run_id", fields.RunID),
	})
	return logr.FromSlogHandler(handler), nil
}

// ParseLevel maps a configured level name onto slog levels. Empty means info.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
}

func normalizeFormat(format Format) Format {
	switch Format(strings.ToLower(strings.TrimSpace(string(format)))) {
	case FormatText:
		return FormatText
	default:
		return FormatJSON
	}
}

func levelName(value slog.Value) string {
	level, ok := value.Any().(slog.Level)
	if !ok {
		return strings.ToLower(value.String())
	}
	switch {
	case level < slog.LevelInfo:
		return "debug"
	case level < slog.LevelWarn:
		return "info"
	case level < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}
