package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// NewSlogHandler returns a slog.Handler that forwards records to the
// provided Logger. Returns nil if logger is nil.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogAdapter{log: l}
}

type slogAdapter struct {
	log    *Logger
	groups []string
	attrs  []slog.Attr
}

func (h *slogAdapter) Enabled(_ context.Context, level slog.Level) bool {
	return slogLevelToLoggerLevel(level) >= h.log.GetLevel()
}

func (h *slogAdapter) Handle(_ context.Context, record slog.Record) error {
	message := record.Message

	combined := make([]slog.Attr, 0, len(h.attrs)+record.NumAttrs())
	combined = append(combined, h.attrs...)
	record.Attrs(func(attr slog.Attr) bool {
		combined = append(combined, attr)
		return true
	})

	if text := formatAttrs(combined, h.groups); text != "" {
		if message != "" {
			message = message + " " + text
		} else {
			message = text
		}
	}

	switch {
	case record.Level >= slog.LevelError:
		h.log.Error("%s", message)
	case record.Level >= slog.LevelWarn:
		h.log.Warn("%s", message)
	case record.Level >= slog.LevelInfo:
		h.log.Info("%s", message)
	default:
		h.log.Debug("%s", message)
	}

	return nil
}

func (h *slogAdapter) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	newAttrs = append(newAttrs, attrs...)
	return &slogAdapter{log: h.log, groups: h.groups, attrs: newAttrs}
}

func (h *slogAdapter) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := append(append([]string(nil), h.groups...), name)
	return &slogAdapter{log: h.log, groups: newGroups, attrs: h.attrs}
}

func slogLevelToLoggerLevel(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

func formatAttrs(attrs []slog.Attr, groups []string) string {
	if len(attrs) == 0 {
		return ""
	}

	var builder strings.Builder
	first := true
	for _, attr := range attrs {
		if attr.Equal(slog.Attr{}) {
			continue
		}
		if !first {
			builder.WriteByte(' ')
		}
		first = false
		key := attr.Key
		if key == "" {
			key = "attr"
		}
		if len(groups) > 0 {
			key = strings.Join(groups, ".") + "." + key
		}
		fmt.Fprintf(&builder, "%s=%v", key, attr.Value)
	}

	return builder.String()
}
