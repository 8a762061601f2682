// Package logging provides the leveled logger shared by every component of
// the mail store. It wraps log/slog, the same structured-logging choice
// the pack's mail daemon sibling (infodancer/pop3d) makes, adding the two
// severities the spec requires beyond slog's four built-ins.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Levels beyond slog's built-in Debug/Info/Warn/Error. Significant sits
// between Warn and Error; Disaster sits above Error and marks the worst
// things that can happen to this process (failed startup, rejected
// authentication). Logging at Disaster does not end the process.
const (
	LevelSignificant = slog.Level(6)
	LevelDisaster     = slog.Level(12)
)

// ParseLevel maps the spec's configuration strings onto slog levels.
func ParseLevel(s string) slog.Level {
	switch s {
	case "Debug":
		return slog.LevelDebug
	case "Info":
		return slog.LevelInfo
	case "Significant":
		return LevelSignificant
	case "Error":
		return slog.LevelError
	case "Disaster":
		return LevelDisaster
	default:
		return slog.LevelInfo
	}
}

func levelName(l slog.Leveler) string {
	switch l.Level() {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case LevelSignificant:
		return "SIGNIFICANT"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	case LevelDisaster:
		return "DISASTER"
	default:
		return l.Level().String()
	}
}

// Logger is a thin handle carried explicitly by every owning struct
// (server, pool, session) rather than resolved through a package-level
// singleton.
type Logger struct {
	base *slog.Logger
}

// New builds a Logger writing to w at or above minLevel. Component
// attributes are attached with With, matching the teacher's
// "[PostgreSQL] ..." prefix convention but as structured fields.
func New(w io.Writer, minLevel slog.Level) *Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: minLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lv, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(levelName(lv))
				}
			}
			return a
		},
	})
	return &Logger{base: slog.New(h)}
}

// Default returns a Logger writing to stderr at Info level, used only
// before configuration has been loaded.
func Default() *Logger {
	return New(os.Stderr, slog.LevelInfo)
}

// With returns a Logger tagged with the given component, e.g.
// logger.With("component", "db.pool").
func (l *Logger) With(args ...any) *Logger {
	return &Logger{base: l.base.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any)       { l.base.Log(context.Background(), slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)        { l.base.Log(context.Background(), slog.LevelInfo, msg, args...) }
func (l *Logger) Significant(msg string, args ...any) { l.base.Log(context.Background(), LevelSignificant, msg, args...) }
func (l *Logger) Error(msg string, args ...any)       { l.base.Log(context.Background(), slog.LevelError, msg, args...) }
func (l *Logger) Disaster(msg string, args ...any)    { l.base.Log(context.Background(), LevelDisaster, msg, args...) }
