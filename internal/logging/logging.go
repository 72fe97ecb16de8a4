// Package logging provides the structured logger used across the
// split-tunnel core. It wraps charmbracelet/log so every subsystem logs
// with the same key/value shape regardless of which component emits it.
package logging

import (
	"io"
	"os"
	"sync"

	charmlog "github.com/charmbracelet/log"
)

// Level mirrors charmbracelet/log's levels so callers never import that
// package directly.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) toCharm() charmlog.Level {
	switch l {
	case LevelDebug:
		return charmlog.DebugLevel
	case LevelWarn:
		return charmlog.WarnLevel
	case LevelError:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Config configures a new Logger.
type Config struct {
	Output    io.Writer
	Level     Level
	Component string
	ReportTS  bool
}

// DefaultConfig returns the config used when callers pass nil.
func DefaultConfig() Config {
	return Config{
		Output:   os.Stderr,
		Level:    LevelInfo,
		ReportTS: true,
	}
}

// Logger is the structured logger handed to every subsystem constructor.
type Logger struct {
	inner *charmlog.Logger
}

// New creates a Logger from Config.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	inner := charmlog.NewWithOptions(out, charmlog.Options{
		ReportTimestamp: cfg.ReportTS,
		Level:           cfg.Level.toCharm(),
	})
	if cfg.Component != "" {
		inner = inner.WithPrefix(cfg.Component)
	}
	return &Logger{inner: inner}
}

var (
	defaultMu  sync.RWMutex
	defaultLog = New(DefaultConfig())
)

// Default returns the process-wide default logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLog
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if l != nil {
		defaultLog = l
	}
}

// WithComponent returns a derived Logger tagging every line with name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{inner: l.inner.WithPrefix(name)}
}

// WithError returns a derived Logger carrying the "error" field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{inner: l.inner.With("error", err)}
}

// WithFields returns a derived Logger carrying the given key/value fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	if len(fields) == 0 {
		return l
	}
	kv := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return &Logger{inner: l.inner.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.inner.Error(msg, kv...) }
