package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Level represents log severity levels.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger wraps slog with a dynamic level and component scoping.
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	output io.Writer
}

// Config holds logger configuration.
type Config struct {
	Level      Level
	Output     io.Writer
	JSON       bool
	AddSource  bool
	TimeFormat string
	// Color tags console levels with ANSI colors.
	Color bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Output:     os.Stderr,
		JSON:       false,
		AddSource:  false,
		TimeFormat: time.RFC3339,
		Color:      IsTerminal(os.Stderr),
	}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		h := NewConsoleHandler(cfg.Output, opts)
		if cfg.TimeFormat != "" {
			h.timeFormat = cfg.TimeFormat
		}
		h.color = cfg.Color
		handler = h
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  levelVar,
		output: cfg.Output,
	}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	once.Do(func() {
		if defaultLogger == nil {
			defaultLogger = New(DefaultConfig())
		}
	})
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	once.Do(func() {})
	defaultLogger = l
}

// ParseLevel maps a level name (debug, info, warn, error) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// SetLevel changes the log level dynamically.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

// WithComponent returns a logger with a component field.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
		level:  l.level,
		output: l.output,
	}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{
		Logger: l.Logger.With(args...),
		level:  l.level,
		output: l.output,
	}
}

// WithComponent returns a component-scoped logger.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}
