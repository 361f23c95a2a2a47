package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ConsoleHandler is a slog.Handler that writes logs in a human-readable format:
// 2006-01-02T15:04:05Z07:00 serve-this[pid]: [level] component: message key=value
type ConsoleHandler struct {
	opts       slog.HandlerOptions
	out        io.Writer
	mu         *sync.Mutex
	attrs      []slog.Attr
	timeFormat string
	color      bool
}

// levelColors are forced on; the handler decides whether to use them.
var levelColors = map[slog.Level]*color.Color{
	slog.LevelDebug: forced(color.New(color.FgHiBlack)),
	slog.LevelInfo:  forced(color.New(color.FgGreen)),
	slog.LevelWarn:  forced(color.New(color.FgYellow)),
	slog.LevelError: forced(color.New(color.FgRed, color.Bold)),
}

func forced(c *color.Color) *color.Color {
	c.EnableColor()
	return c
}

var (
	processName   = "serve-this"
	processNameMu sync.RWMutex
)

// SetProcessName sets the name printed before the pid on every console line.
func SetProcessName(name string) {
	processNameMu.Lock()
	defer processNameMu.Unlock()
	processName = name
}

// GetProcessName returns the current console process name.
func GetProcessName() string {
	processNameMu.RLock()
	defer processNameMu.RUnlock()
	return processName
}

// NewConsoleHandler creates a new ConsoleHandler.
func NewConsoleHandler(out io.Writer, opts *slog.HandlerOptions) *ConsoleHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &ConsoleHandler{
		out:        out,
		opts:       *opts,
		mu:         &sync.Mutex{},
		timeFormat: time.RFC3339,
	}
}

// Enabled reports whether the handler is enabled for this level.
func (h *ConsoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

// Handle handles the Record.
func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	buf = append(buf, t.Format(h.timeFormat)...)
	buf = append(buf, ' ')

	procName := strings.ToLower(GetProcessName())
	if procName == "" {
		procName = "serve-this"
	}
	buf = append(buf, fmt.Sprintf("%s[%d]: ", procName, os.Getpid())...)

	tag := "[" + strings.ToLower(r.Level.String()) + "]"
	if c, ok := levelColors[r.Level]; ok && h.color {
		tag = c.Sprint(tag)
	}
	buf = append(buf, tag...)
	buf = append(buf, ' ')

	// The component attribute is promoted to a tag; a record-level value wins.
	component := ""
	for _, a := range h.attrs {
		if a.Key == "component" {
			component = strings.ToLower(a.Value.String())
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToLower(a.Value.String())
			return false
		}
		return true
	})

	if component != "" {
		buf = append(buf, component...)
		buf = append(buf, ": "...)
	}

	buf = append(buf, r.Message...)

	for _, a := range h.attrs {
		if a.Key == "component" {
			continue
		}
		buf = append(buf, ' ')
		h.appendAttr(&buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			return true
		}
		buf = append(buf, ' ')
		h.appendAttr(&buf, a)
		return true
	})

	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

func (h *ConsoleHandler) appendAttr(buf *[]byte, a slog.Attr) {
	*buf = append(*buf, a.Key...)
	*buf = append(*buf, '=')
	val := a.Value.String()
	if strings.ContainsAny(val, " \t\n\"") {
		*buf = append(*buf, fmt.Sprintf("%q", val)...)
	} else {
		*buf = append(*buf, val...)
	}
}

// WithAttrs returns a new handler with the given attributes.
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &ConsoleHandler{
		opts:       h.opts,
		out:        h.out,
		mu:         h.mu,
		attrs:      merged,
		timeFormat: h.timeFormat,
		color:      h.color,
	}
}

// WithGroup returns the handler unchanged; console output is flat.
func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return h
}
