// Package logging wraps log/slog for the whole service. Package-level
// loggers are created at init time with L and start following the handler
// configured by Init as soon as it runs.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured log keys shared across packages.
const (
	KeyComponent  = "component"
	KeySessionID  = "sessionId"
	KeyTaskType   = "taskType"
	KeyFlavor     = "flavor"
	KeyRelease    = "release"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

type contextKey struct{}

// deferredHandler replays its WithAttrs/WithGroup chain on top of whatever
// root handler is current when a record is handled.
type deferredHandler struct {
	root  *atomic.Pointer[slog.Handler]
	chain []func(slog.Handler) slog.Handler
}

func (h *deferredHandler) resolve() slog.Handler {
	handler := *h.root.Load()
	for _, step := range h.chain {
		handler = step(handler)
	}
	return handler
}

func (h *deferredHandler) extend(step func(slog.Handler) slog.Handler) *deferredHandler {
	chain := make([]func(slog.Handler) slog.Handler, len(h.chain), len(h.chain)+1)
	copy(chain, h.chain)
	return &deferredHandler{root: h.root, chain: append(chain, step)}
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return (*h.root.Load()).Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	attrs = append([]slog.Attr(nil), attrs...)
	return h.extend(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	return h.extend(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

var (
	level         = new(slog.LevelVar)
	root          atomic.Pointer[slog.Handler]
	defaultLogger *slog.Logger
)

func init() {
	var h slog.Handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	root.Store(&h)
	defaultLogger = slog.New(&deferredHandler{root: &root})
	slog.SetDefault(defaultLogger)
}

// Init installs the configured handler. format is "json" or "text"; output
// defaults to stdout.
func Init(format, lvl string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}
	level.Set(ParseLevel(lvl))
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}
	root.Store(&h)
}

// SetLevel changes the level without replacing the handler.
func SetLevel(lvl string) {
	level.Set(ParseLevel(lvl))
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithSession returns a child logger carrying the session identifier.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With(slog.String(KeySessionID, sessionID))
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
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
