// Package log provides the logging infrastructure shared by every daemon
// component.
//
// Design:
//   - Use dependency injection for loggers, not globals.
//   - Each component receives a logger via its constructor and tags it
//     with With("component", ...).
//   - Tests use NewNop or capture output with NewWithWriter.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger is a type alias for *slog.Logger so components can depend on the
// standard library type directly instead of a custom interface.
type Logger = *slog.Logger

// Config defines logger construction options.
type Config struct {
	// Level sets the minimum log level. Default: slog.LevelInfo.
	Level slog.Level

	// JSON enables JSON output. The daemon log file always uses JSON
	// regardless of this flag; it only affects the stderr logger.
	JSON bool

	// AddSource adds source file/line information to log entries.
	AddSource bool
}

// New creates a logger writing to os.Stderr.
func New(cfg Config) Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, cfg Config) Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// NewNop creates a logger that discards all output. Tests only.
func NewNop() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// multiHandler fans a single record out to several handlers. Used by the
// Supervisor to write to both stderr and the rolling daemon log file
// without installing a global subscriber.
type multiHandler struct {
	handlers []slog.Handler
}

// NewMulti returns a Logger that writes every record to each of handlers.
func NewMulti(handlers ...slog.Handler) Logger {
	return slog.New(&multiHandler{handlers: handlers})
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}
