package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

const colorReset = "\033[0m"

// colorSink renders one record into buf, then writes the colored level and the
// record to out in a single Write.
type colorSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
	out io.Writer
}

func (s *colorSink) Write(p []byte) (int, error) { return s.buf.Write(p) }

// ColorTextHandler wraps slog.TextHandler and prints the level in ANSI color
// ahead of the text record.
type ColorTextHandler struct {
	*slog.TextHandler
	sink     *colorSink
	showTime bool
}

// NewColorTextHandler creates a new ColorTextHandler. The level attribute is
// dropped from the record, and the time too when showTime is false.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	next := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 {
			if a.Key == slog.LevelKey || (!showTime && a.Key == slog.TimeKey) {
				return slog.Attr{}
			}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
	sink := &colorSink{out: w}
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(sink, &o),
		sink:        sink,
		showTime:    showTime,
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // red
	case l >= slog.LevelWarn:
		return "\033[33m" // yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // green
	default:
		return "\033[36m" // cyan
	}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	h.sink.buf.Reset()
	if err := h.TextHandler.Handle(ctx, r); err != nil {
		return err
	}
	line := make([]byte, 0, h.sink.buf.Len()+16)
	line = append(line, levelColor(r.Level)...)
	line = append(line, r.Level.String()...)
	line = append(line, colorReset+"  "...)
	line = append(line, h.sink.buf.Bytes()...)
	_, err := h.sink.out.Write(line)
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithAttrs(attrs).(*slog.TextHandler), sink: h.sink, showTime: h.showTime}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithGroup(name).(*slog.TextHandler), sink: h.sink, showTime: h.showTime}
}
