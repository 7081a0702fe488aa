package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// PrettyHandler is a slog.Handler that renders one colored line per record:
// timestamp, level, message, then dot-qualified key=value attributes.
type PrettyHandler struct {
	opts   slog.HandlerOptions
	w      io.Writer
	mu     *sync.Mutex
	prefix string
	attrs  []slog.Attr
}

// NewPrettyHandler creates a PrettyHandler writing to w.
func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &PrettyHandler{
		opts: *opts,
		w:    w,
		mu:   &sync.Mutex{},
	}
}

// Enabled reports whether the handler accepts records at the given level.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

// Handle formats and writes one record.
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)

	buf = append(buf, colorGray...)
	buf = r.Time.AppendFormat(buf, time.DateTime)
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')

	buf = append(buf, levelColor(r.Level)...)
	buf = append(buf, levelTag(r.Level)...)
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')

	buf = append(buf, r.Message...)

	// Handler attrs were qualified when they were attached; record attrs
	// pick up the group prefix in effect now.
	for _, a := range h.attrs {
		buf = appendAttr(buf, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = appendAttr(buf, a, h.prefix)
		return true
	})

	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

// WithAttrs returns a handler that prepends the given attributes, qualified
// with the group prefix in effect at attach time.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	na := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	na = append(na, h.attrs...)
	for _, a := range attrs {
		a.Key = joinKey(h.prefix, a.Key)
		na = append(na, a)
	}
	return &PrettyHandler{
		opts:   h.opts,
		w:      h.w,
		mu:     h.mu,
		prefix: h.prefix,
		attrs:  na,
	}
}

// WithGroup returns a handler that qualifies subsequent attribute keys with
// name.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &PrettyHandler{
		opts:   h.opts,
		w:      h.w,
		mu:     h.mu,
		prefix: joinKey(h.prefix, name),
		attrs:  h.attrs,
	}
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorBlue
	default:
		return colorGray
	}
}

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN "
	case level >= slog.LevelInfo:
		return "INFO "
	default:
		return "DEBUG"
	}
}

func appendAttr(buf []byte, a slog.Attr, prefix string) []byte {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		qualified := joinKey(prefix, a.Key)
		for _, ga := range a.Value.Group() {
			buf = appendAttr(buf, ga, qualified)
		}
		return buf
	}
	if a.Key == "" {
		return buf
	}
	buf = append(buf, ' ')
	buf = append(buf, colorCyan...)
	buf = append(buf, joinKey(prefix, a.Key)...)
	buf = append(buf, '=')
	buf = append(buf, colorReset...)
	return appendValue(buf, a.Value)
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return appendString(buf, v.String())
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	default:
		return appendString(buf, fmt.Sprint(v.Any()))
	}
}

func appendString(buf []byte, s string) []byte {
	if strings.ContainsAny(s, " \t\n\"=") {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func joinKey(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	default:
		return prefix + "." + key
	}
}
