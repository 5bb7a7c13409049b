package common

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ANSI color codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"
)

// scope holds the attributes the Logger helpers attach (WithComponent,
// WithRequest, WithProxy, WithExtension). They are rendered as a fixed line
// prefix instead of trailing key=value pairs.
type scope struct {
	component string
	extension string
	method    string
	url       string
	proxy     string
}

func (s *scope) take(a slog.Attr) bool {
	if a.Value.Kind() != slog.KindString {
		return false
	}
	v := a.Value.String()
	switch a.Key {
	case "component":
		s.component = v
	case "extension":
		s.extension = v
	case "method":
		s.method = v
	case "url":
		s.url = v
	case "proxy":
		s.proxy = v
	default:
		return false
	}
	return true
}

// ColorHandler renders one line per record:
//
//	15:04:05.000 INF transport  <pub.ext> GET https://host/path via proxy:3128 message key=value
//
// Credentials are masked with the global masker at write time, so EnableMasking
// applies to handlers created earlier.
type ColorHandler struct {
	opts     *slog.HandlerOptions
	mu       *sync.Mutex
	writer   io.Writer
	useColor bool

	scope  scope
	attrs  []slog.Attr
	prefix string // open groups joined with "."
}

func NewColorHandler(w io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &ColorHandler{opts: opts, mu: &sync.Mutex{}, writer: w, useColor: isTerminal(w)}
}

func isTerminal(w io.Writer) bool {
	if runtime.GOOS == "windows" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	st, err := f.Stat()
	return err == nil && st.Mode()&os.ModeCharDevice != 0
}

func (h *ColorHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *ColorHandler) Handle(_ context.Context, r slog.Record) error {
	sc := h.scope
	attrs := append([]slog.Attr(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if h.prefix == "" && sc.take(a) {
			return true
		}
		attrs = append(attrs, h.qualify(a))
		return true
	})

	var b strings.Builder
	if !r.Time.IsZero() {
		b.WriteString(h.paint(Gray, r.Time.Format("15:04:05.000")))
		b.WriteByte(' ')
	}
	b.WriteString(h.level(r.Level))
	if sc.component != "" {
		b.WriteByte(' ')
		b.WriteString(h.paint(Cyan, fmt.Sprintf("%-10s", sc.component)))
	}
	if sc.extension != "" {
		b.WriteString(" " + h.paint(Magenta, "<"+sc.extension+">"))
	}
	if sc.method != "" || sc.url != "" {
		b.WriteString(" " + h.paint(Bold, strings.TrimSpace(sc.method+" "+h.mask("url", sc.url))))
	}
	if sc.proxy != "" {
		via := h.mask("proxy", sc.proxy)
		color := Yellow
		if strings.EqualFold(via, "DIRECT") {
			color = Green
		}
		b.WriteString(" via " + h.paint(color, via))
	}
	b.WriteByte(' ')
	b.WriteString(h.mask("msg", r.Message))
	for _, a := range attrs {
		b.WriteByte(' ')
		b.WriteString(h.paint(Gray, a.Key+"="))
		b.WriteString(h.value(a))
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *ColorHandler) level(l slog.Level) string {
	switch {
	case l < slog.LevelDebug:
		return h.paint(Gray, "TRC")
	case l < slog.LevelInfo:
		return h.paint(Gray, "DBG")
	case l < slog.LevelWarn:
		return h.paint(Green, "INF")
	case l < slog.LevelError:
		return h.paint(Yellow, "WRN")
	default:
		return h.paint(Red, "ERR")
	}
}

func (h *ColorHandler) value(a slog.Attr) string {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		s := h.mask(a.Key, v.String())
		if a.Key == "error" || strings.HasSuffix(a.Key, ".error") {
			return h.paint(Red, strconv.Quote(s))
		}
		return strconv.Quote(s)
	case slog.KindInt64:
		if a.Key == "status" {
			return h.paint(statusColor(v.Int64()), v.String())
		}
		return h.paint(Magenta, v.String())
	case slog.KindUint64, slog.KindFloat64:
		return h.paint(Magenta, v.String())
	case slog.KindDuration:
		return h.paint(Yellow, v.Duration().String())
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindGroup:
		parts := make([]string, 0, len(v.Group()))
		for _, g := range v.Group() {
			parts = append(parts, g.Key+"="+h.value(g))
		}
		return "{" + strings.Join(parts, " ") + "}"
	default:
		if err, ok := v.Any().(error); ok {
			return h.paint(Red, strconv.Quote(h.mask(a.Key, err.Error())))
		}
		if masked, ok := GetGlobalMasker().MaskValue(a.Key, nil).(string); ok {
			return masked
		}
		return h.mask("", v.String())
	}
}

func statusColor(code int64) string {
	switch {
	case code >= 500:
		return Red
	case code >= 400:
		return Yellow
	case code >= 300:
		return Cyan
	default:
		return Green
	}
}

// mask applies key-based masking first and pattern masking to what is left.
func (h *ColorHandler) mask(key, s string) string {
	v, _ := GetGlobalMasker().MaskValue(key, s).(string)
	return v
}

func (h *ColorHandler) paint(color, text string) string {
	if !h.useColor {
		return text
	}
	return color + text + Reset
}

func (h *ColorHandler) qualify(a slog.Attr) slog.Attr {
	if h.prefix != "" {
		a.Key = h.prefix + "." + a.Key
	}
	return a
}

func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if h.prefix == "" && c.scope.take(a) {
			continue
		}
		c.attrs = append(c.attrs, h.qualify(a))
	}
	return &c
}

func (h *ColorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	if c.prefix == "" {
		c.prefix = name
	} else {
		c.prefix += "." + name
	}
	return &c
}

// SetColorEnabled forces ANSI output on or off.
func (h *ColorHandler) SetColorEnabled(enabled bool) { h.useColor = enabled }
