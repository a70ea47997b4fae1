package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"mcpagent/pkg/llm"
)

var logLevel = new(slog.LevelVar)

// CustomHandler writes one line per record:
//
//	[2006-01-02 15:04:05] [LEVEL] [debug id] message key="value" ...
//
// The debug id is printed only when the context carries one.
type CustomHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Leveler
	// attrs added through WithAttrs, already rendered
	preformatted []byte
	group        string
}

func NewCustomHandler(w io.Writer, opts slog.HandlerOptions) *CustomHandler {
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}
	return &CustomHandler{mu: &sync.Mutex{}, w: w, level: level}
}

func (h *CustomHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *CustomHandler) Handle(ctx context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = fmt.Appendf(buf, "[%s] [%s]", r.Time.Format("2006-01-02 15:04:05"), r.Level)
	if id := llm.DebugID(ctx); id != "" {
		buf = fmt.Appendf(buf, " [%s]", id)
	}
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)
	buf = append(buf, h.preformatted...)
	r.Attrs(func(a slog.Attr) bool {
		buf = appendAttr(buf, h.group, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + a.Key
	}

	switch a.Value.Kind() {
	case slog.KindGroup:
		for _, ga := range a.Value.Group() {
			buf = appendAttr(buf, key, ga)
		}
		return buf
	case slog.KindString:
		return fmt.Appendf(buf, " %s=%q", key, a.Value.String())
	case slog.KindTime:
		return fmt.Appendf(buf, " %s=%s", key, a.Value.Time().Format(time.RFC3339))
	default:
		return fmt.Appendf(buf, " %s=%v", key, a.Value.Any())
	}
}

func (h *CustomHandler) clone() *CustomHandler {
	c := *h
	c.preformatted = slices.Clip(h.preformatted)
	return &c
}

// WithAttrs renders attrs under the current group once, up front.
func (h *CustomHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		c.preformatted = appendAttr(c.preformatted, h.group, a)
	}
	return c
}

// WithGroup prefixes the keys of attributes added later with name.
func (h *CustomHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	if c.group != "" {
		c.group += "." + name
	} else {
		c.group = name
	}
	return c
}

// ParseLevel maps a config string to a slog level; unknown values mean info.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
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

// SetupSlog installs a CustomHandler on stderr as the default logger.
func SetupSlog(levelStr string) {
	logLevel.Set(ParseLevel(levelStr))

	handler := NewCustomHandler(os.Stderr, slog.HandlerOptions{
		Level: logLevel,
	})

	slog.SetDefault(slog.New(handler))
}

// SetLevel changes the level of the handler installed by SetupSlog.
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	if logLevel.Level() != level {
		logLevel.Set(level)
		slog.Info("Log level changed", "level", level)
	}
}
