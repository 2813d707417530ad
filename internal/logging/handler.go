// Package logging provides the engine's slog handler: a single-line,
// colorized, human-readable format for interactive use. cmd/burrowd always
// logs through this handler; JSON structured output is not implemented
// here.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Options configures a Handler.
type Options struct {
	Level      slog.Level
	UseColor   bool
	ShowSource bool
	TimeFormat string
}

// DefaultOptions returns sensible defaults for interactive terminal use.
func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		UseColor:   true,
		ShowSource: true,
		TimeFormat: time.Kitchen,
	}
}

// Handler is a slog.Handler that renders one colorized line per record:
// <time> <level> <source> <message> <json attrs>
type Handler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	groups []string
	attrs  []slog.Attr

	colorTime    func(...any) string
	colorMessage func(...any) string
	colorSource  func(...any) string
	colorFields  func(...any) string
	colorLevel   map[slog.Level]func(...any) string
}

// New builds a Handler writing to w.
func New(w io.Writer, opts Options) *Handler {
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.Kitchen
	}

	h := &Handler{
		opts:   opts,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initColors()

	return h
}

func (h *Handler) initColors() {
	if !h.opts.UseColor {
		plain := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime, h.colorMessage, h.colorSource, h.colorFields = plain, plain, plain, plain
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: plain, slog.LevelInfo: plain,
			slog.LevelWarn: plain, slog.LevelError: plain,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorSource = color.New(color.FgHiBlack).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed).SprintFunc(),
	}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level
}

// Handle implements slog.Handler.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	h.mu.Lock()
	defer h.mu.Unlock()

	buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteByte(' ')
	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteByte(' ')

	if h.opts.ShowSource {
		if src := h.source(r.PC); src != "" {
			buf.WriteString(h.colorSource(src))
			buf.WriteByte(' ')
		}
	}

	buf.WriteString(h.colorMessage(r.Message))

	if attrs := h.collectAttrs(r); len(attrs) > 0 {
		buf.WriteByte(' ')
		if err := h.writeAttrs(buf, attrs); err != nil {
			fmt.Fprintf(buf, "(attr encode error: %v)", err)
		}
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	nh := &Handler{
		opts:   h.opts,
		writer: h.writer,
		mu:     &sync.Mutex{},
		groups: append([]string(nil), h.groups...),
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
	nh.initColors()
	return nh
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	nh := &Handler{
		opts:   h.opts,
		writer: h.writer,
		mu:     &sync.Mutex{},
		groups: append(append([]string(nil), h.groups...), name),
		attrs:  append([]slog.Attr(nil), h.attrs...),
	}
	nh.initColors()
	return nh
}

func (h *Handler) formatLevel(level slog.Level) string {
	s := fmt.Sprintf("%-5s", strings.ToUpper(level.String()))
	if fn, ok := h.colorLevel[level]; ok {
		return fn(s)
	}
	return s
}

func (h *Handler) source(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.Function == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

func (h *Handler) collectAttrs(r slog.Record) map[string]any {
	out := make(map[string]any)
	cur := out
	for _, g := range h.groups {
		nested := make(map[string]any)
		cur[g] = nested
		cur = nested
	}

	for _, a := range h.attrs {
		addAttr(cur, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(cur, a)
		return true
	})

	pruneEmpty(out)
	return out
}

func addAttr(dst map[string]any, a slog.Attr) {
	v := a.Value.Resolve()

	if v.Kind() == slog.KindGroup {
		group := make(map[string]any)
		for _, ga := range v.Group() {
			addAttr(group, ga)
		}
		if len(group) > 0 {
			dst[a.Key] = group
		}
		return
	}

	switch v.Kind() {
	case slog.KindTime:
		dst[a.Key] = v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		dst[a.Key] = v.Duration().String()
	default:
		dst[a.Key] = v.Any()
	}
}

func pruneEmpty(attrs map[string]any) {
	for k, v := range attrs {
		if nested, ok := v.(map[string]any); ok {
			pruneEmpty(nested)
			if len(nested) == 0 {
				delete(attrs, k)
			}
		}
	}
}

func (h *Handler) writeAttrs(buf *bytes.Buffer, attrs map[string]any) error {
	var jsonBuf bytes.Buffer
	enc := json.NewEncoder(&jsonBuf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(attrs); err != nil {
		return err
	}

	buf.WriteString(h.colorFields(string(bytes.TrimRight(jsonBuf.Bytes(), "\n"))))
	return nil
}
