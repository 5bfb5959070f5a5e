package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// consoleHandler prints one human-readable line per record:
//
//	2026-01-02T15:04:05Z INFO controller: [run-1 · script-writer] stage completed cost_usd=0.2500
type consoleHandler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     *slog.LevelVar
	addSource bool
	bound     []field
	groups    []string
}

type field struct {
	key   string
	value slog.Value
}

// lineSubject holds the attributes the console lifts out of the key=value tail.
type lineSubject struct {
	component  string
	pipelineID string
	stage      string
}

func (s *lineSubject) take(f field) bool {
	var dst *string
	switch f.key {
	case FieldComponent:
		dst = &s.component
	case FieldPipelineID:
		dst = &s.pipelineID
	case FieldStage:
		dst = &s.stage
	default:
		return false
	}
	if *dst == "" {
		*dst = consoleValue(f.key, f.value, false)
	}
	return true
}

func newConsoleHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) slog.Handler {
	return &consoleHandler{mu: &sync.Mutex{}, w: w, level: lvl, addSource: addSource}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	if !h.Enabled(context.Background(), record.Level) {
		return nil
	}
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	fields := slices.Clone(h.bound)
	record.Attrs(func(a slog.Attr) bool {
		fields = appendField(fields, h.groups, a)
		return true
	})

	var subject lineSubject
	rest := fields[:0]
	for _, f := range fields {
		if !subject.take(f) {
			rest = append(rest, f)
		}
	}

	var buf bytes.Buffer
	buf.WriteString(ts.UTC().Format(time.RFC3339))
	buf.WriteByte(' ')
	buf.WriteString(levelLabel(record.Level))
	buf.WriteByte(' ')
	if subject.component != "" {
		buf.WriteString(subject.component + ": ")
	}
	if s := FormatSubject(subject.pipelineID, subject.stage); s != "" {
		buf.WriteString("[" + s + "] ")
	}
	msg := strings.TrimSpace(record.Message)
	if msg == "" {
		msg = "(no message)"
	}
	buf.WriteString(msg)
	if src := record.Source(); h.addSource && src != nil {
		buf.WriteString(" [" + filepath.Base(src.File) + ":" + strconv.Itoa(src.Line) + "]")
	}
	for _, f := range rest {
		if f.key == "" {
			continue
		}
		buf.WriteString(" " + f.key + "=" + consoleValue(f.key, f.value, true))
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.bound = slices.Clone(h.bound)
	for _, a := range attrs {
		next.bound = appendField(next.bound, h.groups, a)
	}
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(slices.Clone(h.groups), name)
	return &next
}

// appendField flattens a (possibly grouped) attribute into dotted keys.
func appendField(dst []field, groups []string, a slog.Attr) []field {
	if a.Equal(slog.Attr{}) {
		return dst
	}
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			groups = append(slices.Clone(groups), a.Key)
		}
		for _, member := range a.Value.Group() {
			dst = appendField(dst, groups, member)
		}
		return dst
	}
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(append(slices.Clone(groups), key), ".")
		key = strings.TrimSuffix(key, ".")
	}
	return append(dst, field{key: key, value: a.Value})
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
