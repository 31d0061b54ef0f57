package logging

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

const timeFormat = "2006/01/02 15:04:05"

// TextHandler writes one line per record in the form
//
//	2025/01/02 15:04:05 INFO [component] message key=value ...
//
// The instanceID attribute names the component and fills the brackets.
type TextHandler struct {
	mu  *sync.Mutex
	out io.Writer

	instanceID string
	// preformatted holds attributes bound with WithAttrs, already rendered.
	preformatted []byte
	group        string
}

func NewTextHandler(out io.Writer) *TextHandler {
	return &TextHandler{
		mu:         &sync.Mutex{},
		out:        out,
		instanceID: "root",
	}
}

func (h *TextHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= globalLevel.Level()
}

func (h *TextHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	buf := make([]byte, 0, 256+len(h.preformatted))
	buf = ts.AppendFormat(buf, timeFormat)
	buf = append(buf, ' ')
	buf = append(buf, r.Level.String()...)
	buf = append(buf, " ["...)
	buf = append(buf, h.instanceID...)
	buf = append(buf, "] "...)
	buf = append(buf, r.Message...)
	buf = append(buf, h.preformatted...)
	r.Attrs(func(a slog.Attr) bool {
		buf = appendAttr(buf, h.group, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

func (h *TextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		if a.Key == "instanceID" && h.group == "" {
			next.instanceID = a.Value.String()
			continue
		}
		next.preformatted = appendAttr(next.preformatted, h.group, a)
	}
	return next
}

func (h *TextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.group = qualify(h.group, name)
	return next
}

func (h *TextHandler) clone() *TextHandler {
	return &TextHandler{
		mu:           h.mu,
		out:          h.out,
		instanceID:   h.instanceID,
		preformatted: slices.Clip(h.preformatted),
		group:        h.group,
	}
}

func qualify(group, key string) string {
	if group == "" {
		return key
	}
	return group + "." + key
}

// appendAttr renders a as " key=value", flattening groups into dotted keys.
func appendAttr(buf []byte, group string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	key := qualify(group, a.Key)
	if a.Value.Kind() == slog.KindGroup {
		for _, member := range a.Value.Group() {
			buf = appendAttr(buf, key, member)
		}
		return buf
	}

	buf = append(buf, ' ')
	buf = append(buf, key...)
	buf = append(buf, '=')
	s := a.Value.String()
	if needsQuoting(s) {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

// needsQuoting reports whether s would break key=value parsing: it is empty,
// or holds a space, '=', '"' or an unprintable rune.
func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return r == '=' || r == '"' || unicode.IsSpace(r) || !unicode.IsPrint(r)
	}) >= 0
}
