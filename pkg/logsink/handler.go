package logsink

import (
	"context"
	"log/slog"
)

// Handler is an slog.Handler that converts records into Records and hands
// them to an emit function. In a worker process emit writes a frame to the
// coordinator; in the coordinator it submits to a Sink. A Handler never
// writes to the log destination itself.
type Handler struct {
	emit   func(Record) error
	level  slog.Leveler
	source string
	prefix string
	attrs  []Attr
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler creates a Handler forwarding records at or above level to emit.
// A nil level means slog.LevelInfo.
func NewHandler(emit func(Record) error, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{emit: emit, level: level}
}

// WithSource returns a copy of h that stamps records with source
func (h *Handler) WithSource(source string) *Handler {
	h2 := *h
	h2.source = source
	return &h2
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	attrs := make([]Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = appendAttr(attrs, h.prefix, a)
		return true
	})
	return h.emit(Record{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   attrs,
		Source:  h.source,
	})
}

func (h *Handler) WithAttrs(as []slog.Attr) slog.Handler {
	if len(as) == 0 {
		return h
	}
	h2 := *h
	h2.attrs = make([]Attr, 0, len(h.attrs)+len(as))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range as {
		h2.attrs = appendAttr(h2.attrs, h.prefix, a)
	}
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

// appendAttr flattens a into dst, joining group names with dots
func appendAttr(dst []Attr, prefix string, a slog.Attr) []Attr {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		if len(group) == 0 {
			return dst
		}
		if a.Key != "" {
			prefix = prefix + a.Key + "."
		}
		for _, ga := range group {
			dst = appendAttr(dst, prefix, ga)
		}
		return dst
	}
	return append(dst, Attr{Key: prefix + a.Key, Value: a.Value.String()})
}
