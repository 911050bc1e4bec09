// ABOUTME: slog.Handler that tees every record into a Buffer as a text line
// ABOUTME: The wrapped handler still receives each record unchanged

package logbuf

import (
	"context"
	"errors"
	"log/slog"
)

// Handler forwards records to next and also renders them into a Buffer.
type Handler struct {
	ring slog.Handler
	next slog.Handler
}

// NewHandler tees records into buf using the text format and opts. next may
// be nil, in which case records only go to buf.
func NewHandler(buf *Buffer, next slog.Handler, opts *slog.HandlerOptions) *Handler {
	return &Handler{ring: slog.NewTextHandler(buf, opts), next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.ring.Enabled(ctx, level) {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	if h.ring.Enabled(ctx, r.Level) {
		errs = append(errs, h.ring.Handle(ctx, r.Clone()))
	}
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		errs = append(errs, h.next.Handle(ctx, r))
	}
	return errors.Join(errs...)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := &Handler{ring: h.ring.WithAttrs(attrs)}
	if h.next != nil {
		out.next = h.next.WithAttrs(attrs)
	}
	return out
}

func (h *Handler) WithGroup(name string) slog.Handler {
	out := &Handler{ring: h.ring.WithGroup(name)}
	if h.next != nil {
		out.next = h.next.WithGroup(name)
	}
	return out
}
