package log

import (
	"context"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

// Probes never hold credentials, but key exchange material and anything a
// caller attaches under these names must not reach a log sink.
var sensitiveFields = map[string]struct{}{
	"password":      {},
	"passphrase":    {},
	"private_key":   {},
	"secret":        {},
	"token":         {},
	"shared_secret": {},
	"session_id":    {},
}

// RedactingHandler replaces the values of sensitive attributes, including
// those nested in groups, before passing records on.
type RedactingHandler struct {
	inner slog.Handler
}

func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fallback := slog.NewRecord(record.Time, slog.LevelError, "redaction handler panic recovered", record.PC)
			fallback.AddAttrs(slog.String("panic", redacted))
			err = h.inner.Handle(ctx, fallback)
		}
	}()

	out := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(redactAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, redactAttr(attr))
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(out)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func isSensitive(key string) bool {
	_, ok := sensitiveFields[strings.ToLower(key)]
	return ok
}

func redactAttr(attr slog.Attr) slog.Attr {
	if isSensitive(attr.Key) {
		return slog.String(attr.Key, redacted)
	}

	// LogValuers may expand into groups carrying sensitive keys.
	value := attr.Value.Resolve()
	if value.Kind() != slog.KindGroup {
		return slog.Attr{Key: attr.Key, Value: value}
	}
	group := value.Group()
	nested := make([]slog.Attr, 0, len(group))
	for _, a := range group {
		nested = append(nested, redactAttr(a))
	}
	return slog.Attr{Key: attr.Key, Value: slog.GroupValue(nested...)}
}
