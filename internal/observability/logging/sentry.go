package logging

import (
	"context"
	"log/slog"

	"github.com/getsentry/sentry-go"
)

// SentryConfig enables forwarding Error-level slog records to Sentry when a
// DSN is configured. It is additive: the wrapped handler still emits every
// record to its underlying writer exactly as before.
type SentryConfig struct {
	DSN         string
	Environment string
}

// InitSentry initialises the Sentry SDK. A blank DSN disables reporting
// without error (Sentry's own client no-ops in that case).
func InitSentry(cfg SentryConfig) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
	})
}

// WithSentry wraps handler so that any record at slog.LevelError or above is
// also reported to Sentry via sentry.CaptureEvent, with the record's
// structured attributes attached as the event's extra data.
func WithSentry(handler slog.Handler) slog.Handler {
	return &sentryHandler{next: handler}
}

type sentryHandler struct {
	next slog.Handler
}

func (h *sentryHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *sentryHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level >= slog.LevelError {
		h.report(record)
	}
	return h.next.Handle(ctx, record)
}

func (h *sentryHandler) report(record slog.Record) {
	event := sentry.NewEvent()
	event.Level = sentry.LevelError
	event.Message = record.Message
	extra := make(map[string]interface{})
	record.Attrs(func(attr slog.Attr) bool {
		extra[attr.Key] = attr.Value.Any()
		return true
	})
	event.Extra = extra
	sentry.CaptureEvent(event)
}

func (h *sentryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sentryHandler{next: h.next.WithAttrs(attrs)}
}

func (h *sentryHandler) WithGroup(name string) slog.Handler {
	return &sentryHandler{next: h.next.WithGroup(name)}
}
