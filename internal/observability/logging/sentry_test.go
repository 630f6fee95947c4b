package logging

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestWithSentryStillWritesToUnderlyingHandler(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	wrapped := WithSentry(base)
	logger := slog.New(wrapped)

	logger.Error("boom", "serial", "EMULATOR1")

	if buf.Len() == 0 {
		t.Fatal("expected the underlying handler to still receive the record")
	}
}

func TestNewHandlerWrapsSentryOnlyWhenDSNSet(t *testing.T) {
	var buf bytes.Buffer
	plain := newHandler(Config{Format: "json"}, &buf)
	if _, ok := plain.(*sentryHandler); ok {
		t.Fatal("expected plain handler without a Sentry DSN")
	}

	withDSN := newHandler(Config{Format: "json", SentryDSN: "https://example.invalid/1"}, &buf)
	if _, ok := withDSN.(*sentryHandler); !ok {
		t.Fatal("expected a Sentry-wrapped handler when DSN is set")
	}
}
