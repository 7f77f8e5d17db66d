package notify_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/section9-dev/aramaki/internal/aramaki/notify"
)

// TestLogSink_StreamEvent verifies that events land in the logger with the
// identifying attributes and that optional fields are omitted when empty.
func TestLogSink_StreamEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := &notify.LogSink{
		Logger: slog.New(slog.NewTextHandler(&buf, nil)),
	}

	err := sink.StreamEvent(context.Background(), notify.Event{
		Kind:     notify.KindFailed,
		Account:  "alpha",
		StreamID: "s_1",
		Error:    "backend unreachable",
	})
	if err != nil {
		t.Fatalf("StreamEvent: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"kind=failed", "account=alpha", "stream_id=s_1", "backend unreachable"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "msg_id") {
		t.Errorf("empty msg_id should be omitted: %s", out)
	}
}

// TestLogSink_NilLoggerDoesNotPanic covers the zero-value sink.
func TestLogSink_NilLoggerDoesNotPanic(t *testing.T) {
	sink := &notify.LogSink{}
	if err := sink.StreamEvent(context.Background(), notify.Event{Kind: notify.KindStarted}); err != nil {
		t.Fatalf("StreamEvent: %v", err)
	}
}
