package gologger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSlogProviderScopesComponentLoggers(t *testing.T) {
	buf := &bytes.Buffer{}
	provider := NewSlogProvider(NewJSONLogger(buf, LevelTrace))

	provider.GetLogger("webhooks").WithContext(context.Background()).Warn("signature mismatch", "connection_id", "conn_1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["logger"] != "channels.webhooks" || entry["msg"] != "signature mismatch" || entry["connection_id"] != "conn_1" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["level"] != "WARN" {
		t.Fatalf("expected WARN level, got %v", entry["level"])
	}
}

func TestSlogLoggerHonorsMinimumLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewJSONLogger(buf, slog.LevelInfo)

	logger.Trace("hidden")
	logger.Debug("hidden")
	logger.Info("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestSlogLoggerFatalExits(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewJSONLogger(buf, slog.LevelInfo)
	code := -1
	logger.exit = func(c int) { code = c }

	logger.Fatal("boom")

	if code != 1 || !strings.Contains(buf.String(), "boom") {
		t.Fatalf("expected fatal to log and exit 1, code=%d out=%q", code, buf.String())
	}
}
