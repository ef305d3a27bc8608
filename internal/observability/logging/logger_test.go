package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewAddsServiceAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "mcp", "info")
	logger.Debug("hidden")
	logger.Info("route_fallback", "query_id", "q-1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected a single json line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "mcp" || entry["msg"] != "route_fallback" || entry["query_id"] != "q-1" {
		t.Fatalf("unexpected log entry: %v", entry)
	}
}
