package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for name, want := range tests {
		got, err := ParseLevel(name)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", name, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(&buf, Config{Level: "info", Format: "json"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("Manifest updated", "changes", 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "Manifest updated" || entry["changes"] != float64(2) {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestNew_LevelVarChangesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, lv, err := New(&buf, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug("before")
	lv.Set(slog.LevelDebug)
	logger.Debug("after")

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Error("debug output before the level change")
	}
	if !strings.Contains(out, "msg=after") {
		t.Errorf("expected debug output after the level change, got %q", out)
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	if _, _, err := New(&bytes.Buffer{}, Config{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}
