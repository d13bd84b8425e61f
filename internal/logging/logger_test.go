package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/AnythingTechPro/Syndicate/internal/config"
)

func TestNewWritesJSONLines(t *testing.T) {
	previous := L()
	t.Cleanup(func() { ReplaceGlobals(previous) })

	path := filepath.Join(t.TempDir(), "logs", "syndicate.log")
	logger, err := New(config.LoggingConfig{Level: "info", Path: path, MaxSizeMB: 1, MaxBackups: 1, Quiet: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.With(String(ConnIDField, "abc")).Info("spawned", Int("avatar_id", 3))
	logger.Debug("filtered out")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer file.Close()
	var lines []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("invalid json line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, entry)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	entry := lines[0]
	if entry["message"] != "spawned" || entry["level"] != "info" {
		t.Fatalf("unexpected entry %#v", entry)
	}
	if entry[ConnIDField] != "abc" || entry["avatar_id"] != float64(3) || entry["service"] != "syndicate" {
		t.Fatalf("missing structured fields in %#v", entry)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	previous := L()
	t.Cleanup(func() { ReplaceGlobals(previous) })

	dir := t.TempDir()
	cases := []config.LoggingConfig{
		{Level: "info"},
		{Level: "verbose", Path: filepath.Join(dir, "a.log"), MaxSizeMB: 1},
		{Level: "info", Path: filepath.Join(dir, "b.log"), MaxSizeMB: 0},
		{Level: "info", Path: filepath.Join(dir, "c.log"), MaxSizeMB: 1, MaxBackups: -1},
	}
	for i, cfg := range cases {
		cfg.Quiet = true
		if _, err := New(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestWithAndContextPropagation(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	base := NewWithCore(core)
	derived := base.With(String("component", "session"))

	ctx := ContextWithLogger(context.Background(), derived)
	LoggerFromContext(ctx).Warn("spoofed update", Error(errors.New("mismatch")))

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["component"] != "session" || fields["error"] != "mismatch" {
		t.Fatalf("unexpected fields %#v", fields)
	}
}

func TestLoggerFromContextFallsBackToGlobal(t *testing.T) {
	if LoggerFromContext(context.Background()) != L() {
		t.Fatal("expected global logger fallback")
	}
	var nilLogger *Logger
	nilLogger.Info("nil receivers route to the global logger")
}
