package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"SYNDICATE_CONFIG",
	"SYNDICATE_ADDR",
	"SYNDICATE_HTTP_ADDR",
	"SYNDICATE_ADMIN_TOKEN",
	"SYNDICATE_GRPC_ADDR",
	"SYNDICATE_REPLAY_DIR",
	"SYNDICATE_MQTT_BROKER",
	"SYNDICATE_MQTT_CLIENT_ID",
	"SYNDICATE_MQTT_TOPIC_PREFIX",
	"SYNDICATE_LOG_LEVEL",
	"SYNDICATE_LOG_PATH",
	"SYNDICATE_MAX_CLIENTS",
	"SYNDICATE_QUEUE_DEPTH",
	"SYNDICATE_REPLAY_DUMP_BURST",
	"SYNDICATE_LOG_MAX_SIZE_MB",
	"SYNDICATE_LOG_MAX_BACKUPS",
	"SYNDICATE_LOG_MAX_AGE_DAYS",
	"SYNDICATE_IDLE_TIMEOUT",
	"SYNDICATE_WRITE_TIMEOUT",
	"SYNDICATE_PING_INTERVAL",
	"SYNDICATE_REPLAY_DUMP_WINDOW",
	"SYNDICATE_REPLAY_FRAME_INTERVAL",
	"SYNDICATE_REPLAY_MAX_BUNDLES",
	"SYNDICATE_REPLAY_MAX_AGE",
	"SYNDICATE_LOG_COMPRESS",
	"SYNDICATE_SPAWN_POINTS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.MaxClients != DefaultMaxClients {
		t.Fatalf("expected default max clients %d, got %d", DefaultMaxClients, cfg.MaxClients)
	}
	if cfg.QueueDepth != DefaultQueueDepth {
		t.Fatalf("expected default queue depth %d, got %d", DefaultQueueDepth, cfg.QueueDepth)
	}
	if cfg.IdleTimeout != 0 {
		t.Fatalf("expected idle timeout to be disabled, got %v", cfg.IdleTimeout)
	}
	if len(cfg.SpawnPoints) != 4 || cfg.SpawnPoints[0] != (SpawnPoint{X: 100, Y: 100}) || cfg.SpawnPoints[3] != (SpawnPoint{X: 400, Y: 400}) {
		t.Fatalf("unexpected default spawn points %#v", cfg.SpawnPoints)
	}
	if cfg.GRPCAddress != "" || cfg.MQTT.Broker != "" || cfg.ReplayDir != "" {
		t.Fatalf("expected optional surfaces disabled, got grpc=%q mqtt=%q replay=%q", cfg.GRPCAddress, cfg.MQTT.Broker, cfg.ReplayDir)
	}
	if cfg.Logging.Path != DefaultLogPath || cfg.Logging.Level != DefaultLogLevel {
		t.Fatalf("unexpected logging defaults %#v", cfg.Logging)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYNDICATE_ADDR", "127.0.0.1:9000")
	t.Setenv("SYNDICATE_MAX_CLIENTS", "12")
	t.Setenv("SYNDICATE_QUEUE_DEPTH", "32")
	t.Setenv("SYNDICATE_IDLE_TIMEOUT", "45s")
	t.Setenv("SYNDICATE_SPAWN_POINTS", "1:2, -3:4")
	t.Setenv("SYNDICATE_GRPC_ADDR", ":50051")
	t.Setenv("SYNDICATE_MQTT_BROKER", "tcp://localhost:1883")
	t.Setenv("SYNDICATE_LOG_COMPRESS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if cfg.MaxClients != 12 || cfg.QueueDepth != 32 {
		t.Fatalf("unexpected limits: clients=%d queue=%d", cfg.MaxClients, cfg.QueueDepth)
	}
	if cfg.IdleTimeout != 45*time.Second {
		t.Fatalf("unexpected idle timeout: %v", cfg.IdleTimeout)
	}
	if len(cfg.SpawnPoints) != 2 || cfg.SpawnPoints[1] != (SpawnPoint{X: -3, Y: 4}) {
		t.Fatalf("unexpected spawn points: %#v", cfg.SpawnPoints)
	}
	if cfg.GRPCAddress != ":50051" || cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Fatalf("unexpected surfaces: grpc=%q mqtt=%q", cfg.GRPCAddress, cfg.MQTT.Broker)
	}
	if cfg.Logging.Compress {
		t.Fatal("expected log compression to be disabled")
	}
}

func TestLoadReportsAllProblems(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYNDICATE_MAX_CLIENTS", "-1")
	t.Setenv("SYNDICATE_WRITE_TIMEOUT", "soon")
	t.Setenv("SYNDICATE_SPAWN_POINTS", "1:99999")

	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail")
	}
	for _, key := range []string{"SYNDICATE_MAX_CLIENTS", "SYNDICATE_WRITE_TIMEOUT", "SYNDICATE_SPAWN_POINTS"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected error to mention %s, got %v", key, err)
		}
	}
}

func TestLoadYAMLFileWithEnvPrecedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "syndicate.yaml")
	contents := `
address: ":11000"
queue_depth: 8
spawn_points:
  - {x: 5, y: 6}
http:
  address: ":11080"
  admin_token: secret
replay:
  dir: /tmp/replays
  frame_interval: 2s
  max_bundles: 3
  max_age: 0s
mqtt:
  broker: tcp://broker:1883
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SYNDICATE_CONFIG", path)
	t.Setenv("SYNDICATE_ADDR", ":12000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != ":12000" {
		t.Fatalf("expected env to win over file, got %q", cfg.Address)
	}
	if cfg.QueueDepth != 8 || cfg.HTTPAddress != ":11080" || cfg.AdminToken != "secret" {
		t.Fatalf("file values not applied: %#v", cfg)
	}
	if len(cfg.SpawnPoints) != 1 || cfg.SpawnPoints[0] != (SpawnPoint{X: 5, Y: 6}) {
		t.Fatalf("unexpected spawn points %#v", cfg.SpawnPoints)
	}
	if cfg.ReplayDir != "/tmp/replays" || cfg.ReplayFrameInterval != 2*time.Second {
		t.Fatalf("unexpected replay config dir=%q interval=%v", cfg.ReplayDir, cfg.ReplayFrameInterval)
	}
	if cfg.ReplayMaxBundles != 3 || cfg.ReplayMaxAge != 0 {
		t.Fatalf("unexpected replay retention bundles=%d age=%v", cfg.ReplayMaxBundles, cfg.ReplayMaxAge)
	}
	if cfg.MQTT.Broker != "tcp://broker:1883" || cfg.MQTT.TopicPrefix != DefaultMQTTTopicPrefix {
		t.Fatalf("unexpected mqtt config %#v", cfg.MQTT)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYNDICATE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected missing config file to fail")
	}
}

func TestParseSpawnPoints(t *testing.T) {
	points, err := ParseSpawnPoints("100:100,200:-200")
	if err != nil {
		t.Fatalf("ParseSpawnPoints: %v", err)
	}
	if len(points) != 2 || points[1] != (SpawnPoint{X: 200, Y: -200}) {
		t.Fatalf("unexpected points %#v", points)
	}
	for _, raw := range []string{"", "100", "a:1", "1:b", " , "} {
		if _, err := ParseSpawnPoints(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}
