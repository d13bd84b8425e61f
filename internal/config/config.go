package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAddr is the default TCP address the presence server listens on.
	DefaultAddr = ":10000"
	// DefaultMaxClients bounds concurrent TCP connections. Zero disables the limit.
	DefaultMaxClients = 100
	// DefaultQueueDepth is the number of outbound messages buffered per connection.
	DefaultQueueDepth = 256
	// DefaultIdleTimeout disables read deadlines; dead peers are reclaimed by TCP keepalive.
	DefaultIdleTimeout time.Duration = 0
	// DefaultWriteTimeout bounds a single socket write.
	DefaultWriteTimeout = 5 * time.Second

	// DefaultHTTPAddr is where the admin and spectator endpoints are served.
	DefaultHTTPAddr = ":10080"
	// DefaultPingInterval controls the keepalive cadence for spectator WebSockets.
	DefaultPingInterval = 30 * time.Second
	// DefaultReplayDumpWindow bounds how frequently replay dump triggers may be requested.
	DefaultReplayDumpWindow = time.Minute
	// DefaultReplayDumpBurst sets how many replay dump requests may be made per window.
	DefaultReplayDumpBurst = 1
	// DefaultReplayFrameInterval controls how often full snapshots are written to replays.
	DefaultReplayFrameInterval = time.Second
	// DefaultReplayMaxBundles caps how many replay bundles are kept on disk.
	DefaultReplayMaxBundles = 20
	// DefaultReplayMaxAge removes replay bundles older than this.
	DefaultReplayMaxAge = 7 * 24 * time.Hour

	// DefaultMQTTTopicPrefix prefixes every presence topic published to MQTT.
	DefaultMQTTTopicPrefix = "syndicate/presence"

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "syndicate.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// SpawnPoint is one of the fixed coordinates new avatars are placed at.
type SpawnPoint struct {
	X int16 `yaml:"x"`
	Y int16 `yaml:"y"`
}

// DefaultSpawnPoints returns the stock spawn set.
func DefaultSpawnPoints() []SpawnPoint {
	return []SpawnPoint{{X: 100, Y: 100}, {X: 200, Y: 200}, {X: 300, Y: 300}, {X: 400, Y: 400}}
}

// Config captures all runtime tunables for the presence server.
type Config struct {
	Address      string
	MaxClients   int
	QueueDepth   int
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	SpawnPoints  []SpawnPoint

	HTTPAddress      string
	PingInterval     time.Duration
	AdminToken       string
	ReplayDumpWindow time.Duration
	ReplayDumpBurst  int

	GRPCAddress string

	ReplayDir           string
	ReplayFrameInterval time.Duration
	ReplayMaxBundles    int
	ReplayMaxAge        time.Duration

	MQTT    MQTTConfig
	Logging LoggingConfig
}

// MQTTConfig configures the optional presence event emitter. An empty broker disables it.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Quiet disables the stdout mirror.
	Quiet bool
}

// fileConfig mirrors Config for the optional YAML file. Durations stay strings so
// they go through the same validation as environment overrides.
type fileConfig struct {
	Address      string       `yaml:"address"`
	MaxClients   *int         `yaml:"max_clients"`
	QueueDepth   *int         `yaml:"queue_depth"`
	IdleTimeout  string       `yaml:"idle_timeout"`
	WriteTimeout string       `yaml:"write_timeout"`
	SpawnPoints  []SpawnPoint `yaml:"spawn_points"`

	HTTP struct {
		Address      string `yaml:"address"`
		PingInterval string `yaml:"ping_interval"`
		AdminToken   string `yaml:"admin_token"`
	} `yaml:"http"`

	GRPC struct {
		Address string `yaml:"address"`
	} `yaml:"grpc"`

	Replay struct {
		Dir           string `yaml:"dir"`
		FrameInterval string `yaml:"frame_interval"`
		MaxBundles    *int   `yaml:"max_bundles"`
		MaxAge        string `yaml:"max_age"`
	} `yaml:"replay"`

	MQTT struct {
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`

	Logging struct {
		Level string `yaml:"level"`
		Path  string `yaml:"path"`
	} `yaml:"logging"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Address:             DefaultAddr,
		MaxClients:          DefaultMaxClients,
		QueueDepth:          DefaultQueueDepth,
		IdleTimeout:         DefaultIdleTimeout,
		WriteTimeout:        DefaultWriteTimeout,
		SpawnPoints:         DefaultSpawnPoints(),
		HTTPAddress:         DefaultHTTPAddr,
		PingInterval:        DefaultPingInterval,
		ReplayDumpWindow:    DefaultReplayDumpWindow,
		ReplayDumpBurst:     DefaultReplayDumpBurst,
		ReplayFrameInterval: DefaultReplayFrameInterval,
		ReplayMaxBundles:    DefaultReplayMaxBundles,
		ReplayMaxAge:        DefaultReplayMaxAge,
		MQTT: MQTTConfig{
			TopicPrefix: DefaultMQTTTopicPrefix,
		},
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Path:       DefaultLogPath,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}
}

// Load reads the server configuration. Defaults are overlaid by the YAML file named
// in SYNDICATE_CONFIG (if any) and then by individual SYNDICATE_* variables. All
// invalid values are reported together.
func Load() (*Config, error) {
	cfg := Default()
	var problems []string

	if path := strings.TrimSpace(os.Getenv("SYNDICATE_CONFIG")); path != "" {
		if err := cfg.applyFile(path, &problems); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv(&problems)
	problems = append(problems, cfg.validate()...)

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

func (cfg *Config) applyFile(path string, problems *[]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.Address, file.Address)
	if file.MaxClients != nil {
		cfg.MaxClients = *file.MaxClients
	}
	if file.QueueDepth != nil {
		cfg.QueueDepth = *file.QueueDepth
	}
	setDuration(&cfg.IdleTimeout, "idle_timeout", file.IdleTimeout, true, problems)
	setDuration(&cfg.WriteTimeout, "write_timeout", file.WriteTimeout, false, problems)
	if len(file.SpawnPoints) > 0 {
		cfg.SpawnPoints = append([]SpawnPoint(nil), file.SpawnPoints...)
	}

	setString(&cfg.HTTPAddress, file.HTTP.Address)
	setDuration(&cfg.PingInterval, "http.ping_interval", file.HTTP.PingInterval, false, problems)
	setString(&cfg.AdminToken, file.HTTP.AdminToken)
	setString(&cfg.GRPCAddress, file.GRPC.Address)
	setString(&cfg.ReplayDir, file.Replay.Dir)
	setDuration(&cfg.ReplayFrameInterval, "replay.frame_interval", file.Replay.FrameInterval, false, problems)
	if file.Replay.MaxBundles != nil {
		cfg.ReplayMaxBundles = *file.Replay.MaxBundles
	}
	setDuration(&cfg.ReplayMaxAge, "replay.max_age", file.Replay.MaxAge, true, problems)
	setString(&cfg.MQTT.Broker, file.MQTT.Broker)
	setString(&cfg.MQTT.ClientID, file.MQTT.ClientID)
	setString(&cfg.MQTT.TopicPrefix, file.MQTT.TopicPrefix)
	setString(&cfg.Logging.Level, file.Logging.Level)
	setString(&cfg.Logging.Path, file.Logging.Path)
	return nil
}

func (cfg *Config) applyEnv(problems *[]string) {
	setString(&cfg.Address, os.Getenv("SYNDICATE_ADDR"))
	setString(&cfg.HTTPAddress, os.Getenv("SYNDICATE_HTTP_ADDR"))
	setString(&cfg.AdminToken, os.Getenv("SYNDICATE_ADMIN_TOKEN"))
	setString(&cfg.GRPCAddress, os.Getenv("SYNDICATE_GRPC_ADDR"))
	setString(&cfg.ReplayDir, os.Getenv("SYNDICATE_REPLAY_DIR"))
	setString(&cfg.MQTT.Broker, os.Getenv("SYNDICATE_MQTT_BROKER"))
	setString(&cfg.MQTT.ClientID, os.Getenv("SYNDICATE_MQTT_CLIENT_ID"))
	setString(&cfg.MQTT.TopicPrefix, os.Getenv("SYNDICATE_MQTT_TOPIC_PREFIX"))
	setString(&cfg.Logging.Level, os.Getenv("SYNDICATE_LOG_LEVEL"))
	setString(&cfg.Logging.Path, os.Getenv("SYNDICATE_LOG_PATH"))

	setInt(&cfg.MaxClients, "SYNDICATE_MAX_CLIENTS", 0, problems)
	setInt(&cfg.QueueDepth, "SYNDICATE_QUEUE_DEPTH", 1, problems)
	setInt(&cfg.ReplayDumpBurst, "SYNDICATE_REPLAY_DUMP_BURST", 1, problems)
	setInt(&cfg.ReplayMaxBundles, "SYNDICATE_REPLAY_MAX_BUNDLES", 0, problems)
	setInt(&cfg.Logging.MaxSizeMB, "SYNDICATE_LOG_MAX_SIZE_MB", 1, problems)
	setInt(&cfg.Logging.MaxBackups, "SYNDICATE_LOG_MAX_BACKUPS", 0, problems)
	setInt(&cfg.Logging.MaxAgeDays, "SYNDICATE_LOG_MAX_AGE_DAYS", 0, problems)

	setDuration(&cfg.IdleTimeout, "SYNDICATE_IDLE_TIMEOUT", os.Getenv("SYNDICATE_IDLE_TIMEOUT"), true, problems)
	setDuration(&cfg.WriteTimeout, "SYNDICATE_WRITE_TIMEOUT", os.Getenv("SYNDICATE_WRITE_TIMEOUT"), false, problems)
	setDuration(&cfg.PingInterval, "SYNDICATE_PING_INTERVAL", os.Getenv("SYNDICATE_PING_INTERVAL"), false, problems)
	setDuration(&cfg.ReplayDumpWindow, "SYNDICATE_REPLAY_DUMP_WINDOW", os.Getenv("SYNDICATE_REPLAY_DUMP_WINDOW"), false, problems)
	setDuration(&cfg.ReplayFrameInterval, "SYNDICATE_REPLAY_FRAME_INTERVAL", os.Getenv("SYNDICATE_REPLAY_FRAME_INTERVAL"), false, problems)
	setDuration(&cfg.ReplayMaxAge, "SYNDICATE_REPLAY_MAX_AGE", os.Getenv("SYNDICATE_REPLAY_MAX_AGE"), true, problems)

	if raw := strings.TrimSpace(os.Getenv("SYNDICATE_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			*problems = append(*problems, fmt.Sprintf("SYNDICATE_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SYNDICATE_SPAWN_POINTS")); raw != "" {
		points, err := ParseSpawnPoints(raw)
		if err != nil {
			*problems = append(*problems, fmt.Sprintf("SYNDICATE_SPAWN_POINTS: %v", err))
		} else {
			cfg.SpawnPoints = points
		}
	}
}

func (cfg *Config) validate() []string {
	var problems []string
	if cfg.MaxClients < 0 {
		problems = append(problems, fmt.Sprintf("max clients must be non-negative, got %d", cfg.MaxClients))
	}
	if cfg.QueueDepth <= 0 {
		problems = append(problems, fmt.Sprintf("queue depth must be positive, got %d", cfg.QueueDepth))
	}
	if cfg.ReplayMaxBundles < 0 {
		problems = append(problems, fmt.Sprintf("replay max bundles must be non-negative, got %d", cfg.ReplayMaxBundles))
	}
	if len(cfg.SpawnPoints) == 0 {
		problems = append(problems, "at least one spawn point is required")
	}
	if strings.TrimSpace(cfg.Address) == "" {
		problems = append(problems, "listen address must not be empty")
	}
	return problems
}

// ParseSpawnPoints parses "x:y,x:y" into spawn points.
func ParseSpawnPoints(raw string) ([]SpawnPoint, error) {
	var points []SpawnPoint
	for _, part := range parseList(raw) {
		xs, ys, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("spawn point %q must be formatted as x:y", part)
		}
		x, err := parseCoordinate(xs)
		if err != nil {
			return nil, fmt.Errorf("spawn point %q: %w", part, err)
		}
		y, err := parseCoordinate(ys)
		if err != nil {
			return nil, fmt.Errorf("spawn point %q: %w", part, err)
		}
		points = append(points, SpawnPoint{X: x, Y: y})
	}
	if len(points) == 0 {
		return nil, errors.New("no spawn points given")
	}
	return points, nil
}

func parseCoordinate(raw string) (int16, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("coordinate must fit in [%d, %d]", math.MinInt16, math.MaxInt16)
	}
	return int16(value), nil
}

func setString(dst *string, raw string) {
	if value := strings.TrimSpace(raw); value != "" {
		*dst = value
	}
}

func setInt(dst *int, key string, minimum int, problems *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < minimum {
		*problems = append(*problems, fmt.Sprintf("%s must be an integer >= %d, got %q", key, minimum, raw))
		return
	}
	*dst = value
}

func setDuration(dst *time.Duration, key, raw string, allowZero bool, problems *[]string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration < 0 || (duration == 0 && !allowZero) {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*dst = duration
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
