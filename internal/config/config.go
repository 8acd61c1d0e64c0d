package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	NATS     NATSConfig     `json:"nats" yaml:"nats"`
	Events   EventsConfig   `json:"events" yaml:"events"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Missions MissionConfig  `json:"missions" yaml:"missions"`
	Swarms   SwarmConfig    `json:"swarms" yaml:"swarms"`
	Agents   AgentConfig    `json:"agents" yaml:"agents"`
	Alerts   AlertConfig    `json:"alerts" yaml:"alerts"`
}

type ServerConfig struct {
	Port            int      `json:"port" yaml:"port"`
	LogLevel        string   `json:"log_level" yaml:"log_level"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	IdempotencyTTL  Duration `json:"idempotency_ttl" yaml:"idempotency_ttl"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Neo4j    Neo4jConfig    `json:"neo4j" yaml:"neo4j"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant" yaml:"qdrant"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn" yaml:"dsn"`
	MigrationsDir string `json:"migrations_dir" yaml:"migrations_dir"`
}

type SQLiteConfig struct {
	Path string `json:"path" yaml:"path"`
}

type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

type RedisConfig struct {
	URL    string `json:"url" yaml:"url"`
	Stream string `json:"stream" yaml:"stream"`
	MaxLen int64  `json:"max_len" yaml:"max_len"`
}

type QdrantConfig struct {
	Host       string          `json:"host" yaml:"host"`
	Port       int             `json:"port" yaml:"port"`
	Collection string          `json:"collection" yaml:"collection"`
	Dimension  int             `json:"dimension" yaml:"dimension"`
	Embedding  EmbeddingConfig `json:"embedding" yaml:"embedding"`
}

// EmbeddingConfig points the tool catalog at an OpenAI-compatible embeddings
// endpoint. Without an endpoint, tools are embedded locally by feature hashing.
type EmbeddingConfig struct {
	Endpoint string   `json:"endpoint" yaml:"endpoint"`
	Model    string   `json:"model" yaml:"model"`
	APIKey   string   `json:"api_key" yaml:"api_key"`
	Timeout  Duration `json:"timeout" yaml:"timeout"`
}

// NATSConfig selects an external NATS server by URL, or starts an embedded one.
type NATSConfig struct {
	URL      string `json:"url" yaml:"url"`
	Embedded bool   `json:"embedded" yaml:"embedded"`
	Port     int    `json:"port" yaml:"port"`
	DataDir  string `json:"data_dir" yaml:"data_dir"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// EventsConfig tunes the in-process event bus.
type EventsConfig struct {
	// QueueLimit caps undelivered events per subscriber; the oldest are dropped.
	// Zero selects the default of 10000.
	QueueLimit int `json:"queue_limit" yaml:"queue_limit"`
}

type PipelineConfig struct {
	MaxConcurrent int                       `json:"max_concurrent" yaml:"max_concurrent"`
	GracePeriod   Duration                  `json:"grace_period" yaml:"grace_period"`
	Timeouts      DepthTimeouts             `json:"timeouts" yaml:"timeouts"`
	Retry         RetryConfig               `json:"retry" yaml:"retry"`
	Reconcile     RetryConfig               `json:"reconcile" yaml:"reconcile"`
	Producers     map[string]ProducerConfig `json:"producers" yaml:"producers"`
}

// DepthTimeouts is the per-phase timeout for each pipeline depth.
type DepthTimeouts struct {
	Basic    Duration `json:"basic" yaml:"basic"`
	Standard Duration `json:"standard" yaml:"standard"`
	Deep     Duration `json:"deep" yaml:"deep"`
}

type RetryConfig struct {
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`
	InitialInterval Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     Duration `json:"max_interval" yaml:"max_interval"`
}

// ProducerConfig binds one ECRR phase to a producer implementation.
// Type is "builtin" or "http".
type ProducerConfig struct {
	Type      string   `json:"type" yaml:"type"`
	Endpoint  string   `json:"endpoint" yaml:"endpoint"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
	StepDelay Duration `json:"step_delay" yaml:"step_delay"`
}

type MissionConfig struct {
	Exclusive        bool    `json:"exclusive" yaml:"exclusive"`
	ExperienceReward float64 `json:"experience_reward" yaml:"experience_reward"`
}

type SwarmConfig struct {
	Exclusive         bool     `json:"exclusive" yaml:"exclusive"`
	AggregateInterval Duration `json:"aggregate_interval" yaml:"aggregate_interval"`
}

type AgentConfig struct {
	HeartbeatTTL  Duration `json:"heartbeat_ttl" yaml:"heartbeat_ttl"`
	SweepInterval Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

type AlertConfig struct {
	Slack   SlackAlertConfig   `json:"slack" yaml:"slack"`
	Discord DiscordAlertConfig `json:"discord" yaml:"discord"`
}

type SlackAlertConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token"`
	Channel  string `json:"channel" yaml:"channel"`
}

type DiscordAlertConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	BotToken  string `json:"bot_token" yaml:"bot_token"`
	ChannelID string `json:"channel_id" yaml:"channel_id"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON or YAML config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := expandEnv(string(data))

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(resolved), cfg)
	default:
		err = json.Unmarshal([]byte(resolved), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

func expandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Default returns a configuration usable without any file: embedded SQLite,
// builtin producers, no external sinks.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "debug"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(15 * time.Second)
	}
	if c.Server.IdempotencyTTL == 0 {
		c.Server.IdempotencyTTL = Duration(10 * time.Minute)
	}
	if c.Database.Postgres.MigrationsDir == "" {
		c.Database.Postgres.MigrationsDir = "migrations"
	}
	if c.Database.Postgres.DSN == "" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "data/swarm.db"
	}
	if c.Database.Redis.Stream == "" {
		c.Database.Redis.Stream = "swarm:events"
	}
	if c.Database.Redis.MaxLen == 0 {
		c.Database.Redis.MaxLen = 10000
	}
	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}
	if c.Database.Qdrant.Collection == "" {
		c.Database.Qdrant.Collection = "swarm_tools"
	}
	if c.Database.Qdrant.Dimension == 0 {
		c.Database.Qdrant.Dimension = 256
	}
	if c.NATS.Prefix == "" {
		c.NATS.Prefix = "swarm.events"
	}
	if c.NATS.DataDir == "" {
		c.NATS.DataDir = "data/nats"
	}
	if c.Events.QueueLimit == 0 {
		c.Events.QueueLimit = 10000
	}

	p := &c.Pipeline
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 8
	}
	if p.GracePeriod == 0 {
		p.GracePeriod = Duration(5 * time.Second)
	}
	if p.Timeouts.Basic == 0 {
		p.Timeouts.Basic = Duration(30 * time.Second)
	}
	if p.Timeouts.Standard == 0 {
		p.Timeouts.Standard = Duration(2 * time.Minute)
	}
	if p.Timeouts.Deep == 0 {
		p.Timeouts.Deep = Duration(10 * time.Minute)
	}
	p.Retry.defaults(3, 200*time.Millisecond, 5*time.Second)
	p.Reconcile.defaults(5, time.Second, 30*time.Second)
	if p.Producers == nil {
		p.Producers = make(map[string]ProducerConfig)
	}

	if c.Missions.ExperienceReward == 0 {
		c.Missions.ExperienceReward = 25
	}
	if c.Swarms.AggregateInterval == 0 {
		c.Swarms.AggregateInterval = Duration(30 * time.Second)
	}
	if c.Agents.HeartbeatTTL == 0 {
		c.Agents.HeartbeatTTL = Duration(2 * time.Minute)
	}
	if c.Agents.SweepInterval == 0 {
		c.Agents.SweepInterval = Duration(time.Minute)
	}
}

func (r *RetryConfig) defaults(attempts int, initial, max time.Duration) {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = attempts
	}
	if r.InitialInterval == 0 {
		r.InitialInterval = Duration(initial)
	}
	if r.MaxInterval == 0 {
		r.MaxInterval = Duration(max)
	}
}

var knownPhases = map[string]bool{"emulate": true, "condense": true, "repurpose": true, "redeploy": true}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Events.QueueLimit < 0 {
		return fmt.Errorf("events.queue_limit %d must not be negative", c.Events.QueueLimit)
	}
	for phase, pc := range c.Pipeline.Producers {
		if !knownPhases[phase] {
			return fmt.Errorf("pipeline.producers: unknown phase %q", phase)
		}
		switch pc.Type {
		case "", "builtin":
		case "http":
			if pc.Endpoint == "" {
				return fmt.Errorf("pipeline.producers.%s: http producer requires endpoint", phase)
			}
		default:
			return fmt.Errorf("pipeline.producers.%s: unknown type %q", phase, pc.Type)
		}
	}
	if c.Alerts.Slack.Enabled && (c.Alerts.Slack.BotToken == "" || c.Alerts.Slack.Channel == "") {
		return fmt.Errorf("alerts.slack: bot_token and channel are required")
	}
	if c.Alerts.Discord.Enabled && (c.Alerts.Discord.BotToken == "" || c.Alerts.Discord.ChannelID == "") {
		return fmt.Errorf("alerts.discord: bot_token and channel_id are required")
	}
	return nil
}

// Duration is a time.Duration that decodes from strings like "5s" or from
// integer nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x))
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("duration: unsupported value %s", string(b))
	}
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" {
		var n int64
		if err := node.Decode(&n); err != nil {
			return err
		}
		*d = Duration(time.Duration(n))
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}
