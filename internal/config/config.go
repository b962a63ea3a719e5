// Package config loads parley.yaml for both the server and the CLI client.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/manpreetbhatti/parley/internal/scenery"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "parley.yaml"

type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Client    ClientConfig      `yaml:"client"`
	Redis     RedisConfig       `yaml:"redis"`
	Log       LogConfig         `yaml:"log"`
	Sceneries []scenery.Scenery `yaml:"sceneries"`
}

type ServerConfig struct {
	Addr        string           `yaml:"addr"`
	DBPath      string           `yaml:"db_path"`
	AnswerRate  float64          `yaml:"answer_rate"`
	AnswerBurst int              `yaml:"answer_burst"`
	TokenDelay  time.Duration    `yaml:"token_delay"`
	Compaction  CompactionConfig `yaml:"compaction"`
}

type CompactionConfig struct {
	Disabled  bool          `yaml:"disabled"`
	Interval  time.Duration `yaml:"interval"`
	MinEvents int           `yaml:"min_events"`
}

type ClientConfig struct {
	ServerURL string        `yaml:"server_url"`
	Transport string        `yaml:"transport"`
	Offsets   OffsetsConfig `yaml:"offsets"`
	Backoff   BackoffConfig `yaml:"backoff"`
}

// OffsetsConfig selects where the client remembers the last applied offset.
type OffsetsConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// RedisConfig switches the server event bus to Redis Streams and is also
// used by the redis offsets backend.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	return Parse(data)
}

// LoadOrDefault is Load, except that a missing file at the default path
// yields Default.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		if _, err := os.Stat(DefaultPath); os.IsNotExist(err) {
			return Default(), nil
		}
		path = DefaultPath
	}
	return Load(path)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overlays the environment variables the server and client honor.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("PARLEY_DB_PATH"); v != "" {
		c.Server.DBPath = v
	}
	if v := getenv("PORT"); v != "" {
		c.Server.Addr = ":" + strings.TrimPrefix(v, ":")
	}
	if v := getenv("PARLEY_SERVER_URL"); v != "" {
		c.Client.ServerURL = v
	}
	if v := getenv("PARLEY_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = "./data/parley.db"
	}
	if c.Server.AnswerRate == 0 {
		c.Server.AnswerRate = 1
	}
	if c.Server.AnswerBurst == 0 {
		c.Server.AnswerBurst = 5
	}
	if c.Server.TokenDelay == 0 {
		c.Server.TokenDelay = 40 * time.Millisecond
	}
	if c.Server.Compaction.Interval == 0 {
		c.Server.Compaction.Interval = 5 * time.Minute
	}
	if c.Server.Compaction.MinEvents == 0 {
		c.Server.Compaction.MinEvents = 200
	}

	if c.Client.ServerURL == "" {
		c.Client.ServerURL = "http://localhost:8080"
	}
	if c.Client.Transport == "" {
		c.Client.Transport = "websocket"
	}
	if c.Client.Offsets.Backend == "" {
		c.Client.Offsets.Backend = "file"
	}
	if c.Client.Offsets.Path == "" {
		switch c.Client.Offsets.Backend {
		case "file":
			c.Client.Offsets.Path = "./data/offsets.json"
		case "sqlite":
			c.Client.Offsets.Path = "./data/offsets.db"
		}
	}
	if c.Client.Backoff.Initial == 0 {
		c.Client.Backoff.Initial = time.Second
	}
	if c.Client.Backoff.Max == 0 {
		c.Client.Backoff.Max = 30 * time.Second
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Group == "" {
		c.Redis.Group = "parley"
	}
	if c.Redis.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "parley"
		}
		c.Redis.Consumer = host
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.AnswerRate < 0 {
		errs = append(errs, "server.answer_rate must not be negative")
	}
	if c.Server.AnswerBurst < 0 {
		errs = append(errs, "server.answer_burst must not be negative")
	}
	if c.Server.TokenDelay < 0 {
		errs = append(errs, "server.token_delay must not be negative")
	}
	switch c.Client.Transport {
	case "websocket", "sse":
	default:
		errs = append(errs, fmt.Sprintf("client.transport %q must be websocket or sse", c.Client.Transport))
	}
	switch c.Client.Offsets.Backend {
	case "memory", "redis":
	case "file", "sqlite":
		if c.Client.Offsets.Path == "" {
			errs = append(errs, "client.offsets.path is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("client.offsets.backend %q is not supported", c.Client.Offsets.Backend))
	}
	if c.Client.Backoff.Max < c.Client.Backoff.Initial {
		errs = append(errs, "client.backoff.max must be at least client.backoff.initial")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be console or json", c.Log.Format))
	}
	for i, s := range c.Sceneries {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("sceneries[%d].id is required", i))
		}
		if len(s.Agents) == 0 {
			errs = append(errs, fmt.Sprintf("sceneries[%d].agents must not be empty", i))
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
