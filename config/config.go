// Package config loads the gateway configuration from a YAML file with
// environment-variable expansion, so credential secrets stay out of the file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can say "2h" instead of nanoseconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Listen          string             `yaml:"listen"`
	UpstreamBaseURL string             `yaml:"upstream_base_url"`
	Cache           CacheConfig        `yaml:"cache"`
	Sessions        SessionConfig      `yaml:"sessions"`
	Dispatch        DispatchConfig     `yaml:"dispatch"`
	Credentials     []CredentialConfig `yaml:"credentials"`
	Bots            []Bot              `yaml:"bots"`
	QueryLog        QueryLogConfig     `yaml:"query_log"`
}

type CacheConfig struct {
	MaxSize    int      `yaml:"max_size"`
	TTL        Duration `yaml:"ttl"`
	StreamHits bool     `yaml:"stream_hits"`
}

type SessionConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
	MaxIdle       Duration `yaml:"max_idle"`
}

type DispatchConfig struct {
	AcquireTimeout Duration `yaml:"acquire_timeout"`
}

// CredentialConfig is an upstream access key with its own concurrency ceiling.
type CredentialConfig struct {
	Key           string `yaml:"key"`
	Secret        string `yaml:"secret"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// Bot is an assistant definition. Immutable after load; shared read-only by
// every session that selects it. Icon/Color/Gradient are display metadata
// passed through to the front end.
type Bot struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Model    string `yaml:"model" json:"-"`
	TokenKey string `yaml:"token_key" json:"-"`
	System   string `yaml:"system" json:"-"`
	Icon     string `yaml:"icon" json:"icon"`
	Color    string `yaml:"color" json:"color"`
	Gradient string `yaml:"gradient" json:"gradient"`
}

type QueryLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a Config with the defaults the server runs with when the
// file leaves a section out.
func Default() *Config {
	return &Config{
		Listen: ":8090",
		Cache: CacheConfig{
			MaxSize:    5000,
			TTL:        Duration{2 * time.Hour},
			StreamHits: true,
		},
		Sessions: SessionConfig{
			SweepInterval: Duration{time.Minute},
			MaxIdle:       Duration{2 * time.Hour},
		},
		Dispatch: DispatchConfig{
			AcquireTimeout: Duration{3 * time.Second},
		},
		QueryLog: QueryLogConfig{
			Enabled: false,
			Path:    "botgate-log.db",
		},
	}
}

// Load reads the YAML file at path, expanding ${ENV} references. A .env file
// in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-references the YAML schema can't express.
func (c *Config) Validate() error {
	if len(c.Credentials) == 0 {
		return fmt.Errorf("at least one credential is required")
	}
	if len(c.Bots) == 0 {
		return fmt.Errorf("at least one bot is required")
	}

	keys := make(map[string]bool, len(c.Credentials))
	for _, cred := range c.Credentials {
		keys[cred.Key] = true
	}
	ids := make(map[string]bool, len(c.Bots))
	for _, b := range c.Bots {
		if b.ID == "" || b.Model == "" {
			return fmt.Errorf("bot %q: id and model are required", b.Name)
		}
		if ids[b.ID] {
			return fmt.Errorf("duplicate bot id %q", b.ID)
		}
		ids[b.ID] = true
		if !keys[b.TokenKey] {
			return fmt.Errorf("bot %q references unknown token key %q", b.ID, b.TokenKey)
		}
	}

	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache max_size must be positive")
	}
	return nil
}

// DefaultBot is the assistant new sessions start with: the first entry.
func (c *Config) DefaultBot() Bot {
	return c.Bots[0]
}

// BotByID returns the bot with the given id.
func (c *Config) BotByID(id string) (Bot, bool) {
	for _, b := range c.Bots {
		if b.ID == id {
			return b, true
		}
	}
	return Bot{}, false
}
