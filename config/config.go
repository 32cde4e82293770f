// Package config loads client configuration from YAML with environment
// variable expansion for secrets.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything needed to run a client.
type Config struct {
	// Token authenticates both the HTTP API and the gateway. Supports
	// ${VAR} expansion so the secret can live in the environment.
	Token string `yaml:"token"`

	// Intents is the event-group bitmask sent with identify.
	Intents int `yaml:"intents"`

	Shard ShardConfig `yaml:"shard"`
	API   APIConfig   `yaml:"api"`
	Cache CacheConfig `yaml:"cache"`
	Voice VoiceConfig `yaml:"voice"`
}

// ShardConfig selects this process's shard. A zero Count means a single
// unsharded connection.
type ShardConfig struct {
	Index int `yaml:"index"`
	Count int `yaml:"count"`
}

// APIConfig points at the HTTP API used to resolve the gateway endpoint.
// GatewayURL, when set, skips resolution entirely.
type APIConfig struct {
	BaseURL    string `yaml:"base_url"`
	GatewayURL string `yaml:"gateway_url"`
}

// CacheConfig bounds the in-memory model.
type CacheConfig struct {
	MaxMessages int `yaml:"max_messages"`
}

// VoiceConfig tunes voice connection attempts.
type VoiceConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// DefaultConfig returns a config with sensible defaults; only Token must
// be supplied.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "https://discord.com/api/v10",
		},
		Cache: CacheConfig{
			MaxMessages: 5000,
		},
		Voice: VoiceConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 5,
		},
	}
}

// DefaultConfigPath returns ~/.accord/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".accord", "config.yaml")
	}
	return filepath.Join(home, ".accord", "config.yaml")
}

// Load reads the default config path, falling back to defaults plus the
// ACCORD_TOKEN environment variable when the file does not exist.
func Load() (*Config, error) {
	cfg, err := LoadFrom(DefaultConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			cfg = DefaultConfig()
			cfg.Token = os.Getenv("ACCORD_TOKEN")
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// LoadFrom reads config from a specific path.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.Token = os.ExpandEnv(cfg.Token)
	cfg.API.BaseURL = os.ExpandEnv(cfg.API.BaseURL)
	if cfg.Token == "" {
		cfg.Token = os.Getenv("ACCORD_TOKEN")
	}
	return cfg, nil
}

// Validate reports configuration that cannot possibly connect.
func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("config: token is required (set token: or ACCORD_TOKEN)")
	}
	if c.Shard.Count > 0 && (c.Shard.Index < 0 || c.Shard.Index >= c.Shard.Count) {
		return errors.New("config: shard index out of range")
	}
	if c.API.BaseURL == "" && c.API.GatewayURL == "" {
		return errors.New("config: api.base_url or api.gateway_url is required")
	}
	return nil
}
