// Package config loads the daemon configuration from YAML with
// environment overrides, and can watch the file for changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP/websocket listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// StorageConfig configures the durable backend.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LifecycleConfig configures hibernation behaviour.
type LifecycleConfig struct {
	IdleTimeout         Duration `yaml:"idle_timeout"`
	MaxHibernation      Duration `yaml:"max_hibernation"`
	PreserveConnections bool     `yaml:"preserve_connections"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Listen: "127.0.0.1:8787"},
		Storage: StorageConfig{Path: "objectd.db"},
		Lifecycle: LifecycleConfig{
			IdleTimeout:    Duration(30 * time.Second),
			MaxHibernation: Duration(time.Hour),
		},
		Log: LogConfig{Level: "INFO"},
	}
}

// Load reads path (YAML), fills unset fields from Default, applies
// OBJECTD_* environment overrides and validates the result. An empty
// path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if c.Lifecycle.IdleTimeout <= 0 {
		return fmt.Errorf("lifecycle.idle_timeout must be positive")
	}
	if c.Lifecycle.MaxHibernation <= 0 {
		return fmt.Errorf("lifecycle.max_hibernation must be positive")
	}
	if c.Lifecycle.MaxHibernation < c.Lifecycle.IdleTimeout {
		return fmt.Errorf("lifecycle.max_hibernation must not be shorter than idle_timeout")
	}
	switch c.Log.Level {
	case "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		return fmt.Errorf("log.level %q is not a known level", c.Log.Level)
	}
	return nil
}

// applyEnv overrides individual fields from OBJECTD_* variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OBJECTD_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("OBJECTD_DB"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("OBJECTD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OBJECTD_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lifecycle.IdleTimeout = Duration(d)
		}
	}
	if v := os.Getenv("OBJECTD_MAX_HIBERNATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lifecycle.MaxHibernation = Duration(d)
		}
	}
	if v := os.Getenv("OBJECTD_PRESERVE_CONNECTIONS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Lifecycle.PreserveConnections = b
		}
	}
}
