// Package config loads the agentfleetd daemon configuration from an optional
// file and AGENTFLEET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AGENTFLEET_REDIS_URL.
const EnvPrefix = "AGENTFLEET"

// Config is the daemon configuration.
type Config struct {
	Listen     string           `mapstructure:"listen"`
	Prefix     string           `mapstructure:"prefix"`
	Log        LogConfig        `mapstructure:"log"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Model      ModelConfig      `mapstructure:"model"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Session    SessionConfig    `mapstructure:"session"`
	Mesh       MeshConfig       `mapstructure:"mesh"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
}

// LogConfig selects level and handler format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RedisConfig selects the broker. An empty URL runs on the in-memory broker.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// ModelConfig selects the model provider used by the orchestrator.
type ModelConfig struct {
	// Provider is one of mock, openai, anthropic.
	Provider     string  `mapstructure:"provider"`
	Name         string  `mapstructure:"name"`
	APIKey       string  `mapstructure:"api_key"`
	Temperature  float64 `mapstructure:"temperature"`
	MaxTokens    int64   `mapstructure:"max_tokens"`
	Instructions string  `mapstructure:"instructions"`
	Stream       bool    `mapstructure:"stream"`
}

// DispatcherConfig mirrors dispatcher.Config.
type DispatcherConfig struct {
	MaxWorkers   int           `mapstructure:"max_workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`
	PendingTTL   time.Duration `mapstructure:"pending_ttl"`
	CompletedTTL time.Duration `mapstructure:"completed_ttl"`
}

// SessionConfig mirrors session.Config.
type SessionConfig struct {
	MaxSessions int           `mapstructure:"max_sessions"`
	MaxCounters int           `mapstructure:"max_counters"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

// MeshConfig mirrors the coordinator options.
type MeshConfig struct {
	ContextTTL      time.Duration `mapstructure:"context_ttl"`
	ResultCacheSize int           `mapstructure:"result_cache_size"`
}

// JobsConfig holds cron specs for periodic maintenance. An empty spec
// disables the job.
type JobsConfig struct {
	SnapshotFlush  string `mapstructure:"snapshot_flush"`
	RetentionSweep string `mapstructure:"retention_sweep"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("prefix", "agentfleet")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("redis.url", "")
	v.SetDefault("model.provider", "mock")
	v.SetDefault("model.name", "")
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.temperature", 0.7)
	v.SetDefault("model.max_tokens", 4096)
	v.SetDefault("model.instructions", "")
	v.SetDefault("model.stream", false)
	v.SetDefault("dispatcher.max_workers", 4)
	v.SetDefault("dispatcher.poll_interval", time.Second)
	v.SetDefault("dispatcher.task_timeout", time.Duration(0))
	v.SetDefault("dispatcher.pending_ttl", 24*time.Hour)
	v.SetDefault("dispatcher.completed_ttl", time.Hour)
	v.SetDefault("session.max_sessions", 1000)
	v.SetDefault("session.max_counters", 5000)
	v.SetDefault("session.snapshot_ttl", 24*time.Hour)
	v.SetDefault("mesh.context_ttl", 24*time.Hour)
	v.SetDefault("mesh.result_cache_size", 4096)
	v.SetDefault("jobs.snapshot_flush", "@every 30s")
	v.SetDefault("jobs.retention_sweep", "@every 5m")
}

// Load reads the configuration into a Config. path may be empty, in which
// case agentfleet.yaml is looked up in the working directory and a missing
// file is not an error. Environment variables take precedence over the file.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agentfleet")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch c.Model.Provider {
	case "mock", "openai", "anthropic":
	default:
		return fmt.Errorf("invalid model provider %q", c.Model.Provider)
	}
	if c.Dispatcher.MaxWorkers < 1 {
		return fmt.Errorf("dispatcher.max_workers must be positive, got %d", c.Dispatcher.MaxWorkers)
	}
	if c.Dispatcher.PollInterval <= 0 {
		return errors.New("dispatcher.poll_interval must be positive")
	}
	if c.Session.MaxSessions < 1 || c.Session.MaxCounters < 1 {
		return errors.New("session bounds must be positive")
	}
	return nil
}
