package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/toolflow/internal/providers"
)

const (
	// AppName names the config file searched for when no path is given.
	AppName = "toolflow"

	// EnvPrefix is the prefix for environment variables, e.g. TOOLFLOW_LOG_LEVEL.
	EnvPrefix = "TOOLFLOW"
)

// Config holds all toolflow configuration.
// Priority: flags > env vars > config file > defaults.
type Config struct {
	LogLevel  string `mapstructure:"log_level" json:"log_level"`
	LogFormat string `mapstructure:"log_format" json:"log_format"`
	PoolSize  int    `mapstructure:"pool_size" json:"pool_size"`

	// HistoryDB is the libSQL file runs are recorded to. Empty disables history.
	HistoryDB string `mapstructure:"history_db" json:"history_db"`

	Breaker Breaker `mapstructure:"breaker" json:"breaker"`

	MCPServers []providers.MCPServerConfig        `mapstructure:"mcp_servers" json:"mcp_servers,omitempty"`
	Webhooks   map[string]providers.WebhookConfig `mapstructure:"webhooks" json:"webhooks,omitempty"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" json:"file,omitempty"`
}

// Breaker configures the per-action circuit breakers of the provider registry.
type Breaker struct {
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown" json:"cooldown"`
	HalfOpenMax      int           `mapstructure:"half_open_max" json:"half_open_max"`
}

// BreakerConfig converts the settings for providers.NewRegistry.
func (b Breaker) BreakerConfig() providers.BreakerConfig {
	return providers.BreakerConfig{
		FailureThreshold: b.FailureThreshold,
		Cooldown:         b.Cooldown,
		HalfOpenMax:      b.HalfOpenMax,
	}
}

// Dir returns the per-user toolflow directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + AppName
	}
	return filepath.Join(home, "."+AppName)
}

// New returns a viper instance with defaults and environment binding applied.
// Callers may bind command-line flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	breaker := providers.DefaultBreakerConfig()
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pool_size", 10)
	v.SetDefault("history_db", filepath.Join(Dir(), "history.db"))
	v.SetDefault("breaker.failure_threshold", breaker.FailureThreshold)
	v.SetDefault("breaker.cooldown", breaker.Cooldown)
	v.SetDefault("breaker.half_open_max", breaker.HalfOpenMax)
}

// Load reads the config file at path, or searches for toolflow.yaml in the
// working directory and then in Dir() when path is empty, and decodes the result.
// A missing file is only an error when path was given explicitly.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = New()
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that decoding cannot.
func (c *Config) Validate() error {
	var errs []error
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("pool_size must be positive, got %d", c.PoolSize))
	}
	if c.Breaker.Cooldown < 0 {
		errs = append(errs, errors.New("breaker.cooldown must not be negative"))
	}
	seen := make(map[string]bool, len(c.MCPServers))
	for i, s := range c.MCPServers {
		if s.Name == "" || s.Command == "" {
			errs = append(errs, fmt.Errorf("mcp_servers[%d]: name and command are required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("mcp_servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
	}
	for name, w := range c.Webhooks {
		if w.URL == "" {
			errs = append(errs, fmt.Errorf("webhooks.%s: url is required", name))
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("webhooks.%s: name already used by an MCP server", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
