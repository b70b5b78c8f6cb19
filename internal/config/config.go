// Package config loads stepflow settings from a YAML file and STEPFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. STEPFLOW_SERVER_ADDR.
const EnvPrefix = "STEPFLOW"

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Storage struct {
		Driver      string `mapstructure:"driver"`
		Path        string `mapstructure:"path"`
		PostgresDSN string `mapstructure:"postgres_dsn"`
	} `mapstructure:"storage"`
	Engine struct {
		MaxSteps      int           `mapstructure:"max_steps"`
		Retention     time.Duration `mapstructure:"retention"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		SweepBatch    int           `mapstructure:"sweep_batch"`
		Retry         struct {
			MaxRetries      uint64        `mapstructure:"max_retries"`
			InitialInterval time.Duration `mapstructure:"initial_interval"`
			MaxInterval     time.Duration `mapstructure:"max_interval"`
		} `mapstructure:"retry"`
	} `mapstructure:"engine"`
	Approvals struct {
		DefaultTimeout time.Duration            `mapstructure:"default_timeout"`
		RoleTimeouts   map[string]time.Duration `mapstructure:"role_timeouts"`
	} `mapstructure:"approvals"`
	Notifications struct {
		Webhooks map[string]Webhook `mapstructure:"webhooks"`
	} `mapstructure:"notifications"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	// Env is visible to {{env.NAME}} expressions.
	Env map[string]string `mapstructure:"env"`
}

// Webhook configures one webhook notification channel.
type Webhook struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

// SetDefaults registers a default for every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "stepflow.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("engine.max_steps", 100)
	v.SetDefault("engine.retention", 30*24*time.Hour)
	v.SetDefault("engine.sweep_interval", time.Minute)
	v.SetDefault("engine.sweep_batch", 100)
	v.SetDefault("engine.retry.max_retries", 2)
	v.SetDefault("engine.retry.initial_interval", 200*time.Millisecond)
	v.SetDefault("engine.retry.max_interval", 2*time.Second)
	v.SetDefault("approvals.default_timeout", 72*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the defaults alone, ignoring files and the environment.
func Default() (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	return &cfg, nil
}

// Load reads path (if non-empty) into v and decodes the result. With an
// empty path, stepflow.yaml is searched in . and ./config; a missing file
// there is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stepflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return errors.New("config: storage.path is required for sqlite")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("config: storage.postgres_dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Engine.MaxSteps <= 0 {
		return errors.New("config: engine.max_steps must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}
