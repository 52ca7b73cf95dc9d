package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BANKSYNC_REDIS_URL.
const EnvPrefix = "BANKSYNC"

// Load configuration from environment variables and optionally a config file.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFrom(".")
}

// LoadFrom is Load with an explicit directory to search for config.yaml.
func LoadFrom(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without defaults must be bound explicitly for Unmarshal to see env values.
	for _, key := range []string{"database.url", "auth.jwt_secret", "nats.url"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("error binding env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags and cross-field rules.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.Plans.DefaultPlan != "" {
		if _, ok := cfg.Plans.Catalog[cfg.Plans.DefaultPlan]; !ok {
			return fmt.Errorf("config validation failed: default plan %q is not in the catalog", cfg.Plans.DefaultPlan)
		}
	}
	for owner, plan := range cfg.Plans.Owners {
		if _, ok := cfg.Plans.Catalog[plan]; !ok {
			return fmt.Errorf("config validation failed: owner %s is assigned unknown plan %q", owner, plan)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.key_prefix", "")

	v.SetDefault("nats.name", "banksync")

	v.SetDefault("auth.token_lifetime_minutes", 60)

	v.SetDefault("orchestrator.poll_interval", "2s")
	v.SetDefault("orchestrator.stale_after", "30m")
	v.SetDefault("orchestrator.retention_max_age", "48h")
	v.SetDefault("orchestrator.cleanup_schedule", "@every 1h")
	v.SetDefault("orchestrator.relay_buffer", 32)

	v.SetDefault("plans.default_plan", "")

	v.SetDefault("telemetry.metrics_enabled", false)
}
