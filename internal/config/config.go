package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server       ServerConfig            `mapstructure:"server" validate:"required"`
	Database     DatabaseConfig          `mapstructure:"database"`
	Redis        RedisConfig             `mapstructure:"redis" validate:"required"`
	NATS         NATSConfig              `mapstructure:"nats"`
	Auth         AuthConfig              `mapstructure:"auth" validate:"required"`
	Orchestrator OrchestratorConfig      `mapstructure:"orchestrator" validate:"required"`
	Plans        PlansConfig             `mapstructure:"plans" validate:"required"`
	Workers      map[string]WorkerConfig `mapstructure:"workers" validate:"dive"`
	Telemetry    TelemetryConfig         `mapstructure:"telemetry"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
// An empty URL selects the in-memory task store, which is only suitable
// for a single development instance.
type DatabaseConfig struct {
	URL          string `mapstructure:"url" validate:"omitempty,url"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
}

// RedisConfig locates the worker backend.
type RedisConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
	// KeyPrefix namespaces every key and channel shared with the workers.
	// Empty by default, which yields the bare queue:{kind} style names.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// NATSConfig enables the cross-instance status relay when URL is set.
type NATSConfig struct {
	URL  string `mapstructure:"url" validate:"omitempty,url"`
	Name string `mapstructure:"name"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// OrchestratorConfig tunes the reconciliation loop and retention.
type OrchestratorConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	StaleAfter      time.Duration `mapstructure:"stale_after" validate:"gte=0"`
	RetentionMaxAge time.Duration `mapstructure:"retention_max_age" validate:"gt=0"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule" validate:"required"`
	RelayBuffer     int           `mapstructure:"relay_buffer" validate:"gt=0"`
}

// PlansConfig is the plan catalog the admission gate reads.
type PlansConfig struct {
	// DefaultPlan applies to owners without an explicit assignment.
	DefaultPlan string `mapstructure:"default_plan"`
	// Catalog maps a plan id to the task kinds it grants.
	Catalog map[string]PlanConfig `mapstructure:"catalog" validate:"dive"`
	// Owners maps an owner id to a plan id.
	Owners map[string]string `mapstructure:"owners"`
}

// PlanConfig grants task kinds with a monthly limit each; -1 is unlimited.
type PlanConfig struct {
	Features map[string]int `mapstructure:"features" validate:"dive,gte=-1"`
}

// WorkerConfig is the command the supervisor runs for one task kind.
type WorkerConfig struct {
	Command string   `mapstructure:"command" validate:"required"`
	Args    []string `mapstructure:"args"`
	Dir     string   `mapstructure:"dir"`
}

// TelemetryConfig switches the OpenTelemetry meter provider on.
type TelemetryConfig struct {
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}
