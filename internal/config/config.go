// Package config loads registry server configuration from defaults,
// environment variables and an optional YAML file. Precedence is
// defaults < REGISTRY_* environment < file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/dataflow-works/config-registry/internal/datastore"
	"github.com/dataflow-works/config-registry/pkg/audit"
	"github.com/dataflow-works/config-registry/pkg/commands"
)

// Auth modes accepted by server.auth_mode.
const (
	// AuthModeNone grants every request the operator role.
	AuthModeNone = "none"
	// AuthModeHeader trusts the X-Registry-Role header, for deployments
	// behind an authenticating proxy.
	AuthModeHeader = "header"
	// AuthModeJWT reads the role from a bearer token claim.
	AuthModeJWT = "jwt"
)

// Config holds all registry server settings.
type Config struct {
	Server   ServerConfig     `mapstructure:"server"`
	Database datastore.Config `mapstructure:"database"`
	Command  CommandConfig    `mapstructure:"command"`
	Audit    AuditConfig      `mapstructure:"audit"`
	Cache    CacheConfig      `mapstructure:"cache"`
	Events   EventsConfig     `mapstructure:"events"`
	Seed     SeedConfig       `mapstructure:"seed"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Listen         string    `mapstructure:"listen"`
	AuthMode       string    `mapstructure:"auth_mode"`
	AllowedOrigins []string  `mapstructure:"allowed_origins"`
	JWT            JWTConfig `mapstructure:"jwt"`
}

// JWTConfig configures role extraction from bearer tokens when
// server.auth_mode is "jwt".
type JWTConfig struct {
	// RoleClaim is the claim path holding the caller's role. Dot notation
	// reaches nested claims (e.g. "realm_access.roles").
	RoleClaim string `mapstructure:"role_claim"`
	// OperatorRoleValue is the claim value granting the operator role.
	OperatorRoleValue string `mapstructure:"operator_role_value"`
	// PublicKeyPath points at a PEM-encoded RSA public key for RS256
	// verification. Empty means tokens are parsed without verification,
	// which is only safe behind a trusted proxy.
	PublicKeyPath string `mapstructure:"public_key_path"`
	Issuer        string `mapstructure:"issuer"`
	Audience      string `mapstructure:"audience"`
}

// CommandConfig sizes the command bus.
type CommandConfig struct {
	Workers        int `mapstructure:"workers"`
	QueueSize      int `mapstructure:"queue_size"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// Bus converts the section into the bus's own config type.
func (c CommandConfig) Bus() commands.BusConfig {
	return commands.BusConfig{
		Workers:        c.Workers,
		QueueSize:      c.QueueSize,
		CommandTimeout: time.Duration(c.TimeoutSeconds) * time.Second,
	}
}

// AuditConfig controls the audit trail.
type AuditConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	RetentionDays int  `mapstructure:"retention_days"`
}

// CacheConfig sizes the read-through cache in front of the document store.
type CacheConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Size       int  `mapstructure:"size"`
	TTLSeconds int  `mapstructure:"ttl_seconds"`
}

// TTL returns the entry lifetime as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// EventsConfig sizes the in-process event broker.
type EventsConfig struct {
	// BufferSize is the per-subscriber channel capacity. Slow subscribers
	// drop events once their buffer fills.
	BufferSize int `mapstructure:"buffer_size"`
}

// SeedConfig points the seeder at a directory or git repository of seed
// documents. Path and Git.URL are mutually exclusive.
type SeedConfig struct {
	Path  string        `mapstructure:"path"`
	Watch bool          `mapstructure:"watch"`
	Git   GitSeedConfig `mapstructure:"git"`
}

// GitSeedConfig describes a git repository holding seed documents.
type GitSeedConfig struct {
	URL string `mapstructure:"url"`
	Ref string `mapstructure:"ref"`
	// Dir restricts seeding to a subdirectory of the checkout.
	Dir             string `mapstructure:"dir"`
	Token           string `mapstructure:"token"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
}

// Enabled reports whether any seed source is configured.
func (s SeedConfig) Enabled() bool {
	return s.Path != "" || s.Git.URL != ""
}

// Interval returns the git re-sync period.
func (g GitSeedConfig) Interval() time.Duration {
	return time.Duration(g.IntervalSeconds) * time.Second
}

// Load reads configuration from the given file. An empty path falls back to
// registry.yaml in the working directory or /etc/config-registry; a missing
// fallback file is fine, defaults and environment still apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/config-registry")
		v.SetConfigName("registry")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns the configuration used when no file or environment
// overrides are present.
func Defaults() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// setDefaults seeds every key. Sections whose packages read their own
// REGISTRY_* variables are seeded from those, so the environment keeps
// working when no file is present.
func setDefaults(v *viper.Viper) {
	bus := commands.BusConfigFromEnv()
	auditCfg := audit.ConfigFromEnv()

	v.SetDefault("server.listen", envOrDefault("REGISTRY_LISTEN", ":8080"))
	v.SetDefault("server.auth_mode", envOrDefault("REGISTRY_AUTH_MODE", AuthModeNone))
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.jwt.role_claim", "role")
	v.SetDefault("server.jwt.operator_role_value", "operator")
	v.SetDefault("server.jwt.public_key_path", "")
	v.SetDefault("server.jwt.issuer", "")
	v.SetDefault("server.jwt.audience", "")

	v.SetDefault("database.type", envOrDefault("REGISTRY_DATABASE_TYPE", datastore.TypeSQLite))
	v.SetDefault("database.dsn", envOrDefault("REGISTRY_DATABASE_DSN", "registry.db"))

	v.SetDefault("command.workers", bus.Workers)
	v.SetDefault("command.queue_size", bus.QueueSize)
	v.SetDefault("command.timeout_seconds", int(bus.CommandTimeout/time.Second))

	v.SetDefault("audit.enabled", auditCfg.Enabled)
	v.SetDefault("audit.retention_days", auditCfg.RetentionDays)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.size", 1024)
	v.SetDefault("cache.ttl_seconds", 30)

	v.SetDefault("events.buffer_size", 64)

	v.SetDefault("seed.path", os.Getenv("REGISTRY_SEED_PATH"))
	v.SetDefault("seed.watch", false)
	v.SetDefault("seed.git.url", "")
	v.SetDefault("seed.git.ref", "")
	v.SetDefault("seed.git.dir", "")
	v.SetDefault("seed.git.token", os.Getenv("REGISTRY_SEED_GIT_TOKEN"))
	v.SetDefault("seed.git.interval_seconds", 300)
}

// Validate checks the loaded configuration for errors.
func (c Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	switch c.Server.AuthMode {
	case AuthModeNone, AuthModeHeader, AuthModeJWT:
	default:
		return fmt.Errorf("server.auth_mode must be %q, %q or %q, got %q",
			AuthModeNone, AuthModeHeader, AuthModeJWT, c.Server.AuthMode)
	}
	switch c.Database.Type {
	case datastore.TypePostgres, datastore.TypeMySQL, datastore.TypeSQLite:
	default:
		return fmt.Errorf("database.type must be postgres, mysql or sqlite, got %q", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Command.Workers <= 0 {
		return fmt.Errorf("command.workers must be positive, got %d", c.Command.Workers)
	}
	if c.Command.QueueSize <= 0 {
		return fmt.Errorf("command.queue_size must be positive, got %d", c.Command.QueueSize)
	}
	if c.Command.TimeoutSeconds <= 0 {
		return fmt.Errorf("command.timeout_seconds must be positive, got %d", c.Command.TimeoutSeconds)
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days must not be negative, got %d", c.Audit.RetentionDays)
	}
	if c.Cache.Enabled {
		if c.Cache.Size <= 0 {
			return fmt.Errorf("cache.size must be positive, got %d", c.Cache.Size)
		}
		if c.Cache.TTLSeconds <= 0 {
			return fmt.Errorf("cache.ttl_seconds must be positive, got %d", c.Cache.TTLSeconds)
		}
	}
	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be positive, got %d", c.Events.BufferSize)
	}
	if c.Seed.Path != "" && c.Seed.Git.URL != "" {
		return fmt.Errorf("seed.path and seed.git.url are mutually exclusive")
	}
	if c.Seed.Git.URL != "" && c.Seed.Git.IntervalSeconds <= 0 {
		return fmt.Errorf("seed.git.interval_seconds must be positive, got %d", c.Seed.Git.IntervalSeconds)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
