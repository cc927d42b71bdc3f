package config

import (
	"fmt"
	"time"
)

const (
	// DefaultAPIListen is the default HTTP listen address.
	DefaultAPIListen = ":8080"

	// DefaultIndexingInterval is the default interval between index passes.
	DefaultIndexingInterval = "60s"

	// DefaultProgressPollInterval is how often the progress stream pushes snapshots.
	DefaultProgressPollInterval = "1s"
)

// APIConfig contains all API server configuration.
type APIConfig struct {
	Server   APIServerConfig    `yaml:"server" mapstructure:"server"`
	Auth     APIAuthConfig      `yaml:"auth" mapstructure:"auth"`
	Indexing *APIIndexingConfig `yaml:"indexing,omitempty" mapstructure:"indexing"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen               string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins          []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit            RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	ProgressPollInterval string          `yaml:"progress_poll_interval,omitempty" mapstructure:"progress_poll_interval"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Public  RateLimitTier `yaml:"public,omitempty" mapstructure:"public"`
	Runs    RateLimitTier `yaml:"runs,omitempty" mapstructure:"runs"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig contains authentication settings for mutating endpoints.
type APIAuthConfig struct {
	Basic BasicAuthConfig `yaml:"basic,omitempty" mapstructure:"basic"`
}

// BasicAuthConfig configures username/password authentication.
type BasicAuthConfig struct {
	Enabled bool            `yaml:"enabled" mapstructure:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty" mapstructure:"users"`
}

// BasicAuthUser defines a basic auth user. Password may be plaintext or a
// bcrypt hash.
type BasicAuthUser struct {
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// APIIndexingConfig configures the background indexing service that
// scans the run directory and maintains a queryable index in a database.
type APIIndexingConfig struct {
	Enabled     bool              `yaml:"enabled" mapstructure:"enabled"`
	Interval    string            `yaml:"interval,omitempty" mapstructure:"interval"`
	Concurrency int               `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
	Database    APIDatabaseConfig `yaml:"database" mapstructure:"database"`
}

// APIDatabaseConfig contains database connection settings.
type APIDatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// applyDefaults sets default values for the API section.
func (c *APIConfig) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultAPIListen
	}

	if c.Server.ProgressPollInterval == "" {
		c.Server.ProgressPollInterval = DefaultProgressPollInterval
	}

	if c.Server.RateLimit.Public.RequestsPerMinute == 0 {
		c.Server.RateLimit.Public.RequestsPerMinute = 300
	}

	if c.Server.RateLimit.Runs.RequestsPerMinute == 0 {
		c.Server.RateLimit.Runs.RequestsPerMinute = 10
	}

	if c.Indexing != nil {
		if c.Indexing.Interval == "" {
			c.Indexing.Interval = DefaultIndexingInterval
		}

		if c.Indexing.Database.Driver == "" {
			c.Indexing.Database.Driver = "sqlite"
		}

		if c.Indexing.Database.Driver == "sqlite" && c.Indexing.Database.SQLite.Path == "" {
			c.Indexing.Database.SQLite.Path = "factorybench-index.db"
		}

		if c.Indexing.Database.Postgres.SSLMode == "" {
			c.Indexing.Database.Postgres.SSLMode = "disable"
		}
	}
}

// ValidateAPI checks the API section for errors.
func (c *Config) ValidateAPI() error {
	if c.API == nil {
		return fmt.Errorf("api section is required")
	}

	if c.API.Server.Listen == "" {
		return fmt.Errorf("api.server.listen is required")
	}

	if _, err := time.ParseDuration(c.API.Server.ProgressPollInterval); err != nil {
		return fmt.Errorf("api.server.progress_poll_interval: %w", err)
	}

	if c.API.Server.RateLimit.Enabled {
		if c.API.Server.RateLimit.Public.RequestsPerMinute < 0 ||
			c.API.Server.RateLimit.Runs.RequestsPerMinute < 0 {
			return fmt.Errorf("api.server.rate_limit: requests_per_minute must be positive")
		}
	}

	if c.API.Auth.Basic.Enabled {
		if len(c.API.Auth.Basic.Users) == 0 {
			return fmt.Errorf("api.auth.basic: at least one user is required when enabled")
		}

		for i, u := range c.API.Auth.Basic.Users {
			if u.Username == "" || u.Password == "" {
				return fmt.Errorf("api.auth.basic.users[%d]: username and password are required", i)
			}
		}
	}

	if c.API.Indexing != nil && c.API.Indexing.Enabled {
		if _, err := time.ParseDuration(c.API.Indexing.Interval); err != nil {
			return fmt.Errorf("api.indexing.interval: %w", err)
		}

		switch c.API.Indexing.Database.Driver {
		case "sqlite":
			if c.API.Indexing.Database.SQLite.Path == "" {
				return fmt.Errorf("api.indexing.database.sqlite.path is required")
			}
		case "postgres":
			if c.API.Indexing.Database.Postgres.Host == "" {
				return fmt.Errorf("api.indexing.database.postgres.host is required")
			}
		default:
			return fmt.Errorf("api.indexing.database: unsupported driver %q",
				c.API.Indexing.Database.Driver)
		}
	}

	return nil
}

// EnsureAPI installs a default API section when none was configured.
func (c *Config) EnsureAPI() {
	if c.API != nil {
		return
	}

	c.API = &APIConfig{}
	c.API.applyDefaults()
}
