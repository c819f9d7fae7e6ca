// Package config loads the relay backend configuration from defaults,
// overlay files, and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Environment is the deployment environment the process runs in.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the full runtime configuration.
type Config struct {
	Environment Environment `yaml:"environment" validate:"oneof=development staging production"`

	Server  Server  `yaml:"server"`
	Store   Store   `yaml:"store"`
	Cache   Cache   `yaml:"cache"`
	Retry   Retry   `yaml:"retry"`
	Breaker Breaker `yaml:"breaker"`
	Events  Events  `yaml:"events"`
	Tracing Tracing `yaml:"tracing"`
	Logging Logging `yaml:"logging"`

	// LoadedFrom records the sources that contributed, for startup logs.
	LoadedFrom []string `yaml:"-"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	Host            string        `yaml:"host"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"min=1s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"min=1s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"min=1s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Store holds the backend table settings.
type Store struct {
	TableName string `yaml:"table_name" validate:"required"`
	Region    string `yaml:"region" validate:"required"`

	// Endpoint overrides the service endpoint, for local development
	// against a table emulator.
	Endpoint string `yaml:"endpoint"`

	Timeout time.Duration `yaml:"timeout" validate:"min=1s"`

	SoftDelete    bool          `yaml:"soft_delete"`
	SoftDeleteTTL time.Duration `yaml:"soft_delete_ttl"`
}

// Cache holds the envelope cache policy.
type Cache struct {
	MaxItems int           `yaml:"max_items" validate:"min=0"`
	Window   time.Duration `yaml:"window"`
	Always   bool          `yaml:"always"`
}

// Retry tunes the retrying store client.
type Retry struct {
	MaxRetries    int           `yaml:"max_retries" validate:"min=0,max=10"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" validate:"min=1"`
	JitterFactor  float64       `yaml:"jitter_factor" validate:"min=0,max=1"`
}

// Breaker toggles the circuit breaker around the store client.
type Breaker struct {
	Enabled bool `yaml:"enabled"`
}

// Events holds the change-notification settings.
type Events struct {
	Enabled bool   `yaml:"enabled"`
	BusName string `yaml:"bus_name" validate:"required_if=Enabled true"`
}

// Tracing holds the OTLP exporter settings.
type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" validate:"min=0,max=1"`
}

// Logging holds the logger settings.
type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns the built-in configuration for an environment. Every
// field holds a runnable value; files and environment variables overlay it.
func Default(env Environment) *Config {
	return &Config{
		Environment: env,
		Server: Server{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  29 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: Store{
			TableName:     "relay-" + string(env),
			Region:        "us-east-1",
			Timeout:       10 * time.Second,
			SoftDelete:    true,
			SoftDeleteTTL: 30 * 24 * time.Hour,
		},
		Cache: Cache{
			MaxItems: 1000,
			Window:   60 * time.Second,
		},
		Retry: Retry{
			MaxRetries:    3,
			InitialDelay:  50 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2.0,
			JitterFactor:  0.2,
		},
		Breaker: Breaker{Enabled: true},
		Events: Events{
			Enabled: false,
			BusName: "relay-events",
		},
		Tracing: Tracing{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "relay-backend",
			SampleRate:  0.1,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the assembled configuration against the struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

// CurrentEnvironment resolves the deployment environment from ENVIRONMENT,
// defaulting to development.
func CurrentEnvironment() Environment {
	switch strings.ToLower(os.Getenv("ENVIRONMENT")) {
	case "production", "prod":
		return Production
	case "staging", "stage":
		return Staging
	default:
		return Development
	}
}

// applyEnv overlays environment variables. Variables win over files.
func (c *Config) applyEnv() {
	setString(&c.Server.Host, "SERVER_HOST")
	setInt(&c.Server.Port, "SERVER_PORT")
	setDuration(&c.Server.RequestTimeout, "REQUEST_TIMEOUT")

	setString(&c.Store.TableName, "TABLE_NAME")
	setString(&c.Store.Region, "AWS_REGION")
	setString(&c.Store.Endpoint, "DYNAMODB_ENDPOINT")
	setBool(&c.Store.SoftDelete, "SOFT_DELETE")
	setDuration(&c.Store.SoftDeleteTTL, "SOFT_DELETE_TTL")

	setInt(&c.Cache.MaxItems, "CACHE_MAX_ITEMS")
	setDuration(&c.Cache.Window, "CACHE_WINDOW")
	setBool(&c.Cache.Always, "CACHE_ALWAYS")

	setInt(&c.Retry.MaxRetries, "RETRY_MAX_RETRIES")
	setBool(&c.Breaker.Enabled, "BREAKER_ENABLED")

	setBool(&c.Events.Enabled, "EVENTS_ENABLED")
	setString(&c.Events.BusName, "EVENT_BUS_NAME")

	setBool(&c.Tracing.Enabled, "TRACING_ENABLED")
	setString(&c.Tracing.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&c.Tracing.ServiceName, "OTEL_SERVICE_NAME")

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
