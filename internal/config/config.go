// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/attendguard/attendguard/internal/security"
)

// Config holds all application configuration. Keys map one-to-one onto
// upper-cased environment variables (geofence_lat -> GEOFENCE_LAT).
type Config struct {
	// Server settings
	Port            string        `mapstructure:"port"`
	Env             string        `mapstructure:"env"` // "development", "staging", "production"
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"` // "text" or "json"
	RateLimitRPM    int           `mapstructure:"rate_limit_rpm"`
	IntakeRPM       int           `mapstructure:"intake_rate_limit_rpm"` // per caller on POST /v1/verifications
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"` // comma separated in the environment

	// Database (optional, in-memory stores if not set)
	DatabaseURL string `mapstructure:"database_url"`

	// Geofence
	GeofenceLat          float64 `mapstructure:"geofence_lat"`
	GeofenceLng          float64 `mapstructure:"geofence_lng"`
	GeofenceRadiusMeters float64 `mapstructure:"geofence_radius_meters"`

	// Rule thresholds
	CorrelationWindowMinutes int     `mapstructure:"correlation_window_minutes"`
	LowAccuracyMeters        float64 `mapstructure:"low_accuracy_meters"`
	MultiIdentityMinOthers   int     `mapstructure:"multi_identity_min_others"`
	MaxTravelKmh             float64 `mapstructure:"max_travel_kmh"`
	RiskProbabilityThreshold float64 `mapstructure:"risk_probability_threshold"`

	// External risk scorer (optional)
	ScorerURL     string        `mapstructure:"scorer_url"`
	ScorerTimeout time.Duration `mapstructure:"scorer_timeout"`

	// Background verification
	DispatchWorkers     int           `mapstructure:"dispatch_workers"`
	DispatchQueueSize   int           `mapstructure:"dispatch_queue_size"`
	DispatchTaskTimeout time.Duration `mapstructure:"dispatch_task_timeout"`
	SightingRetention   time.Duration `mapstructure:"sighting_retention"`

	// Queue intake (optional)
	AMQPURL      string `mapstructure:"amqp_url"`
	AMQPQueue    string `mapstructure:"amqp_queue"`
	AMQPPrefetch int    `mapstructure:"amqp_prefetch"`

	// Observability
	OTLPEndpoint string `mapstructure:"otel_exporter_otlp_endpoint"`

	IdentityCacheTTL time.Duration `mapstructure:"identity_cache_ttl"`
	Timezone         string        `mapstructure:"timezone"`
}

// Geofence defaults: central New Delhi, 500 m.
const (
	DefaultGeofenceLat    = 28.6139
	DefaultGeofenceLng    = 77.2090
	DefaultGeofenceRadius = 500.0
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultQueue          = "attendance.marked"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", DefaultPort)
	v.SetDefault("env", DefaultEnv)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_format", "text")
	v.SetDefault("rate_limit_rpm", 600)
	v.SetDefault("intake_rate_limit_rpm", 6000)
	v.SetDefault("shutdown_timeout", "15s")
	v.SetDefault("cors_origins", "*")

	v.SetDefault("database_url", "")

	v.SetDefault("geofence_lat", DefaultGeofenceLat)
	v.SetDefault("geofence_lng", DefaultGeofenceLng)
	v.SetDefault("geofence_radius_meters", DefaultGeofenceRadius)

	v.SetDefault("correlation_window_minutes", 60)
	v.SetDefault("low_accuracy_meters", 100.0)
	v.SetDefault("multi_identity_min_others", 2)
	v.SetDefault("max_travel_kmh", 200.0)
	v.SetDefault("risk_probability_threshold", 0.70)

	v.SetDefault("scorer_url", "")
	v.SetDefault("scorer_timeout", "2s")

	v.SetDefault("dispatch_workers", 4)
	v.SetDefault("dispatch_queue_size", 1024)
	v.SetDefault("dispatch_task_timeout", "30s")
	v.SetDefault("sighting_retention", "24h")

	v.SetDefault("amqp_url", "")
	v.SetDefault("amqp_queue", DefaultQueue)
	v.SetDefault("amqp_prefetch", 1)

	v.SetDefault("otel_exporter_otlp_endpoint", "")

	v.SetDefault("identity_cache_ttl", "10m")
	v.SetDefault("timezone", "Local")
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and required combinations
func (c *Config) Validate() error {
	var errs []error
	if c.GeofenceLat < -90 || c.GeofenceLat > 90 {
		errs = append(errs, fmt.Errorf("GEOFENCE_LAT must be between -90 and 90"))
	}
	if c.GeofenceLng < -180 || c.GeofenceLng > 180 {
		errs = append(errs, fmt.Errorf("GEOFENCE_LNG must be between -180 and 180"))
	}
	if c.GeofenceRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("GEOFENCE_RADIUS_METERS must be positive"))
	}
	if c.CorrelationWindowMinutes <= 0 {
		errs = append(errs, fmt.Errorf("CORRELATION_WINDOW_MINUTES must be positive"))
	}
	if c.LowAccuracyMeters <= 0 {
		errs = append(errs, fmt.Errorf("LOW_ACCURACY_METERS must be positive"))
	}
	if c.MultiIdentityMinOthers < 1 {
		errs = append(errs, fmt.Errorf("MULTI_IDENTITY_MIN_OTHERS must be at least 1"))
	}
	if c.MaxTravelKmh <= 0 {
		errs = append(errs, fmt.Errorf("MAX_TRAVEL_KMH must be positive"))
	}
	if c.RiskProbabilityThreshold <= 0 || c.RiskProbabilityThreshold >= 1 {
		errs = append(errs, fmt.Errorf("RISK_PROBABILITY_THRESHOLD must be between 0 and 1"))
	}
	if c.SightingRetention <= c.CorrelationWindow() {
		errs = append(errs, fmt.Errorf("SIGHTING_RETENTION must exceed the correlation window (%s)", c.CorrelationWindow()))
	}
	if c.DispatchWorkers <= 0 || c.DispatchQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKERS and DISPATCH_QUEUE_SIZE must be positive"))
	}
	if c.ScorerURL != "" {
		if err := security.ValidateServiceURL(c.ScorerURL, !c.IsProduction()); err != nil {
			errs = append(errs, fmt.Errorf("SCORER_URL: %w", err))
		}
	}
	if c.AMQPURL != "" && c.AMQPQueue == "" {
		errs = append(errs, fmt.Errorf("AMQP_QUEUE is required when AMQP_URL is set"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
	}
	return errors.Join(errs...)
}

// Location returns the configured timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// CorrelationWindow returns the correlation window as a duration.
func (c *Config) CorrelationWindow() time.Duration {
	return time.Duration(c.CorrelationWindowMinutes) * time.Minute
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
