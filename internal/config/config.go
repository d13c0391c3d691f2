// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/clickroute/clickroute/internal/cache"
	"github.com/clickroute/clickroute/internal/caps"
)

// Backend selectors.
const (
	CapStoreRedis    = "redis"
	CapStorePostgres = "postgres"
	CapStoreMemory   = "memory"

	OfferSourcePostgres = "postgres"
	OfferSourceFile     = "file"

	GeoProviderHeader = "header"
	GeoProviderHTTP   = "http"
	GeoProviderStatic = "static"

	NotifySinkNone   = "none"
	NotifySinkStream = "stream"
	NotifySinkKafka  = "kafka"
	NotifySinkOutbox = "outbox"
)

// Config holds all application configuration.
// All fields are populated from environment variables.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Database (PostgreSQL)
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Cache (Redis)
	RedisURL          string        `env:"REDIS_URL,required,notEmpty"`
	RedisPoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"50"`
	RedisMinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"5"`
	RedisPoolTimeout  time.Duration `env:"REDIS_POOL_TIMEOUT" envDefault:"1s"`
	RedisIOTimeout    time.Duration `env:"REDIS_IO_TIMEOUT" envDefault:"500ms"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Rate limiting in front of the click endpoint
	RateLimitClickEnabled bool `env:"RATE_LIMIT_CLICK_ENABLED" envDefault:"true"`
	RateLimitClickRPS     int  `env:"RATE_LIMIT_CLICK_RPS" envDefault:"100"`
	RateLimitClickBurst   int  `env:"RATE_LIMIT_CLICK_BURST" envDefault:"20"`

	// Click endpoint
	ClickIDParam   string        `env:"CLICK_ID_PARAM" envDefault:"click_id"`
	StoreTimeout   time.Duration `env:"STAGE_STORE_TIMEOUT" envDefault:"2s"`
	ReferrerPolicy string        `env:"REFERRER_POLICY" envDefault:"no-referrer-when-downgrade"`

	// Cap enforcement
	CapStore    string        `env:"CAP_STORE" envDefault:"redis"`
	CapTimezone string        `env:"CAP_TIMEZONE" envDefault:"UTC"`
	CapTimeout  time.Duration `env:"CAP_TIMEOUT" envDefault:"500ms"`

	// Offer catalog
	OfferSource   string        `env:"OFFER_SOURCE" envDefault:"postgres"`
	OfferFile     string        `env:"OFFER_FILE" envDefault:"offers.yaml"`
	OfferCacheTTL time.Duration `env:"OFFER_CACHE_TTL" envDefault:"30s"`

	// Geo lookup
	GeoProvider   string        `env:"GEO_PROVIDER" envDefault:"header"`
	GeoEndpoint   string        `env:"GEO_ENDPOINT" envDefault:""`
	GeoTimeout    time.Duration `env:"GEO_TIMEOUT" envDefault:"300ms"`
	GeoRateLimit  float64       `env:"GEO_RATE_LIMIT" envDefault:"200"`
	GeoStaticFile string        `env:"GEO_STATIC_FILE" envDefault:""`

	// Fraud screening
	FraudSignalTimeout  time.Duration `env:"FRAUD_SIGNAL_TIMEOUT" envDefault:"200ms"`
	FraudVelocityWindow time.Duration `env:"FRAUD_VELOCITY_WINDOW" envDefault:"10s"`
	FraudVelocityMax    int           `env:"FRAUD_VELOCITY_MAX" envDefault:"30"`
	FraudFingerprintTTL time.Duration `env:"FRAUD_FINGERPRINT_TTL" envDefault:"720h"`
	FraudBlockedCIDRs   []string      `env:"FRAUD_BLOCKED_CIDRS" envSeparator:","`
	FraudRulesFile      string        `env:"FRAUD_RULES_FILE" envDefault:""`

	// Notifications
	NotifySink      string `env:"NOTIFY_SINK" envDefault:"stream"`
	NotifyQueueSize int    `env:"NOTIFY_QUEUE_SIZE" envDefault:"1024"`
	NotifyWorkers   int    `env:"NOTIFY_WORKERS" envDefault:"2"`
	KafkaBrokers    string `env:"KAFKA_BROKERS" envDefault:""`
	KafkaTopic      string `env:"KAFKA_TOPIC" envDefault:"click-decisions"`

	// Pending reaper
	ReaperInterval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`
	ReaperStaleAge time.Duration `env:"REAPER_STALE_AGE" envDefault:"5m"`
	ReaperBatch    int           `env:"REAPER_BATCH" envDefault:"100"`

	// Telemetry (disabled when endpoint is empty)
	OTelEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTelServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"clickroute"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// CapLocation resolves the timezone cap windows are aligned to.
func (c *Config) CapLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.CapTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid CAP_TIMEZONE %q: %w", c.CapTimezone, err)
	}
	return loc, nil
}

// RedisPool returns the Redis client sizing.
func (c *Config) RedisPool() cache.PoolConfig {
	return cache.PoolConfig{
		PoolSize:     c.RedisPoolSize,
		MinIdleConns: c.RedisMinIdleConns,
		PoolTimeout:  c.RedisPoolTimeout,
		ReadTimeout:  c.RedisIOTimeout,
		WriteTimeout: c.RedisIOTimeout,
	}
}

// GetKafkaBrokers parses the comma-separated broker list into a slice.
func (c *Config) GetKafkaBrokers() []string {
	if c.KafkaBrokers == "" {
		return nil
	}

	brokers := strings.Split(c.KafkaBrokers, ",")
	result := make([]string, 0, len(brokers))

	for _, b := range brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// Validate checks enumerated settings and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error

	if !oneOf(c.CapStore, CapStoreRedis, CapStorePostgres, CapStoreMemory) {
		errs = append(errs, fmt.Errorf("CAP_STORE: unknown value %q", c.CapStore))
	}
	if !oneOf(c.OfferSource, OfferSourcePostgres, OfferSourceFile) {
		errs = append(errs, fmt.Errorf("OFFER_SOURCE: unknown value %q", c.OfferSource))
	}
	if !oneOf(c.GeoProvider, GeoProviderHeader, GeoProviderHTTP, GeoProviderStatic) {
		errs = append(errs, fmt.Errorf("GEO_PROVIDER: unknown value %q", c.GeoProvider))
	}
	if c.GeoProvider == GeoProviderHTTP && c.GeoEndpoint == "" {
		errs = append(errs, errors.New("GEO_ENDPOINT is required for the http geo provider"))
	}
	if !oneOf(c.NotifySink, NotifySinkNone, NotifySinkStream, NotifySinkKafka, NotifySinkOutbox) {
		errs = append(errs, fmt.Errorf("NOTIFY_SINK: unknown value %q", c.NotifySink))
	}
	if c.NotifySink == NotifySinkKafka && len(c.GetKafkaBrokers()) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka sink"))
	}
	if _, err := c.CapLocation(); err != nil {
		errs = append(errs, err)
	}
	if c.ClickIDParam == "" {
		errs = append(errs, errors.New("CLICK_ID_PARAM must not be empty"))
	}
	if c.ReaperStaleAge >= caps.MarkerRetention {
		errs = append(errs, fmt.Errorf("REAPER_STALE_AGE must be below the cap marker retention of %s", caps.MarkerRetention))
	}
	if c.RedisPoolSize < 0 || c.RedisMinIdleConns < 0 {
		errs = append(errs, errors.New("redis pool sizes must not be negative"))
	}
	if c.FraudVelocityMax <= 0 || c.FraudVelocityWindow <= 0 {
		errs = append(errs, errors.New("fraud velocity window and max must be positive"))
	}

	return errors.Join(errs...)
}

// Load parses environment variables and returns a Config.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
