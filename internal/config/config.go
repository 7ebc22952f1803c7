package config

import (
	"fmt"
	"net/url"
	"time"

	pkgconfig "github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/config"
)

// Lock backend selectors.
const (
	LockBackendPostgres = "postgres"
	LockBackendRedis    = "redis"
)

// Config holds all configuration for the saga service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"SAGA_HTTP_PORT" envDefault:"8010"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"commerce"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"commerce_secret"`
	PostgresDB   string `env:"SAGA_DB_NAME" envDefault:"saga_db"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"5"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Kafka
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// Distributed lock backend: "postgres" uses a lock table on the saga
	// database, "redis" uses SET NX leases.
	LockBackend    string `env:"SAGA_LOCK_BACKEND" envDefault:"postgres"`
	LockWaitMs     int    `env:"SAGA_LOCK_WAIT_MS" envDefault:"5000"`
	RedisHost      string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort      int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword  string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	RedisLockTTLMs int    `env:"SAGA_REDIS_LOCK_TTL_MS" envDefault:"30000"`

	// Service URLs for the checkout workflow
	CartServiceURL      string `env:"CART_SERVICE_URL" envDefault:"http://localhost:8002"`
	InventoryServiceURL string `env:"INVENTORY_SERVICE_URL" envDefault:"http://localhost:8007"`
	OrderServiceURL     string `env:"ORDER_SERVICE_URL" envDefault:"http://localhost:8003"`
	PaymentServiceURL   string `env:"PAYMENT_SERVICE_URL" envDefault:"http://localhost:8005"`

	// Circuit breaker settings for downstream service calls
	CBMaxRequests  uint32  `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     int     `env:"CB_INTERVAL_SECONDS" envDefault:"60"`
	CBTimeout      int     `env:"CB_TIMEOUT_SECONDS" envDefault:"30"`
	CBFailureRatio float64 `env:"CB_FAILURE_RATIO" envDefault:"0.5"`
	CBMinRequests  uint32  `env:"CB_MIN_REQUESTS" envDefault:"5"`

	// Per-step saga timeouts (seconds). Each step gets its own
	// context.WithTimeout so a slow downstream cannot block the whole
	// checkout indefinitely.
	SagaInventoryTimeout int `env:"SAGA_INVENTORY_TIMEOUT" envDefault:"5"`
	SagaOrderTimeout     int `env:"SAGA_ORDER_TIMEOUT" envDefault:"5"`
	SagaPaymentTimeout   int `env:"SAGA_PAYMENT_TIMEOUT" envDefault:"10"`
	SagaMaxRetries       int `env:"SAGA_MAX_RETRIES" envDefault:"2"`

	// Recovery sweep for sagas stranded by a crashed worker
	RecoveryIntervalSecs   int `env:"SAGA_RECOVERY_INTERVAL_SECONDS" envDefault:"60"`
	RecoveryStaleAfterSecs int `env:"SAGA_RECOVERY_STALE_AFTER_SECONDS" envDefault:"300"`
	RecoveryBatchSize      int `env:"SAGA_RECOVERY_BATCH_SIZE" envDefault:"100"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	// Pprof debug endpoints (IP allowlist in CIDR notation)
	PprofAllowedCIDRs []string `env:"PPROF_ALLOWED_CIDRS" envDefault:"10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8,::1/128" envSeparator:","`

	// Slow query logging
	SlowQueryThresholdMs int `env:"LOG_SLOW_QUERY_MS" envDefault:"500"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load saga config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}
	if c.PostgresUser == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.LockBackend != LockBackendPostgres && c.LockBackend != LockBackendRedis {
		return fmt.Errorf("invalid SAGA_LOCK_BACKEND %q: must be %q or %q", c.LockBackend, LockBackendPostgres, LockBackendRedis)
	}
	if c.LockBackend == LockBackendRedis && c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required when SAGA_LOCK_BACKEND is redis")
	}
	if c.SagaMaxRetries < 0 {
		return fmt.Errorf("SAGA_MAX_RETRIES must be >= 0, got %d", c.SagaMaxRetries)
	}
	if c.RecoveryBatchSize < 1 {
		return fmt.Errorf("SAGA_RECOVERY_BATCH_SIZE must be >= 1, got %d", c.RecoveryBatchSize)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	// Validate downstream service URLs for the checkout workflow.
	for name, rawURL := range map[string]string{
		"CART_SERVICE_URL":      c.CartServiceURL,
		"INVENTORY_SERVICE_URL": c.InventoryServiceURL,
		"ORDER_SERVICE_URL":     c.OrderServiceURL,
		"PAYMENT_SERVICE_URL":   c.PaymentServiceURL,
	} {
		if rawURL == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, rawURL, err)
		}
	}
	return nil
}

// PostgresDSN returns the PostgreSQL connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPass, c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresSSL,
	)
}

// LockWait returns the lock acquisition budget as a duration.
func (c *Config) LockWait() time.Duration {
	return time.Duration(c.LockWaitMs) * time.Millisecond
}

// RedisLockTTL returns the redis lease TTL as a duration.
func (c *Config) RedisLockTTL() time.Duration {
	return time.Duration(c.RedisLockTTLMs) * time.Millisecond
}

// RecoveryInterval returns the sweep cadence as a duration.
func (c *Config) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSecs) * time.Second
}

// RecoveryStaleAfter returns the staleness cutoff as a duration.
func (c *Config) RecoveryStaleAfter() time.Duration {
	return time.Duration(c.RecoveryStaleAfterSecs) * time.Second
}
