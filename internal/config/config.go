package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN       string        `env:"DATABASE_DSN,required=true"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=30m"`

	RabbitMQURL      string `env:"RABBITMQ_URL,required=true"`
	RabbitMQPrefetch int    `env:"RABBITMQ_PREFETCH,default=32"`
	EventsExchange   string `env:"EVENTS_EXCHANGE,default=domain.events"`
	EventsQueue      string `env:"EVENTS_QUEUE,default=notification-engine.events"`
	OutcomesExchange string `env:"OUTCOMES_EXCHANGE,default=notifications.outcomes"`

	RedisURL      string        `env:"REDIS_URL,required=true"`
	RedisPoolSize int           `env:"REDIS_POOL_SIZE,default=20"`
	RedisTimeout  time.Duration `env:"REDIS_TIMEOUT,default=3s"`

	EmailProviderURL    string        `env:"EMAIL_PROVIDER_URL,required=true"`
	EmailProviderAPIKey string        `env:"EMAIL_PROVIDER_API_KEY"`
	EmailTimeout        time.Duration `env:"EMAIL_TIMEOUT,default=10s"`
	EmailRatePerSec     float64       `env:"EMAIL_RATE_PER_SEC,default=0"`
	SMSProviderURL      string        `env:"SMS_PROVIDER_URL,required=true"`
	SMSProviderAPIKey   string        `env:"SMS_PROVIDER_API_KEY"`
	SMSTimeout          time.Duration `env:"SMS_TIMEOUT,default=5s"`
	SMSRatePerSec       float64       `env:"SMS_RATE_PER_SEC,default=0"`
	ChatProviderURL     string        `env:"CHAT_PROVIDER_URL,required=true"`
	ChatProviderAPIKey  string        `env:"CHAT_PROVIDER_API_KEY"`
	ChatTimeout         time.Duration `env:"CHAT_TIMEOUT,default=5s"`
	ChatRatePerSec      float64       `env:"CHAT_RATE_PER_SEC,default=0"`

	// Shared per-channel quotas enforced in Redis across instances.
	EmailRateLimitPerSec int `env:"EMAIL_RATE_LIMIT_PER_SEC,default=100"`
	SMSRateLimitPerSec   int `env:"SMS_RATE_LIMIT_PER_SEC,default=50"`
	ChatRateLimitPerSec  int `env:"CHAT_RATE_LIMIT_PER_SEC,default=50"`

	EmailBulkheadSize    int64         `env:"EMAIL_BULKHEAD_SIZE,default=10"`
	EmailBulkheadTimeout time.Duration `env:"EMAIL_BULKHEAD_TIMEOUT,default=30s"`
	SMSBulkheadSize      int64         `env:"SMS_BULKHEAD_SIZE,default=5"`
	SMSBulkheadTimeout   time.Duration `env:"SMS_BULKHEAD_TIMEOUT,default=15s"`
	ChatBulkheadSize     int64         `env:"CHAT_BULKHEAD_SIZE,default=5"`
	ChatBulkheadTimeout  time.Duration `env:"CHAT_BULKHEAD_TIMEOUT,default=15s"`

	BreakerFailureThreshold uint32        `env:"BREAKER_FAILURE_THRESHOLD,default=5"`
	BreakerInterval         time.Duration `env:"BREAKER_INTERVAL,default=60s"`
	BreakerOpenTimeout      time.Duration `env:"BREAKER_OPEN_TIMEOUT,default=5m"`
	BreakerHalfOpenRequests uint32        `env:"BREAKER_HALF_OPEN_REQUESTS,default=1"`

	RetryBaseDelay       time.Duration `env:"RETRY_BASE_DELAY,default=1s"`
	RetryMaxDelay        time.Duration `env:"RETRY_MAX_DELAY,default=32s"`
	RetryJitter          float64       `env:"RETRY_JITTER,default=0.2"`
	RetryScanInterval    time.Duration `env:"RETRY_SCAN_INTERVAL,default=1s"`
	RetryScanLimit       int           `env:"RETRY_SCAN_LIMIT,default=100"`
	RetryScanConcurrency int           `env:"RETRY_SCAN_CONCURRENCY,default=10"`

	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL,default=5s"`
	SchedulerLimit    int           `env:"SCHEDULER_LIMIT,default=100"`

	DedupWindow              time.Duration `env:"DEDUP_WINDOW,default=1h"`
	PreferenceCacheTTL       time.Duration `env:"PREFERENCE_CACHE_TTL,default=5m"`
	IngestionWorkers         int           `env:"INGESTION_WORKERS,default=10"`
	OutcomeEventsEnabled     bool          `env:"OUTCOME_EVENTS_ENABLED,default=true"`
	CancelRetriesOnDelivered bool          `env:"CANCEL_RETRIES_ON_DELIVERED,default=true"`

	APIPort         int           `env:"API_PORT,default=8080"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges the env tags cannot express.
func (c *Config) Validate() error {
	if c.RetryJitter < 0 || c.RetryJitter >= 1 {
		return fmt.Errorf("RETRY_JITTER must be in [0, 1), got %v", c.RetryJitter)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY > 0")
	}
	if c.BreakerFailureThreshold == 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be > 0")
	}
	for name, size := range map[string]int64{
		"EMAIL_BULKHEAD_SIZE": c.EmailBulkheadSize,
		"SMS_BULKHEAD_SIZE":   c.SMSBulkheadSize,
		"CHAT_BULKHEAD_SIZE":  c.ChatBulkheadSize,
	} {
		if size <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT must be a valid port, got %d", c.APIPort)
	}
	return nil
}
