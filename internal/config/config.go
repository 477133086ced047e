/**
 * @description
 * This package handles the configuration management for the payment-service. It uses
 * Viper to read configuration from environment variables and an optional `.env`
 * file, then normalises out-of-range values back to safe defaults.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"

	StreamFanoutLocal = "local"
	StreamFanoutRedis = "redis"

	defaultSolanaRPCURL = "https://api.mainnet-beta.solana.com"
)

// Config holds all the configuration variables for the payment-service.
type Config struct {
	ServerPort    string `mapstructure:"SERVER_PORT"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	AutoMigrate   bool   `mapstructure:"AUTO_MIGRATE"`
	RedisURL      string `mapstructure:"REDIS_URL"`
	RedisPrefix   string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL   string `mapstructure:"RABBITMQ_URL"`
	SolanaRPCURL  string `mapstructure:"SOLANA_RPC_URL"`
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`
	SessionSecret string `mapstructure:"SESSION_JWT_SECRET"`
	CORSOrigins   string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	RateLimitBackend string `mapstructure:"RATE_LIMIT_BACKEND"`
	StreamFanout     string `mapstructure:"STREAM_FANOUT"`

	OutboxExchange       string `mapstructure:"OUTBOX_EXCHANGE"`
	OutboxBatchSize      int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollIntervalMS int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`

	LedgerRPS   float64 `mapstructure:"LEDGER_RPS"`
	LedgerBurst int     `mapstructure:"LEDGER_BURST"`

	VerificationCacheTTLSeconds int `mapstructure:"VERIFICATION_CACHE_TTL_SECONDS"`
	StreamMaxPerPayment         int `mapstructure:"STREAM_MAX_PER_PAYMENT"`
	StreamHeartbeatSeconds      int `mapstructure:"STREAM_HEARTBEAT_SECONDS"`
	StreamIdleTimeoutSeconds    int `mapstructure:"STREAM_IDLE_TIMEOUT_SECONDS"`
	PollRateLimit               int `mapstructure:"POLL_RATE_LIMIT"`
	PollRateWindowSeconds       int `mapstructure:"POLL_RATE_WINDOW_SECONDS"`
	BulkStatusMaxIDs            int `mapstructure:"BULK_STATUS_MAX_IDS"`

	ReconcileSchedule string `mapstructure:"RECONCILE_SCHEDULE"`
	SweepSchedule     string `mapstructure:"SWEEP_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables and an optional
// `.env` file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("AUTO_MIGRATE", false)
	viper.SetDefault("REDIS_KEY_PREFIX", "payments")
	viper.SetDefault("RATE_LIMIT_BACKEND", RateLimitBackendMemory)
	viper.SetDefault("STREAM_FANOUT", StreamFanoutLocal)
	viper.SetDefault("OUTBOX_EXCHANGE", "payments.events")
	viper.SetDefault("OUTBOX_BATCH_SIZE", 50)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1200)
	viper.SetDefault("SOLANA_RPC_URL", defaultSolanaRPCURL)
	viper.SetDefault("LEDGER_RPS", 10)
	viper.SetDefault("LEDGER_BURST", 20)
	viper.SetDefault("VERIFICATION_CACHE_TTL_SECONDS", 30)
	viper.SetDefault("STREAM_MAX_PER_PAYMENT", 100)
	viper.SetDefault("STREAM_HEARTBEAT_SECONDS", 30)
	viper.SetDefault("STREAM_IDLE_TIMEOUT_SECONDS", 60)
	viper.SetDefault("POLL_RATE_LIMIT", 60)
	viper.SetDefault("POLL_RATE_WINDOW_SECONDS", 60)
	viper.SetDefault("BULK_STATUS_MAX_IDS", 50)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 1m")
	viper.SetDefault("SWEEP_SCHEDULE", "@every 1m")

	for _, key := range []string{
		"SERVER_PORT", "PORT", "DATABASE_URL", "AUTO_MIGRATE", "REDIS_KEY_PREFIX",
		"RABBITMQ_URL", "RATE_LIMIT_BACKEND", "STREAM_FANOUT", "OUTBOX_EXCHANGE",
		"OUTBOX_BATCH_SIZE", "OUTBOX_POLL_INTERVAL_MS", "LEDGER_RPS", "LEDGER_BURST",
		"VERIFICATION_CACHE_TTL_SECONDS", "STREAM_MAX_PER_PAYMENT", "STREAM_HEARTBEAT_SECONDS",
		"STREAM_IDLE_TIMEOUT_SECONDS", "POLL_RATE_LIMIT", "POLL_RATE_WINDOW_SECONDS",
		"BULK_STATUS_MAX_IDS", "WEBHOOK_SECRET", "SESSION_JWT_SECRET", "CORS_ALLOWED_ORIGINS",
		"RECONCILE_SCHEDULE", "SWEEP_SCHEDULE",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYMENTS_REDIS_URL")
	_ = viper.BindEnv("SOLANA_RPC_URL", "SOLANA_RPC_URL", "RPC_URL")

	// A missing .env file is fine; everything can come from the environment.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return
}

func (c *Config) normalize() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.WebhookSecret = strings.TrimSpace(c.WebhookSecret)
	c.SessionSecret = strings.TrimSpace(c.SessionSecret)

	c.RedisPrefix = strings.TrimSuffix(strings.TrimSpace(c.RedisPrefix), ":")
	if c.RedisPrefix == "" {
		c.RedisPrefix = "payments"
	}
	if strings.TrimSpace(c.SolanaRPCURL) == "" {
		c.SolanaRPCURL = defaultSolanaRPCURL
	}
	if strings.TrimSpace(c.OutboxExchange) == "" {
		c.OutboxExchange = "payments.events"
	}

	c.RateLimitBackend = strings.ToLower(strings.TrimSpace(c.RateLimitBackend))
	if c.RateLimitBackend != RateLimitBackendMemory && c.RateLimitBackend != RateLimitBackendRedis {
		log.Printf("level=warn component=config msg=\"unknown rate limit backend; using memory\" value=%q", c.RateLimitBackend)
		c.RateLimitBackend = RateLimitBackendMemory
	}
	c.StreamFanout = strings.ToLower(strings.TrimSpace(c.StreamFanout))
	if c.StreamFanout != StreamFanoutLocal && c.StreamFanout != StreamFanoutRedis {
		log.Printf("level=warn component=config msg=\"unknown stream fanout; using local\" value=%q", c.StreamFanout)
		c.StreamFanout = StreamFanoutLocal
	}
	if c.RedisURL == "" && (c.RateLimitBackend == RateLimitBackendRedis || c.StreamFanout == StreamFanoutRedis) {
		log.Printf("level=warn component=config msg=\"redis backends requested without REDIS_URL; falling back to in-process\"")
		c.RateLimitBackend = RateLimitBackendMemory
		c.StreamFanout = StreamFanoutLocal
	}

	positiveInt(&c.OutboxBatchSize, 50, "OUTBOX_BATCH_SIZE")
	positiveInt(&c.OutboxPollIntervalMS, 1200, "OUTBOX_POLL_INTERVAL_MS")
	positiveInt(&c.LedgerBurst, 20, "LEDGER_BURST")
	positiveInt(&c.VerificationCacheTTLSeconds, 30, "VERIFICATION_CACHE_TTL_SECONDS")
	positiveInt(&c.StreamMaxPerPayment, 100, "STREAM_MAX_PER_PAYMENT")
	positiveInt(&c.StreamHeartbeatSeconds, 30, "STREAM_HEARTBEAT_SECONDS")
	positiveInt(&c.StreamIdleTimeoutSeconds, 60, "STREAM_IDLE_TIMEOUT_SECONDS")
	positiveInt(&c.PollRateLimit, 60, "POLL_RATE_LIMIT")
	positiveInt(&c.PollRateWindowSeconds, 60, "POLL_RATE_WINDOW_SECONDS")
	positiveInt(&c.BulkStatusMaxIDs, 50, "BULK_STATUS_MAX_IDS")

	if c.LedgerRPS <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive LEDGER_RPS; using default\" value=%f", c.LedgerRPS)
		c.LedgerRPS = 10
	}
	if c.OutboxBatchSize > 500 {
		log.Printf("level=warn component=config msg=\"outbox batch size too high; capping at 500\" value=%d", c.OutboxBatchSize)
		c.OutboxBatchSize = 500
	}
	if c.StreamHeartbeatSeconds >= c.StreamIdleTimeoutSeconds {
		log.Printf("level=warn component=config msg=\"heartbeat interval must be shorter than idle timeout; using defaults\" heartbeat=%d idle=%d", c.StreamHeartbeatSeconds, c.StreamIdleTimeoutSeconds)
		c.StreamHeartbeatSeconds = 30
		c.StreamIdleTimeoutSeconds = 60
	}
	if strings.TrimSpace(c.ReconcileSchedule) == "" {
		c.ReconcileSchedule = "@every 1m"
	}
	if strings.TrimSpace(c.SweepSchedule) == "" {
		c.SweepSchedule = "@every 1m"
	}
}

func positiveInt(value *int, fallback int, key string) {
	if *value <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive value; using default\" key=%s value=%d default=%d", key, *value, fallback)
		*value = fallback
	}
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMS) * time.Millisecond
}

func (c Config) VerificationCacheTTL() time.Duration {
	return time.Duration(c.VerificationCacheTTLSeconds) * time.Second
}

func (c Config) StreamHeartbeat() time.Duration {
	return time.Duration(c.StreamHeartbeatSeconds) * time.Second
}

func (c Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleTimeoutSeconds) * time.Second
}

func (c Config) PollRateWindow() time.Duration {
	return time.Duration(c.PollRateWindowSeconds) * time.Second
}
