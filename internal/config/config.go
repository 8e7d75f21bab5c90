/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the quote-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	QuoteEventQueue      string `mapstructure:"QUOTE_EVENT_QUEUE"`
	JWTSecret            string `mapstructure:"JWT_SECRET"`

	// Payment processor integration.
	ProcessorAPIBaseURL     string `mapstructure:"PROCESSOR_API_BASE_URL"`
	ProcessorAPIKey         string `mapstructure:"PROCESSOR_API_KEY"`
	WebhookSigningSecret    string `mapstructure:"WEBHOOK_SIGNING_SECRET"`
	WebhookToleranceSeconds int    `mapstructure:"WEBHOOK_TOLERANCE_SECONDS"`

	// Money calculation parameters, all in basis points (1 bps = 0.01%)
	// or cents so arithmetic stays in integers.
	TaxRateBps             int64 `mapstructure:"TAX_RATE_BPS"`
	ProcessorFeeBps        int64 `mapstructure:"PROCESSOR_FEE_BPS"`
	ProcessorFeeFixedCents int64 `mapstructure:"PROCESSOR_FEE_FIXED_CENTS"`
	PlatformFeeBps         int64 `mapstructure:"PLATFORM_FEE_BPS"`

	// Quote lifecycle parameters.
	QuoteValidityHours   int    `mapstructure:"QUOTE_VALIDITY_HOURS"`
	ExpirySweepSchedule  string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	ExpirySweepBatchSize int    `mapstructure:"EXPIRY_SWEEP_BATCH_SIZE"`

	// Abuse controls.
	WebhookRateLimitPerMinute   int `mapstructure:"WEBHOOK_RATE_LIMIT_PER_MINUTE"`
	QuoteViewRateLimitPerMinute int `mapstructure:"QUOTE_VIEW_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("QUOTE_EVENT_QUEUE", "quote_service.quote_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "quoteflow:rate_limit")
	viper.SetDefault("WEBHOOK_TOLERANCE_SECONDS", 300)
	viper.SetDefault("TAX_RATE_BPS", 0)
	viper.SetDefault("PROCESSOR_FEE_BPS", 290)
	viper.SetDefault("PROCESSOR_FEE_FIXED_CENTS", 30)
	viper.SetDefault("PLATFORM_FEE_BPS", 500)
	viper.SetDefault("QUOTE_VALIDITY_HOURS", 168) // 7 days
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("EXPIRY_SWEEP_BATCH_SIZE", 200)
	viper.SetDefault("WEBHOOK_RATE_LIMIT_PER_MINUTE", 600)
	viper.SetDefault("QUOTE_VIEW_RATE_LIMIT_PER_MINUTE", 120)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "QUOTE_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("QUOTE_EVENT_QUEUE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("PROCESSOR_API_BASE_URL")
	_ = viper.BindEnv("PROCESSOR_API_KEY")
	_ = viper.BindEnv("WEBHOOK_SIGNING_SECRET")
	_ = viper.BindEnv("WEBHOOK_TOLERANCE_SECONDS")
	_ = viper.BindEnv("TAX_RATE_BPS")
	_ = viper.BindEnv("PROCESSOR_FEE_BPS")
	_ = viper.BindEnv("PROCESSOR_FEE_FIXED_CENTS")
	_ = viper.BindEnv("PLATFORM_FEE_BPS")
	_ = viper.BindEnv("QUOTE_VALIDITY_HOURS")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("EXPIRY_SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("QUOTE_VIEW_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "quoteflow:rate_limit"
	}

	if config.WebhookToleranceSeconds <= 0 {
		config.WebhookToleranceSeconds = 300
	}
	if config.TaxRateBps < 0 {
		log.Printf("level=warn component=config msg=\"negative tax rate configured; coercing to zero\" tax_rate_bps=%d", config.TaxRateBps)
		config.TaxRateBps = 0
	}
	if config.ProcessorFeeBps < 0 {
		log.Printf("level=warn component=config msg=\"negative processor fee configured; coercing to zero\" processor_fee_bps=%d", config.ProcessorFeeBps)
		config.ProcessorFeeBps = 0
	}
	if config.ProcessorFeeFixedCents < 0 {
		config.ProcessorFeeFixedCents = 0
	}
	if config.PlatformFeeBps < 0 {
		log.Printf("level=warn component=config msg=\"negative platform fee configured; coercing to zero\" platform_fee_bps=%d", config.PlatformFeeBps)
		config.PlatformFeeBps = 0
	}
	if config.QuoteValidityHours <= 0 {
		config.QuoteValidityHours = 168
	}
	if strings.TrimSpace(config.ExpirySweepSchedule) == "" {
		config.ExpirySweepSchedule = "*/5 * * * *"
	}
	if config.ExpirySweepBatchSize <= 0 {
		config.ExpirySweepBatchSize = 200
	}
	if config.WebhookRateLimitPerMinute <= 0 {
		config.WebhookRateLimitPerMinute = 600
	}
	if config.QuoteViewRateLimitPerMinute <= 0 {
		config.QuoteViewRateLimitPerMinute = 120
	}

	return
}
