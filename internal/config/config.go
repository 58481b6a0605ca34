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
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the promo-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	EventsExchange             string `mapstructure:"EVENTS_EXCHANGE"`
	DisbursementQueue          string `mapstructure:"DISBURSEMENT_QUEUE"`
	DisbursementDLQ            string `mapstructure:"DISBURSEMENT_DLQ"`
	USSDSigningSecret          string `mapstructure:"USSD_SIGNING_SECRET"`
	USSDSignatureHeader        string `mapstructure:"USSD_SIGNATURE_HEADER"`
	USSDRateLimit              int    `mapstructure:"USSD_RATE_LIMIT"`
	USSDRateLimitWindowSeconds int    `mapstructure:"USSD_RATE_LIMIT_WINDOW_SECONDS"`
	USSDIPAllowlist            string `mapstructure:"USSD_IP_ALLOWLIST"`
	WebhookIPAllowlist         string `mapstructure:"WEBHOOK_IP_ALLOWLIST"`
	LockTTLSeconds             int    `mapstructure:"LOCK_TTL_SECONDS"`
	WorkerConcurrency          int    `mapstructure:"WORKER_CONCURRENCY"`
	JobMaxAttempts             int    `mapstructure:"JOB_MAX_ATTEMPTS"`
	JobBackoffBaseMs           int    `mapstructure:"JOB_BACKOFF_BASE_MS"`
	MomoBaseURL                string `mapstructure:"MOMO_BASE_URL"`
	MomoAPIUser                string `mapstructure:"MOMO_API_USER"`
	MomoAPIKey                 string `mapstructure:"MOMO_API_KEY"`
	MomoSubscriptionKey        string `mapstructure:"MOMO_SUBSCRIPTION_KEY"`
	MomoTargetEnv              string `mapstructure:"MOMO_TARGET_ENV"`
	MomoReferencePrefix        string `mapstructure:"MOMO_REFERENCE_PREFIX"`
}

// LiveMode reports whether real provider disbursements are enabled. The mode is
// resolved once at startup from the presence of all three MoMo credentials;
// their absence selects the sandbox simulation strategy.
func (c Config) LiveMode() bool {
	return strings.TrimSpace(c.MomoAPIUser) != "" &&
		strings.TrimSpace(c.MomoAPIKey) != "" &&
		strings.TrimSpace(c.MomoSubscriptionKey) != ""
}

// SignatureVerificationEnabled reports whether USSD request signatures are
// checked. An empty signing secret disables verification.
func (c Config) SignatureVerificationEnabled() bool {
	return strings.TrimSpace(c.USSDSigningSecret) != ""
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
	viper.SetDefault("EVENTS_EXCHANGE", "promo.events")
	viper.SetDefault("DISBURSEMENT_QUEUE", "disbursements")
	viper.SetDefault("DISBURSEMENT_DLQ", "disbursements.dlq")
	viper.SetDefault("USSD_SIGNATURE_HEADER", "X-Ussd-Signature")
	viper.SetDefault("USSD_RATE_LIMIT", 5)
	viper.SetDefault("USSD_RATE_LIMIT_WINDOW_SECONDS", 60)
	viper.SetDefault("LOCK_TTL_SECONDS", 300)
	viper.SetDefault("WORKER_CONCURRENCY", 5)
	viper.SetDefault("JOB_MAX_ATTEMPTS", 3)
	viper.SetDefault("JOB_BACKOFF_BASE_MS", 2000)
	viper.SetDefault("MOMO_BASE_URL", "https://sandbox.momodeveloper.mtn.com")
	viper.SetDefault("MOMO_TARGET_ENV", "sandbox")
	viper.SetDefault("MOMO_REFERENCE_PREFIX", "MBELYCO")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("DISBURSEMENT_QUEUE")
	_ = viper.BindEnv("DISBURSEMENT_DLQ")
	_ = viper.BindEnv("USSD_SIGNING_SECRET")
	_ = viper.BindEnv("USSD_SIGNATURE_HEADER")
	_ = viper.BindEnv("USSD_RATE_LIMIT")
	_ = viper.BindEnv("USSD_RATE_LIMIT_WINDOW_SECONDS")
	_ = viper.BindEnv("USSD_IP_ALLOWLIST")
	_ = viper.BindEnv("WEBHOOK_IP_ALLOWLIST")
	_ = viper.BindEnv("LOCK_TTL_SECONDS")
	_ = viper.BindEnv("WORKER_CONCURRENCY")
	_ = viper.BindEnv("JOB_MAX_ATTEMPTS")
	_ = viper.BindEnv("JOB_BACKOFF_BASE_MS")
	_ = viper.BindEnv("MOMO_BASE_URL")
	_ = viper.BindEnv("MOMO_API_USER")
	_ = viper.BindEnv("MOMO_API_KEY")
	_ = viper.BindEnv("MOMO_SUBSCRIPTION_KEY")
	_ = viper.BindEnv("MOMO_TARGET_ENV")
	_ = viper.BindEnv("MOMO_REFERENCE_PREFIX")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config.USSDSigningSecret = strings.TrimSpace(config.USSDSigningSecret)
	config.USSDSignatureHeader = strings.TrimSpace(config.USSDSignatureHeader)
	if config.USSDSignatureHeader == "" {
		config.USSDSignatureHeader = "X-Ussd-Signature"
	}
	config.MomoReferencePrefix = strings.TrimSpace(config.MomoReferencePrefix)
	if config.MomoReferencePrefix == "" {
		config.MomoReferencePrefix = "MBELYCO"
	}

	if config.USSDRateLimit <= 0 {
		config.USSDRateLimit = 5
	}
	if config.USSDRateLimitWindowSeconds <= 0 {
		config.USSDRateLimitWindowSeconds = 60
	}
	if config.LockTTLSeconds <= 0 {
		config.LockTTLSeconds = 300
	}
	if config.WorkerConcurrency <= 0 {
		config.WorkerConcurrency = 5
	}
	if config.JobMaxAttempts <= 0 {
		config.JobMaxAttempts = 3
	}
	if config.JobBackoffBaseMs <= 0 {
		config.JobBackoffBaseMs = 2000
	}

	return
}

// SplitAllowlist parses a comma-separated IP allow-list into a trimmed slice.
// An empty result disables the allow-list check entirely.
func SplitAllowlist(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
