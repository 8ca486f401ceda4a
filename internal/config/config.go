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

// Config holds all the configuration variables for the affiliate-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                      string `mapstructure:"SERVER_PORT"`
	DatabaseURL                     string `mapstructure:"DATABASE_URL"`
	RedisURL                        string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix            string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                     string `mapstructure:"RABBITMQ_URL"`
	AttributionEventQueue           string `mapstructure:"ATTRIBUTION_EVENT_QUEUE"`
	AttributionEventExchange        string `mapstructure:"ATTRIBUTION_EVENT_EXCHANGE"`
	AttributionRoutingKey           string `mapstructure:"ATTRIBUTION_ROUTING_KEY"`
	TransferEventQueue              string `mapstructure:"TRANSFER_EVENT_QUEUE"`
	TransferEventExchange           string `mapstructure:"TRANSFER_EVENT_EXCHANGE"`
	TransferRoutingKey              string `mapstructure:"TRANSFER_ROUTING_KEY"`
	JWKSURL                         string `mapstructure:"JWKS_URL"`
	InternalAPIKey                  string `mapstructure:"INTERNAL_API_KEY"`
	PayoutRequestSubmitLimitPerHour int    `mapstructure:"PAYOUT_REQUEST_SUBMIT_LIMIT_PER_HOUR"`
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
	viper.SetDefault("ATTRIBUTION_EVENT_QUEUE", "affiliate_service.attributions")
	viper.SetDefault("ATTRIBUTION_EVENT_EXCHANGE", "revenue_events")
	viper.SetDefault("ATTRIBUTION_ROUTING_KEY", "affiliate.attribution.invoice_paid")
	viper.SetDefault("TRANSFER_EVENT_QUEUE", "affiliate_service.transfer_updates")
	viper.SetDefault("TRANSFER_EVENT_EXCHANGE", "processor_events")
	viper.SetDefault("TRANSFER_ROUTING_KEY", "processor.transfer.status")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "affiliate:rate_limit")
	viper.SetDefault("PAYOUT_REQUEST_SUBMIT_LIMIT_PER_HOUR", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "AFFILIATE_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("ATTRIBUTION_EVENT_QUEUE")
	_ = viper.BindEnv("ATTRIBUTION_EVENT_EXCHANGE")
	_ = viper.BindEnv("ATTRIBUTION_ROUTING_KEY")
	_ = viper.BindEnv("TRANSFER_EVENT_QUEUE")
	_ = viper.BindEnv("TRANSFER_EVENT_EXCHANGE")
	_ = viper.BindEnv("TRANSFER_ROUTING_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "AFFILIATE_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PAYOUT_REQUEST_SUBMIT_LIMIT_PER_HOUR")

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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("AFFILIATE_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "affiliate:rate_limit"
	}

	if config.PayoutRequestSubmitLimitPerHour <= 0 {
		config.PayoutRequestSubmitLimitPerHour = 10
	}

	return
}
