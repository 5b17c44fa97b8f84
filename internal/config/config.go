// Package config loads the agent's configuration from environment
// variables, with an optional local .env file for development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the agent needs to start.
type Config struct {
	// BaseURL is the VisagePay API origin.
	BaseURL string `mapstructure:"VISAGE_BASE_URL"`

	// DeviceID identifies this installation to the backend.
	DeviceID string `mapstructure:"VISAGE_DEVICE_ID"`

	// DatabaseFile is the sqlite file holding the session and lockout
	// records.
	DatabaseFile string `mapstructure:"VISAGE_DATABASE_FILE"`

	// StorageKeyFile optionally points at the key used to seal records at
	// rest. When empty the VISAGE_STORAGE_KEY env var or an ephemeral key
	// is used instead.
	StorageKeyFile string `mapstructure:"VISAGE_STORAGE_KEY_FILE"`

	// PollInterval is the payment request sync cadence.
	PollInterval time.Duration `mapstructure:"VISAGE_POLL_INTERVAL"`

	// AMQPURL enables the broker-backed notification dispatcher when set.
	// Empty means notifications are logged instead.
	AMQPURL string `mapstructure:"VISAGE_AMQP_URL"`

	// NotifyExchange is the topic exchange notifications are published to.
	NotifyExchange string `mapstructure:"VISAGE_NOTIFY_EXCHANGE"`

	// HousekeepingSchedule is a cron expression for the nightly cleanup of
	// stale local records.
	HousekeepingSchedule string `mapstructure:"VISAGE_HOUSEKEEPING_SCHEDULE"`

	// ShutdownGracePeriod bounds how long Shutdown waits for in-flight
	// work.
	ShutdownGracePeriod time.Duration `mapstructure:"VISAGE_SHUTDOWN_GRACE_PERIOD"`

	LogLevel  string `mapstructure:"VISAGE_LOG_LEVEL"`
	LogFormat string `mapstructure:"VISAGE_LOG_FORMAT"`
	Env       string `mapstructure:"VISAGE_ENV"`
}

var configKeys = []string{
	"VISAGE_BASE_URL",
	"VISAGE_DEVICE_ID",
	"VISAGE_DATABASE_FILE",
	"VISAGE_STORAGE_KEY_FILE",
	"VISAGE_POLL_INTERVAL",
	"VISAGE_AMQP_URL",
	"VISAGE_NOTIFY_EXCHANGE",
	"VISAGE_HOUSEKEEPING_SCHEDULE",
	"VISAGE_SHUTDOWN_GRACE_PERIOD",
	"VISAGE_LOG_LEVEL",
	"VISAGE_LOG_FORMAT",
	"VISAGE_ENV",
}

// LoadConfig reads configuration from the environment, falling back to a
// .env file in the working directory when one exists.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")

	v.SetDefault("VISAGE_DATABASE_FILE", "visage.db")
	v.SetDefault("VISAGE_POLL_INTERVAL", "30s")
	v.SetDefault("VISAGE_NOTIFY_EXCHANGE", "visage.notifications")
	v.SetDefault("VISAGE_HOUSEKEEPING_SCHEDULE", "0 3 * * *") // At 03:00 daily.
	v.SetDefault("VISAGE_SHUTDOWN_GRACE_PERIOD", "10s")
	v.SetDefault("VISAGE_LOG_LEVEL", "info")
	v.SetDefault("VISAGE_LOG_FORMAT", "json")
	v.SetDefault("VISAGE_ENV", "production")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind explicitly so unset keys still appear in Unmarshal.
	for _, key := range configKeys {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("VISAGE_BASE_URL is required")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("VISAGE_DEVICE_ID is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("VISAGE_POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	return nil
}

// Production reports whether the agent runs with production settings.
func (c *Config) Production() bool {
	return !strings.EqualFold(c.Env, "development")
}
