package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the API and the helper binaries.
// Values come from environment variables or an optional .env file.
type Config struct {
	Port string `mapstructure:"SERVER_PORT"`
	Env  string `mapstructure:"ENVIRONMENT"`

	StoreDriver      string `mapstructure:"STORE_DRIVER"`
	DBSource         string `mapstructure:"DB_SOURCE"`
	SnapshotPath     string `mapstructure:"SNAPSHOT_PATH"`
	SnapshotSchedule string `mapstructure:"SNAPSHOT_SCHEDULE"`
	AuditRetention   int    `mapstructure:"AUDIT_RETENTION"`
	PruneSchedule    string `mapstructure:"PRUNE_SCHEDULE"`

	MinTopUpAmount int64 `mapstructure:"MIN_TOPUP_AMOUNT"`

	GatewayBaseURL     string        `mapstructure:"GATEWAY_BASE_URL"`
	GatewayTerminalKey string        `mapstructure:"GATEWAY_TERMINAL_KEY"`
	GatewayPassword    string        `mapstructure:"GATEWAY_PASSWORD"`
	GatewayTimeout     time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
	GatewayMinorUnits  int64         `mapstructure:"GATEWAY_MINOR_UNITS"`

	PaymentSuccessURL      string `mapstructure:"PAYMENT_SUCCESS_URL"`
	PaymentFailURL         string `mapstructure:"PAYMENT_FAIL_URL"`
	PaymentNotificationURL string `mapstructure:"PAYMENT_NOTIFICATION_URL"`

	TelegramBotToken string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramAPIURL   string `mapstructure:"TELEGRAM_API_URL"`
	RabbitMQURL      string `mapstructure:"RABBITMQ_URL"`
	EventsExchange   string `mapstructure:"EVENTS_EXCHANGE"`

	RedisURL           string `mapstructure:"REDIS_URL"`
	RateLimitPerMinute int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`

	AdminJWTSecret     string   `mapstructure:"ADMIN_JWT_SECRET"`
	CORSAllowedOrigins []string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

var defaults = map[string]any{
	"SERVER_PORT":              "8080",
	"ENVIRONMENT":              "development",
	"STORE_DRIVER":             "memory",
	"DB_SOURCE":                "",
	"SNAPSHOT_PATH":            "",
	"SNAPSHOT_SCHEDULE":        "@every 1m",
	"AUDIT_RETENTION":          10000,
	"PRUNE_SCHEDULE":           "@every 10m",
	"MIN_TOPUP_AMOUNT":         10,
	"GATEWAY_BASE_URL":         "https://securepay.tinkoff.ru/v2",
	"GATEWAY_TERMINAL_KEY":     "",
	"GATEWAY_PASSWORD":         "",
	"GATEWAY_TIMEOUT":          "10s",
	"GATEWAY_MINOR_UNITS":      100,
	"PAYMENT_SUCCESS_URL":      "",
	"PAYMENT_FAIL_URL":         "",
	"PAYMENT_NOTIFICATION_URL": "",
	"TELEGRAM_BOT_TOKEN":       "",
	"TELEGRAM_API_URL":         "https://api.telegram.org",
	"RABBITMQ_URL":             "",
	"EVENTS_EXCHANGE":          "payment_events",
	"REDIS_URL":                "",
	"RATE_LIMIT_PER_MINUTE":    30,
	"ADMIN_JWT_SECRET":         "",
	"CORS_ALLOWED_ORIGINS":     "*",
}

// LoadConfig reads path/.env if present, then lets the environment override it.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return config, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("unable to decode config: %w", err)
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	return config, config.Validate()
}

// Validate checks the settings the API cannot start without.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.DBSource == "" {
			errs = append(errs, errors.New("DB_SOURCE is required when STORE_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.MinTopUpAmount <= 0 {
		errs = append(errs, errors.New("MIN_TOPUP_AMOUNT must be positive"))
	}
	if c.GatewayMinorUnits <= 0 {
		errs = append(errs, errors.New("GATEWAY_MINOR_UNITS must be positive"))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}
	if c.Env == "production" {
		if c.GatewayTerminalKey == "" || c.GatewayPassword == "" {
			errs = append(errs, errors.New("GATEWAY_TERMINAL_KEY and GATEWAY_PASSWORD are required in production"))
		}
		if c.AdminJWTSecret == "" {
			errs = append(errs, errors.New("ADMIN_JWT_SECRET is required in production"))
		}
	}
	return errors.Join(errs...)
}
