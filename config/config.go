/*
Package config loads process configuration.

PURPOSE:
  One typed Config assembled by viper from, lowest to highest precedence:
  built-in defaults, an optional config file, a .env file (godotenv),
  environment variables and command-line flags.

ENVIRONMENT:
  Keys are bound to the deployment's historical variable names:

    BOT_TOKEN                    telegram.token
    DATABASE_URL                 database.url
    PORT                         server.port
    PROMO_DISCOUNT_PERCENT       promo.discount_percent
    PROMO_DURATION_DAYS          promo.duration_days
    WOOCOMMERCE_ENABLED          woocommerce.enabled
    WOOCOMMERCE_URL              woocommerce.url
    WOOCOMMERCE_CONSUMER_KEY     woocommerce.consumer_key
    WOOCOMMERCE_CONSUMER_SECRET  woocommerce.consumer_secret
    WOOCOMMERCE_API_VERSION      woocommerce.api_version
    NOTIFY_INTERVAL              notifications.interval
    NOTIFY_RETRY_DELAY           notifications.retry_delay
    NOTIFY_BACKOFF               notifications.backoff
    NOTIFY_MAX_RETRY_DELAY       notifications.max_retry_delay
    NOTIFY_CALL_DELAY            notifications.call_delay
    LOG_LEVEL                    log.level

  Any other key can be set as PROMO_ENGINE_<KEY> with dots replaced by
  underscores (e.g. PROMO_ENGINE_SERVER_SHUTDOWN_TIMEOUT).

SEE ALSO:
  - cmd/server/main.go: Flag registration and wiring
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/promo-engine/notify"
	"github.com/warp/promo-engine/promo"
	"github.com/warp/promo-engine/telegram"
	"github.com/warp/promo-engine/woocommerce"
)

// EnvPrefix is used for keys without a historical variable name.
const EnvPrefix = "PROMO_ENGINE"

// Config is the complete process configuration.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Promo         PromoConfig
	WooCommerce   WooCommerceConfig
	Telegram      TelegramConfig
	Notifications NotificationsConfig
	Log           LogConfig
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// DatabaseConfig selects the ledger database.
type DatabaseConfig struct {
	URL string
}

// PromoConfig holds the settings defaults used when nothing is stored.
type PromoConfig struct {
	DiscountPercent int
	DurationDays    int
	CodePrefix      string
}

// Defaults converts to the settings fallback.
func (c PromoConfig) Defaults() promo.Defaults {
	return promo.Defaults{DiscountPercent: c.DiscountPercent, DurationDays: c.DurationDays}
}

// WooCommerceConfig configures the remote coupon store.
type WooCommerceConfig struct {
	Enabled        bool
	URL            string
	ConsumerKey    string
	ConsumerSecret string
	APIVersion     string
	Timeout        time.Duration
}

// Client converts to the client configuration.
func (c WooCommerceConfig) Client() woocommerce.Config {
	return woocommerce.Config{
		URL:            c.URL,
		ConsumerKey:    c.ConsumerKey,
		ConsumerSecret: c.ConsumerSecret,
		APIVersion:     c.APIVersion,
		Timeout:        c.Timeout,
	}
}

// TelegramConfig configures the messaging transport.
type TelegramConfig struct {
	Token       string
	APIEndpoint string
	Timeout     time.Duration
}

// Transport converts to the transport configuration.
func (c TelegramConfig) Transport() telegram.Config {
	return telegram.Config{Token: c.Token, APIEndpoint: c.APIEndpoint, Timeout: c.Timeout}
}

// NotificationsConfig configures the notification scheduler.
type NotificationsConfig struct {
	Enabled       bool
	Interval      time.Duration
	RetryDelay    time.Duration
	Backoff       string
	MaxRetryDelay time.Duration
	CallDelay     time.Duration
	RunOnStart    bool
}

// Scheduler converts to the scheduler configuration.
func (c NotificationsConfig) Scheduler() notify.Config {
	return notify.Config{
		Interval:      c.Interval,
		RetryDelay:    c.RetryDelay,
		Backoff:       c.Backoff,
		MaxRetryDelay: c.MaxRetryDelay,
		RunOnStart:    c.RunOnStart,
	}
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string
	Development bool
}

// =============================================================================
// LOADING
// =============================================================================

// envBindings maps keys to their historical environment variable names.
var envBindings = map[string]string{
	"telegram.token":                "BOT_TOKEN",
	"database.url":                  "DATABASE_URL",
	"server.port":                   "PORT",
	"promo.discount_percent":        "PROMO_DISCOUNT_PERCENT",
	"promo.duration_days":           "PROMO_DURATION_DAYS",
	"woocommerce.enabled":           "WOOCOMMERCE_ENABLED",
	"woocommerce.url":               "WOOCOMMERCE_URL",
	"woocommerce.consumer_key":      "WOOCOMMERCE_CONSUMER_KEY",
	"woocommerce.consumer_secret":   "WOOCOMMERCE_CONSUMER_SECRET",
	"woocommerce.api_version":       "WOOCOMMERCE_API_VERSION",
	"notifications.interval":        "NOTIFY_INTERVAL",
	"notifications.retry_delay":     "NOTIFY_RETRY_DELAY",
	"notifications.backoff":         "NOTIFY_BACKOFF",
	"notifications.max_retry_delay": "NOTIFY_MAX_RETRY_DELAY",
	"notifications.call_delay":      "NOTIFY_CALL_DELAY",
	"log.level":                     "LOG_LEVEL",
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.url", "sqlite:///promo.db")

	v.SetDefault("promo.discount_percent", promo.DefaultSettings.DiscountPercent)
	v.SetDefault("promo.duration_days", promo.DefaultSettings.DurationDays)
	v.SetDefault("promo.code_prefix", promo.DefaultCodePrefix)

	v.SetDefault("woocommerce.enabled", false)
	v.SetDefault("woocommerce.api_version", woocommerce.DefaultAPIVersion)
	v.SetDefault("woocommerce.timeout", woocommerce.DefaultTimeout)

	v.SetDefault("telegram.timeout", 30*time.Second)

	sched := notify.DefaultConfig()
	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.interval", sched.Interval)
	v.SetDefault("notifications.retry_delay", sched.RetryDelay)
	v.SetDefault("notifications.backoff", sched.Backoff)
	v.SetDefault("notifications.max_retry_delay", sched.MaxRetryDelay)
	v.SetDefault("notifications.call_delay", 500*time.Millisecond)
	v.SetDefault("notifications.run_on_start", sched.RunOnStart)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads configuration into a Config. envFile names an optional .env
// file; a missing file is not an error. Flags must already be bound to v.
func Load(v *viper.Viper, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, err
		}
	}

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return Config{
		Server: ServerConfig{
			Port:            v.GetInt("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("database.url"),
		},
		Promo: PromoConfig{
			DiscountPercent: v.GetInt("promo.discount_percent"),
			DurationDays:    v.GetInt("promo.duration_days"),
			CodePrefix:      v.GetString("promo.code_prefix"),
		},
		WooCommerce: WooCommerceConfig{
			Enabled:        v.GetBool("woocommerce.enabled"),
			URL:            v.GetString("woocommerce.url"),
			ConsumerKey:    v.GetString("woocommerce.consumer_key"),
			ConsumerSecret: v.GetString("woocommerce.consumer_secret"),
			APIVersion:     v.GetString("woocommerce.api_version"),
			Timeout:        v.GetDuration("woocommerce.timeout"),
		},
		Telegram: TelegramConfig{
			Token:       v.GetString("telegram.token"),
			APIEndpoint: v.GetString("telegram.api_endpoint"),
			Timeout:     v.GetDuration("telegram.timeout"),
		},
		Notifications: NotificationsConfig{
			Enabled:       v.GetBool("notifications.enabled"),
			Interval:      v.GetDuration("notifications.interval"),
			RetryDelay:    v.GetDuration("notifications.retry_delay"),
			Backoff:       v.GetString("notifications.backoff"),
			MaxRetryDelay: v.GetDuration("notifications.max_retry_delay"),
			CallDelay:     v.GetDuration("notifications.call_delay"),
			RunOnStart:    v.GetBool("notifications.run_on_start"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
	}, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration is usable, reporting every problem.
func (c Config) Validate() error {
	return c.validate(true)
}

// ValidateWithoutTransport is Validate for commands that never message
// users, such as sync repair. The bot token may be absent.
func (c Config) ValidateWithoutTransport() error {
	return c.validate(false)
}

func (c Config) validate(transport bool) error {
	var problems []error

	if transport && c.Telegram.Token == "" {
		problems = append(problems, errors.New("BOT_TOKEN is required"))
	}
	if c.Database.URL == "" {
		problems = append(problems, errors.New("DATABASE_URL is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Errorf("PORT must be in [1, 65535], got %d", c.Server.Port))
	}
	if err := c.Promo.Defaults().Validate(); err != nil {
		problems = append(problems, err)
	}
	if c.WooCommerce.Enabled {
		if c.WooCommerce.URL == "" || c.WooCommerce.ConsumerKey == "" || c.WooCommerce.ConsumerSecret == "" {
			problems = append(problems, errors.New(
				"WOOCOMMERCE_URL, WOOCOMMERCE_CONSUMER_KEY and WOOCOMMERCE_CONSUMER_SECRET are required when WooCommerce is enabled"))
		}
	}
	if err := c.Notifications.Scheduler().Validate(); err != nil {
		problems = append(problems, err)
	}
	if c.Notifications.CallDelay < 0 {
		problems = append(problems, fmt.Errorf("NOTIFY_CALL_DELAY must not be negative, got %s", c.Notifications.CallDelay))
	}

	return errors.Join(problems...)
}
