package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/promo-engine/notify"
)

// validConfig returns a configuration that passes Validate.
func validConfig(t *testing.T) Config {
	t.Helper()
	t.Setenv("BOT_TOKEN", "123:abc")
	c, err := Load(viper.New(), "")
	require.NoError(t, err)
	return c
}

func TestLoad_Defaults(t *testing.T) {
	// GIVEN: No environment beyond the bot token
	c := validConfig(t)

	// THEN: The historical defaults apply
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, 15*time.Second, c.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, c.Server.ShutdownTimeout)
	assert.Equal(t, 13, c.Promo.DiscountPercent)
	assert.Equal(t, 7, c.Promo.DurationDays)
	assert.Equal(t, "PLUMMY", c.Promo.CodePrefix)
	assert.False(t, c.WooCommerce.Enabled)
	assert.Equal(t, "wc/v3", c.WooCommerce.APIVersion)
	assert.True(t, c.Notifications.Enabled)
	assert.Equal(t, time.Hour, c.Notifications.Interval)
	assert.Equal(t, time.Minute, c.Notifications.RetryDelay)
	assert.Equal(t, notify.BackoffConstant, c.Notifications.Backoff)
	assert.Equal(t, "info", c.Log.Level)
	assert.NoError(t, c.Validate())
}

func TestLoad_HistoricalEnvironmentNames(t *testing.T) {
	// GIVEN: The deployment's environment variables
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/promo")
	t.Setenv("PORT", "9000")
	t.Setenv("PROMO_DISCOUNT_PERCENT", "20")
	t.Setenv("PROMO_DURATION_DAYS", "14")
	t.Setenv("WOOCOMMERCE_ENABLED", "true")
	t.Setenv("WOOCOMMERCE_URL", "https://shop.example")
	t.Setenv("WOOCOMMERCE_CONSUMER_KEY", "ck_1")
	t.Setenv("WOOCOMMERCE_CONSUMER_SECRET", "cs_1")
	t.Setenv("NOTIFY_INTERVAL", "30m")
	t.Setenv("NOTIFY_RETRY_DELAY", "45s")
	t.Setenv("NOTIFY_BACKOFF", "exponential")
	t.Setenv("NOTIFY_MAX_RETRY_DELAY", "10m")
	t.Setenv("LOG_LEVEL", "debug")

	// WHEN: Configuration loads
	c, err := Load(viper.New(), "")
	require.NoError(t, err)

	// THEN: Every variable lands on its key
	assert.Equal(t, "123:abc", c.Telegram.Token)
	assert.Equal(t, "postgres://u:p@db/promo", c.Database.URL)
	assert.Equal(t, 9000, c.Server.Port)
	assert.Equal(t, ":9000", c.Server.Addr())
	assert.Equal(t, 20, c.Promo.DiscountPercent)
	assert.Equal(t, 14, c.Promo.DurationDays)
	assert.True(t, c.WooCommerce.Enabled)
	assert.Equal(t, "https://shop.example", c.WooCommerce.Client().URL)
	assert.Equal(t, "ck_1", c.WooCommerce.ConsumerKey)
	assert.Equal(t, "cs_1", c.WooCommerce.ConsumerSecret)
	assert.Equal(t, 30*time.Minute, c.Notifications.Scheduler().Interval)
	assert.Equal(t, 45*time.Second, c.Notifications.RetryDelay)
	assert.Equal(t, notify.BackoffExponential, c.Notifications.Backoff)
	assert.Equal(t, 10*time.Minute, c.Notifications.MaxRetryDelay)
	assert.Equal(t, "debug", c.Log.Level)
	assert.NoError(t, c.Validate())
}

func TestLoad_PrefixedEnvironmentForOtherKeys(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("PROMO_ENGINE_SERVER_SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("PROMO_ENGINE_PROMO_CODE_PREFIX", "SALE")

	c, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.Server.ShutdownTimeout)
	assert.Equal(t, "SALE", c.Promo.CodePrefix)
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	// GIVEN: A .env file and one variable already set in the environment
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("BOT_TOKEN=from-file\nPROMO_DURATION_DAYS=10\n"), 0o600))
	t.Setenv("BOT_TOKEN", "from-env")
	t.Setenv("PROMO_DURATION_DAYS", "")
	os.Unsetenv("PROMO_DURATION_DAYS")

	// WHEN: Configuration loads with the file
	c, err := Load(viper.New(), envFile)
	require.NoError(t, err)

	// THEN: The file fills gaps only
	assert.Equal(t, "from-env", c.Telegram.Token)
	assert.Equal(t, 10, c.Promo.DurationDays)
}

func TestLoad_MissingDotEnvIsIgnored(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoad_ConfigFile(t *testing.T) {
	// GIVEN: A YAML config file
	dir := t.TempDir()
	path := filepath.Join(dir, "promo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
telegram:
  token: "file-token"
notifications:
  interval: 2h
  call_delay: 0s
`), 0o600))

	v := viper.New()
	v.SetConfigFile(path)

	// WHEN: Configuration loads
	c, err := Load(v, "")
	require.NoError(t, err)

	// THEN: File values override defaults
	assert.Equal(t, "file-token", c.Telegram.Token)
	assert.Equal(t, 2*time.Hour, c.Notifications.Interval)
	assert.Equal(t, time.Duration(0), c.Notifications.CallDelay)
}

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("PORT", "9000")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 0, "")
	require.NoError(t, flags.Parse([]string{"--port", "7000"}))

	v := viper.New()
	require.NoError(t, v.BindPFlag("server.port", flags.Lookup("port")))

	c, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, 7000, c.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing bot token", func(c *Config) { c.Telegram.Token = "" }},
		{"missing database url", func(c *Config) { c.Database.URL = "" }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"discount above range", func(c *Config) { c.Promo.DiscountPercent = 150 }},
		{"duration below range", func(c *Config) { c.Promo.DurationDays = 0 }},
		{"woocommerce enabled without credentials", func(c *Config) {
			c.WooCommerce.Enabled = true
			c.WooCommerce.URL = "https://shop.example"
		}},
		{"retry delay longer than interval", func(c *Config) { c.Notifications.RetryDelay = 2 * time.Hour }},
		{"zero interval", func(c *Config) { c.Notifications.Interval = 0 }},
		{"unknown backoff", func(c *Config) { c.Notifications.Backoff = "linear" }},
		{"negative call delay", func(c *Config) { c.Notifications.CallDelay = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig(t)
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	c := validConfig(t)
	c.Telegram.Token = ""
	c.Server.Port = 0

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BOT_TOKEN")
	assert.Contains(t, err.Error(), "PORT")
}

func TestValidateWithoutTransport_AllowsMissingToken(t *testing.T) {
	c := validConfig(t)
	c.Telegram.Token = ""
	assert.NoError(t, c.ValidateWithoutTransport())

	c.Promo.DiscountPercent = 0
	assert.Error(t, c.ValidateWithoutTransport())
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}
