package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"marketsync/internal/logging"
	"marketsync/internal/market"
)

// EnvPrefix namespaces every environment override, e.g. MARKETSYNC_DATABASE_DSN.
const EnvPrefix = "MARKETSYNC"

// Config materialises application configuration.
type Config struct {
	App       AppConfig                 `mapstructure:"app"`
	Logging   logging.Config            `mapstructure:"logging"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	Budgets   map[string]int            `mapstructure:"budgets"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Pricing   PricingConfig             `mapstructure:"pricing"`
	HTTP      HTTPConfig                `mapstructure:"http"`
	Webhooks  WebhookConfig             `mapstructure:"webhooks"`
	Alerting  AlertingConfig            `mapstructure:"alerting"`
	Export    ExportConfig              `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs
// against the in-memory store.
type DatabaseConfig struct {
	DSN               string        `mapstructure:"dsn"`
	MaxOpenConns      int           `mapstructure:"max_open_conns"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	AutoMigrate       bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs run cadence and job handling.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	BatchSize       int           `mapstructure:"batch_size"`
	Workers         int           `mapstructure:"workers"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
}

// ProviderConfig configures one marketplace adapter.
type ProviderConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BaseURL           string        `mapstructure:"base_url"`
	PathTemplate      string        `mapstructure:"path_template"`
	APIKey            string        `mapstructure:"api_key"`
	APIKeyHeader      string        `mapstructure:"api_key_header"`
	Currency          string        `mapstructure:"currency"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
}

// PricingConfig controls read-side resolution.
type PricingConfig struct {
	Currency   string        `mapstructure:"currency"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// HTTPConfig configures the trigger, webhook and read API.
type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	TriggerSecret     string        `mapstructure:"trigger_secret"`
	TriggerRateLimit  int           `mapstructure:"trigger_rate_limit"`
	TriggerRateWindow time.Duration `mapstructure:"trigger_rate_window"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// WebhookConfig holds per-provider signing secrets.
type WebhookConfig struct {
	Secrets      map[string]string `mapstructure:"secrets"`
	MaxBodyBytes int64             `mapstructure:"max_body_bytes"`
}

// AlertingConfig defines escalation routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "marketsync")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.health_check_period", "1m")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6d6b7473))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("scheduler.workers", 5)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.backoff_base", "1m")
	v.SetDefault("scheduler.backoff_max", "1h")
	v.SetDefault("scheduler.stale_after", "15m")
	v.SetDefault("scheduler.fetch_timeout", "30s")
	v.SetDefault("scheduler.run_timeout", "10m")

	// Keys must exist for AutomaticEnv to see MARKETSYNC_BUDGETS_<PROVIDER>.
	v.SetDefault("budgets.stockx", 100)
	v.SetDefault("budgets.alias", 100)
	v.SetDefault("budgets.ebay", 200)
	v.SetDefault("budgets.seed", 1000)

	for _, p := range market.KnownProviders() {
		prefix := "providers." + p.String() + "."
		v.SetDefault(prefix+"enabled", false)
		v.SetDefault(prefix+"base_url", "")
		v.SetDefault(prefix+"path_template", "")
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"api_key_header", "")
		v.SetDefault(prefix+"currency", "")
		v.SetDefault(prefix+"user_agent", "marketsync/1.0")
		v.SetDefault(prefix+"timeout", "10s")
		v.SetDefault(prefix+"requests_per_second", 2.0)
		v.SetDefault(prefix+"burst", 1)
		v.SetDefault(prefix+"breaker_failures", 5)
		v.SetDefault(prefix+"breaker_cooldown", "1m")
	}

	v.SetDefault("pricing.currency", "GBP")
	v.SetDefault("pricing.stale_after", "24h")
	v.SetDefault("pricing.cache_ttl", "5m")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.trigger_secret", "")
	v.SetDefault("http.trigger_rate_limit", 6)
	v.SetDefault("http.trigger_rate_window", "1m")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15m")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("webhooks.max_body_bytes", int64(1<<20))
	for _, p := range market.KnownProviders() {
		v.SetDefault("webhooks.secrets."+p.String(), "")
	}

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	s := c.Scheduler
	if s.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be greater than zero")
	}
	if s.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be greater than zero")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries cannot be negative")
	}
	if s.BackoffBase <= 0 || s.BackoffMax < s.BackoffBase {
		return fmt.Errorf("scheduler.backoff_base must be positive and not exceed scheduler.backoff_max")
	}
	if s.StaleAfter <= 0 {
		return fmt.Errorf("scheduler.stale_after must be greater than zero")
	}

	for name, limit := range c.Budgets {
		if !market.ParseProvider(name).Known() {
			return fmt.Errorf("budgets.%s: unknown provider", name)
		}
		if limit < 0 {
			return fmt.Errorf("budgets.%s cannot be negative", name)
		}
	}
	for name, p := range c.Providers {
		if !market.ParseProvider(name).Known() {
			return fmt.Errorf("providers.%s: unknown provider", name)
		}
		if p.Enabled && strings.TrimSpace(p.BaseURL) == "" {
			return fmt.Errorf("providers.%s.base_url is required when enabled", name)
		}
	}

	if strings.TrimSpace(c.Pricing.Currency) == "" {
		return fmt.Errorf("pricing.currency is required")
	}
	if c.Pricing.StaleAfter <= 0 {
		return fmt.Errorf("pricing.stale_after must be greater than zero")
	}
	if c.Pricing.CacheTTL < 0 {
		return fmt.Errorf("pricing.cache_ttl cannot be negative")
	}
	if c.HTTP.TriggerRateLimit < 0 {
		return fmt.Errorf("http.trigger_rate_limit cannot be negative")
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// BudgetLimits returns the hourly request ceilings keyed by provider.
func (c *Config) BudgetLimits() map[market.Provider]int {
	out := make(map[market.Provider]int, len(c.Budgets))
	for name, limit := range c.Budgets {
		if p := market.ParseProvider(name); p.Known() {
			out[p] = limit
		}
	}
	return out
}

// WebhookSecret returns the signing secret for p, empty when unset.
func (c *Config) WebhookSecret(p market.Provider) string {
	return c.Webhooks.Secrets[p.String()]
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ResolveBatchSize returns either the override or the configured batch size.
func (c *Config) ResolveBatchSize(override int) int {
	if override > 0 {
		return override
	}
	return c.Scheduler.BatchSize
}
