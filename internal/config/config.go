package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"finpatrol/internal/change"
	"finpatrol/internal/logging"
)

// minSampleRetention keeps enough history for the weekly lookback.
const minSampleRetention = 8 * 24 * time.Hour

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Sources     SourcesConfig     `mapstructure:"sources"`
	Instruments InstrumentsConfig `mapstructure:"instruments"`
	Render      RenderConfig      `mapstructure:"render"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	// Debug switches to the debug channel and the short schedule.
	Debug    bool   `mapstructure:"debug"`
	Timezone string `mapstructure:"timezone"`
}

// DatabaseConfig selects the history backend. SQLite is the default;
// PostgreSQL is used when driver is "postgres".
type DatabaseConfig struct {
	Driver               string        `mapstructure:"driver"`
	Path                 string        `mapstructure:"path"`
	DSN                  string        `mapstructure:"dsn"`
	MaxOpenConns         int           `mapstructure:"max_open_conns"`
	MaxIdleConns         int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime      time.Duration `mapstructure:"conn_max_lifetime"`
	SampleRetention      time.Duration `mapstructure:"sample_retention"`
	MessageRetentionDays int           `mapstructure:"message_retention_days"`
	MinPayloadLength     int           `mapstructure:"min_payload_length"`
}

// SchedulerConfig governs the heartbeat that evaluates due jobs.
type SchedulerConfig struct {
	Tick         time.Duration `mapstructure:"tick"`
	AlignToTick  bool          `mapstructure:"align_to_tick"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// ScheduleConfig holds cron expressions of the publish cycle, evaluated in
// app.timezone.
type ScheduleConfig struct {
	Publish          string        `mapstructure:"publish"`
	Update           string        `mapstructure:"update"`
	Freeze           string        `mapstructure:"freeze"`
	Cleanup          string        `mapstructure:"cleanup"`
	DebugUpdate      string        `mapstructure:"debug_update"`
	DebugFreezeAfter time.Duration `mapstructure:"debug_freeze_after"`
}

// TelegramConfig 描述 Telegram 频道参数。
type TelegramConfig struct {
	BotToken     string        `mapstructure:"bot_token"`
	Channel      string        `mapstructure:"channel"`
	DebugChannel string        `mapstructure:"debug_channel"`
	APIBase      string        `mapstructure:"api_base"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SourcesConfig groups the quote adaptors.
type SourcesConfig struct {
	CBR           CBRConfig           `mapstructure:"cbr"`
	Yahoo         YahooConfig         `mapstructure:"yahoo"`
	LiveCoinWatch LiveCoinWatchConfig `mapstructure:"livecoinwatch"`
}

// CBRConfig covers the central bank daily rates.
type CBRConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	URL        string        `mapstructure:"url"`
	Currencies []string      `mapstructure:"currencies"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RPS        float64       `mapstructure:"rps"`
}

// YahooConfig covers the finance chart API. Tickers use "SYMBOL|Key".
type YahooConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	Interval  string        `mapstructure:"interval"`
	Range     string        `mapstructure:"range"`
	Tickers   []string      `mapstructure:"tickers"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RPS       float64       `mapstructure:"rps"`
	UserAgent string        `mapstructure:"user_agent"`
}

// LiveCoinWatchConfig covers the crypto list API.
type LiveCoinWatchConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Currency   string        `mapstructure:"currency"`
	Limit      int           `mapstructure:"limit"`
	AlwaysShow []string      `mapstructure:"always_show"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RPS        float64       `mapstructure:"rps"`
}

// InstrumentsConfig tunes per-instrument processing.
type InstrumentsConfig struct {
	MajorCoin    string            `mapstructure:"major_coin"`
	Rounding     string            `mapstructure:"rounding"`
	SpikeHourPct float64           `mapstructure:"spike_hour_pct"`
	SpikeDayPct  float64           `mapstructure:"spike_day_pct"`
	Thresholds   []ThresholdConfig `mapstructure:"thresholds"`
}

// ThresholdConfig marks an instrument when it crosses a multiple of BucketSize.
type ThresholdConfig struct {
	Instrument string  `mapstructure:"instrument"`
	BucketSize float64 `mapstructure:"bucket_size"`
	Marker     string  `mapstructure:"marker"`
}

// RenderConfig shapes the message text.
type RenderConfig struct {
	Footer    string   `mapstructure:"footer"`
	ZoneLabel string   `mapstructure:"zone_label"`
	Order     []string `mapstructure:"order"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("FINPATROL")
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
	v.SetDefault("app.name", "finpatrol")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
	v.SetDefault("app.timezone", "Europe/Moscow")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("logging.compress", true)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/finpatrol.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.sample_retention", "1080h")
	v.SetDefault("database.message_retention_days", 30)
	v.SetDefault("database.min_payload_length", 10)

	v.SetDefault("scheduler.tick", "30s")
	v.SetDefault("scheduler.align_to_tick", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("schedule.publish", "0 0 * * *")
	v.SetDefault("schedule.update", "@every 3m")
	v.SetDefault("schedule.freeze", "57 23 * * *")
	v.SetDefault("schedule.cleanup", "@every 24h")
	v.SetDefault("schedule.debug_update", "@every 30s")
	v.SetDefault("schedule.debug_freeze_after", "5m")

	v.SetDefault("telegram.channel", "@currency_patrol")
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", "10s")

	v.SetDefault("sources.cbr.enabled", true)
	v.SetDefault("sources.cbr.url", "https://www.cbr-xml-daily.ru/daily_json.js")
	v.SetDefault("sources.cbr.currencies", []string{"USD", "EUR", "CNY", "AED", "THB"})
	v.SetDefault("sources.cbr.timeout", "10s")

	v.SetDefault("sources.yahoo.enabled", true)
	v.SetDefault("sources.yahoo.base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("sources.yahoo.interval", "5m")
	v.SetDefault("sources.yahoo.range", "1d")
	v.SetDefault("sources.yahoo.tickers", []string{
		"BZ=F|Brent",
		"^GSPC|S&P 500",
		"^IXIC|NASDAQ",
		"EURUSD=X|EUR-USD",
		"USDBYN=X|USD-BYN",
		"USDKZT=X|USD-KZT",
		"USDUAH=X|USD-UAH",
	})
	v.SetDefault("sources.yahoo.timeout", "10s")
	v.SetDefault("sources.yahoo.rps", 2.0)

	v.SetDefault("sources.livecoinwatch.enabled", true)
	v.SetDefault("sources.livecoinwatch.base_url", "https://api.livecoinwatch.com")
	v.SetDefault("sources.livecoinwatch.currency", "USD")
	v.SetDefault("sources.livecoinwatch.limit", 100)
	v.SetDefault("sources.livecoinwatch.always_show", []string{"BTC", "ETH", "TON", "TONCOIN", "SOL", "USDT", "BNB", "XRP", "DOGE"})
	v.SetDefault("sources.livecoinwatch.timeout", "15s")

	v.SetDefault("instruments.major_coin", "BTC")
	v.SetDefault("instruments.rounding", string(change.RoundHalfUp))
	v.SetDefault("instruments.spike_hour_pct", 3.0)
	v.SetDefault("instruments.spike_day_pct", 10.0)
	v.SetDefault("instruments.thresholds", []map[string]any{
		{"instrument": "USD-RUB", "bucket_size": 5.0, "marker": "🏅"},
		{"instrument": "BTC", "bucket_size": 1000.0, "marker": "🏅"},
	})

	v.SetDefault("render.zone_label", "МСК")
	v.SetDefault("render.footer", `🚓 <a href="https://t.me/currency_patrol">ФинПатруль</a>`)
	v.SetDefault("render.order", []string{
		"USD-RUB", "EUR-RUB", "CNY-RUB", "AED-RUB", "THB-RUB",
		"Brent", "S&P 500", "NASDAQ", "EUR-USD", "USD-BYN", "USD-KZT", "USD-UAH",
		"BTC", "ETH", "TON", "TONCOIN", "SOL", "USDT", "BNB", "XRP", "DOGE",
	})

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
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be greater than zero")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "sqlite", "":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path must be set for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Database.SampleRetention < minSampleRetention {
		return fmt.Errorf("database.sample_retention must be at least %s", minSampleRetention)
	}
	if c.Database.MessageRetentionDays < 0 {
		return fmt.Errorf("database.message_retention_days cannot be negative")
	}
	if _, err := change.ParseRounding(c.Instruments.Rounding); err != nil {
		return fmt.Errorf("instruments.rounding: %w", err)
	}
	if c.Instruments.SpikeHourPct < 0 || c.Instruments.SpikeDayPct < 0 {
		return fmt.Errorf("instruments spike thresholds cannot be negative")
	}
	for _, th := range c.Instruments.Thresholds {
		if th.Instrument == "" {
			return fmt.Errorf("instruments.thresholds entry without instrument")
		}
		if th.BucketSize < 0 {
			return fmt.Errorf("instruments.thresholds %s: bucket_size cannot be negative", th.Instrument)
		}
	}
	if c.Sources.LiveCoinWatch.Enabled && c.Sources.LiveCoinWatch.Limit <= 0 {
		return fmt.Errorf("sources.livecoinwatch.limit must be greater than zero")
	}
	return nil
}

// ValidateForRun checks settings only the long-running service needs.
func (c *Config) ValidateForRun() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token 必须配置")
	}
	if c.ActiveChannel() == "" {
		return fmt.Errorf("telegram.channel 必须配置")
	}
	if c.Sources.LiveCoinWatch.Enabled && c.Sources.LiveCoinWatch.APIKey == "" {
		return fmt.Errorf("sources.livecoinwatch.api_key 必须配置")
	}
	return nil
}

// Location resolves app.timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.App.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app.timezone: %w", err)
	}
	return loc, nil
}

// ActiveChannel is the debug channel in debug mode when one is set.
func (c *Config) ActiveChannel() string {
	if c.App.Debug && c.Telegram.DebugChannel != "" {
		return c.Telegram.DebugChannel
	}
	return c.Telegram.Channel
}

// ThresholdMap indexes thresholds by instrument; later entries win.
func (c *Config) ThresholdMap() map[string]ThresholdConfig {
	out := make(map[string]ThresholdConfig, len(c.Instruments.Thresholds))
	for _, th := range c.Instruments.Thresholds {
		out[th.Instrument] = th
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
