package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"collateral-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Engine    EngineConfig    `mapstructure:"engine"`
	SMS       SMSConfig       `mapstructure:"sms"`
	Mail      MailConfig      `mapstructure:"mail"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Report    ReportConfig    `mapstructure:"report"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	History   HistoryConfig   `mapstructure:"history"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs evaluation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	FetchWorkers   int           `mapstructure:"fetch_workers"`
}

// EngineConfig tunes the per-cycle evaluation.
type EngineConfig struct {
	Workers         int           `mapstructure:"workers"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	UnclaimedExpiry time.Duration `mapstructure:"unclaimed_expiry"`
	VisitURL        string        `mapstructure:"visit_url"`
}

// SMSConfig describes the Twilio gateway.
type SMSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	From       string `mapstructure:"from"`
	APIBase    string `mapstructure:"api_base"`
}

// MailConfig describes the SMTP relay.
type MailConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	From        string `mapstructure:"from"`
	Subject     string `mapstructure:"subject"`
	ImplicitTLS bool   `mapstructure:"implicit_tls"`
}

// ChatConfig describes the Telegram bot.
type ChatConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BotToken    string        `mapstructure:"bot_token"`
	APIBase     string        `mapstructure:"api_base"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// ReportConfig configures the error reporting sink.
type ReportConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// HistoryConfig controls ratio sample recording.
type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	// a missing .env is the common case
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("COLLATERALWATCHER")
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
	v.SetDefault("app.name", "collateralwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_interval", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x636f6c6c))
	v.SetDefault("scheduler.startup_delay", "0s")

	// keys without a default are invisible to AutomaticEnv during Unmarshal
	for _, key := range []string{
		"database.dsn",
		"ethereum.rpc_url",
		"sms.account_sid", "sms.auth_token", "sms.from",
		"mail.host", "mail.username", "mail.password", "mail.from",
		"chat.bot_token",
		"report.webhook_url",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.fetch_workers", 4)

	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.dispatch_timeout", "15s")
	v.SetDefault("engine.store_timeout", "5s")
	v.SetDefault("engine.unclaimed_expiry", "15m")
	v.SetDefault("engine.visit_url", "")

	v.SetDefault("sms.enabled", false)
	v.SetDefault("sms.api_base", "https://api.twilio.com")

	v.SetDefault("mail.enabled", false)
	v.SetDefault("mail.port", 465)
	v.SetDefault("mail.implicit_tls", true)
	v.SetDefault("mail.subject", "Collateral Ratio Alert")

	v.SetDefault("chat.enabled", false)
	v.SetDefault("chat.api_base", "https://api.telegram.org")
	v.SetDefault("chat.poll_timeout", "30s")

	v.SetDefault("report.timeout", "5s")

	v.SetDefault("metrics.listen_addr", "")

	v.SetDefault("history.enabled", false)

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be greater than zero")
	}
	if c.Engine.UnclaimedExpiry <= 0 {
		return fmt.Errorf("engine.unclaimed_expiry must be greater than zero")
	}
	if c.Ethereum.FetchWorkers <= 0 {
		return fmt.Errorf("ethereum.fetch_workers must be greater than zero")
	}
	if c.SMS.Enabled {
		if c.SMS.AccountSID == "" || c.SMS.AuthToken == "" {
			return fmt.Errorf("sms.account_sid and sms.auth_token are required when sms is enabled")
		}
		if c.SMS.From == "" {
			return fmt.Errorf("sms.from is required when sms is enabled")
		}
	}
	if c.Mail.Enabled {
		if c.Mail.Host == "" || c.Mail.Port <= 0 {
			return fmt.Errorf("mail.host and mail.port are required when mail is enabled")
		}
		if c.Mail.From == "" {
			return fmt.Errorf("mail.from is required when mail is enabled")
		}
	}
	if c.Chat.Enabled && c.Chat.BotToken == "" {
		return fmt.Errorf("chat.bot_token is required when chat is enabled")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
