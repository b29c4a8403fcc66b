package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Workers    WorkersConfig    `yaml:"workers" mapstructure:"workers"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Scrape     ScrapeConfig     `yaml:"scrape" mapstructure:"scrape"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Review     ReviewConfig     `yaml:"review" mapstructure:"review"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig configures the job queue backend. Postgres and sqlite queues
// share the store's database.
type QueueConfig struct {
	Driver         string `yaml:"driver" mapstructure:"driver"`
	PollIntervalMs int    `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	LeaseSecs      int    `yaml:"lease_secs" mapstructure:"lease_secs"`
}

// RetryConfig controls the per-job attempt budget and backoff.
type RetryConfig struct {
	MaxAttempts   int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseBackoffMs int `yaml:"base_backoff_ms" mapstructure:"base_backoff_ms"`
	MaxBackoffMs  int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	// Multiplier grows the backoff per attempt; zero means 2.
	Multiplier float64 `yaml:"multiplier" mapstructure:"multiplier"`
	// JitterFraction spreads each backoff by up to this share either way.
	JitterFraction float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// WorkersConfig sizes the worker pools.
type WorkersConfig struct {
	Scrape           int `yaml:"scrape" mapstructure:"scrape"`
	Classify         int `yaml:"classify" mapstructure:"classify"`
	Dedup            int `yaml:"dedup" mapstructure:"dedup"`
	Persist          int `yaml:"persist" mapstructure:"persist"`
	Notify           int `yaml:"notify" mapstructure:"notify"`
	PopTimeoutSecs   int `yaml:"pop_timeout_secs" mapstructure:"pop_timeout_secs"`
	StageTimeoutSecs int `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
	RestartDelayMs   int `yaml:"restart_delay_ms" mapstructure:"restart_delay_ms"`
}

// Count returns the configured worker count for a stage name.
func (w WorkersConfig) Count(stage string) int {
	switch stage {
	case "scrape":
		return w.Scrape
	case "classify":
		return w.Classify
	case "dedup":
		return w.Dedup
	case "persist":
		return w.Persist
	case "notify":
		return w.Notify
	}
	return 0
}

// ClassifierConfig selects and configures the classification provider.
type ClassifierConfig struct {
	Provider        string  `yaml:"provider" mapstructure:"provider"`
	AnthropicKey    string  `yaml:"anthropic_key" mapstructure:"anthropic_key"`
	AnthropicModel  string  `yaml:"anthropic_model" mapstructure:"anthropic_model"`
	GeminiKey       string  `yaml:"gemini_key" mapstructure:"gemini_key"`
	GeminiModel     string  `yaml:"gemini_model" mapstructure:"gemini_model"`
	MaxInputChars   int     `yaml:"max_input_chars" mapstructure:"max_input_chars"`
	MinConfidence   float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	BreakerFailures int     `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSec int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// ScrapeConfig configures document fetching and listing discovery.
type ScrapeConfig struct {
	UserAgent   string         `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int            `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBytes    int64          `yaml:"max_bytes" mapstructure:"max_bytes"`
	CacheTTLHrs int            `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	Sources     []SourceConfig `yaml:"sources" mapstructure:"sources"`
}

// SourceConfig describes one exchange listing page and the CSS selectors
// used to pull announcement rows out of it.
type SourceConfig struct {
	Exchange        string `yaml:"exchange" mapstructure:"exchange"`
	ListingURL      string `yaml:"listing_url" mapstructure:"listing_url"`
	RowSelector     string `yaml:"row_selector" mapstructure:"row_selector"`
	LinkSelector    string `yaml:"link_selector" mapstructure:"link_selector"`
	TitleSelector   string `yaml:"title_selector" mapstructure:"title_selector"`
	CompanySelector string `yaml:"company_selector" mapstructure:"company_selector"`
	OwnerKeyAttr    string `yaml:"owner_key_attr" mapstructure:"owner_key_attr"`
	DateSelector    string `yaml:"date_selector" mapstructure:"date_selector"`
	DateLayout      string `yaml:"date_layout" mapstructure:"date_layout"`
}

// NotifyConfig configures notification providers.
type NotifyConfig struct {
	TelegramToken   string     `yaml:"telegram_token" mapstructure:"telegram_token"`
	TelegramBaseURL string     `yaml:"telegram_base_url" mapstructure:"telegram_base_url"`
	PerDestRate     float64    `yaml:"per_destination_rate" mapstructure:"per_destination_rate"`
	PerDestBurst    int        `yaml:"per_destination_burst" mapstructure:"per_destination_burst"`
	DigestCron      string     `yaml:"digest_cron" mapstructure:"digest_cron"`
	SMTP            SMTPConfig `yaml:"smtp" mapstructure:"smtp"`
}

// SMTPConfig holds outbound mail settings for digests.
type SMTPConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	From     string `yaml:"from" mapstructure:"from"`
}

// ReviewConfig configures the human review workflow.
type ReviewConfig struct {
	ClaimTTLMins   int               `yaml:"claim_ttl_mins" mapstructure:"claim_ttl_mins"`
	SweepCron      string            `yaml:"sweep_cron" mapstructure:"sweep_cron"`
	ReviewerTokens map[string]string `yaml:"reviewer_tokens" mapstructure:"reviewer_tokens"`
	AdminTokens    map[string]string `yaml:"admin_tokens" mapstructure:"admin_tokens"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures health checks and alerting.
type MonitoringConfig struct {
	WebhookURL             string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	DeadLetterThreshold    int64  `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
	ReviewBacklogThreshold int    `yaml:"review_backlog_threshold" mapstructure:"review_backlog_threshold"`
	AlertCooldownMins      int    `yaml:"alert_cooldown_mins" mapstructure:"alert_cooldown_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, file, and environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("queue.driver", "postgres")
	v.SetDefault("queue.poll_interval_ms", 250)
	v.SetDefault("queue.lease_secs", 300)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 60000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.1)
	v.SetDefault("workers.scrape", 2)
	v.SetDefault("workers.classify", 4)
	v.SetDefault("workers.dedup", 1)
	v.SetDefault("workers.persist", 1)
	v.SetDefault("workers.notify", 2)
	v.SetDefault("workers.pop_timeout_secs", 5)
	v.SetDefault("workers.stage_timeout_secs", 120)
	v.SetDefault("workers.restart_delay_ms", 1000)
	v.SetDefault("classifier.provider", "anthropic")
	v.SetDefault("classifier.anthropic_model", "claude-haiku-4-5-20251001")
	v.SetDefault("classifier.gemini_model", "gemini-2.5-flash")
	v.SetDefault("classifier.max_input_chars", 20000)
	v.SetDefault("classifier.min_confidence", 0.5)
	v.SetDefault("classifier.timeout_secs", 60)
	v.SetDefault("classifier.breaker_failures", 5)
	v.SetDefault("classifier.breaker_reset_secs", 30)
	v.SetDefault("scrape.user_agent", "exchange-feed/1.0")
	v.SetDefault("scrape.timeout_secs", 30)
	v.SetDefault("scrape.max_bytes", 10<<20)
	v.SetDefault("scrape.cache_ttl_hours", 24)
	v.SetDefault("notify.telegram_base_url", "https://api.telegram.org")
	v.SetDefault("notify.per_destination_rate", 1.0)
	v.SetDefault("notify.per_destination_burst", 1)
	v.SetDefault("notify.digest_cron", "0 7 * * *")
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("review.claim_ttl_mins", 30)
	v.SetDefault("review.sweep_cron", "*/5 * * * *")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 60)
	v.SetDefault("monitoring.dead_letter_threshold", 10)
	v.SetDefault("monitoring.review_backlog_threshold", 200)
	v.SetDefault("monitoring.alert_cooldown_mins", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
