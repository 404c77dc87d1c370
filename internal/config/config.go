package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Classifier  ClassifierConfig  `yaml:"classifier" mapstructure:"classifier"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig     `yaml:"circuit" mapstructure:"circuit"`
	Attribution AttributionConfig `yaml:"attribution" mapstructure:"attribution"`
	Experiment  ExperimentConfig  `yaml:"experiment" mapstructure:"experiment"`
	Analytics   AnalyticsConfig   `yaml:"analytics" mapstructure:"analytics"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Salesforce  SalesforceConfig  `yaml:"salesforce" mapstructure:"salesforce"`
	Slack       SlackConfig       `yaml:"slack" mapstructure:"slack"`
	Webhook     WebhookConfig     `yaml:"webhook" mapstructure:"webhook"`
	Notion      NotionConfig      `yaml:"notion" mapstructure:"notion"`
	Kafka       KafkaConfig       `yaml:"kafka" mapstructure:"kafka"`
	Ingest      IngestConfig      `yaml:"ingest" mapstructure:"ingest"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ClassifierConfig configures inquiry scoring and tiering.
type ClassifierConfig struct {
	Scorer        string  `yaml:"scorer" mapstructure:"scorer"`
	HotThreshold  float64 `yaml:"hot_threshold" mapstructure:"hot_threshold"`
	WarmThreshold float64 `yaml:"warm_threshold" mapstructure:"warm_threshold"`
	ReviewMargin  float64 `yaml:"review_margin" mapstructure:"review_margin"`
	CooldownMins  int     `yaml:"cooldown_mins" mapstructure:"cooldown_mins"`
	Concurrency   int     `yaml:"concurrency" mapstructure:"concurrency"`
	RatePerSec    float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MaxRetries    int     `yaml:"max_retries" mapstructure:"max_retries"`

	RetryQueue RetryQueueConfig `yaml:"retry_queue" mapstructure:"retry_queue"`
}

// RetryQueueConfig spaces retry-queue passes for events the scorer could
// not handle.
type RetryQueueConfig struct {
	InitialBackoffSecs int     `yaml:"initial_backoff_secs" mapstructure:"initial_backoff_secs"`
	MaxBackoffSecs     int     `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	Multiplier         float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction     float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// RetryConfig configures per-call retry of scorer and sink requests.
type RetryConfig struct {
	MaxAttempts        int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	AttemptTimeoutSecs int     `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
	InitialBackoffMs   int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs       int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier         float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction     float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the scorer circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// AttributionConfig configures the attribution window, decay and the
// consultation value table.
type AttributionConfig struct {
	WindowDays   int                `yaml:"window_days" mapstructure:"window_days"`
	HalfLifeDays float64            `yaml:"half_life_days" mapstructure:"half_life_days"`
	Values       map[string]float64 `yaml:"values" mapstructure:"values"`
	BatchSize    int                `yaml:"batch_size" mapstructure:"batch_size"`
}

// ExperimentConfig holds defaults applied to new experiment definitions.
type ExperimentConfig struct {
	DefaultAlpha   float64 `yaml:"default_alpha" mapstructure:"default_alpha"`
	DefaultPower   float64 `yaml:"default_power" mapstructure:"default_power"`
	DefinitionsDir string  `yaml:"definitions_dir" mapstructure:"definitions_dir"`
}

// AnalyticsConfig configures report aggregation.
type AnalyticsConfig struct {
	CheckpointEvery int `yaml:"checkpoint_every" mapstructure:"checkpoint_every"`
	MinViews        int `yaml:"min_views" mapstructure:"min_views"`
}

// AnthropicConfig holds Anthropic API settings for the LLM scorer.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID   string `yaml:"client_id" mapstructure:"client_id"`
	Username   string `yaml:"username" mapstructure:"username"`
	KeyPath    string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL   string `yaml:"login_url" mapstructure:"login_url"`
	LeadSource string `yaml:"lead_source" mapstructure:"lead_source"`
}

// SlackConfig holds the lead-alert Slack destination.
type SlackConfig struct {
	Token   string `yaml:"token" mapstructure:"token"`
	Channel string `yaml:"channel" mapstructure:"channel"`
}

// WebhookConfig holds the generic lead-alert webhook.
type WebhookConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// NotionConfig holds Notion credentials and the content calendar database.
type NotionConfig struct {
	Token     string `yaml:"token" mapstructure:"token"`
	ContentDB string `yaml:"content_db" mapstructure:"content_db"`
}

// KafkaConfig configures the optional engagement-event topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
	GroupID string   `yaml:"group_id" mapstructure:"group_id"`
}

// IngestConfig configures batch event fetching and scheduled polling.
type IngestConfig struct {
	RatePerSec   float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PollSource   string  `yaml:"poll_source" mapstructure:"poll_source"`
	PollSchedule string  `yaml:"poll_schedule" mapstructure:"poll_schedule"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	APIKey         string   `yaml:"api_key" mapstructure:"api_key"`
}

// MonitoringConfig configures health thresholds and the alert webhook.
type MonitoringConfig struct {
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours   int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	MaxReviewBacklog      int     `yaml:"max_review_backlog" mapstructure:"max_review_backlog"`
	MaxRetryBacklog       int     `yaml:"max_retry_backlog" mapstructure:"max_retry_backlog"`
	UnscoredRateThreshold float64 `yaml:"unscored_rate_threshold" mapstructure:"unscored_rate_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "leadflow.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("classifier.scorer", "heuristic")
	v.SetDefault("classifier.hot_threshold", 0.85)
	v.SetDefault("classifier.warm_threshold", 0.55)
	v.SetDefault("classifier.review_margin", 0.02)
	v.SetDefault("classifier.cooldown_mins", 15)
	v.SetDefault("classifier.concurrency", 4)
	v.SetDefault("classifier.rate_per_sec", 5.0)
	v.SetDefault("classifier.max_retries", 5)
	v.SetDefault("classifier.retry_queue.initial_backoff_secs", 60)
	v.SetDefault("classifier.retry_queue.max_backoff_secs", 3600)
	v.SetDefault("classifier.retry_queue.multiplier", 2.0)
	v.SetDefault("classifier.retry_queue.jitter_fraction", 0.1)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.attempt_timeout_secs", 20)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("attribution.window_days", 30)
	v.SetDefault("attribution.half_life_days", 7.0)
	v.SetDefault("attribution.values", map[string]float64{"hot": 50000, "warm": 15000, "cold": 0})
	v.SetDefault("attribution.batch_size", 100)
	v.SetDefault("experiment.default_alpha", 0.05)
	v.SetDefault("experiment.default_power", 0.8)
	v.SetDefault("analytics.checkpoint_every", 50)
	v.SetDefault("analytics.min_views", 30)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 256)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.lead_source", "Social Engagement")
	v.SetDefault("webhook.timeout_secs", 10)
	v.SetDefault("kafka.group_id", "leadflow")
	v.SetDefault("ingest.rate_per_sec", 2.0)
	v.SetDefault("ingest.timeout_secs", 60)
	v.SetDefault("ingest.poll_schedule", "@every 5m")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.max_review_backlog", 50)
	v.SetDefault("monitoring.max_retry_backlog", 25)
	v.SetDefault("monitoring.unscored_rate_threshold", 0.2)

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

// Validate checks the settings every command needs plus those required by
// mode ("classify", "serve", "sync", "notify" or "" for base checks only).
func (c *Config) Validate(mode string) error {
	var missing []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store.driver %q (want sqlite or postgres)", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		missing = append(missing, "store.database_url")
	}

	cl := c.Classifier
	if cl.WarmThreshold <= 0 || cl.HotThreshold > 1 || cl.WarmThreshold >= cl.HotThreshold {
		return eris.Errorf("config: thresholds must satisfy 0 < warm (%.2f) < hot (%.2f) <= 1",
			cl.WarmThreshold, cl.HotThreshold)
	}
	if cl.ReviewMargin < 0 || cl.ReviewMargin >= cl.HotThreshold-cl.WarmThreshold {
		return eris.Errorf("config: classifier.review_margin %.3f out of range", cl.ReviewMargin)
	}
	if cl.Concurrency < 1 || cl.Concurrency > 64 {
		return eris.Errorf("config: classifier.concurrency must be between 1 and 64, got %d", cl.Concurrency)
	}
	if rq := cl.RetryQueue; rq.InitialBackoffSecs < 1 || rq.MaxBackoffSecs < rq.InitialBackoffSecs {
		return eris.Errorf("config: classifier.retry_queue backoff must satisfy 1 <= initial (%ds) <= max (%ds)",
			rq.InitialBackoffSecs, rq.MaxBackoffSecs)
	}
	if c.Attribution.WindowDays <= 0 {
		return eris.Errorf("config: attribution.window_days must be positive, got %d", c.Attribution.WindowDays)
	}
	if c.Attribution.HalfLifeDays <= 0 {
		return eris.Errorf("config: attribution.half_life_days must be positive, got %v", c.Attribution.HalfLifeDays)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return eris.Wrapf(err, "config: log.level %q", c.Log.Level)
	}

	switch mode {
	case "", "notify":
	case "classify":
		switch cl.Scorer {
		case "heuristic":
		case "llm":
			if c.Anthropic.Key == "" {
				missing = append(missing, "anthropic.key")
			}
		default:
			return eris.Errorf("config: unknown classifier.scorer %q (want heuristic or llm)", cl.Scorer)
		}
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			return eris.Errorf("config: server.port must be between 1 and 65535, got %d", c.Server.Port)
		}
	case "sync":
		if c.Notion.Token == "" {
			missing = append(missing, "notion.token")
		}
		if c.Notion.ContentDB == "" {
			missing = append(missing, "notion.content_db")
		}
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
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
