package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/nb-research/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Cost       CostConfig       `yaml:"cost" mapstructure:"cost"`
	Versioning VersioningConfig `yaml:"versioning" mapstructure:"versioning"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. For sqlite DatabaseURL is
// the database file path.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url" validate:"required"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	Model   string `yaml:"model" mapstructure:"model" validate:"required"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
}

// LLMConfig configures the LLM capability.
type LLMConfig struct {
	// Mode selects the provider: the Anthropic API or the deterministic mock.
	Mode              string      `yaml:"mode" mapstructure:"mode" validate:"oneof=anthropic mock"`
	MaxTokens         int         `yaml:"max_tokens" mapstructure:"max_tokens" validate:"gte=1"`
	Temperature       float64     `yaml:"temperature" mapstructure:"temperature" validate:"gte=0"`
	TemperatureCap    float64     `yaml:"temperature_cap" mapstructure:"temperature_cap" validate:"gt=0,lte=1"`
	RetryBudget       int         `yaml:"retry_budget" mapstructure:"retry_budget" validate:"gte=1,lte=10"`
	RequestsPerSecond float64     `yaml:"requests_per_second" mapstructure:"requests_per_second" validate:"gte=0"`
	StrictCitations   bool        `yaml:"strict_citations" mapstructure:"strict_citations"`
	Retry             RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig configures transient-failure retries of a single LLM call.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms" validate:"gte=0"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms" validate:"gtefield=InitialBackoffMs"`
}

// PricingConfig holds LLM pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	// DefaultPer1K prices tokens of models without an entry (USD per 1K tokens).
	DefaultPer1K float64 `yaml:"default_rate_per_1k" mapstructure:"default_rate_per_1k" validate:"gte=0"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// CostConfig configures estimation and admission limits. Zero disables a
// threshold.
type CostConfig struct {
	TokensPerNB      int     `yaml:"tokens_per_nb" mapstructure:"tokens_per_nb" validate:"gte=0"`
	WarningThreshold float64 `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"gte=0"`
	HardLimit        float64 `yaml:"hard_limit" mapstructure:"hard_limit" validate:"gte=0"`
}

// VersioningConfig configures snapshots and reuse.
type VersioningConfig struct {
	FreshnessDays int `yaml:"freshness_days" mapstructure:"freshness_days" validate:"gte=1"`
	MaxFieldBytes int `yaml:"max_field_bytes" mapstructure:"max_field_bytes" validate:"gte=1024"`
}

// QueueConfig configures the job queue and worker.
type QueueConfig struct {
	MaxRetries       int `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0"`
	RetentionDays    int `yaml:"retention_days" mapstructure:"retention_days" validate:"gte=1"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs" validate:"gte=1"`
	Concurrency      int `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=1,lte=32"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port" validate:"gte=1,lte=65535"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("NB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "nb-research.db")
	v.SetDefault("store.max_conns", 0)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("llm.mode", "anthropic")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.temperature_cap", 0.2)
	v.SetDefault("llm.retry_budget", 3)
	v.SetDefault("llm.requests_per_second", 2)
	v.SetDefault("llm.strict_citations", false)
	v.SetDefault("llm.retry.max_attempts", 3)
	v.SetDefault("llm.retry.initial_backoff_ms", 500)
	v.SetDefault("llm.retry.max_backoff_ms", 10000)
	v.SetDefault("pricing.default_rate_per_1k", 0.01)
	v.SetDefault("pricing.anthropic", defaultModelPricing())
	v.SetDefault("cost.tokens_per_nb", 0)
	v.SetDefault("cost.warning_threshold", 2.0)
	v.SetDefault("cost.hard_limit", 10.0)
	v.SetDefault("versioning.freshness_days", 30)
	v.SetDefault("versioning.max_field_bytes", 10<<20)
	v.SetDefault("queue.max_retries", 2)
	v.SetDefault("queue.retention_days", 90)
	v.SetDefault("queue.poll_interval_secs", 5)
	v.SetDefault("queue.concurrency", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
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

func defaultModelPricing() map[string]any {
	out := make(map[string]any)
	for model, r := range cost.DefaultRates().Anthropic {
		out[model] = map[string]any{
			"input":           r.Input,
			"output":          r.Output,
			"cache_write_mul": r.CacheWriteMul,
			"cache_read_mul":  r.CacheReadMul,
		}
	}
	return out
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return eris.Wrap(err, "config: validate")
	}
	if c.Cost.HardLimit > 0 && c.Cost.WarningThreshold > c.Cost.HardLimit {
		return eris.New("config: cost.warning_threshold exceeds cost.hard_limit")
	}
	if c.LLM.Mode == "anthropic" && c.Anthropic.Key == "" {
		return eris.New("config: anthropic.key is required when llm.mode is anthropic")
	}
	return nil
}

// Rates converts the pricing section for the cost calculator.
func (p PricingConfig) Rates() cost.Rates {
	rates := cost.Rates{
		Anthropic:    make(map[string]cost.ModelRate, len(p.Anthropic)),
		DefaultPer1K: p.DefaultPer1K,
	}
	for model, mp := range p.Anthropic {
		rates.Anthropic[model] = cost.ModelRate{
			Input:         mp.Input,
			Output:        mp.Output,
			CacheWriteMul: mp.CacheWriteMul,
			CacheReadMul:  mp.CacheReadMul,
		}
	}
	return rates
}

// FreshnessWindow returns the reuse window.
func (v VersioningConfig) FreshnessWindow() time.Duration {
	return time.Duration(v.FreshnessDays) * 24 * time.Hour
}

// PollInterval returns the worker poll interval.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalSecs) * time.Second
}

// InitialBackoff returns the first retry delay.
func (r RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the retry delay cap.
func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMs) * time.Millisecond
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
