// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Remote     RemoteConfig     `mapstructure:"remote" yaml:"remote"`
	Perception PerceptionConfig `mapstructure:"perception" yaml:"perception"`
	Jobs       JobsConfig       `mapstructure:"jobs" yaml:"jobs"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch" yaml:"dispatch"`
	History    HistoryConfig    `mapstructure:"history" yaml:"history"`
	Agent      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	LLM        LLMModelConfig   `mapstructure:"llm" yaml:"llm"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Events     EventsConfig     `mapstructure:"events" yaml:"events"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig configures the inbound HTTP surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowOrigins    []string      `mapstructure:"allow_origins" yaml:"allow_origins"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
}

// RemoteConfig points at the command execution service on the controlled machine.
type RemoteConfig struct {
	ExecutorURL string        `mapstructure:"executor_url" yaml:"executor_url"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RetryMaxElapsed bounds transport retries of idempotent reads.
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed" yaml:"retry_max_elapsed"`
}

// PerceptionConfig controls screen acquisition and parsing.
type PerceptionConfig struct {
	ParserURL                     string         `mapstructure:"parser_url" yaml:"parser_url"`
	MaxAttempts                   int            `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryDelay                    time.Duration  `mapstructure:"retry_delay" yaml:"retry_delay"`
	PrimaryFailuresBeforeFallback int            `mapstructure:"primary_failures_before_fallback" yaml:"primary_failures_before_fallback"`
	Fallback                      FallbackConfig `mapstructure:"fallback" yaml:"fallback"`
}

// FallbackConfig configures the headless browser pointed at the view-only web viewer.
type FallbackConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	ViewerURL       string        `mapstructure:"viewer_url" yaml:"viewer_url"`
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	ViewportWidth   int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight  int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	SettleTime      time.Duration `mapstructure:"settle_time" yaml:"settle_time"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed" yaml:"max_elapsed"`
}

// JobsConfig bounds the polling of long-running shell jobs.
type JobsConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxPollAttempts int           `mapstructure:"max_poll_attempts" yaml:"max_poll_attempts"`
}

// DispatchConfig holds timing and shape constants for remote input actions.
type DispatchConfig struct {
	ActionDelay     time.Duration `mapstructure:"action_delay" yaml:"action_delay"`
	ScrollDelay     time.Duration `mapstructure:"scroll_delay" yaml:"scroll_delay"`
	TypingInterval  time.Duration `mapstructure:"typing_interval" yaml:"typing_interval"`
	WaitMultiplier  int           `mapstructure:"wait_multiplier" yaml:"wait_multiplier"`
	ScrollAmount    int           `mapstructure:"scroll_amount" yaml:"scroll_amount"`
	DragDuration    time.Duration `mapstructure:"drag_duration" yaml:"drag_duration"`
	HoverDuration   time.Duration `mapstructure:"hover_duration" yaml:"hover_duration"`
	RecordingPolls  int           `mapstructure:"recording_polls" yaml:"recording_polls"`
	RecordingPeriod time.Duration `mapstructure:"recording_period" yaml:"recording_period"`
}

// HistoryConfig controls transcript retention and screen message composition.
type HistoryConfig struct {
	MaxScreenInfo        int  `mapstructure:"max_screen_info" yaml:"max_screen_info"`
	MaxImages            int  `mapstructure:"max_images" yaml:"max_images"`
	SendScreenshot       bool `mapstructure:"send_screenshot" yaml:"send_screenshot"`
	SendParsedScreenshot bool `mapstructure:"send_parsed_screenshot" yaml:"send_parsed_screenshot"`
}

// AgentConfig configures the session loop.
type AgentConfig struct {
	WaitWarningThreshold int           `mapstructure:"wait_warning_threshold" yaml:"wait_warning_threshold"`
	MaxCycles            int           `mapstructure:"max_cycles" yaml:"max_cycles"`
	SessionTimeout       time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
	PromptPath           string        `mapstructure:"prompt_path" yaml:"prompt_path"`
}

// LLMProvider identifies the decision service backend.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMModelConfig configures the decision service client.
type LLMModelConfig struct {
	Provider          LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	QuotaCooldown     time.Duration `mapstructure:"quota_cooldown" yaml:"quota_cooldown"`
	QuotaMaxAttempts  int           `mapstructure:"quota_max_attempts" yaml:"quota_max_attempts"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	// Prices is a list because viper splits map keys on dots and model names contain them.
	Prices []ModelPrices `mapstructure:"prices" yaml:"prices"`
	// Pricing indexes Prices by model name.
	Pricing map[string]ModelPrices `mapstructure:"-" yaml:"-"`
}

// ModelPrices is the price in dollars per million tokens.
type ModelPrices struct {
	Model      string  `mapstructure:"model" yaml:"model"`
	Prompt     float64 `mapstructure:"prompt" yaml:"prompt"`
	Completion float64 `mapstructure:"completion" yaml:"completion"`
}

// StoreConfig selects and configures persistence.
type StoreConfig struct {
	Type        string `mapstructure:"type" yaml:"type"`
	DataDir     string `mapstructure:"data_dir" yaml:"data_dir"`
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
}

// EventsConfig configures progress event publishers beyond the built-in stream.
type EventsConfig struct {
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configures the queue publisher.
type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr          string `mapstructure:"addr" yaml:"addr"`
	Password      string `mapstructure:"password" yaml:"password"`
	DB            int    `mapstructure:"db" yaml:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix" yaml:"channel_prefix"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	cfg.LLM.indexPrices()
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "vmpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Server --
	v.SetDefault("server.addr", ":2977")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("server.metrics_enabled", true)

	// -- Remote --
	v.SetDefault("remote.executor_url", "http://localhost:5000")
	v.SetDefault("remote.timeout", "60s")
	v.SetDefault("remote.retry_max_elapsed", "10s")

	// -- Perception --
	v.SetDefault("perception.parser_url", "http://localhost:8000/parse/")
	v.SetDefault("perception.max_attempts", 5)
	v.SetDefault("perception.retry_delay", "2s")
	v.SetDefault("perception.primary_failures_before_fallback", 3)
	v.SetDefault("perception.fallback.enabled", true)
	v.SetDefault("perception.fallback.viewer_url", "http://localhost:8006/vnc.html?view_only=1&autoconnect=1&resize=scale")
	v.SetDefault("perception.fallback.headless", true)
	v.SetDefault("perception.fallback.viewport_width", 1280)
	v.SetDefault("perception.fallback.viewport_height", 720)
	v.SetDefault("perception.fallback.settle_time", "2s")
	v.SetDefault("perception.fallback.initial_interval", "1s")
	v.SetDefault("perception.fallback.max_interval", "8s")
	v.SetDefault("perception.fallback.max_elapsed", "30s")

	// -- Jobs --
	v.SetDefault("jobs.poll_interval", "1s")
	v.SetDefault("jobs.max_poll_attempts", 30)

	// -- Dispatch --
	v.SetDefault("dispatch.action_delay", "2s")
	v.SetDefault("dispatch.scroll_delay", "300ms")
	v.SetDefault("dispatch.typing_interval", "20ms")
	v.SetDefault("dispatch.wait_multiplier", 3)
	v.SetDefault("dispatch.scroll_amount", 300)
	v.SetDefault("dispatch.drag_duration", "300ms")
	v.SetDefault("dispatch.hover_duration", "100ms")
	v.SetDefault("dispatch.recording_polls", 30)
	v.SetDefault("dispatch.recording_period", "1s")

	// -- History --
	v.SetDefault("history.max_screen_info", 10)
	v.SetDefault("history.max_images", 3)
	v.SetDefault("history.send_screenshot", true)
	v.SetDefault("history.send_parsed_screenshot", false)

	// -- Agent --
	v.SetDefault("agent.wait_warning_threshold", 3)
	v.SetDefault("agent.max_cycles", 0)
	v.SetDefault("agent.session_timeout", "0s")
	v.SetDefault("agent.prompt_path", "")

	// -- LLM --
	v.SetDefault("llm.provider", string(ProviderGemini))
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "120s")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("llm.quota_cooldown", "60s")
	v.SetDefault("llm.quota_max_attempts", 3)
	v.SetDefault("llm.requests_per_minute", 0)
	v.SetDefault("llm.prices", []map[string]any{
		{"model": "gemini-2.0-flash", "prompt": 0.10, "completion": 0.40},
		{"model": "gemini-2.5-flash", "prompt": 0.30, "completion": 2.50},
		{"model": "gemini-2.5-pro", "prompt": 1.25, "completion": 10.0},
	})

	// -- Store --
	v.SetDefault("store.type", "file")
	v.SetDefault("store.data_dir", "~/.vmpilot")
	v.SetDefault("store.database_url", "")

	// -- Events --
	v.SetDefault("events.redis.enabled", false)
	v.SetDefault("events.redis.addr", "localhost:6379")
	v.SetDefault("events.redis.db", 0)
	v.SetDefault("events.redis.channel_prefix", "vmpilot:session")
}

func (c *LLMModelConfig) indexPrices() {
	c.Pricing = make(map[string]ModelPrices, len(c.Prices))
	for _, p := range c.Prices {
		c.Pricing[p.Model] = p
	}
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment, never from the config file in production.
	_ = v.BindEnv("llm.api_key", "VMPILOT_GEMINI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("store.database_url", "VMPILOT_DATABASE_URL")
	_ = v.BindEnv("events.redis.password", "VMPILOT_REDIS_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.LLM.indexPrices()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Remote.ExecutorURL == "" {
		return fmt.Errorf("remote.executor_url is required")
	}
	if c.Perception.ParserURL == "" {
		return fmt.Errorf("perception.parser_url is required")
	}
	if c.Perception.MaxAttempts <= 0 {
		return fmt.Errorf("perception.max_attempts must be a positive integer")
	}
	if c.Perception.PrimaryFailuresBeforeFallback <= 0 {
		return fmt.Errorf("perception.primary_failures_before_fallback must be a positive integer")
	}
	if c.Jobs.MaxPollAttempts <= 0 {
		return fmt.Errorf("jobs.max_poll_attempts must be a positive integer")
	}
	if c.Jobs.PollInterval <= 0 {
		return fmt.Errorf("jobs.poll_interval must be a positive duration")
	}
	if c.History.MaxScreenInfo < 0 || c.History.MaxImages < 0 {
		return fmt.Errorf("history retention limits must not be negative")
	}
	if c.Agent.WaitWarningThreshold <= 0 {
		return fmt.Errorf("agent.wait_warning_threshold must be a positive integer")
	}
	if c.LLM.QuotaMaxAttempts <= 0 {
		return fmt.Errorf("llm.quota_max_attempts must be a positive integer")
	}
	for i, p := range c.LLM.Prices {
		if p.Model == "" {
			return fmt.Errorf("llm.prices[%d].model must not be empty", i)
		}
		if p.Prompt < 0 || p.Completion < 0 {
			return fmt.Errorf("llm.prices[%d] for %s must not be negative", i, p.Model)
		}
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the store selection.
func (s *StoreConfig) Validate() error {
	switch s.Type {
	case "file":
		if s.DataDir == "" {
			return fmt.Errorf("data_dir is required for the file store")
		}
	case "postgres":
		if s.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for the postgres store. Ensure VMPILOT_DATABASE_URL is set")
		}
	default:
		return fmt.Errorf("unknown store type %q", s.Type)
	}
	return nil
}
