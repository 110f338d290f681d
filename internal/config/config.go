// internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Journal   JournalConfig   `mapstructure:"journal" yaml:"journal"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// LoggerConfig defines all the configurable settings for the logger.
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

// ColorConfig names the color used for each log level in console output.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// MailProvider identifies the web mail client the agent drives.
type MailProvider string

const (
	ProviderGmail   MailProvider = "gmail"
	ProviderOutlook MailProvider = "outlook"
)

// AgentConfig holds settings for the orchestration loop and its decision service.
type AgentConfig struct {
	Provider MailProvider `mapstructure:"provider" yaml:"provider"`
	// MaxSteps bounds the number of phase invocations in a single run.
	MaxSteps int `mapstructure:"max_steps" yaml:"max_steps"`
	// MaxConsecutiveErrors is the error streak length in one phase that ends the run.
	MaxConsecutiveErrors int `mapstructure:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	// HistoryWindow is how many recent conversation messages the planner sees.
	HistoryWindow   int             `mapstructure:"history_window" yaml:"history_window"`
	DecisionTimeout time.Duration   `mapstructure:"decision_timeout" yaml:"decision_timeout"`
	LLM             LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	// APIKey is used by any model entry that does not carry its own key.
	APIKey string                    `mapstructure:"api_key" yaml:"-"`
	Models map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider          LLMProvider       `mapstructure:"provider" yaml:"provider"`
	Model             string            `mapstructure:"model" yaml:"model"`
	APIKey            string            `mapstructure:"api_key" yaml:"-"`
	Endpoint          string            `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout        time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature       float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP              float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK              int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens         int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerMinute int               `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	SafetyFilters     map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// ModelConfig resolves the settings for a named model, falling back to
// Gemini defaults when the model has no explicit entry.
func (r LLMRouterConfig) ModelConfig(name string) LLMModelConfig {
	m, ok := r.Models[name]
	if !ok {
		m = LLMModelConfig{
			Provider:          ProviderGemini,
			APITimeout:        90 * time.Second,
			Temperature:       0.2,
			RequestsPerMinute: 60,
		}
	}
	if m.Model == "" {
		m.Model = name
	}
	if m.Provider == "" {
		m.Provider = ProviderGemini
	}
	if m.APIKey == "" {
		m.APIKey = r.APIKey
	}
	return m
}

// BrowserConfig holds settings for the controlled browser.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	UserDataDir       string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	// SettleDelay is the pause after a click before the next observation.
	SettleDelay    time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	KeyDelay       time.Duration `mapstructure:"key_delay" yaml:"key_delay"`
	ScreenshotsDir string        `mapstructure:"screenshots_dir" yaml:"screenshots_dir"`
}

// SessionConfig locates persisted mail client sessions.
type SessionConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// JournalConfig specifies the backend that records finished runs.
type JournalConfig struct {
	Type       string         `mapstructure:"type" yaml:"type"`
	SQLitePath string         `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// PostgresConfig holds the connection details for a PostgreSQL database.
type PostgresConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"-"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// ConnString returns the explicit URL when set, otherwise one assembled from the parts.
func (p PostgresConfig) ConnString() string {
	if p.URL != "" {
		return p.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.DBName,
	}
	if p.Password != "" {
		u.User = url.UserPassword(p.User, p.Password)
	} else if p.User != "" {
		u.User = url.User(p.User)
	}
	if p.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(p.SSLMode)
	}
	return u.String()
}

// TelemetryConfig groups metrics and tracing.
type TelemetryConfig struct {
	// MetricsAddr enables the Prometheus endpoint when non-empty (e.g. ":9464").
	MetricsAddr string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration section.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "mailpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Agent --
	v.SetDefault("agent.provider", string(ProviderGmail))
	v.SetDefault("agent.max_steps", 200)
	v.SetDefault("agent.max_consecutive_errors", 2)
	v.SetDefault("agent.history_window", 10)
	v.SetDefault("agent.decision_timeout", "45s")
	v.SetDefault("agent.llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("agent.llm.default_powerful_model", "gemini-2.5-pro")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.viewport_width", 1366)
	v.SetDefault("browser.viewport_height", 900)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.ready_timeout", "15s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.settle_delay", "1s")
	v.SetDefault("browser.key_delay", "50ms")
	v.SetDefault("browser.screenshots_dir", "screenshots")

	// -- Session --
	v.SetDefault("session.dir", "~/.mailpilot/sessions")

	// -- Journal --
	v.SetDefault("journal.type", "sqlite")
	v.SetDefault("journal.sqlite_path", "~/.mailpilot/journal.db")
	v.SetDefault("journal.postgres.host", "localhost")
	v.SetDefault("journal.postgres.port", 5432)
	v.SetDefault("journal.postgres.user", "postgres")
	v.SetDefault("journal.postgres.dbname", "mailpilot")
	v.SetDefault("journal.postgres.sslmode", "disable")

	// -- Telemetry --
	v.SetDefault("telemetry.metrics_addr", "")
	v.SetDefault("telemetry.tracing.enabled", false)
	v.SetDefault("telemetry.tracing.endpoint", "localhost:4318")
	v.SetDefault("telemetry.tracing.insecure", true)
	v.SetDefault("telemetry.tracing.sample_rate", 1.0)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets only ever come from the environment.
	_ = v.BindEnv("agent.llm.api_key", "MAILPILOT_GEMINI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("journal.postgres.password", "MAILPILOT_JOURNAL_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Session.Dir, &c.Journal.SQLitePath, &c.Browser.ScreenshotsDir, &c.Browser.UserDataDir, &c.Logger.LogFile} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Agent.Provider {
	case ProviderGmail, ProviderOutlook:
	default:
		return fmt.Errorf("agent.provider must be one of [%s, %s], got %q", ProviderGmail, ProviderOutlook, c.Agent.Provider)
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be a positive integer")
	}
	if c.Agent.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("agent.max_consecutive_errors must be at least 1")
	}
	if c.Agent.HistoryWindow < 0 {
		return fmt.Errorf("agent.history_window cannot be negative")
	}
	if c.Session.Dir == "" {
		return fmt.Errorf("session.dir is required")
	}
	switch strings.ToLower(c.Journal.Type) {
	case "", "none":
	case "sqlite":
		if c.Journal.SQLitePath == "" {
			return fmt.Errorf("journal.sqlite_path is required for the sqlite journal")
		}
	case "postgres":
		if c.Journal.Postgres.URL == "" && c.Journal.Postgres.Host == "" {
			return fmt.Errorf("journal.postgres.url or journal.postgres.host is required for the postgres journal")
		}
	default:
		return fmt.Errorf("unknown journal.type %q", c.Journal.Type)
	}
	if r := c.Telemetry.Tracing.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.tracing.sample_rate must be between 0.0 and 1.0")
	}
	return nil
}
