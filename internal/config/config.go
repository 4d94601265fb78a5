package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"supportpulse/internal/ingest"
	"supportpulse/internal/llm"
	"supportpulse/internal/pipeline"
	"supportpulse/internal/schedule"
	"supportpulse/internal/subtopic"
)

const defaultExternalHTTPTimeout = 90 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

const (
	DefaultIntercomBaseURL     = "https://api.intercom.io"
	DefaultIntercomVersion     = "2.11"
	DefaultAnalysisWindowHours = 168
)

type Config struct {
	IntercomToken        string  `yaml:"intercom_token"`
	IntercomBaseURL      string  `yaml:"intercom_base_url"`
	IntercomVersion      string  `yaml:"intercom_version"`
	IntercomConcurrency  int     `yaml:"intercom_concurrency"`
	IntercomRPS          float64 `yaml:"intercom_requests_per_second"`
	SourceHintAttribute  string  `yaml:"source_hint_attribute"`
	AnalysisWindowHours  int     `yaml:"analysis_window_hours"`
	AnalysisSchedule     string  `yaml:"analysis_schedule"`
	Timezone             string  `yaml:"timezone"`
	ExternalHTTPTimeoutS int     `yaml:"external_http_timeout_seconds"`

	LLMProvider       string  `yaml:"llm_provider"`
	LLMModel          string  `yaml:"llm_model"`
	LLMBaseURL        string  `yaml:"llm_base_url"`
	LLMMaxTextChars   int     `yaml:"llm_max_text_chars"`
	LLMConcurrency    int     `yaml:"llm_concurrency"`
	LLMTimeoutSeconds int     `yaml:"llm_timeout_seconds"`
	LLMRPS            float64 `yaml:"llm_requests_per_second"`
	AnthropicAPIKey   string  `yaml:"anthropic_api_key"`
	OpenAIAPIKey      string  `yaml:"openai_api_key"`

	KeywordsPath    string `yaml:"keywords_path"`
	TrustSourceHint bool   `yaml:"trust_source_hint"`

	SubtopicSampleSize int  `yaml:"subtopic_sample_size"`
	SubtopicMaxThemes  int  `yaml:"subtopic_max_themes"`
	SubtopicMinSupport int  `yaml:"subtopic_min_support"`
	SubtopicValidate   bool `yaml:"subtopic_validate"`
	// Tier 3 costs one or two extra LLM calls per topic.
	SubtopicDisabled bool `yaml:"subtopic_disabled"`

	FallbackAlertRate float64 `yaml:"fallback_alert_rate"`

	DBPath          string `yaml:"db_path"`
	ReportOutputDir string `yaml:"report_output_dir"`
	SlackBotToken   string `yaml:"slack_bot_token"`
	SlackChannelID  string `yaml:"slack_channel_id"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`

	Location *time.Location `yaml:"-"` // computed from Timezone, not from YAML
}

// LoadConfig reads config.yaml (or CONFIG_PATH), applies environment
// overrides and defaults, then validates. A missing file is not an error.
func LoadConfig() (Config, error) {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", configPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read %s: %w", configPath, err)
	}

	var errs []error
	envOverride(&cfg.IntercomToken, "INTERCOM_TOKEN")
	envOverride(&cfg.IntercomBaseURL, "INTERCOM_BASE_URL")
	envOverride(&cfg.IntercomVersion, "INTERCOM_VERSION")
	errs = append(errs,
		envOverrideInt(&cfg.IntercomConcurrency, "INTERCOM_CONCURRENCY"),
		envOverrideFloat(&cfg.IntercomRPS, "INTERCOM_REQUESTS_PER_SECOND"),
		envOverrideInt(&cfg.AnalysisWindowHours, "ANALYSIS_WINDOW_HOURS"),
		envOverrideInt(&cfg.ExternalHTTPTimeoutS, "EXTERNAL_HTTP_TIMEOUT_SECONDS"),
		envOverrideInt(&cfg.LLMMaxTextChars, "LLM_MAX_TEXT_CHARS"),
		envOverrideInt(&cfg.LLMConcurrency, "LLM_CONCURRENCY"),
		envOverrideInt(&cfg.LLMTimeoutSeconds, "LLM_TIMEOUT_SECONDS"),
		envOverrideFloat(&cfg.LLMRPS, "LLM_REQUESTS_PER_SECOND"),
		envOverrideInt(&cfg.SubtopicSampleSize, "SUBTOPIC_SAMPLE_SIZE"),
		envOverrideInt(&cfg.SubtopicMaxThemes, "SUBTOPIC_MAX_THEMES"),
		envOverrideInt(&cfg.SubtopicMinSupport, "SUBTOPIC_MIN_SUPPORT"),
		envOverrideFloat(&cfg.FallbackAlertRate, "FALLBACK_ALERT_RATE"),
	)
	envOverrideAllowEmpty(&cfg.SourceHintAttribute, "SOURCE_HINT_ATTRIBUTE")
	envOverrideAllowEmpty(&cfg.AnalysisSchedule, "ANALYSIS_SCHEDULE")
	envOverride(&cfg.Timezone, "TIMEZONE")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.LLMBaseURL, "LLM_BASE_URL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.KeywordsPath, "KEYWORDS_PATH")
	envOverrideBool(&cfg.TrustSourceHint, "TRUST_SOURCE_HINT")
	envOverrideBool(&cfg.SubtopicValidate, "SUBTOPIC_VALIDATE")
	envOverrideBool(&cfg.SubtopicDisabled, "SUBTOPIC_DISABLED")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.ReportOutputDir, "REPORT_OUTPUT_DIR")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")
	envOverride(&cfg.MetricsAddr, "METRICS_ADDR")
	envOverride(&cfg.LogLevel, "LOG_LEVEL")
	envOverride(&cfg.LogFormat, "LOG_FORMAT")
	if err := errors.Join(errs...); err != nil {
		return cfg, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.IntercomBaseURL == "" {
		c.IntercomBaseURL = DefaultIntercomBaseURL
	}
	if c.IntercomVersion == "" {
		c.IntercomVersion = DefaultIntercomVersion
	}
	if c.IntercomConcurrency == 0 {
		c.IntercomConcurrency = 4
	}
	if c.IntercomRPS == 0 {
		c.IntercomRPS = 5
	}
	if c.SourceHintAttribute == "" {
		c.SourceHintAttribute = ingest.DefaultHintAttribute
	}
	if c.AnalysisWindowHours == 0 {
		c.AnalysisWindowHours = DefaultAnalysisWindowHours
	}
	if c.ExternalHTTPTimeoutS == 0 {
		c.ExternalHTTPTimeoutS = defaultExternalHTTPTimeoutSeconds
	}
	if c.LLMProvider == "" {
		c.LLMProvider = llm.ProviderAnthropic
	}
	limits := llm.DefaultLimits(c.LLMProvider)
	if c.LLMConcurrency == 0 {
		c.LLMConcurrency = limits.Concurrency
	}
	if c.LLMTimeoutSeconds == 0 {
		c.LLMTimeoutSeconds = int(limits.Timeout / time.Second)
	}
	if c.LLMRPS == 0 {
		c.LLMRPS = limits.RequestsPerSecond
	}
	if c.SubtopicSampleSize == 0 {
		c.SubtopicSampleSize = subtopic.DefaultSampleSize
	}
	if c.SubtopicMaxThemes == 0 {
		c.SubtopicMaxThemes = subtopic.DefaultMaxThemes
	}
	if c.SubtopicMinSupport == 0 {
		c.SubtopicMinSupport = subtopic.DefaultMinSupport
	}
	if c.FallbackAlertRate == 0 {
		c.FallbackAlertRate = pipeline.DefaultFallbackAlertRate
	}
	if c.DBPath == "" {
		c.DBPath = "./supportpulse.db"
	}
	if c.ReportOutputDir == "" {
		c.ReportOutputDir = "./reports"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
}

// Validate checks value ranges and resolves Location. Credentials are not
// required here: commands that need a provider or Intercom check for them.
func (c *Config) Validate() error {
	var errs []error
	switch c.LLMProvider {
	case llm.ProviderAnthropic, llm.ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("llm_provider must be 'anthropic' or 'openai', got '%s'", c.LLMProvider))
	}
	if c.LLMConcurrency < 1 {
		errs = append(errs, fmt.Errorf("invalid llm_concurrency '%d': must be >= 1", c.LLMConcurrency))
	}
	if c.LLMTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("invalid llm_timeout_seconds '%d': must be >= 1", c.LLMTimeoutSeconds))
	}
	if c.LLMMaxTextChars < 0 {
		errs = append(errs, fmt.Errorf("invalid llm_max_text_chars '%d': must be >= 0", c.LLMMaxTextChars))
	}
	if c.IntercomConcurrency < 1 {
		errs = append(errs, fmt.Errorf("invalid intercom_concurrency '%d': must be >= 1", c.IntercomConcurrency))
	}
	if c.AnalysisWindowHours < 1 {
		errs = append(errs, fmt.Errorf("invalid analysis_window_hours '%d': must be >= 1", c.AnalysisWindowHours))
	}
	if c.FallbackAlertRate < 0 || c.FallbackAlertRate > 1 {
		errs = append(errs, fmt.Errorf("invalid fallback_alert_rate '%f': must be between 0 and 1", c.FallbackAlertRate))
	}
	if c.ExternalHTTPTimeoutS < 5 {
		errs = append(errs, fmt.Errorf("invalid external_http_timeout_seconds '%d': must be >= 5", c.ExternalHTTPTimeoutS))
	}
	if c.SubtopicMinSupport < 1 {
		errs = append(errs, fmt.Errorf("invalid subtopic_min_support '%d': must be >= 1", c.SubtopicMinSupport))
	}
	if strings.TrimSpace(c.AnalysisSchedule) != "" {
		if _, err := schedule.Parse(c.AnalysisSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid analysis_schedule: %w", err))
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format must be 'json' or 'console', got '%s'", c.LogFormat))
	}

	if strings.EqualFold(c.Timezone, "Local") {
		c.Location = time.Local
	} else {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err))
		} else {
			c.Location = loc
		}
	}
	return errors.Join(errs...)
}

// LLMSettings returns the provider selection for llm.NewClient, picking the
// key that belongs to the configured provider.
func (c Config) LLMSettings() llm.Settings {
	key := c.AnthropicAPIKey
	if c.LLMProvider == llm.ProviderOpenAI {
		key = c.OpenAIAPIKey
	}
	return llm.Settings{
		Provider: c.LLMProvider,
		Model:    c.LLMModel,
		APIKey:   key,
		BaseURL:  c.LLMBaseURL,
	}
}

func (c Config) LLMLimits() llm.Limits {
	return llm.Limits{
		Concurrency:       c.LLMConcurrency,
		Timeout:           time.Duration(c.LLMTimeoutSeconds) * time.Second,
		RequestsPerSecond: c.LLMRPS,
	}
}

func (c Config) AnalysisWindow() time.Duration {
	return time.Duration(c.AnalysisWindowHours) * time.Hour
}

func (c Config) IntercomConfigured() bool {
	return c.IntercomToken != ""
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackChannelID != ""
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = strings.EqualFold(val, "true") || val == "1"
	}
}

func envOverrideFloat(field *float64, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}
