// Package config loads evalbridge run configuration with viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/efebarandurmaz/evalbridge/internal/llm"
	"github.com/efebarandurmaz/evalbridge/internal/logging"
	"github.com/efebarandurmaz/evalbridge/internal/observability"
	"github.com/efebarandurmaz/evalbridge/internal/secrets"
)

// EnvPrefix is the prefix for environment overrides (EVALBRIDGE_LOG_LEVEL, ...).
const EnvPrefix = "EVALBRIDGE"

// Config holds all application configuration.
type Config struct {
	Models   []ModelEntry   `mapstructure:"models"`
	Datasets []DatasetEntry `mapstructure:"datasets"`
	Infer    InferConfig    `mapstructure:"infer"`
	Log      logging.Config `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
}

// ModelEntry is one model in the models list. Unset fields take the
// llm.DefaultModelConfig values.
type ModelEntry struct {
	Type           string            `mapstructure:"type"`
	Abbr           string            `mapstructure:"abbr"`
	Path           string            `mapstructure:"path"`
	MaxSeqLen      int               `mapstructure:"max_seq_len"`
	MaxOutLen      int               `mapstructure:"max_out_len"`
	BatchSize      int               `mapstructure:"batch_size"`
	Temperature    *float64          `mapstructure:"temperature"`
	QueryPerSecond *float64          `mapstructure:"query_per_second"`
	Retry          int               `mapstructure:"retry"`
	RetryDelay     time.Duration     `mapstructure:"retry_delay"`
	Timeout        time.Duration     `mapstructure:"timeout"`
	Key            string            `mapstructure:"key"`
	URL            string            `mapstructure:"url"`
	MetaTemplate   *llm.MetaTemplate `mapstructure:"meta_template"`
	RolePolicy     llm.RolePolicy    `mapstructure:"role_policy"`
	Workers        int               `mapstructure:"workers"`
	FailFast       bool              `mapstructure:"fail_fast"`
}

// Name returns the abbreviation used for output paths.
func (m ModelEntry) Name() string {
	switch {
	case m.Abbr != "":
		return m.Abbr
	case m.Path != "":
		return m.Path
	}
	return m.Type
}

// ToModelConfig merges the entry over llm.DefaultModelConfig.
func (m ModelEntry) ToModelConfig() llm.ModelConfig {
	cfg := llm.DefaultModelConfig()
	cfg.Type = m.Type
	cfg.Abbr = m.Name()
	cfg.Path = m.Path
	cfg.Key = m.Key
	cfg.URL = m.URL
	cfg.MetaTemplate = m.MetaTemplate
	cfg.RetryDelay = m.RetryDelay
	cfg.Workers = m.Workers
	cfg.FailFast = m.FailFast

	if m.MaxSeqLen > 0 {
		cfg.MaxSeqLen = m.MaxSeqLen
	}
	if m.MaxOutLen > 0 {
		cfg.MaxOutLen = m.MaxOutLen
	}
	if m.BatchSize > 0 {
		cfg.BatchSize = m.BatchSize
	}
	if m.Temperature != nil {
		cfg.Temperature = *m.Temperature
	}
	if m.QueryPerSecond != nil {
		cfg.QueryPerSecond = *m.QueryPerSecond
	}
	if m.Retry > 0 {
		cfg.Retry = m.Retry
	}
	if m.Timeout > 0 {
		cfg.Timeout = m.Timeout
	}
	if m.RolePolicy != "" {
		cfg.RolePolicy = m.RolePolicy
	}
	return cfg
}

// DatasetEntry is one CSV dataset and the single prompt round used to render
// its records.
type DatasetEntry struct {
	Abbr   string `mapstructure:"abbr"`
	Path   string `mapstructure:"path"`
	Name   string `mapstructure:"name"`
	Split  string `mapstructure:"split"`
	Role   string `mapstructure:"role"`
	Prompt string `mapstructure:"prompt"`
}

// WithDefaults fills the split, role, prompt and abbreviation.
func (d DatasetEntry) WithDefaults() DatasetEntry {
	if d.Split == "" {
		d.Split = "dev"
	}
	if d.Role == "" {
		d.Role = "HUMAN"
	}
	if d.Prompt == "" {
		d.Prompt = "{input}"
	}
	if d.Abbr == "" {
		d.Abbr = d.Name
	}
	return d
}

type InferConfig struct {
	WorkDir       string `mapstructure:"work_dir"`
	MaxNumWorkers int    `mapstructure:"max_num_workers"`
}

type TracingConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// ToObservability converts to the tracing package's config.
func (t TracingConfig) ToObservability() *observability.TracingConfig {
	cfg := observability.DefaultTracingConfig()
	if t.ServiceName != "" {
		cfg.ServiceName = t.ServiceName
	}
	cfg.OTLPEndpoint = t.OTLPEndpoint
	cfg.Insecure = t.Insecure
	cfg.SampleRate = t.SampleRate
	return cfg
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type SecretsConfig struct {
	Provider  string `mapstructure:"provider"`
	File      string `mapstructure:"file"`
	EnvPrefix string `mapstructure:"env_prefix"`
}

// ToSecrets converts to the secrets package's config.
func (s SecretsConfig) ToSecrets() *secrets.Config {
	cfg := secrets.DefaultConfig()
	if s.Provider != "" {
		cfg.Provider = s.Provider
	}
	if s.EnvPrefix != "" {
		cfg.EnvPrefix = s.EnvPrefix
	}
	if s.File != "" {
		cfg.FileConfig = &secrets.FileConfig{Path: s.File}
	}
	return cfg
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	seen := make(map[string]bool)
	for i, m := range c.Models {
		name := m.Name()
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if seen[name] {
			warnings = append(warnings, fmt.Sprintf("model '%s' is listed more than once; predictions will overwrite each other", name))
		}
		seen[name] = true

		if m.Type == "" {
			warnings = append(warnings, fmt.Sprintf("model '%s' has no type", name))
		}
		if m.Type == "puyu" && m.Key == "" {
			warnings = append(warnings, fmt.Sprintf("model '%s' has an empty key; the built-in default key will be sent", name))
		}
		if m.QueryPerSecond != nil && *m.QueryPerSecond <= 0 {
			warnings = append(warnings, fmt.Sprintf("model '%s' query_per_second %.2f disables throttling", name, *m.QueryPerSecond))
		}
		if m.Retry < 0 {
			warnings = append(warnings, fmt.Sprintf("model '%s' retry %d is negative; the default is used", name, m.Retry))
		}
		if m.Temperature != nil && (*m.Temperature < 0 || *m.Temperature > 2.0) {
			warnings = append(warnings, fmt.Sprintf("model '%s' temperature %.2f is outside recommended range [0.0, 2.0]", name, *m.Temperature))
		}
		if !m.RolePolicy.Valid() {
			warnings = append(warnings, fmt.Sprintf("model '%s' role_policy '%s' is unknown", name, m.RolePolicy))
		}
	}

	for i, d := range c.Datasets {
		if d.Path == "" || d.Name == "" {
			warnings = append(warnings, fmt.Sprintf("dataset #%d needs both path and name", i))
		}
	}

	return warnings
}

// Load reads configuration from file and environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	for i := range cfg.Datasets {
		cfg.Datasets[i] = cfg.Datasets[i].WithDefaults()
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("infer.work_dir", "outputs")
	v.SetDefault("infer.max_num_workers", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("tracing.service_name", "evalbridge")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("secrets.provider", "env")
}
