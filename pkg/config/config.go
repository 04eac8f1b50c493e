package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Search        SearchConfig        `yaml:"search"`
	Scrape        ScrapeConfig        `yaml:"scrape"`
	Research      ResearchConfig      `yaml:"research"`
	Storage       StorageConfig       `yaml:"storage"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LLMConfig contains inference-service configuration. WorkModel is used
// for the per-topic rounds (think, select, dossier); FinalModel for the
// long synthesis passes.
type LLMConfig struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key,omitempty"`
	WorkModel    string `yaml:"work_model"`
	FinalModel   string `yaml:"final_model"`
	MaxTokens    int    `yaml:"max_tokens"`
	Timeout      string `yaml:"timeout"`
	FinalTimeout string `yaml:"final_timeout"`
}

// SearchConfig contains web-search provider configuration
type SearchConfig struct {
	BaseURL          string `yaml:"base_url"`
	APIKey           string `yaml:"api_key,omitempty"`
	ResultsPerQuery  int    `yaml:"results_per_query"`
	Timeout          string `yaml:"timeout"`
	CacheTTL         string `yaml:"cache_ttl"`
	CacheMaxInterval string `yaml:"cache_purge_interval"`
}

// ScrapeConfig contains content-extraction service configuration
type ScrapeConfig struct {
	BaseURL        string `yaml:"base_url"`
	PerURLTimeout  string `yaml:"per_url_timeout"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	MaxContentLen  int    `yaml:"max_content_len"`
}

// ResearchConfig contains orchestrator configuration
type ResearchConfig struct {
	MaxQueriesPerTopic  int    `yaml:"max_queries_per_topic"`
	MaxURLsPerTopic     int    `yaml:"max_urls_per_topic"`
	MinCandidateURLs    int    `yaml:"min_candidate_urls"`
	LearningsCharBudget int    `yaml:"learnings_char_budget"`
	MaxAreaConcurrency  int    `yaml:"max_area_concurrency"`
	TopicTimeout        string `yaml:"topic_timeout"`
}

// StorageConfig contains checkpoint storage configuration
type StorageConfig struct {
	Type string `yaml:"type"` // "file" or "memory"
	Path string `yaml:"path,omitempty"`
}

// APIConfig contains API server configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// ObservabilityConfig contains telemetry configuration
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads a configuration file, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.overrideFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads configuration from a file, falling back to
// defaults when the file is missing or invalid.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Printf("Using default configuration (%v)", err)
		cfg = Default()
		cfg.overrideFromEnv()
	}
	return cfg
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			WorkModel:    "google/gemini-2.5-flash",
			FinalModel:   "anthropic/claude-sonnet-4.5",
			MaxTokens:    8000,
			Timeout:      "120s",
			FinalTimeout: "20m",
		},
		Search: SearchConfig{
			BaseURL:          "http://localhost:8888",
			ResultsPerQuery:  20,
			Timeout:          "30s",
			CacheTTL:         "1h",
			CacheMaxInterval: "10m",
		},
		Scrape: ScrapeConfig{
			BaseURL:        "http://localhost:3000",
			PerURLTimeout:  "45s",
			MaxConcurrency: 5,
			MaxContentLen:  10000,
		},
		Research: ResearchConfig{
			MaxQueriesPerTopic:  10,
			MaxURLsPerTopic:     20,
			MinCandidateURLs:    2,
			LearningsCharBudget: 24000,
			MaxAreaConcurrency:  5,
			TopicTimeout:        "10m",
		},
		Storage: StorageConfig{
			Type: "file",
			Path: "research_checkpoints",
		},
		API: APIConfig{
			Enabled: false,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:      true,
				Endpoint:     "localhost:4318",
				SamplingRate: 1.0,
				Insecure:     true,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Port:    2223,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
		},
	}
}

// applyDefaults fills missing fields from the default configuration
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaults.LLM.BaseURL
	}
	if c.LLM.WorkModel == "" {
		c.LLM.WorkModel = defaults.LLM.WorkModel
	}
	if c.LLM.FinalModel == "" {
		c.LLM.FinalModel = defaults.LLM.FinalModel
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = defaults.LLM.MaxTokens
	}
	if c.LLM.Timeout == "" {
		c.LLM.Timeout = defaults.LLM.Timeout
	}
	if c.LLM.FinalTimeout == "" {
		c.LLM.FinalTimeout = defaults.LLM.FinalTimeout
	}

	if c.Search.BaseURL == "" {
		c.Search.BaseURL = defaults.Search.BaseURL
	}
	if c.Search.ResultsPerQuery == 0 {
		c.Search.ResultsPerQuery = defaults.Search.ResultsPerQuery
	}
	if c.Search.Timeout == "" {
		c.Search.Timeout = defaults.Search.Timeout
	}
	if c.Search.CacheTTL == "" {
		c.Search.CacheTTL = defaults.Search.CacheTTL
	}
	if c.Search.CacheMaxInterval == "" {
		c.Search.CacheMaxInterval = defaults.Search.CacheMaxInterval
	}

	if c.Scrape.BaseURL == "" {
		c.Scrape.BaseURL = defaults.Scrape.BaseURL
	}
	if c.Scrape.PerURLTimeout == "" {
		c.Scrape.PerURLTimeout = defaults.Scrape.PerURLTimeout
	}
	if c.Scrape.MaxConcurrency == 0 {
		c.Scrape.MaxConcurrency = defaults.Scrape.MaxConcurrency
	}
	if c.Scrape.MaxContentLen == 0 {
		c.Scrape.MaxContentLen = defaults.Scrape.MaxContentLen
	}

	if c.Research.MaxQueriesPerTopic == 0 {
		c.Research.MaxQueriesPerTopic = defaults.Research.MaxQueriesPerTopic
	}
	if c.Research.MaxURLsPerTopic == 0 {
		c.Research.MaxURLsPerTopic = defaults.Research.MaxURLsPerTopic
	}
	if c.Research.MinCandidateURLs == 0 {
		c.Research.MinCandidateURLs = defaults.Research.MinCandidateURLs
	}
	if c.Research.LearningsCharBudget == 0 {
		c.Research.LearningsCharBudget = defaults.Research.LearningsCharBudget
	}
	if c.Research.MaxAreaConcurrency == 0 {
		c.Research.MaxAreaConcurrency = defaults.Research.MaxAreaConcurrency
	}
	if c.Research.TopicTimeout == "" {
		c.Research.TopicTimeout = defaults.Research.TopicTimeout
	}

	if c.Storage.Type == "" {
		c.Storage.Type = defaults.Storage.Type
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaults.Storage.Path
	}

	if c.API.Host == "" {
		c.API.Host = defaults.API.Host
	}
	if c.API.Port == 0 {
		c.API.Port = defaults.API.Port
	}

	if c.Observability.Tracing.Endpoint == "" {
		c.Observability.Tracing = defaults.Observability.Tracing
	}
	if c.Observability.Metrics.Port == 0 {
		c.Observability.Metrics = defaults.Observability.Metrics
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging = defaults.Observability.Logging
	}
}

// overrideFromEnv overrides configuration from environment variables
func (c *Config) overrideFromEnv() {
	if url := os.Getenv("DRA_LLM_BASE_URL"); url != "" {
		c.LLM.BaseURL = url
	}
	if key := os.Getenv("DRA_LLM_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("DRA_WORK_MODEL"); model != "" {
		c.LLM.WorkModel = model
	}
	if model := os.Getenv("DRA_FINAL_MODEL"); model != "" {
		c.LLM.FinalModel = model
	}
	if url := os.Getenv("DRA_SEARCH_BASE_URL"); url != "" {
		c.Search.BaseURL = url
	}
	if key := os.Getenv("DRA_SEARCH_API_KEY"); key != "" {
		c.Search.APIKey = key
	}
	if url := os.Getenv("DRA_SCRAPE_BASE_URL"); url != "" {
		c.Scrape.BaseURL = url
	}
	if path := os.Getenv("DRA_CHECKPOINT_PATH"); path != "" {
		c.Storage.Path = path
	}
	if port := os.Getenv("DRA_API_PORT"); port != "" {
		if _, err := fmt.Sscanf(port, "%d", &c.API.Port); err != nil {
			log.Printf("Invalid DRA_API_PORT value: %s, using default: %d", port, c.API.Port)
		}
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Observability.Tracing.Endpoint = endpoint
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm base_url is required")
	}
	if c.LLM.WorkModel == "" {
		return fmt.Errorf("llm work_model is required")
	}
	if c.Search.BaseURL == "" {
		return fmt.Errorf("search base_url is required")
	}
	if c.Research.MinCandidateURLs < 1 {
		return fmt.Errorf("research min_candidate_urls must be at least 1")
	}
	if c.Research.MaxAreaConcurrency < 1 {
		return fmt.Errorf("research max_area_concurrency must be at least 1")
	}
	if c.Scrape.MaxConcurrency < 1 {
		return fmt.Errorf("scrape max_concurrency must be at least 1")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		return fmt.Errorf("api port must be between 1 and 65535")
	}

	for name, value := range map[string]string{
		"llm timeout":            c.LLM.Timeout,
		"llm final_timeout":      c.LLM.FinalTimeout,
		"search timeout":         c.Search.Timeout,
		"search cache_ttl":       c.Search.CacheTTL,
		"scrape per_url_timeout": c.Scrape.PerURLTimeout,
		"research topic_timeout": c.Research.TopicTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	return nil
}

// Save writes the configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Duration parses a duration string from config. Validation guarantees
// the stored values parse, so errors only occur for caller-supplied
// strings.
func Duration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}
