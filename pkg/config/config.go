package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/photo-enricher/pkg/inference"
)

// Backends
const (
	BackendOpenRouter = "openrouter"
	BackendOllama     = "ollama"
)

// Config holds the application configuration. It is built once at startup
// and passed to the components that need it.
type Config struct {
	AI       AIConfig       `json:"ai" yaml:"ai"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Archive  ArchiveConfig  `json:"archive" yaml:"archive"`
}

// AIConfig holds the inference backend settings
type AIConfig struct {
	Backend     string   `json:"backend" yaml:"backend"`
	APIKey      string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL     string   `json:"base_url" yaml:"base_url"`
	Model       string   `json:"model" yaml:"model"`
	MaxRetries  int      `json:"max_retries" yaml:"max_retries"`
	RetryDelay  Duration `json:"retry_delay" yaml:"retry_delay"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
	MaxTokens   int      `json:"max_tokens" yaml:"max_tokens"`
	Temperature float64  `json:"temperature" yaml:"temperature"`
	Referer     string   `json:"referer" yaml:"referer"`
	Title       string   `json:"title" yaml:"title"`
	OllamaURL   string   `json:"ollama_url" yaml:"ollama_url"`
}

// DatabaseConfig holds the store settings
type DatabaseConfig struct {
	DSN   string `json:"dsn" yaml:"dsn"`
	Debug bool   `json:"debug" yaml:"debug"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Addr        string   `json:"addr" yaml:"addr"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`
}

// PipelineConfig holds orchestration settings
type PipelineConfig struct {
	BatchConcurrency int `json:"batch_concurrency" yaml:"batch_concurrency"`
	// Images smaller than this on either side are flagged at registration
	MinImageSize int `json:"min_image_size" yaml:"min_image_size"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// ArchiveConfig holds the optional blob storage settings for normalized payloads
type ArchiveConfig struct {
	AccountName string `json:"account_name" yaml:"account_name"`
	AccountKey  string `json:"account_key,omitempty" yaml:"account_key,omitempty"`
	ServiceURL  string `json:"service_url" yaml:"service_url"`
	Container   string `json:"container" yaml:"container"`
}

// Enabled reports whether enough settings are present to upload payloads
func (a ArchiveConfig) Enabled() bool {
	return a.AccountName != "" && a.AccountKey != "" && a.Container != ""
}

// Policy returns the retry policy of the inference client
func (a AIConfig) Policy() inference.Policy {
	return inference.Policy{
		MaxRetries: a.MaxRetries,
		BaseDelay:  a.RetryDelay.Duration(),
		Timeout:    a.Timeout.Duration(),
	}
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		AI: AIConfig{
			Backend:     BackendOpenRouter,
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "anthropic/claude-3.5-sonnet",
			MaxRetries:  3,
			RetryDelay:  Duration(time.Second),
			Timeout:     Duration(60 * time.Second),
			MaxTokens:   2000,
			Temperature: 0.1,
			Referer:     "http://localhost:8000",
			Title:       "Photo Enricher",
			OllamaURL:   "",
		},
		Database: DatabaseConfig{
			DSN: "photo-enricher.db",
		},
		Server: ServerConfig{
			Addr: ":8000",
			CORSOrigins: []string{
				"http://localhost:3001",
				"http://localhost:5173",
				"http://127.0.0.1:3001",
				"http://127.0.0.1:5173",
			},
		},
		Pipeline: PipelineConfig{
			BatchConcurrency: 4,
			MinImageSize:     1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DotEnvFile is read by Load when present
const DotEnvFile = ".env"

// Load builds the configuration from defaults, an optional file and the
// environment, in that order, and validates the result. Variables from a
// .env file in the working directory never override the real environment.
func Load(filename string) (*Config, error) {
	if err := LoadDotEnv(DotEnvFile); err != nil {
		return nil, err
	}

	cfg := Default()
	if filename != "" {
		loaded, err := LoadFromFile(filename)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv exports the variables of the given .env files. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file. Fields missing
// from the file keep their defaults.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if isYAML(filename) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON or YAML file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(filename) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides settings from environment variables
func (c *Config) ApplyEnv() error {
	setString(&c.AI.APIKey, "OPENROUTER_API_KEY")
	setString(&c.AI.Model, "AI_MODEL")
	setString(&c.AI.Backend, "AI_BACKEND")
	setString(&c.AI.BaseURL, "AI_BASE_URL")
	setString(&c.AI.OllamaURL, "OLLAMA_URL")
	setString(&c.Database.DSN, "DATABASE_DSN")
	setString(&c.Server.Addr, "SERVER_ADDR")
	setList(&c.Server.CORSOrigins, "CORS_ORIGINS")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
	setString(&c.Archive.AccountName, "AZURE_STORAGE_ACCOUNT")
	setString(&c.Archive.AccountKey, "AZURE_STORAGE_KEY")
	setString(&c.Archive.ServiceURL, "AZURE_BLOB_URL")
	setString(&c.Archive.Container, "AZURE_BLOB_CONTAINER")

	if err := setInt(&c.AI.MaxRetries, "AI_MAX_RETRIES"); err != nil {
		return err
	}
	if err := setInt(&c.Pipeline.BatchConcurrency, "BATCH_CONCURRENCY"); err != nil {
		return err
	}
	if err := setDuration(&c.AI.RetryDelay, "AI_RETRY_DELAY"); err != nil {
		return err
	}
	if err := setDuration(&c.AI.Timeout, "AI_TIMEOUT"); err != nil {
		return err
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.AI.Backend {
	case BackendOpenRouter, BackendOllama:
	default:
		return fmt.Errorf("ai.backend must be %q or %q, got %q", BackendOpenRouter, BackendOllama, c.AI.Backend)
	}

	if c.AI.MaxRetries < 1 {
		return fmt.Errorf("ai.max_retries must be at least 1")
	}

	if c.AI.RetryDelay < 0 {
		return fmt.Errorf("ai.retry_delay cannot be negative")
	}

	if c.AI.Timeout <= 0 {
		return fmt.Errorf("ai.timeout must be positive")
	}

	if c.AI.MaxTokens < 1 {
		return fmt.Errorf("ai.max_tokens must be positive")
	}

	if c.AI.Temperature < 0 || c.AI.Temperature > 2 {
		return fmt.Errorf("ai.temperature must be between 0 and 2")
	}

	if c.Pipeline.BatchConcurrency < 1 {
		return fmt.Errorf("pipeline.batch_concurrency must be at least 1")
	}

	if c.Pipeline.MinImageSize < 1 {
		return fmt.Errorf("pipeline.min_image_size must be at least 1")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "photo-enricher", "config.yaml")
}

func isYAML(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}

func setString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func setList(dst *[]string, key string) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	*dst = list
}

func setInt(dst *int, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, value)
	}
	*dst = n
	return nil
}

func setDuration(dst *Duration, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	d, err := ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
