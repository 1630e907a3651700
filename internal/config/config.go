// Package config loads the application configuration from an embedded YAML
// document, expands ${ENV} placeholders, and applies environment overrides on
// top. Loading happens once at startup; the resulting Config is injected
// everywhere else.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

const moduleName = "config"

// EmbeddedConfig carries the raw bytes of the embedded configuration file.
type EmbeddedConfig []byte

// Config is the root configuration document.
type Config struct {
	Loom LoomConfig `yaml:"loom"`
}

// LoomConfig groups every application section.
type LoomConfig struct {
	System    SystemConfig              `yaml:"system"`
	Database  DatabaseConfig            `yaml:"database"`
	Pipelines PipelinesConfig           `yaml:"pipelines"`
	Brands    []BrandConfig             `yaml:"brands"`
	Platforms map[string]PlatformConfig `yaml:"platforms"`
	Enrich    EnrichConfig              `yaml:"enrich"`
	Assets    AssetsConfig              `yaml:"assets"`
	Export    ExportConfig              `yaml:"export"`
	Server    ServerConfig              `yaml:"server"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
}

// SystemConfig holds process-wide settings.
type SystemConfig struct {
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig controls the package logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig selects the database dialect and connection string.
type DatabaseConfig struct {
	// Type is one of sqlite, postgres, mysql.
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
	// Migrate runs the embedded schema migrations on startup.
	Migrate bool `yaml:"migrate"`
}

// BrandConfig registers one brand storefront.
type BrandConfig struct {
	ID string `yaml:"id"`
	// URL is the storefront base URL.
	URL string `yaml:"url"`
	// Platform pins the adapter; empty means detect per crawl.
	Platform string `yaml:"platform"`
	// DiscoverLimit caps discovery per crawl run (0 means the whole catalog).
	DiscoverLimit int `yaml:"discover_limit"`
}

// PipelineConfig tunes one pipeline kind's dispatcher.
type PipelineConfig struct {
	MaxAttempts           int      `yaml:"max_attempts"`
	QueuedStale           Duration `yaml:"queued_stale"`
	Stuck                 Duration `yaml:"stuck"`
	ConsecutiveErrorLimit int      `yaml:"consecutive_error_limit"`
	QueueBuffer           int      `yaml:"queue_buffer"`
}

// PipelinesConfig tunes the three pipeline kinds.
type PipelinesConfig struct {
	Catalog    PipelineConfig `yaml:"catalog"`
	Enrichment PipelineConfig `yaml:"enrichment"`
	Export     PipelineConfig `yaml:"export"`
}

// PlatformConfig is the raw, adapter-specific settings map. Each adapter
// binds it onto its own typed settings struct via BindSettings.
type PlatformConfig map[string]interface{}

// EnrichConfig configures the LLM client and the taxonomy.
type EnrichConfig struct {
	// Provider is one of openai, anthropic, ollama.
	Provider      string           `yaml:"provider"`
	Model         string           `yaml:"model"`
	APIKey        string           `yaml:"api_key"`
	ServerURL     string           `yaml:"server_url"`
	MaxRetries    int              `yaml:"max_retries"`
	PromptVersion string           `yaml:"prompt_version"`
	Taxonomy      []TaxonomyBranch `yaml:"taxonomy"`
}

// TaxonomyBranch is one allowed category with its allowed subcategories.
// Order matters: the first subcategory is the fallback for invalid values.
type TaxonomyBranch struct {
	Category      string   `yaml:"category"`
	Subcategories []string `yaml:"subcategories"`
}

// AssetsConfig configures the image resolver.
type AssetsConfig struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	PublicURL string `yaml:"public_url"`
}

// ExportConfig configures the parquet snapshot pipeline. Snapshots share
// the asset object store under their own prefix.
type ExportConfig struct {
	Prefix string `yaml:"prefix"`
}

// ServerConfig configures the trigger API listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures metrics and tracing exporters. Empty endpoints
// leave the corresponding exporter disabled.
type TelemetryConfig struct {
	MetricsAddr  string `yaml:"metrics_addr"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// NewConfig returns the built-in defaults applied before the YAML document.
func NewConfig() *Config {
	pipeline := PipelineConfig{
		MaxAttempts:           3,
		QueuedStale:           Duration(10 * time.Minute),
		Stuck:                 Duration(15 * time.Minute),
		ConsecutiveErrorLimit: 10,
		QueueBuffer:           256,
	}
	return &Config{
		Loom: LoomConfig{
			System: SystemConfig{Logging: LoggingConfig{Level: "info"}},
			Database: DatabaseConfig{
				Type:    "sqlite",
				DSN:     "loom.db",
				Migrate: true,
			},
			Pipelines: PipelinesConfig{
				Catalog:    pipeline,
				Enrichment: pipeline,
				Export:     pipeline,
			},
			Enrich: EnrichConfig{
				Provider:      "openai",
				Model:         "gpt-4o-mini",
				MaxRetries:    3,
				PromptVersion: "v1",
			},
			Server:    ServerConfig{Addr: ":8080"},
			Telemetry: TelemetryConfig{ServiceName: "loom"},
		},
	}
}

// Load builds the effective configuration: defaults, then the embedded YAML
// with ${ENV} placeholders expanded, then .env assisted environment values.
func Load(envFilePath string, embedded EmbeddedConfig) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env file (%s) not found or could not be loaded: %v", envFilePath, err)
		}
	} else {
		if err := godotenv.Load(); err != nil {
			logger.Debugf(".env file not found or could not be loaded: %v", err)
		}
	}

	cfg := NewConfig()
	expanded := os.ExpandEnv(string(embedded))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, exception.New(moduleName, "failed to unmarshal embedded config", err, false)
	}
	return cfg, nil
}

// ForKind returns the pipeline tuning section for a pipeline kind name.
func (c *PipelinesConfig) ForKind(kind string) PipelineConfig {
	switch kind {
	case "enrichment":
		return c.Enrichment
	case "export":
		return c.Export
	default:
		return c.Catalog
	}
}
