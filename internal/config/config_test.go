package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsSurviveEmptyDocument(t *testing.T) {
	cfg, err := Load("", EmbeddedConfig("loom: {}"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Loom.System.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Loom.Database.Type)
	assert.Equal(t, 3, cfg.Loom.Pipelines.Catalog.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Loom.Pipelines.Catalog.QueuedStale.Std())
}

func TestLoad_ExpandsEnvironmentPlaceholders(t *testing.T) {
	t.Setenv("LOOM_TEST_DSN", "user:pass@tcp(db:3306)/loom")

	doc := `
loom:
  database:
    type: mysql
    dsn: ${LOOM_TEST_DSN}
`
	cfg, err := Load("", EmbeddedConfig(doc))
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Loom.Database.Type)
	assert.Equal(t, "user:pass@tcp(db:3306)/loom", cfg.Loom.Database.DSN)
}

func TestBindSettings_TypedAdapterSettings(t *testing.T) {
	type settings struct {
		BaseURL  string        `yaml:"base_url"`
		PageSize int           `yaml:"page_size"`
		Timeout  time.Duration `yaml:"timeout"`
	}

	raw := PlatformConfig{
		"base_url":  "https://shop.example.com",
		"page_size": "100",
		"timeout":   "8s",
	}
	var s settings
	require.NoError(t, BindSettings(raw, &s))

	assert.Equal(t, "https://shop.example.com", s.BaseURL)
	assert.Equal(t, 100, s.PageSize)
	assert.Equal(t, 8*time.Second, s.Timeout)
}

func TestForKind_SelectsPipelineSection(t *testing.T) {
	p := PipelinesConfig{
		Catalog:    PipelineConfig{MaxAttempts: 3},
		Enrichment: PipelineConfig{MaxAttempts: 2},
		Export:     PipelineConfig{MaxAttempts: 1},
	}
	assert.Equal(t, 2, p.ForKind("enrichment").MaxAttempts)
	assert.Equal(t, 1, p.ForKind("export").MaxAttempts)
	assert.Equal(t, 3, p.ForKind("catalog").MaxAttempts)
}
