package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

const moduleName = "enrich"

// Classifier produces an enrichment candidate for one product. The LLM
// implementation lives behind this interface; tests supply fakes.
type Classifier interface {
	Classify(ctx context.Context, in SignalInput, taxonomy *Taxonomy) (Candidate, RouteConfidence, error)
	ModelVersion() string
}

// LLMClassifier asks a langchaingo model for the classification and
// validates the reply against a strict schema before it reaches the
// consistency validator.
type LLMClassifier struct {
	llm        llms.Model
	modelName  string
	maxRetries int
}

// NewLLMClassifier creates the provider-specific model from configuration.
func NewLLMClassifier(cfg config.EnrichConfig) (*LLMClassifier, error) {
	var model llms.Model
	var err error

	switch cfg.Provider {
	case "ollama":
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.ServerURL),
		)
	case "openai":
		if cfg.APIKey == "" {
			return nil, exception.New(moduleName, "openai api key is required", nil, false)
		}
		model, err = openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		)
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, exception.New(moduleName, "anthropic api key is required", nil, false)
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		)
	default:
		return nil, exception.Newf(moduleName, false, "unsupported llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, exception.New(moduleName, "failed to create llm model", err, false)
	}

	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &LLMClassifier{llm: model, modelName: cfg.Model, maxRetries: retries}, nil
}

var _ Classifier = (*LLMClassifier)(nil)

// ModelVersion returns the configured model name for provenance.
func (c *LLMClassifier) ModelVersion() string { return c.modelName }

const classifySystemPrompt = `You classify e-commerce products into a fixed taxonomy.
Reply with a single JSON object and nothing else:
{"category": "...", "subcategory": "...", "gender": "women|men|unisex|", "tags": ["..."], "materials": ["..."], "confidence": "high|normal|low"}
category and subcategory MUST come from the allowed taxonomy. Use lowercase
material names. confidence reflects how certain you are about the category.`

// Classify sends the product text and taxonomy, retrying transient failures
// with backoff. The reply must parse as the candidate schema.
func (c *LLMClassifier) Classify(ctx context.Context, in SignalInput, taxonomy *Taxonomy) (Candidate, RouteConfidence, error) {
	userPrompt := fmt.Sprintf(`Allowed taxonomy (category: subcategories):
%s
Product:
title: %s
vendor: %s
tags: %s
description: %s`,
		taxonomy.Describe(), in.Title, in.Vendor, strings.Join(in.Tags, ", "), truncate(in.Description, 2000))

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, classifySystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			logger.Debugf("Retrying classification in %s (attempt %d/%d).", backoff, attempt+1, c.maxRetries)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Candidate{}, "", ctx.Err()
			}
		}

		response, err := c.llm.GenerateContent(ctx, messages, llms.WithJSONMode())
		if err != nil {
			lastErr = exception.New(moduleName, "llm call failed", err, true)
			continue
		}
		if len(response.Choices) == 0 {
			lastErr = exception.New(moduleName, "llm returned no choices", nil, true)
			continue
		}

		candidate, route, err := parseCandidate(response.Choices[0].Content)
		if err != nil {
			lastErr = err
			continue
		}
		return candidate, route, nil
	}
	return Candidate{}, "", lastErr
}

// candidateSchema is the strict reply shape; unknown fields are rejected.
type candidateSchema struct {
	Category    string   `json:"category"`
	Subcategory string   `json:"subcategory"`
	Gender      string   `json:"gender"`
	Tags        []string `json:"tags"`
	Materials   []string `json:"materials"`
	Confidence  string   `json:"confidence"`
}

// parseCandidate validates the raw model reply against the schema. Replies
// wrapped in markdown fences are unwrapped first.
func parseCandidate(raw string) (Candidate, RouteConfidence, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var schema candidateSchema
	if err := dec.Decode(&schema); err != nil {
		return Candidate{}, "", exception.New(moduleName, "llm reply does not match the candidate schema", err, false)
	}
	if schema.Category == "" {
		return Candidate{}, "", exception.New(moduleName, "llm reply is missing the category", nil, false)
	}

	route := RouteConfidence(schema.Confidence)
	switch route {
	case RouteHigh, RouteNormal, RouteLow:
	case "":
		route = RouteNormal
	default:
		return Candidate{}, "", exception.Newf(moduleName, false, "llm reply carries invalid confidence %q", schema.Confidence)
	}

	return Candidate{
		Category:    schema.Category,
		Subcategory: schema.Subcategory,
		Gender:      schema.Gender,
		Tags:        schema.Tags,
		Materials:   schema.Materials,
	}, route, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
