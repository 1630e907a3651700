// Package ingest assembles the three pipelines: it supplies the per-kind
// item processors, plans new runs, and owns the dispatcher instances.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/weftworks/loom/internal/assets"
	"github.com/weftworks/loom/internal/catalog"
	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/internal/enrich"
	"github.com/weftworks/loom/internal/export"
	"github.com/weftworks/loom/internal/platform"
	"github.com/weftworks/loom/pkg/pipeline/model"
	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

const moduleName = "ingest"

// CrawlProcessor fetches one discovered reference, re-hosts its images, and
// upserts the canonical product.
type CrawlProcessor struct {
	registry *platform.Registry
	upserter *catalog.Upserter
	resolver assets.Resolver
	brands   map[string]config.BrandConfig
}

// NewCrawlProcessor creates the catalog item processor.
func NewCrawlProcessor(registry *platform.Registry, upserter *catalog.Upserter, resolver assets.Resolver, brands []config.BrandConfig) *CrawlProcessor {
	idx := make(map[string]config.BrandConfig, len(brands))
	for _, b := range brands {
		idx[b.ID] = b
	}
	return &CrawlProcessor{registry: registry, upserter: upserter, resolver: resolver, brands: idx}
}

// Process implements dispatcher.Processor for catalog items.
func (p *CrawlProcessor) Process(ctx context.Context, item *model.Item) (string, error) {
	ref := item.Ref
	brand, ok := p.brands[ref.BrandID]
	if !ok {
		// the scope disappeared from configuration, nothing can proceed
		return "", exception.NewRunFatal(moduleName, fmt.Sprintf("brand %q is not configured", ref.BrandID), nil)
	}
	site := platform.Site{BrandID: brand.ID, BaseURL: brand.URL, Platform: ref.Platform}
	if site.Platform == "" {
		site.Platform = brand.Platform
	}

	adapter, err := p.registry.Detect(ctx, site)
	if err != nil {
		return "", err
	}

	raw, err := adapter.Fetch(ctx, site, platform.ProductRef{ExternalID: ref.ExternalID, URL: ref.SourceURL})
	if err != nil {
		return "", err
	}
	if raw == nil {
		// delisted reference, a normal outcome
		return "reference gone, no output", nil
	}

	if len(raw.ImageURLs) > 0 {
		resolved, err := p.resolver.Resolve(ctx, raw.ImageURLs)
		if err != nil {
			return "", err
		}
		durable := make([]string, 0, len(raw.ImageURLs))
		for _, url := range raw.ImageURLs {
			if asset, ok := resolved[url]; ok {
				durable = append(durable, asset.DurableURL)
			}
		}
		raw.ImageURLs = durable
	}

	product, disposition, err := p.upserter.UpsertRaw(ctx, ref.BrandID, raw)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s product %s with %d variants", disposition, product.ID, len(product.Variants)), nil
}

// EnrichProcessor classifies one product and stores the validated
// enrichment. Review-required results still complete the item.
type EnrichProcessor struct {
	upserter      *catalog.Upserter
	taxonomy      *enrich.Taxonomy
	classifier    enrich.Classifier
	promptVersion string
}

// NewEnrichProcessor creates the enrichment item processor.
func NewEnrichProcessor(upserter *catalog.Upserter, taxonomy *enrich.Taxonomy, classifier enrich.Classifier, promptVersion string) *EnrichProcessor {
	return &EnrichProcessor{
		upserter:      upserter,
		taxonomy:      taxonomy,
		classifier:    classifier,
		promptVersion: promptVersion,
	}
}

// Process implements dispatcher.Processor for enrichment items.
func (p *EnrichProcessor) Process(ctx context.Context, item *model.Item) (string, error) {
	product, err := p.upserter.Get(ctx, item.Ref.ProductID)
	if err != nil {
		return "", err
	}

	signals := enrich.HarvestProductSignals(enrich.SignalInput{
		Title:       product.Title,
		Description: product.Description,
		Vendor:      product.Vendor,
		Tags:        product.Tags,
	})

	candidate, route, err := p.classifier.Classify(ctx, enrich.SignalInput{
		Title:       product.Title,
		Description: product.Description,
		Vendor:      product.Vendor,
		Tags:        product.Tags,
	}, p.taxonomy)
	if err != nil {
		return "", err
	}

	result := enrich.ValidateAndAutofix(signals, candidate, p.taxonomy, route)

	enrichment := catalog.Enrichment{
		Category:              result.Enriched.Category,
		Subcategory:           result.Enriched.Subcategory,
		Gender:                result.Enriched.Gender,
		Tags:                  result.Enriched.Tags,
		Materials:             result.Enriched.Materials,
		CategoryConfidence:    result.Confidence.Category,
		SubcategoryConfidence: result.Confidence.Subcategory,
		OverallConfidence:     result.Confidence.Overall,
		ReviewRequired:        result.ReviewRequired,
		ReviewReasons:         result.ReviewReasons,
		AutoFixes:             result.AutoFixes,
		ModelVersion:          p.classifier.ModelVersion(),
		PromptVersion:         p.promptVersion,
		EnrichedAt:            time.Now().UTC(),
	}
	if err := p.upserter.SetEnrichment(ctx, product.ID, enrichment); err != nil {
		return "", err
	}

	if result.ReviewRequired {
		logger.Infof("Product %s enriched as %s/%s, flagged for review.", product.ID, enrichment.Category, enrichment.Subcategory)
		return fmt.Sprintf("enriched as %s/%s (review required)", enrichment.Category, enrichment.Subcategory), nil
	}
	return fmt.Sprintf("enriched as %s/%s (overall %.2f)", enrichment.Category, enrichment.Subcategory, enrichment.OverallConfidence), nil
}

// ExportProcessor snapshots one brand per item.
type ExportProcessor struct {
	exporter *export.Exporter
}

// NewExportProcessor creates the export item processor.
func NewExportProcessor(exporter *export.Exporter) *ExportProcessor {
	return &ExportProcessor{exporter: exporter}
}

// Process implements dispatcher.Processor for export items.
func (p *ExportProcessor) Process(ctx context.Context, item *model.Item) (string, error) {
	url, count, err := p.exporter.SnapshotBrand(ctx, item.Ref.BrandID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("exported %d products to %s", count, url), nil
}
