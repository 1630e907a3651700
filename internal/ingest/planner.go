package ingest

import (
	"context"
	"errors"

	"github.com/hashicorp/go-multierror"

	"github.com/weftworks/loom/internal/catalog"
	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/internal/platform"
	"github.com/weftworks/loom/pkg/pipeline/model"
	"github.com/weftworks/loom/pkg/pipeline/repository"
	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

// enrichmentBacklogLimit bounds one enrichment run's item count; the next
// trigger picks up the remainder.
const enrichmentBacklogLimit = 500

// Planner turns a trigger into a run: it discovers the work references for
// the requested kind and scope and creates the run with its pending items.
type Planner struct {
	store         repository.Store
	registry      *platform.Registry
	products      *catalog.Upserter
	brands        []config.BrandConfig
	promptVersion string
}

// NewPlanner creates the run planner.
func NewPlanner(store repository.Store, registry *platform.Registry, products *catalog.Upserter, cfg *config.Config) *Planner {
	return &Planner{
		store:         store,
		registry:      registry,
		products:      products,
		brands:        cfg.Loom.Brands,
		promptVersion: cfg.Loom.Enrich.PromptVersion,
	}
}

// StartRun creates a run for (kind, scope), or resumes the existing active
// one when resume is set. The returned bool reports whether a new run was
// created. A busy scope without resume fails with repository.ErrScopeBusy.
func (p *Planner) StartRun(ctx context.Context, kind model.PipelineKind, scope string, resume bool) (*model.Run, bool, error) {
	if scope == "" {
		scope = model.ScopeAll
	}

	if resume {
		run, err := p.store.FindActiveRun(ctx, kind, scope)
		if err == nil {
			logger.Infof("Resuming %s run %s for scope %s.", kind, run.ID, scope)
			return run, false, nil
		}
		if !errors.Is(err, repository.ErrRunNotFound) {
			return nil, false, err
		}
	}

	refs, err := p.planRefs(ctx, kind, scope)
	if err != nil {
		return nil, false, err
	}

	run, err := p.store.CreateRun(ctx, kind, scope, refs, model.Metadata{
		"promptVersion": p.promptVersion,
	})
	if errors.Is(err, repository.ErrScopeBusy) && resume {
		// lost the race to a concurrent trigger, attach to the winner
		run, ferr := p.store.FindActiveRun(ctx, kind, scope)
		if ferr != nil {
			return nil, false, err
		}
		return run, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	logger.Infof("Created %s run %s for scope %s with %d items.", kind, run.ID, scope, len(refs))
	return run, true, nil
}

func (p *Planner) planRefs(ctx context.Context, kind model.PipelineKind, scope string) ([]model.WorkRef, error) {
	brands, err := p.scopedBrands(scope)
	if err != nil {
		return nil, err
	}
	switch kind {
	case model.KindCatalog:
		return p.discoverCatalog(ctx, brands)
	case model.KindEnrichment:
		return p.enrichmentBacklog(ctx, brands)
	case model.KindExport:
		refs := make([]model.WorkRef, 0, len(brands))
		for _, b := range brands {
			refs = append(refs, model.WorkRef{BrandID: b.ID})
		}
		return refs, nil
	default:
		return nil, exception.Newf(moduleName, false, "unknown pipeline kind %q", kind)
	}
}

// scopedBrands resolves the scope onto the configured brands. A scope is
// either a brand id or ScopeAll.
func (p *Planner) scopedBrands(scope string) ([]config.BrandConfig, error) {
	if scope == model.ScopeAll {
		if len(p.brands) == 0 {
			return nil, exception.Newf(moduleName, false, "no brands are configured")
		}
		return p.brands, nil
	}
	for _, b := range p.brands {
		if b.ID == scope {
			return []config.BrandConfig{b}, nil
		}
	}
	return nil, exception.Newf(moduleName, false, "scope %q matches no configured brand", scope)
}

// discoverCatalog walks each brand's storefront listing and collects one
// work reference per discovered product. A brand whose discovery fails is
// skipped with an error note; the run is still created for the others.
func (p *Planner) discoverCatalog(ctx context.Context, brands []config.BrandConfig) ([]model.WorkRef, error) {
	var refs []model.WorkRef
	var merr *multierror.Error
	seen := make(map[string]bool)

	for _, brand := range brands {
		site := platform.Site{BrandID: brand.ID, BaseURL: brand.URL, Platform: brand.Platform}
		adapter, err := p.registry.Detect(ctx, site)
		if err != nil {
			merr = multierror.Append(merr, err)
			logger.Warnf("Brand %s skipped, no adapter matched: %v", brand.ID, exception.ExtractErrorMessage(err))
			continue
		}
		discovered, err := adapter.Discover(ctx, site, brand.DiscoverLimit)
		if err != nil {
			merr = multierror.Append(merr, err)
			logger.Warnf("Discovery for brand %s failed: %v", brand.ID, exception.ExtractErrorMessage(err))
			continue
		}
		for _, d := range discovered {
			key := brand.ID + "\x00" + d.ExternalID + "\x00" + d.URL
			if seen[key] {
				continue
			}
			seen[key] = true
			refs = append(refs, model.WorkRef{
				SourceURL:  d.URL,
				ExternalID: d.ExternalID,
				BrandID:    brand.ID,
				Platform:   adapter.ID(),
			})
		}
		logger.Infof("Discovered %d references for brand %s via %s.", len(discovered), brand.ID, adapter.ID())
	}

	if len(refs) == 0 {
		if err := merr.ErrorOrNil(); err != nil {
			return nil, exception.New(moduleName, "discovery produced no references", err, true)
		}
		return nil, exception.Newf(moduleName, false, "discovery produced no references")
	}
	return refs, nil
}

// enrichmentBacklog selects products that have never been enriched or were
// enriched with an older prompt version.
func (p *Planner) enrichmentBacklog(ctx context.Context, brands []config.BrandConfig) ([]model.WorkRef, error) {
	var refs []model.WorkRef
	for _, brand := range brands {
		remaining := enrichmentBacklogLimit - len(refs)
		if remaining <= 0 {
			break
		}
		products, err := p.products.ListNeedingEnrichment(ctx, brand.ID, p.promptVersion, remaining)
		if err != nil {
			return nil, err
		}
		for _, prod := range products {
			refs = append(refs, model.WorkRef{ProductID: prod.ID, BrandID: brand.ID})
		}
	}
	if len(refs) == 0 {
		return nil, exception.Newf(moduleName, false, "no products need enrichment")
	}
	return refs, nil
}
