package platform

import (
	"context"
	"sort"
	"sync"

	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

const moduleName = "platform"

// Registry holds the known adapters keyed by platform id and performs
// platform detection with the scraping fallback as the last resort.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	fallback Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its id. The last registration wins.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// SetFallback installs the adapter used when no platform probe matches.
func (r *Registry) SetFallback(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = a
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[id]; ok {
		return a, nil
	}
	return nil, exception.Newf(moduleName, false, "no adapter registered for platform %q", id)
}

// Detect resolves the adapter for a site: the pinned platform when set,
// otherwise the first adapter whose probe matches (stable id order),
// otherwise the fallback.
func (r *Registry) Detect(ctx context.Context, site Site) (Adapter, error) {
	if site.Platform != "" {
		return r.Get(site.Platform)
	}

	r.mu.RLock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	fallback := r.fallback
	r.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		a, err := r.Get(id)
		if err != nil {
			continue
		}
		if a == fallback {
			continue
		}
		if a.Probe(ctx, site) {
			logger.Debugf("Site %s detected as platform %s.", site.BaseURL, id)
			return a, nil
		}
	}
	if fallback != nil {
		logger.Debugf("Site %s did not match any platform, using fallback %s.", site.BaseURL, fallback.ID())
		return fallback, nil
	}
	return nil, exception.Newf(moduleName, false, "no adapter matched site %q and no fallback is registered", site.BaseURL)
}
