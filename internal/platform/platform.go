// Package platform contains the pluggable storefront connectors. Each
// adapter knows how to discover product references on one e-commerce
// platform and fetch a normalized raw product for a single reference.
// Adapters own their HTTP timeout and treat non-2xx responses as "no data";
// a reference that no longer resolves yields (nil, nil), not an error.
package platform

import (
	"context"
	"encoding/json"
	"strings"
)

// Site identifies one brand's storefront.
type Site struct {
	BrandID string
	BaseURL string
	// Platform optionally pins the adapter; empty means detect.
	Platform string
}

// ProductRef is one discovered product reference. ExternalID is the
// platform-native identifier; URL is the product page.
type ProductRef struct {
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
	Handle     string `json:"handle,omitempty"`
}

// RawVariant is one purchasable variant as the platform reports it. Options
// carry the raw axis values (e.g. {"color": "rojo", "size": "M"}); mapping
// onto canonical fields happens downstream.
type RawVariant struct {
	SKU       string            `json:"sku"`
	Title     string            `json:"title"`
	Options   map[string]string `json:"options,omitempty"`
	Price     string            `json:"price"`
	Currency  string            `json:"currency,omitempty"`
	Available bool              `json:"available"`
	ImageURLs []string          `json:"image_urls,omitempty"`
}

// RawProduct is the adapter-normalized product detail.
type RawProduct struct {
	ExternalID  string       `json:"external_id"`
	SourceURL   string       `json:"source_url"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Vendor      string       `json:"vendor"`
	Currency    string       `json:"currency"`
	Tags        []string     `json:"tags,omitempty"`
	ImageURLs   []string     `json:"image_urls,omitempty"`
	OptionNames []string     `json:"option_names,omitempty"`
	Variants    []RawVariant `json:"variants"`
	SEOTitle    string       `json:"seo_title,omitempty"`
	SEODesc     string       `json:"seo_description,omitempty"`
}

// Adapter abstracts one platform's catalog access.
type Adapter interface {
	// ID returns the stable platform identifier used by the registry.
	ID() string
	// Probe reports whether the site looks like this platform. Used by
	// Detect; must be cheap (one request at most).
	Probe(ctx context.Context, site Site) bool
	// Discover paginates the platform's listing mechanism until limit
	// references are collected or the catalog ends. Idempotent; duplicate
	// references are deduplicated downstream by the canonical key.
	Discover(ctx context.Context, site Site, limit int) ([]ProductRef, error)
	// Fetch returns the full detail for one reference, or (nil, nil) when
	// the reference no longer resolves to a product.
	Fetch(ctx context.Context, site Site, ref ProductRef) (*RawProduct, error)
}

// stringList unmarshals either a JSON array of strings or a single
// comma-separated string. Platforms disagree on how they ship tags.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	var out []string
	for _, part := range strings.Split(joined, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	*s = out
	return nil
}
