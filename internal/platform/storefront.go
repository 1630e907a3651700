package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

// StorefrontID identifies the JSON catalog API adapter.
const StorefrontID = "storefront"

// StorefrontSettings tunes the storefront adapter. Bound from the platform
// settings map in the configuration document.
type StorefrontSettings struct {
	PageSize  int           `yaml:"page_size"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// Storefront talks to storefronts exposing a paginated JSON catalog under
// /products.json and per-product documents under /products/{handle}.json.
type Storefront struct {
	client    *http.Client
	pageSize  int
	userAgent string
}

// NewStorefront creates the adapter with bounded timeouts.
func NewStorefront(settings StorefrontSettings) *Storefront {
	if settings.PageSize <= 0 {
		settings.PageSize = 250
	}
	if settings.Timeout <= 0 || settings.Timeout > 9*time.Second {
		settings.Timeout = 8 * time.Second
	}
	if settings.UserAgent == "" {
		settings.UserAgent = "loom-catalog/1.0"
	}
	return &Storefront{
		client:    &http.Client{Timeout: settings.Timeout},
		pageSize:  settings.PageSize,
		userAgent: settings.UserAgent,
	}
}

var _ Adapter = (*Storefront)(nil)

func (s *Storefront) ID() string { return StorefrontID }

// Probe checks whether the catalog document answers at all.
func (s *Storefront) Probe(ctx context.Context, site Site) bool {
	body, status, err := s.get(ctx, strings.TrimRight(site.BaseURL, "/")+"/products.json?limit=1")
	if err != nil || status != http.StatusOK {
		return false
	}
	var doc catalogPage
	return json.Unmarshal(body, &doc) == nil
}

// Discover pages through /products.json until limit references are
// collected or a page comes back empty.
func (s *Storefront) Discover(ctx context.Context, site Site, limit int) ([]ProductRef, error) {
	base := strings.TrimRight(site.BaseURL, "/")
	var refs []ProductRef
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/products.json?limit=%d&page=%d", base, s.pageSize, page)
		body, status, err := s.get(ctx, url)
		if err != nil {
			return refs, exception.New(moduleName, fmt.Sprintf("catalog page %d of %s failed", page, site.BaseURL), err, true)
		}
		if status != http.StatusOK {
			logger.Warnf("Catalog page %d of %s answered %d, stopping discovery.", page, site.BaseURL, status)
			return refs, nil
		}

		var doc catalogPage
		if err := json.Unmarshal(body, &doc); err != nil {
			return refs, exception.New(moduleName, fmt.Sprintf("catalog page %d of %s is not valid JSON", page, site.BaseURL), err, true)
		}
		if len(doc.Products) == 0 {
			return refs, nil
		}
		for _, p := range doc.Products {
			refs = append(refs, ProductRef{
				ExternalID: strconv.FormatInt(p.ID, 10),
				URL:        base + "/products/" + p.Handle,
				Handle:     p.Handle,
			})
			if limit > 0 && len(refs) >= limit {
				return refs, nil
			}
		}
	}
}

// Fetch loads one product document. A 404 (or any non-2xx) means the
// reference is gone and yields (nil, nil).
func (s *Storefront) Fetch(ctx context.Context, site Site, ref ProductRef) (*RawProduct, error) {
	handle := ref.Handle
	if handle == "" {
		if i := strings.LastIndex(ref.URL, "/"); i >= 0 {
			handle = ref.URL[i+1:]
		}
	}
	url := strings.TrimRight(site.BaseURL, "/") + "/products/" + handle + ".json"
	body, status, err := s.get(ctx, url)
	if err != nil {
		return nil, exception.New(moduleName, fmt.Sprintf("fetch of %s failed", url), err, true)
	}
	if status < 200 || status >= 300 {
		return nil, nil
	}

	var doc struct {
		Product catalogProduct `json:"product"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, exception.New(moduleName, fmt.Sprintf("product document %s is not valid JSON", url), err, true)
	}
	if doc.Product.ID == 0 {
		return nil, nil
	}
	return doc.Product.toRaw(site, ref), nil
}

func (s *Storefront) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// catalogPage is the /products.json document shape.
type catalogPage struct {
	Products []catalogProduct `json:"products"`
}

type catalogProduct struct {
	ID       int64      `json:"id"`
	Title    string     `json:"title"`
	Handle   string     `json:"handle"`
	BodyHTML string     `json:"body_html"`
	Vendor   string     `json:"vendor"`
	Tags     stringList `json:"tags"`
	Options  []struct {
		Name string `json:"name"`
	} `json:"options"`
	Images []struct {
		Src string `json:"src"`
	} `json:"images"`
	Variants []catalogVariant `json:"variants"`
}

type catalogVariant struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	SKU       string `json:"sku"`
	Price     string `json:"price"`
	Available bool   `json:"available"`
	Option1   string `json:"option1"`
	Option2   string `json:"option2"`
	Option3   string `json:"option3"`
}

func (p *catalogProduct) toRaw(site Site, ref ProductRef) *RawProduct {
	raw := &RawProduct{
		ExternalID:  strconv.FormatInt(p.ID, 10),
		SourceURL:   ref.URL,
		Title:       p.Title,
		Description: stripMarkup(p.BodyHTML),
		Vendor:      p.Vendor,
		Tags:        p.Tags,
	}
	if raw.SourceURL == "" {
		raw.SourceURL = strings.TrimRight(site.BaseURL, "/") + "/products/" + p.Handle
	}
	for _, o := range p.Options {
		raw.OptionNames = append(raw.OptionNames, o.Name)
	}
	for _, img := range p.Images {
		if img.Src != "" {
			raw.ImageURLs = append(raw.ImageURLs, img.Src)
		}
	}
	for _, v := range p.Variants {
		rv := RawVariant{
			SKU:       v.SKU,
			Title:     v.Title,
			Price:     v.Price,
			Available: v.Available,
			Options:   map[string]string{},
		}
		if rv.SKU == "" {
			rv.SKU = strconv.FormatInt(v.ID, 10)
		}
		values := []string{v.Option1, v.Option2, v.Option3}
		for i, name := range raw.OptionNames {
			if i < len(values) && values[i] != "" {
				rv.Options[strings.ToLower(name)] = values[i]
			}
		}
		raw.Variants = append(raw.Variants, rv)
	}
	return raw
}
