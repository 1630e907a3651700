package platform

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

// HTMLFallbackID identifies the scraping fallback adapter.
const HTMLFallbackID = "htmlfallback"

// HTMLFallbackSettings tunes the fallback adapter.
type HTMLFallbackSettings struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// HTMLFallback discovers product pages through the site's sitemap and reads
// product detail from embedded JSON-LD Product blocks. It is the adapter of
// last resort for sites with no recognizable catalog API.
type HTMLFallback struct {
	client    *http.Client
	userAgent string
}

// NewHTMLFallback creates the fallback adapter.
func NewHTMLFallback(settings HTMLFallbackSettings) *HTMLFallback {
	if settings.Timeout <= 0 || settings.Timeout > 9*time.Second {
		settings.Timeout = 8 * time.Second
	}
	if settings.UserAgent == "" {
		settings.UserAgent = "loom-catalog/1.0"
	}
	return &HTMLFallback{
		client:    &http.Client{Timeout: settings.Timeout},
		userAgent: settings.UserAgent,
	}
}

var _ Adapter = (*HTMLFallback)(nil)

func (h *HTMLFallback) ID() string { return HTMLFallbackID }

// Probe always reports false: the fallback is chosen by the registry, never
// by detection.
func (h *HTMLFallback) Probe(context.Context, Site) bool { return false }

// sitemapDoc covers both urlset and sitemapindex documents; only <loc>
// entries are read.
type sitemapDoc struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// Discover reads the sitemap and keeps locations that look like product
// pages. Nested sitemaps are followed one level deep.
func (h *HTMLFallback) Discover(ctx context.Context, site Site, limit int) ([]ProductRef, error) {
	base := strings.TrimRight(site.BaseURL, "/")
	var refs []ProductRef
	seen := make(map[string]struct{})

	var walk func(url string, depth int) error
	walk = func(url string, depth int) error {
		body, status, err := h.get(ctx, url)
		if err != nil {
			return exception.New(moduleName, fmt.Sprintf("sitemap %s failed", url), err, true)
		}
		if status != http.StatusOK {
			logger.Warnf("Sitemap %s answered %d, skipping.", url, status)
			return nil
		}
		var doc sitemapDoc
		if err := xml.Unmarshal(body, &doc); err != nil {
			return exception.New(moduleName, fmt.Sprintf("sitemap %s is not valid XML", url), err, true)
		}
		for _, u := range doc.URLs {
			loc := strings.TrimSpace(u.Loc)
			if !strings.Contains(loc, "/products/") {
				continue
			}
			if _, dup := seen[loc]; dup {
				continue
			}
			seen[loc] = struct{}{}
			refs = append(refs, ProductRef{ExternalID: loc, URL: loc})
			if limit > 0 && len(refs) >= limit {
				return nil
			}
		}
		if depth > 0 {
			for _, sm := range doc.Sitemaps {
				if limit > 0 && len(refs) >= limit {
					return nil
				}
				if strings.Contains(sm.Loc, "product") {
					if err := walk(strings.TrimSpace(sm.Loc), depth-1); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}

	if err := walk(base+"/sitemap.xml", 1); err != nil {
		return refs, err
	}
	return refs, nil
}

// Fetch loads the product page and extracts the first JSON-LD Product block.
// Pages without one yield (nil, nil), same as a gone reference.
func (h *HTMLFallback) Fetch(ctx context.Context, site Site, ref ProductRef) (*RawProduct, error) {
	body, status, err := h.get(ctx, ref.URL)
	if err != nil {
		return nil, exception.New(moduleName, fmt.Sprintf("fetch of %s failed", ref.URL), err, true)
	}
	if status < 200 || status >= 300 {
		return nil, nil
	}

	product := extractJSONLDProduct(body)
	if product == nil {
		logger.Debugf("Page %s carries no JSON-LD Product block.", ref.URL)
		return nil, nil
	}
	return product.toRaw(ref), nil
}

func (h *HTMLFallback) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
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

var jsonLDPattern = regexp.MustCompile(`(?is)<script[^>]+type\s*=\s*["']application/ld\+json["'][^>]*>(.*?)</script>`)

// ldProduct is the subset of the schema.org Product vocabulary the fallback
// reads.
type ldProduct struct {
	Type        json.RawMessage `json:"@type"`
	Graph       []ldProduct     `json:"@graph"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	SKU         string          `json:"sku"`
	ProductID   string          `json:"productID"`
	Image       stringList      `json:"image"`
	Brand       json.RawMessage `json:"brand"`
	Material    stringList      `json:"material"`
	Keywords    stringList      `json:"keywords"`
	Offers      ldOffers        `json:"offers"`
}

type ldOffer struct {
	SKU           string      `json:"sku"`
	Price         looseString `json:"price"`
	PriceCurrency string      `json:"priceCurrency"`
	Availability  string      `json:"availability"`
	Name          string      `json:"name"`
}

// looseString accepts a JSON string or number; schema.org publishers use
// both for prices.
type looseString string

func (l *looseString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = looseString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*l = looseString(n.String())
	return nil
}

// ldOffers accepts a single offer object, a list, or an AggregateOffer.
type ldOffers []ldOffer

func (o *ldOffers) UnmarshalJSON(data []byte) error {
	var list []ldOffer
	if err := json.Unmarshal(data, &list); err == nil {
		*o = list
		return nil
	}
	var single struct {
		ldOffer
		Offers []ldOffer `json:"offers"`
		// AggregateOffer ships numbers as often as strings
		LowPrice json.Number `json:"lowPrice"`
	}
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	if len(single.Offers) > 0 {
		*o = single.Offers
		return nil
	}
	offer := single.ldOffer
	if offer.Price == "" && single.LowPrice != "" {
		offer.Price = looseString(single.LowPrice.String())
	}
	*o = []ldOffer{offer}
	return nil
}

func (p *ldProduct) isProduct() bool {
	var t string
	if json.Unmarshal(p.Type, &t) == nil {
		return strings.EqualFold(t, "Product")
	}
	var ts []string
	if json.Unmarshal(p.Type, &ts) == nil {
		for _, v := range ts {
			if strings.EqualFold(v, "Product") {
				return true
			}
		}
	}
	return false
}

// extractJSONLDProduct scans every ld+json script block (including @graph
// containers) for the first Product node.
func extractJSONLDProduct(page []byte) *ldProduct {
	for _, match := range jsonLDPattern.FindAllSubmatch(page, -1) {
		raw := match[1]
		var node ldProduct
		if err := json.Unmarshal(raw, &node); err == nil {
			if found := firstProduct(&node); found != nil {
				return found
			}
			continue
		}
		var nodes []ldProduct
		if err := json.Unmarshal(raw, &nodes); err == nil {
			for i := range nodes {
				if found := firstProduct(&nodes[i]); found != nil {
					return found
				}
			}
		}
	}
	return nil
}

func firstProduct(node *ldProduct) *ldProduct {
	if node.isProduct() {
		return node
	}
	for i := range node.Graph {
		if found := firstProduct(&node.Graph[i]); found != nil {
			return found
		}
	}
	return nil
}

func (p *ldProduct) toRaw(ref ProductRef) *RawProduct {
	externalID := p.ProductID
	if externalID == "" {
		externalID = p.SKU
	}
	if externalID == "" {
		externalID = ref.URL
	}

	var vendor string
	var brandObj struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(p.Brand, &brandObj) == nil && brandObj.Name != "" {
		vendor = brandObj.Name
	} else {
		_ = json.Unmarshal(p.Brand, &vendor)
	}

	raw := &RawProduct{
		ExternalID:  externalID,
		SourceURL:   ref.URL,
		Title:       p.Name,
		Description: stripMarkup(p.Description),
		Vendor:      vendor,
		Tags:        append([]string(nil), p.Keywords...),
		ImageURLs:   append([]string(nil), p.Image...),
	}
	for _, m := range p.Material {
		raw.Tags = append(raw.Tags, m)
	}
	for i, offer := range p.Offers {
		if raw.Currency == "" {
			raw.Currency = offer.PriceCurrency
		}
		sku := offer.SKU
		if sku == "" {
			sku = p.SKU
		}
		if sku == "" {
			sku = fmt.Sprintf("%s-%d", externalID, i+1)
		}
		raw.Variants = append(raw.Variants, RawVariant{
			SKU:       sku,
			Title:     offer.Name,
			Price:     string(offer.Price),
			Currency:  offer.PriceCurrency,
			Available: !strings.Contains(strings.ToLower(offer.Availability), "outofstock"),
		})
	}
	if len(raw.Variants) == 0 {
		raw.Variants = append(raw.Variants, RawVariant{SKU: externalID, Available: true})
	}
	return raw
}

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// stripMarkup flattens HTML-ish description text to plain text.
func stripMarkup(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}
