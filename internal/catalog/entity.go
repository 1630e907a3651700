// Package catalog owns the canonical product/variant store. Products are
// keyed by (brand_id, external_id) with (brand_id, source_url) as the
// secondary match key; variants by (product_id, sku). Upserts are idempotent
// so re-processing a reference never duplicates rows.
package catalog

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringList stores a []string as a JSON column.
type StringList []string

// Value implements driver.Valuer.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *StringList) Scan(src interface{}) error {
	return scanJSON(src, (*[]string)(s))
}

// OptionMap stores a variant's raw option axes as a JSON column.
type OptionMap map[string]string

// Value implements driver.Valuer.
func (m OptionMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *OptionMap) Scan(src interface{}) error {
	return scanJSON(src, (*map[string]string)(m))
}

// Enrichment is the classification sub-document stored on the product row.
// Versioned by overwrite; ModelVersion/PromptVersion record provenance.
type Enrichment struct {
	Category              string    `json:"category"`
	Subcategory           string    `json:"subcategory"`
	Gender                string    `json:"gender,omitempty"`
	Tags                  []string  `json:"tags,omitempty"`
	Materials             []string  `json:"materials,omitempty"`
	CategoryConfidence    float64   `json:"category_confidence"`
	SubcategoryConfidence float64   `json:"subcategory_confidence"`
	OverallConfidence     float64   `json:"overall_confidence"`
	ReviewRequired        bool      `json:"review_required"`
	ReviewReasons         []string  `json:"review_reasons,omitempty"`
	AutoFixes             []string  `json:"auto_fixes,omitempty"`
	ModelVersion          string    `json:"model_version,omitempty"`
	PromptVersion         string    `json:"prompt_version,omitempty"`
	EnrichedAt            time.Time `json:"enriched_at"`
}

// EnrichmentDoc stores the Enrichment as a JSON column; nil means the
// product has not been enriched yet.
type EnrichmentDoc struct {
	Enrichment
}

// Value implements driver.Valuer.
func (e *EnrichmentDoc) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e.Enrichment)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (e *EnrichmentDoc) Scan(src interface{}) error {
	return scanJSON(src, &e.Enrichment)
}

func scanJSON(src, target interface{}) error {
	if src == nil {
		return nil
	}
	switch v := src.(type) {
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, target)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), target)
	default:
		return fmt.Errorf("unsupported column type %T", src)
	}
}

// Product is the canonical product row.
type Product struct {
	ID          string         `gorm:"column:id;primaryKey"`
	BrandID     string         `gorm:"column:brand_id;uniqueIndex:idx_products_brand_external;uniqueIndex:idx_products_brand_source"`
	ExternalID  string         `gorm:"column:external_id;uniqueIndex:idx_products_brand_external"`
	SourceURL   string         `gorm:"column:source_url;uniqueIndex:idx_products_brand_source"`
	Title       string         `gorm:"column:title"`
	Description string         `gorm:"column:description"`
	Vendor      string         `gorm:"column:vendor"`
	Currency    string         `gorm:"column:currency"`
	Tags        StringList     `gorm:"column:tags;type:text"`
	ImageURLs   StringList     `gorm:"column:image_urls;type:text"`
	ContentHash string         `gorm:"column:content_hash"`
	Enrichment  *EnrichmentDoc `gorm:"column:enrichment;type:text"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at"`

	Variants []Variant `gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
}

// TableName implements the gorm table naming convention.
func (Product) TableName() string { return "products" }

// Variant is one purchasable variant row.
type Variant struct {
	ID        string     `gorm:"column:id;primaryKey"`
	ProductID string     `gorm:"column:product_id;uniqueIndex:idx_variants_product_sku"`
	SKU       string     `gorm:"column:sku;uniqueIndex:idx_variants_product_sku"`
	Title     string     `gorm:"column:title"`
	Options   OptionMap  `gorm:"column:options;type:text"`
	Price     string     `gorm:"column:price"`
	Currency  string     `gorm:"column:currency"`
	Available bool       `gorm:"column:available"`
	ImageURLs StringList `gorm:"column:image_urls;type:text"`
	CreatedAt time.Time  `gorm:"column:created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

// TableName implements the gorm table naming convention.
func (Variant) TableName() string { return "variants" }
