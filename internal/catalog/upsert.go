package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weftworks/loom/internal/platform"
	"github.com/weftworks/loom/pkg/pipeline/model"
	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

const moduleName = "catalog"

// Disposition reports what an upsert did.
type Disposition string

const (
	DispositionCreated   Disposition = "created"
	DispositionUpdated   Disposition = "updated"
	DispositionUnchanged Disposition = "unchanged"
)

// ErrProductNotFound is returned when no product matches the lookup.
var ErrProductNotFound = errors.New("product not found")

// Upserter writes raw products into the canonical store idempotently.
type Upserter struct {
	db *gorm.DB
}

// NewUpserter creates an Upserter on the shared database handle.
func NewUpserter(db *gorm.DB) *Upserter {
	return &Upserter{db: db}
}

// contentHash fingerprints the normalized raw product. Unchanged payloads
// short-circuit the write path entirely.
func contentHash(raw *platform.RawProduct) string {
	b, _ := json.Marshal(raw)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// UpsertRaw writes one raw product. Matching order is (brandID, externalID)
// first, (brandID, sourceURL) second; both keys stay unique. Variants are
// upserted by (productID, sku) and SKUs absent from the payload are removed.
func (u *Upserter) UpsertRaw(ctx context.Context, brandID string, raw *platform.RawProduct) (*Product, Disposition, error) {
	if raw == nil {
		return nil, "", exception.New(moduleName, "nil raw product", nil, false)
	}
	hash := contentHash(raw)

	var result *Product
	disposition := DispositionUnchanged
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findByKeys(tx, brandID, raw.ExternalID, raw.SourceURL)
		if err != nil {
			return err
		}

		if existing == nil {
			product := newProduct(brandID, raw, hash)
			if err := tx.Create(product).Error; err != nil {
				return exception.New(moduleName, "failed to insert product", err, true)
			}
			if err := writeVariants(tx, product.ID, raw); err != nil {
				return err
			}
			disposition = DispositionCreated
			result = product
			return nil
		}

		if existing.ContentHash == hash {
			result = existing
			return nil
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"external_id":  raw.ExternalID,
			"source_url":   raw.SourceURL,
			"title":        raw.Title,
			"description":  raw.Description,
			"vendor":       raw.Vendor,
			"currency":     raw.Currency,
			"tags":         StringList(raw.Tags),
			"image_urls":   StringList(raw.ImageURLs),
			"content_hash": hash,
			"updated_at":   now,
		}
		if err := tx.Model(&Product{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return exception.New(moduleName, "failed to update product", err, true)
		}
		if err := writeVariants(tx, existing.ID, raw); err != nil {
			return err
		}
		disposition = DispositionUpdated
		result = existing
		return tx.Preload("Variants").First(result, "id = ?", existing.ID).Error
	})
	if err != nil {
		return nil, "", err
	}
	if disposition != DispositionUnchanged {
		logger.Debugf("Product %s/%s %s.", brandID, raw.ExternalID, disposition)
		if result != nil && len(result.Variants) == 0 {
			_ = u.db.WithContext(ctx).Preload("Variants").First(result, "id = ?", result.ID).Error
		}
	}
	return result, disposition, nil
}

func findByKeys(tx *gorm.DB, brandID, externalID, sourceURL string) (*Product, error) {
	var product Product
	err := tx.Where("brand_id = ? AND external_id = ?", brandID, externalID).First(&product).Error
	if err == nil {
		return &product, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exception.New(moduleName, "product lookup failed", err, true)
	}
	if sourceURL == "" {
		return nil, nil
	}
	err = tx.Where("brand_id = ? AND source_url = ?", brandID, sourceURL).First(&product).Error
	if err == nil {
		return &product, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, exception.New(moduleName, "product lookup failed", err, true)
}

func newProduct(brandID string, raw *platform.RawProduct, hash string) *Product {
	now := time.Now().UTC()
	return &Product{
		ID:          model.NewID(),
		BrandID:     brandID,
		ExternalID:  raw.ExternalID,
		SourceURL:   raw.SourceURL,
		Title:       raw.Title,
		Description: raw.Description,
		Vendor:      raw.Vendor,
		Currency:    raw.Currency,
		Tags:        StringList(raw.Tags),
		ImageURLs:   StringList(raw.ImageURLs),
		ContentHash: hash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// writeVariants upserts the payload's variants by (product_id, sku) and
// drops SKUs the payload no longer carries.
func writeVariants(tx *gorm.DB, productID string, raw *platform.RawProduct) error {
	now := time.Now().UTC()
	skus := make([]string, 0, len(raw.Variants))
	for _, rv := range raw.Variants {
		skus = append(skus, rv.SKU)
		variant := &Variant{
			ID:        model.NewID(),
			ProductID: productID,
			SKU:       rv.SKU,
			Title:     rv.Title,
			Options:   OptionMap(rv.Options),
			Price:     rv.Price,
			Currency:  rv.Currency,
			Available: rv.Available,
			ImageURLs: StringList(rv.ImageURLs),
			CreatedAt: now,
			UpdatedAt: now,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "product_id"}, {Name: "sku"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"title", "options", "price", "currency", "available", "image_urls", "updated_at",
			}),
		}).Create(variant).Error
		if err != nil {
			return exception.New(moduleName, "failed to upsert variant", err, true)
		}
	}

	del := tx.Where("product_id = ?", productID)
	if len(skus) > 0 {
		del = del.Where("sku NOT IN ?", skus)
	}
	if err := del.Delete(&Variant{}).Error; err != nil {
		return exception.New(moduleName, "failed to remove stale variants", err, true)
	}
	return nil
}

// SetEnrichment overwrites the product's enrichment sub-document.
func (u *Upserter) SetEnrichment(ctx context.Context, productID string, e Enrichment) error {
	result := u.db.WithContext(ctx).Model(&Product{}).
		Where("id = ?", productID).
		Updates(map[string]interface{}{
			"enrichment": &EnrichmentDoc{Enrichment: e},
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return exception.New(moduleName, "failed to store enrichment", result.Error, true)
	}
	if result.RowsAffected == 0 {
		return ErrProductNotFound
	}
	return nil
}

// Get loads one product with its variants.
func (u *Upserter) Get(ctx context.Context, id string) (*Product, error) {
	var product Product
	err := u.db.WithContext(ctx).Preload("Variants").First(&product, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, exception.New(moduleName, "product lookup failed", err, true)
	}
	return &product, nil
}

// ListByBrand loads every product of a brand with variants, stable order.
func (u *Upserter) ListByBrand(ctx context.Context, brandID string) ([]Product, error) {
	var products []Product
	err := u.db.WithContext(ctx).
		Preload("Variants").
		Where("brand_id = ?", brandID).
		Order("external_id ASC").
		Find(&products).Error
	if err != nil {
		return nil, exception.New(moduleName, "brand listing failed", err, true)
	}
	return products, nil
}

// ListNeedingEnrichment returns products with no enrichment yet or one
// produced under a different prompt version.
func (u *Upserter) ListNeedingEnrichment(ctx context.Context, brandID, promptVersion string, limit int) ([]Product, error) {
	q := u.db.WithContext(ctx).Where("brand_id = ?", brandID)
	q = q.Where("enrichment IS NULL OR enrichment NOT LIKE ?", `%"prompt_version":"`+promptVersion+`"%`)
	if limit > 0 {
		q = q.Limit(limit)
	}
	var products []Product
	if err := q.Order("updated_at ASC").Find(&products).Error; err != nil {
		return nil, exception.New(moduleName, "enrichment backlog listing failed", err, true)
	}
	return products, nil
}
