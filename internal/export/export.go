// Package export snapshots the enriched catalog of a brand into a parquet
// file on the object store. It runs as the third pipeline kind: one item per
// brand, the processor below doing the work.
package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/weftworks/loom/internal/assets"
	"github.com/weftworks/loom/internal/catalog"
	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

const moduleName = "export"

// ProductRow is the parquet schema of one snapshot row.
type ProductRow struct {
	ProductID         string  `parquet:"name=product_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	BrandID           string  `parquet:"name=brand_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	ExternalID        string  `parquet:"name=external_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Title             string  `parquet:"name=title, type=BYTE_ARRAY, convertedtype=UTF8"`
	Vendor            string  `parquet:"name=vendor, type=BYTE_ARRAY, convertedtype=UTF8"`
	Currency          string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	Category          string  `parquet:"name=category, type=BYTE_ARRAY, convertedtype=UTF8"`
	Subcategory       string  `parquet:"name=subcategory, type=BYTE_ARRAY, convertedtype=UTF8"`
	OverallConfidence float64 `parquet:"name=overall_confidence, type=DOUBLE"`
	ReviewRequired    bool    `parquet:"name=review_required, type=BOOLEAN"`
	VariantCount      int32   `parquet:"name=variant_count, type=INT32"`
	UpdatedAtMs       int64   `parquet:"name=updated_at_ms, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// Exporter writes brand snapshots.
type Exporter struct {
	products *catalog.Upserter
	store    assets.ObjectStore
	prefix   string
}

// NewExporter creates the exporter on the shared canonical store and blob
// backend.
func NewExporter(products *catalog.Upserter, store assets.ObjectStore, prefix string) *Exporter {
	if prefix == "" {
		prefix = "exports"
	}
	return &Exporter{products: products, store: store, prefix: prefix}
}

// SnapshotBrand serializes every product of the brand and uploads the
// parquet file. Returns the durable URL and the row count.
func (e *Exporter) SnapshotBrand(ctx context.Context, brandID string) (string, int, error) {
	products, err := e.products.ListByBrand(ctx, brandID)
	if err != nil {
		return "", 0, err
	}

	var buf bytes.Buffer
	fw := writerfile.NewWriterFile(&buf)
	pw, err := writer.NewParquetWriter(fw, new(ProductRow), 2)
	if err != nil {
		return "", 0, exception.New(moduleName, "failed to create parquet writer", err, false)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range products {
		if err := pw.Write(toRow(&products[i])); err != nil {
			return "", 0, exception.New(moduleName, "failed to write parquet row", err, false)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return "", 0, exception.New(moduleName, "failed to finalize parquet file", err, false)
	}

	name := fmt.Sprintf("%s/%s/%s.parquet", e.prefix, brandID, time.Now().UTC().Format("20060102T150405"))
	if err := e.store.Upload(ctx, name, &buf, "application/vnd.apache.parquet"); err != nil {
		return "", 0, err
	}
	url := e.store.PublicURL(name)
	logger.Infof("Exported %d products of brand %s to %s.", len(products), brandID, url)
	return url, len(products), nil
}

func toRow(p *catalog.Product) *ProductRow {
	row := &ProductRow{
		ProductID:    p.ID,
		BrandID:      p.BrandID,
		ExternalID:   p.ExternalID,
		Title:        p.Title,
		Vendor:       p.Vendor,
		Currency:     p.Currency,
		VariantCount: int32(len(p.Variants)),
		UpdatedAtMs:  p.UpdatedAt.UnixMilli(),
	}
	if p.Enrichment != nil {
		row.Category = p.Enrichment.Category
		row.Subcategory = p.Enrichment.Subcategory
		row.OverallConfidence = p.Enrichment.OverallConfidence
		row.ReviewRequired = p.Enrichment.ReviewRequired
	}
	return row
}
