package export

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/reader"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/weftworks/loom/internal/assets"
	"github.com/weftworks/loom/internal/catalog"
	"github.com/weftworks/loom/internal/platform"
)

func seedCatalog(t *testing.T) *catalog.Upserter {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&catalog.Product{}, &catalog.Variant{}))

	u := catalog.NewUpserter(db)
	ctx := context.Background()

	product, _, err := u.UpsertRaw(ctx, "brand-1", &platform.RawProduct{
		ExternalID: "101",
		SourceURL:  "https://shop.example.com/products/ring",
		Title:      "Silver Ring",
		Vendor:     "Atelier Norte",
		Currency:   "EUR",
		Variants:   []platform.RawVariant{{SKU: "RING-6", Price: "59.00", Available: true}},
	})
	require.NoError(t, err)
	require.NoError(t, u.SetEnrichment(ctx, product.ID, catalog.Enrichment{
		Category:          "jewelry",
		Subcategory:       "rings",
		OverallConfidence: 0.84,
	}))

	_, _, err = u.UpsertRaw(ctx, "brand-1", &platform.RawProduct{
		ExternalID: "102",
		SourceURL:  "https://shop.example.com/products/scarf",
		Title:      "Silk Scarf",
		Currency:   "EUR",
		Variants:   []platform.RawVariant{{SKU: "SCARF-1", Price: "29.00", Available: true}},
	})
	require.NoError(t, err)
	return u
}

func TestSnapshotBrand_WritesReadableParquet(t *testing.T) {
	u := seedCatalog(t)
	store := assets.NewMemoryStore()
	e := NewExporter(u, store, "exports")

	url, count, err := e.SnapshotBrand(context.Background(), "brand-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Contains(t, url, "exports/brand-1/")

	names := store.Names()
	require.Len(t, names, 1)
	raw, ok := store.Get(names[0])
	require.True(t, ok)

	fr := buffer.NewBufferFileFromBytes(raw)
	pr, err := reader.NewParquetReader(fr, new(ProductRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	require.Equal(t, int64(2), pr.GetNumRows())
	rows := make([]ProductRow, 2)
	require.NoError(t, pr.Read(&rows))

	byExternal := map[string]ProductRow{}
	for _, r := range rows {
		byExternal[r.ExternalID] = r
	}
	assert.Equal(t, "jewelry", byExternal["101"].Category)
	assert.Equal(t, 0.84, byExternal["101"].OverallConfidence)
	assert.Equal(t, int32(1), byExternal["101"].VariantCount)
	// not yet enriched, category stays empty
	assert.Empty(t, byExternal["102"].Category)
}

func TestSnapshotBrand_EmptyBrandWritesEmptyFile(t *testing.T) {
	u := seedCatalog(t)
	store := assets.NewMemoryStore()
	e := NewExporter(u, store, "")

	_, count, err := e.SnapshotBrand(context.Background(), "brand-2")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Len(t, store.Names(), 1)
}
