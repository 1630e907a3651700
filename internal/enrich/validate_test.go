package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/internal/config"
)

func testTaxonomy() *Taxonomy {
	return NewTaxonomy([]config.TaxonomyBranch{
		{Category: "jewelry", Subcategories: []string{"rings", "necklaces", "earrings", "bracelets"}},
		{Category: "apparel", Subcategories: []string{"shirts", "dresses", "knitwear", "trousers", "outerwear"}},
		{Category: "accessories", Subcategories: []string{"scarves", "bags", "belts", "hats"}},
	})
}

func TestValidate_StrongSignalOverridesCategoryNotSubcategory(t *testing.T) {
	taxonomy := testTaxonomy()
	signals := HarvestedSignals{
		Category:    "jewelry",
		Subcategory: "necklaces",
		Strength:    SignalStrong,
	}
	candidate := Candidate{Category: "apparel", Subcategory: "shirts"}

	r := ValidateAndAutofix(signals, candidate, taxonomy, RouteNormal)

	assert.Equal(t, "jewelry", r.Enriched.Category)
	assert.NotEmpty(t, r.AutoFixes)
	// subcategory followed the harvested hint only because it is an exact
	// allowed value under the corrected category
	assert.Equal(t, "necklaces", r.Enriched.Subcategory)
}

func TestValidate_WeakSignalPreservesValidCandidate(t *testing.T) {
	taxonomy := testTaxonomy()
	signals := HarvestedSignals{Category: "jewelry", Strength: SignalWeak}
	candidate := Candidate{Category: "apparel", Subcategory: "shirts"}

	r := ValidateAndAutofix(signals, candidate, taxonomy, RouteNormal)

	assert.Equal(t, "apparel", r.Enriched.Category)
	assert.Equal(t, "shirts", r.Enriched.Subcategory)
	assert.Empty(t, r.AutoFixes)
	assert.False(t, r.ReviewRequired)
}

func TestValidate_HighRouteConfidenceActsLikeStrongSignal(t *testing.T) {
	taxonomy := testTaxonomy()
	signals := HarvestedSignals{Category: "jewelry", Subcategory: "rings", Strength: SignalWeak}
	candidate := Candidate{Category: "apparel", Subcategory: "shirts"}

	r := ValidateAndAutofix(signals, candidate, taxonomy, RouteHigh)
	assert.Equal(t, "jewelry", r.Enriched.Category)
}

func TestValidate_NormalizationIsAccentAndCaseTolerant(t *testing.T) {
	taxonomy := NewTaxonomy([]config.TaxonomyBranch{
		{Category: "Joyería", Subcategories: []string{"Anillos", "Collares"}},
	})
	candidate := Candidate{Category: "  joyeria ", Subcategory: "ANILLOS"}

	r := ValidateAndAutofix(HarvestedSignals{Strength: SignalWeak}, candidate, taxonomy, RouteNormal)

	assert.Equal(t, "Joyería", r.Enriched.Category)
	assert.Equal(t, "Anillos", r.Enriched.Subcategory)
	assert.Empty(t, r.Issues)
}

func TestValidate_InvalidSubcategoryFallsBackToFirstAllowed(t *testing.T) {
	taxonomy := testTaxonomy()
	candidate := Candidate{Category: "jewelry", Subcategory: "watches"}

	r := ValidateAndAutofix(HarvestedSignals{Strength: SignalWeak}, candidate, taxonomy, RouteNormal)

	assert.Equal(t, "rings", r.Enriched.Subcategory)
	require.Len(t, r.Issues, 1)
	assert.Equal(t, SeverityWarning, r.Issues[0].Severity)
	assert.NotEmpty(t, r.AutoFixes)
	assert.False(t, r.ReviewRequired)
}

func TestValidate_InvalidCategoryIsErrorAndRequiresReview(t *testing.T) {
	taxonomy := testTaxonomy()
	candidate := Candidate{Category: "gadgets", Subcategory: "rings"}

	r := ValidateAndAutofix(HarvestedSignals{Strength: SignalWeak}, candidate, taxonomy, RouteNormal)

	assert.Equal(t, "jewelry", r.Enriched.Category) // declaration-order fallback
	assert.True(t, r.ReviewRequired)
	assert.NotEmpty(t, r.ReviewReasons)
}

func TestValidate_MaterialZeroOverlapPrependsHarvestedAndCaps(t *testing.T) {
	taxonomy := testTaxonomy()
	signals := HarvestedSignals{Materials: []string{"leather", "suede"}, Strength: SignalWeak}
	candidate := Candidate{Category: "accessories", Subcategory: "bags",
		Materials: []string{"polyester", "nylon"}}

	r := ValidateAndAutofix(signals, candidate, taxonomy, RouteNormal)

	require.Len(t, r.Enriched.Materials, materialCap)
	assert.Equal(t, []string{"leather", "suede", "polyester"}, r.Enriched.Materials)
	found := false
	for _, i := range r.Issues {
		if i.Code == "material_disagreement" {
			found = true
			assert.Equal(t, SeverityWarning, i.Severity)
		}
	}
	assert.True(t, found)
}

func TestValidate_JewelryStripsTextilesAndSubstitutesMetal(t *testing.T) {
	taxonomy := testTaxonomy()
	signals := HarvestedSignals{Category: "jewelry", Materials: []string{"silver", "cotton"}, Strength: SignalStrong}
	candidate := Candidate{Category: "jewelry", Subcategory: "rings",
		Materials: []string{"cotton", "silk"}}

	r := ValidateAndAutofix(signals, candidate, taxonomy, RouteNormal)

	assert.Equal(t, []string{"silver"}, r.Enriched.Materials)
}

func TestValidate_ConflictingSignalsAreAWarning(t *testing.T) {
	taxonomy := testTaxonomy()
	signals := HarvestedSignals{
		Category:  "jewelry",
		Strength:  SignalModerate,
		Conflicts: []string{"category hints disagree: jewelry vs apparel"},
	}
	candidate := Candidate{Category: "jewelry", Subcategory: "rings"}

	r := ValidateAndAutofix(signals, candidate, taxonomy, RouteNormal)

	require.Len(t, r.Issues, 1)
	assert.Equal(t, "conflicting_signals", r.Issues[0].Code)
	assert.False(t, r.ReviewRequired)
}

func TestConfidence_ErrorPenaltyIsExact(t *testing.T) {
	signals := HarvestedSignals{Strength: SignalWeak}
	base := &Result{Enriched: Candidate{Category: "apparel", Subcategory: "shirts"}}
	clean := scoreConfidence(base, signals, "", false)

	withError := &Result{Enriched: base.Enriched}
	withError.addIssue(SeverityError, "invalid_category", "x")
	scored := scoreConfidence(withError, signals, "", false)

	assert.InDelta(t, clean.Overall-errorPenaltyOverall, scored.Overall, 1e-9)
	assert.InDelta(t, clean.Category-errorPenaltyCategory, scored.Category, 1e-9)
	assert.InDelta(t, clean.Subcategory-errorPenaltySubcategory, scored.Subcategory, 1e-9)
}

func TestConfidence_WarningPenaltyIsExact(t *testing.T) {
	signals := HarvestedSignals{Strength: SignalWeak}
	base := &Result{Enriched: Candidate{Category: "apparel", Subcategory: "shirts"}}
	clean := scoreConfidence(base, signals, "", false)

	withWarning := &Result{Enriched: base.Enriched}
	withWarning.addIssue(SeverityWarning, "material_disagreement", "x")
	scored := scoreConfidence(withWarning, signals, "", false)

	assert.InDelta(t, clean.Overall-warningPenaltyOverall, scored.Overall, 1e-9)
}

func TestConfidence_PenaltiesAccumulateAndClampAtZero(t *testing.T) {
	signals := HarvestedSignals{Strength: SignalWeak}
	r := &Result{}
	for i := 0; i < 10; i++ {
		r.addIssue(SeverityError, "invalid_category", "x")
	}
	scored := scoreConfidence(r, signals, "", false)
	assert.Equal(t, 0.0, scored.Overall)
	assert.Equal(t, 0.0, scored.Category)
	assert.Equal(t, 0.0, scored.Subcategory)
}

func TestConfidence_BasesWithoutAnyAdjustment(t *testing.T) {
	scored := scoreConfidence(&Result{}, HarvestedSignals{Strength: SignalWeak}, "", false)
	assert.Equal(t, baseCategoryConfidence, scored.Category)
	assert.Equal(t, baseSubcategoryConfidence, scored.Subcategory)
	assert.Equal(t, baseOverallConfidence, scored.Overall)
}

func TestValidate_GenderBackfilledFromSignals(t *testing.T) {
	taxonomy := testTaxonomy()
	r := ValidateAndAutofix(
		HarvestedSignals{Gender: "women", Strength: SignalWeak},
		Candidate{Category: "apparel", Subcategory: "dresses"},
		taxonomy, RouteNormal)
	assert.Equal(t, "women", r.Enriched.Gender)
}
