package enrich

import (
	"fmt"
	"strings"
)

// RouteConfidence is the upstream routing confidence attached to the
// candidate before validation.
type RouteConfidence string

const (
	RouteHigh   RouteConfidence = "high"
	RouteNormal RouteConfidence = "normal"
	RouteLow    RouteConfidence = "low"
)

// Candidate is the LLM's proposed classification after schema validation.
type Candidate struct {
	Category    string   `json:"category"`
	Subcategory string   `json:"subcategory"`
	Gender      string   `json:"gender,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Materials   []string `json:"materials,omitempty"`
}

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding.
type Issue struct {
	Severity Severity
	Code     string
	Message  string
}

// Confidence carries the three calibrated scores, each clamped to [0, 1].
type Confidence struct {
	Category    float64
	Subcategory float64
	Overall     float64
}

// Result is the validator's outcome.
type Result struct {
	Enriched       Candidate
	Issues         []Issue
	AutoFixes      []string
	ReviewRequired bool
	ReviewReasons  []string
	Confidence     Confidence
}

// Confidence policy. Fixed constants; review queues filter on the resulting
// scores (overall < 0.70 typically routes to manual review).
const (
	baseCategoryConfidence    = 0.75
	baseSubcategoryConfidence = 0.72
	baseOverallConfidence     = 0.78

	errorPenaltyCategory    = 0.14
	errorPenaltySubcategory = 0.12
	errorPenaltyOverall     = 0.16

	warningPenaltyCategory    = 0.04
	warningPenaltySubcategory = 0.04
	warningPenaltyOverall     = 0.05

	strongBonusCategory    = 0.10
	strongBonusSubcategory = 0.05
	strongBonusOverall     = 0.08

	moderateBonusCategory    = 0.05
	moderateBonusSubcategory = 0.03
	moderateBonusOverall     = 0.04

	hintAgreementBonus        = 0.06
	hintAgreementBonusOverall = 0.03
	materialOverlapBonus      = 0.04
	autoFixPenalty            = 0.05

	materialCap = 3

	jewelryCategory = "jewelry"
)

// ValidateAndAutofix reconciles the candidate against the harvested signals
// and the allowed taxonomy, auto-correcting where the policy allows and
// scoring confidence.
func ValidateAndAutofix(signals HarvestedSignals, candidate Candidate, taxonomy *Taxonomy, route RouteConfidence) Result {
	r := Result{Enriched: candidate}

	harvestedCat, harvestedCatValid := taxonomy.NormalizeCategory(signals.Category)

	// category normalization
	category, ok := taxonomy.NormalizeCategory(candidate.Category)
	if !ok {
		r.addIssue(SeverityError, "invalid_category",
			fmt.Sprintf("category %q is not in the allowed taxonomy", candidate.Category))
		switch {
		case harvestedCatValid:
			category = harvestedCat
			r.autoFix(fmt.Sprintf("category %q replaced with harvested %q", candidate.Category, harvestedCat))
		case len(taxonomy.Categories()) > 0:
			category = taxonomy.Categories()[0]
			r.autoFix(fmt.Sprintf("category %q replaced with fallback %q", candidate.Category, category))
		}
	}

	// strong lexical evidence outranks the model for category
	strongEvidence := signals.Strength == SignalStrong || route == RouteHigh
	if strongEvidence && harvestedCatValid && harvestedCat != category {
		category = harvestedCat
		r.autoFix(fmt.Sprintf("category overridden to harvested %q on strong signal", harvestedCat))
	} else if strongEvidence && signals.Category != "" && !harvestedCatValid {
		normalizedCandidate, _ := taxonomy.NormalizeCategory(candidate.Category)
		if normalizeKey(signals.Category) != normalizeKey(normalizedCandidate) {
			r.addIssue(SeverityError, "signal_mismatch",
				fmt.Sprintf("strong signal proposes %q which is outside the taxonomy", signals.Category))
		}
	}
	r.Enriched.Category = category

	// subcategory: exact allowed match or fallback, never a strong override
	subcategory, ok := taxonomy.NormalizeSubcategory(category, candidate.Subcategory)
	if !ok {
		r.addIssue(SeverityWarning, "invalid_subcategory",
			fmt.Sprintf("subcategory %q is not allowed under %q", candidate.Subcategory, category))
		subcategory = taxonomy.FirstSubcategory(category)
		r.autoFix(fmt.Sprintf("subcategory %q replaced with fallback %q", candidate.Subcategory, subcategory))
	}
	if strongEvidence && signals.Subcategory != "" {
		if harvestedSub, exact := taxonomy.NormalizeSubcategory(category, signals.Subcategory); exact && harvestedSub != subcategory {
			subcategory = harvestedSub
			r.autoFix(fmt.Sprintf("subcategory overridden to harvested %q on exact allowed match", harvestedSub))
		}
	}
	r.Enriched.Subcategory = subcategory

	// materials: set-overlap reconciliation, cap, jewelry textile rule
	materials, overlap := reconcileMaterials(&r, candidate.Materials, signals.Materials)
	if category == jewelryCategory {
		materials = applyJewelryMaterialRule(&r, materials, signals.Materials)
	}
	r.Enriched.Materials = materials

	if len(signals.Conflicts) > 0 {
		r.addIssue(SeverityWarning, "conflicting_signals",
			"unresolved conflicting signals: "+strings.Join(signals.Conflicts, "; "))
	}

	if r.Enriched.Gender == "" && signals.Gender != "" {
		r.Enriched.Gender = signals.Gender
	}

	r.Confidence = scoreConfidence(&r, signals, harvestedCat, overlap)

	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			r.ReviewRequired = true
			r.ReviewReasons = append(r.ReviewReasons, issue.Message)
		}
	}
	return r
}

func (r *Result) addIssue(severity Severity, code, message string) {
	r.Issues = append(r.Issues, Issue{Severity: severity, Code: code, Message: message})
}

func (r *Result) autoFix(message string) {
	r.AutoFixes = append(r.AutoFixes, message)
}

// reconcileMaterials applies the set-overlap rule and the cap. Returns the
// final list and whether candidate and harvested materials overlapped.
func reconcileMaterials(r *Result, candidate, harvested []string) ([]string, bool) {
	cset := make(map[string]bool, len(candidate))
	for _, m := range candidate {
		cset[normalizeKey(m)] = true
	}
	overlap := false
	for _, m := range harvested {
		if cset[normalizeKey(m)] {
			overlap = true
			break
		}
	}

	materials := append([]string(nil), candidate...)
	if len(candidate) > 0 && len(harvested) > 0 && !overlap {
		r.addIssue(SeverityWarning, "material_disagreement",
			fmt.Sprintf("model materials %v share nothing with harvested %v", candidate, harvested))
		materials = append(append([]string(nil), harvested...), candidate...)
		r.autoFix("harvested materials prepended after zero overlap")
	} else if len(candidate) == 0 && len(harvested) > 0 {
		materials = append([]string(nil), harvested...)
	}

	materials = dedupeNormalized(materials)
	if len(materials) > materialCap {
		materials = materials[:materialCap]
	}
	return materials, overlap
}

// applyJewelryMaterialRule strips textile-only materials from jewelry items
// and substitutes a metal inferred from signals when one exists.
func applyJewelryMaterialRule(r *Result, materials, harvested []string) []string {
	var kept []string
	stripped := false
	for _, m := range materials {
		if textileMaterials[normalizeKey(m)] {
			stripped = true
			continue
		}
		kept = append(kept, m)
	}
	if !stripped {
		return materials
	}

	substitute := ""
	for _, m := range harvested {
		if metalMaterials[normalizeKey(m)] {
			substitute = normalizeKey(m)
			break
		}
	}
	if substitute != "" && !containsNormalized(kept, substitute) {
		kept = append(kept, substitute)
		r.autoFix(fmt.Sprintf("textile materials stripped from jewelry item, substituted %q", substitute))
	} else {
		r.autoFix("textile materials stripped from jewelry item")
	}
	if len(kept) > materialCap {
		kept = kept[:materialCap]
	}
	return kept
}

// scoreConfidence applies the additive policy: bases, signal bonuses, hint
// agreement, material overlap, auto-fix penalty, then per-issue penalties,
// clamped to [0, 1].
func scoreConfidence(r *Result, signals HarvestedSignals, harvestedCat string, materialOverlap bool) Confidence {
	c := Confidence{
		Category:    baseCategoryConfidence,
		Subcategory: baseSubcategoryConfidence,
		Overall:     baseOverallConfidence,
	}

	switch signals.Strength {
	case SignalStrong:
		c.Category += strongBonusCategory
		c.Subcategory += strongBonusSubcategory
		c.Overall += strongBonusOverall
	case SignalModerate:
		c.Category += moderateBonusCategory
		c.Subcategory += moderateBonusSubcategory
		c.Overall += moderateBonusOverall
	}

	if harvestedCat != "" && r.Enriched.Category == harvestedCat {
		c.Category += hintAgreementBonus
		c.Overall += hintAgreementBonusOverall
	}
	if signals.Subcategory != "" && normalizeKey(r.Enriched.Subcategory) == normalizeKey(signals.Subcategory) {
		c.Subcategory += hintAgreementBonus
		c.Overall += hintAgreementBonusOverall
	}
	if materialOverlap {
		c.Overall += materialOverlapBonus
	}
	if len(r.AutoFixes) > 0 {
		c.Category -= autoFixPenalty
		c.Subcategory -= autoFixPenalty
		c.Overall -= autoFixPenalty
	}

	for _, issue := range r.Issues {
		switch issue.Severity {
		case SeverityError:
			c.Category -= errorPenaltyCategory
			c.Subcategory -= errorPenaltySubcategory
			c.Overall -= errorPenaltyOverall
		case SeverityWarning:
			c.Category -= warningPenaltyCategory
			c.Subcategory -= warningPenaltySubcategory
			c.Overall -= warningPenaltyOverall
		}
	}

	c.Category = clamp01(c.Category)
	c.Subcategory = clamp01(c.Subcategory)
	c.Overall = clamp01(c.Overall)
	return c
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func dedupeNormalized(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		key := normalizeKey(v)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

func containsNormalized(in []string, value string) bool {
	for _, v := range in {
		if normalizeKey(v) == normalizeKey(value) {
			return true
		}
	}
	return false
}
