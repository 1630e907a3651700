package enrich

import (
	"regexp"
	"strings"
)

// SignalStrength classifies how much lexical evidence backs the harvested
// hints.
type SignalStrength string

const (
	SignalStrong   SignalStrength = "strong"
	SignalModerate SignalStrength = "moderate"
	SignalWeak     SignalStrength = "weak"
)

// SignalInput is the product text the harvester reads.
type SignalInput struct {
	Title       string
	Description string
	Vendor      string
	Tags        []string
	SEOTitle    string
	SEODesc     string
}

// HarvestedSignals are the text-derived hints consumed by the validator
// within a single enrichment attempt. Never persisted.
type HarvestedSignals struct {
	Category    string
	Subcategory string
	Gender      string
	Materials   []string
	Strength    SignalStrength
	Conflicts   []string
}

// categoryRule maps keywords onto a category/subcategory hint. Rules are
// evaluated in order; the first rule whose keyword hits the title decides
// the category, otherwise the rule with the most hits overall wins.
type categoryRule struct {
	category    string
	subcategory string
	keywords    []string
}

var categoryRules = []categoryRule{
	{"jewelry", "rings", []string{"ring", "anillo", "bague"}},
	{"jewelry", "necklaces", []string{"necklace", "pendant", "collar", "chain"}},
	{"jewelry", "earrings", []string{"earring", "stud", "hoop", "pendiente"}},
	{"jewelry", "bracelets", []string{"bracelet", "bangle", "pulsera"}},
	{"apparel", "shirts", []string{"shirt", "blouse", "tee", "t-shirt", "camisa"}},
	{"apparel", "dresses", []string{"dress", "gown", "vestido"}},
	{"apparel", "knitwear", []string{"sweater", "cardigan", "jumper", "knit"}},
	{"apparel", "trousers", []string{"trousers", "pants", "jeans", "chino"}},
	{"apparel", "outerwear", []string{"jacket", "coat", "parka", "blazer"}},
	{"accessories", "scarves", []string{"scarf", "shawl", "bandana"}},
	{"accessories", "bags", []string{"bag", "tote", "backpack", "clutch"}},
	{"accessories", "belts", []string{"belt"}},
	{"accessories", "hats", []string{"hat", "cap", "beanie"}},
	{"footwear", "shoes", []string{"shoe", "sneaker", "loafer", "sandal", "boot"}},
	{"home", "ceramics", []string{"mug", "vase", "bowl", "plate", "ceramic"}},
	{"home", "textiles", []string{"cushion", "blanket", "throw", "towel"}},
}

// knownMaterials is the harvest vocabulary; textileMaterials is the subset
// stripped from jewelry items; metalMaterials are the substitutes.
var (
	knownMaterials = []string{
		"cotton", "denim", "linen", "silk", "wool", "leather", "suede",
		"gold", "silver", "brass", "copper", "bronze", "platinum", "steel", "titanium",
		"ceramic", "glass", "wood", "bamboo", "cashmere", "polyester", "nylon",
	}
	textileMaterials = map[string]bool{
		"cotton": true, "denim": true, "linen": true, "silk": true, "wool": true,
	}
	metalMaterials = map[string]bool{
		"gold": true, "silver": true, "brass": true, "copper": true,
		"bronze": true, "platinum": true, "steel": true, "titanium": true,
	}
)

var (
	womenPattern = regexp.MustCompile(`\b(women|women's|womens|woman|ladies|femme|her|mujer)\b`)
	menPattern   = regexp.MustCompile(`\b(men|men's|mens|man|homme|his|hombre)\b`)
	unisexWord   = regexp.MustCompile(`\bunisex\b`)
)

// HarvestProductSignals runs the deterministic keyword pass over the
// product text and proposes category, gender, and material hints with a
// strength classification.
func HarvestProductSignals(in SignalInput) HarvestedSignals {
	title := normalizeKey(in.Title)
	body := normalizeKey(strings.Join([]string{
		in.Description, in.Vendor, strings.Join(in.Tags, " "), in.SEOTitle, in.SEODesc,
	}, " "))
	all := title + " " + body

	signals := HarvestedSignals{Strength: SignalWeak}

	bestHits := 0
	titleDecided := false
	for _, rule := range categoryRules {
		hits := 0
		inTitle := false
		for _, kw := range rule.keywords {
			if containsWord(title, kw) {
				inTitle = true
				hits += 2
			}
			if containsWord(body, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		if signals.Category != "" && signals.Category != rule.category {
			signals.Conflicts = append(signals.Conflicts,
				"category hints disagree: "+signals.Category+" vs "+rule.category)
		}
		switch {
		case inTitle && !titleDecided:
			signals.Category = rule.category
			signals.Subcategory = rule.subcategory
			bestHits = hits
			titleDecided = true
		case !titleDecided && hits > bestHits:
			signals.Category = rule.category
			signals.Subcategory = rule.subcategory
			bestHits = hits
		}
	}

	for _, m := range knownMaterials {
		if containsWord(all, m) {
			signals.Materials = append(signals.Materials, m)
		}
	}

	women := womenPattern.MatchString(all)
	men := menPattern.MatchString(all)
	switch {
	case unisexWord.MatchString(all):
		signals.Gender = "unisex"
	case women && men:
		signals.Gender = "unisex"
		signals.Conflicts = append(signals.Conflicts, "gender hints disagree: women vs men")
	case women:
		signals.Gender = "women"
	case men:
		signals.Gender = "men"
	}

	switch {
	case titleDecided && len(signals.Conflicts) == 0:
		signals.Strength = SignalStrong
	case signals.Category != "":
		signals.Strength = SignalModerate
	}
	return signals
}

func containsWord(haystack, word string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(haystack[start-1])
		afterOK := end == len(haystack) || !isWordChar(haystack[end])
		// allow plural forms ("rings", "earrings")
		if afterOK || (end < len(haystack) && haystack[end] == 's' &&
			(end+1 == len(haystack) || !isWordChar(haystack[end+1]))) {
			if beforeOK {
				return true
			}
		}
		idx = end
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}
