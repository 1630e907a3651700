// Package enrich derives text-based classification signals, validates LLM
// enrichment candidates against the allowed taxonomy, and scores calibrated
// confidences. The scoring constants are fixed policy: downstream review
// queues filter on them.
package enrich

import (
	"strings"

	"github.com/weftworks/loom/internal/config"
)

// Taxonomy is the immutable allowed-value index. Built once at startup from
// configuration and injected; never re-queried per item.
type Taxonomy struct {
	categories []string
	subs       map[string][]string
	catIndex   map[string]string
	subIndex   map[string]map[string]string
}

// NewTaxonomy builds the index. Branch order is preserved; the first
// subcategory of a branch is the fallback for invalid values.
func NewTaxonomy(branches []config.TaxonomyBranch) *Taxonomy {
	t := &Taxonomy{
		subs:     make(map[string][]string),
		catIndex: make(map[string]string),
		subIndex: make(map[string]map[string]string),
	}
	for _, b := range branches {
		cat := strings.TrimSpace(b.Category)
		if cat == "" {
			continue
		}
		t.categories = append(t.categories, cat)
		t.catIndex[normalizeKey(cat)] = cat
		t.subIndex[cat] = make(map[string]string)
		for _, s := range b.Subcategories {
			sub := strings.TrimSpace(s)
			if sub == "" {
				continue
			}
			t.subs[cat] = append(t.subs[cat], sub)
			t.subIndex[cat][normalizeKey(sub)] = sub
		}
	}
	return t
}

// Categories returns the allowed categories in declaration order.
func (t *Taxonomy) Categories() []string {
	return append([]string(nil), t.categories...)
}

// Subcategories returns the allowed subcategories of a category.
func (t *Taxonomy) Subcategories(category string) []string {
	return append([]string(nil), t.subs[category]...)
}

// NormalizeCategory maps a value onto its allowed category key, tolerant of
// case, accents, and stray whitespace.
func (t *Taxonomy) NormalizeCategory(value string) (string, bool) {
	cat, ok := t.catIndex[normalizeKey(value)]
	return cat, ok
}

// NormalizeSubcategory maps a value onto an allowed subcategory of the
// given category.
func (t *Taxonomy) NormalizeSubcategory(category, value string) (string, bool) {
	idx, ok := t.subIndex[category]
	if !ok {
		return "", false
	}
	sub, ok := idx[normalizeKey(value)]
	return sub, ok
}

// FirstSubcategory returns the fallback subcategory of a category.
func (t *Taxonomy) FirstSubcategory(category string) string {
	if subs := t.subs[category]; len(subs) > 0 {
		return subs[0]
	}
	return ""
}

// Describe renders the taxonomy for the LLM prompt.
func (t *Taxonomy) Describe() string {
	var b strings.Builder
	for _, cat := range t.categories {
		b.WriteString(cat)
		b.WriteString(": ")
		b.WriteString(strings.Join(t.subs[cat], ", "))
		b.WriteString("\n")
	}
	return b.String()
}

var accentReplacer = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ä", "a", "ã", "a", "å", "a",
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"í", "i", "ì", "i", "î", "i", "ï", "i",
	"ó", "o", "ò", "o", "ô", "o", "ö", "o", "õ", "o",
	"ú", "u", "ù", "u", "û", "u", "ü", "u",
	"ñ", "n", "ç", "c", "ß", "ss",
)

// normalizeKey folds case, accents, and whitespace so "Joyería " and
// "joyeria" land on the same key.
func normalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = accentReplacer.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
