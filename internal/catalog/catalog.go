// Package catalog holds the KPI catalog: the validated, read-only mapping
// from KPI identifiers to their warehouse binding (table, month column,
// SQL template) and slot requirements. The catalog is loaded once at
// startup and shared by the resolver, dispatcher, and dimension source.
package catalog

import (
	"errors"
	"sort"
	"strings"
)

var ErrNotFound = errors.New("catalog: kpi not found")

// Definition describes one KPI.
type Definition struct {
	Key              string
	Description      string
	Keywords         []string
	Table            string
	MonthColumn      string
	SQLTemplate      string
	RequireTimeRange bool
	// ScopeColumns maps a scope category to its warehouse column.
	ScopeColumns map[string]string
	// AllowedScopes is ScopeColumns' key set in the catalog's category order.
	AllowedScopes []string
	// RequiredScopes are the categories that must be filled before a
	// query may run; always a subset of AllowedScopes.
	RequiredScopes []string
}

// AllowsScope reports whether the category may filter this KPI.
func (d Definition) AllowsScope(category string) bool {
	for _, allowed := range d.AllowedScopes {
		if allowed == category {
			return true
		}
	}
	return false
}

// Category is a scope dimension with its presentation label.
type Category struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Level groups KPIs for the drill-down picker UI.
type Level struct {
	Label string   `json:"label"`
	KPIs  []string `json:"kpis"`
}

type Catalog struct {
	defs       map[string]Definition
	keys       []string
	categories []Category
	levels     []Level
	products   []string
}

// Get returns the definition for an exact KPI key.
func (c *Catalog) Get(key string) (Definition, bool) {
	def, ok := c.defs[key]
	return def, ok
}

// Lookup resolves a KPI by exact key first, then by case-insensitive
// substring match against keys and descriptions. Mirrors the tolerant
// lookup the picker UI relies on.
func (c *Catalog) Lookup(name string) (Definition, error) {
	if def, ok := c.defs[name]; ok {
		return def, nil
	}
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return Definition{}, ErrNotFound
	}
	for _, key := range c.keys {
		def := c.defs[key]
		if strings.Contains(strings.ToLower(key), needle) ||
			strings.Contains(strings.ToLower(def.Description), needle) {
			return def, nil
		}
	}
	return Definition{}, ErrNotFound
}

// MatchKeyword finds the KPI whose keyword occurs in the text, preferring
// longer (more specific) keywords. Returns "" when nothing matches.
func (c *Catalog) MatchKeyword(text string) string {
	lowered := strings.ToLower(text)
	bestKey := ""
	bestLen := 0
	for _, key := range c.keys {
		for _, keyword := range c.defs[key].Keywords {
			kw := strings.ToLower(keyword)
			if len(kw) > bestLen && strings.Contains(lowered, kw) {
				bestKey = key
				bestLen = len(kw)
			}
		}
	}
	return bestKey
}

// Keys returns all KPI keys in a stable order.
func (c *Catalog) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Categories returns the scope categories in presentation order.
func (c *Catalog) Categories() []Category {
	out := make([]Category, len(c.categories))
	copy(out, c.categories)
	return out
}

// KnownCategory reports whether the category exists for any KPI.
func (c *Catalog) KnownCategory(value string) bool {
	for _, cat := range c.categories {
		if cat.Value == value {
			return true
		}
	}
	return false
}

// CategoryLabel returns the presentation label, falling back to the value.
func (c *Catalog) CategoryLabel(value string) string {
	for _, cat := range c.categories {
		if cat.Value == value {
			return cat.Label
		}
	}
	return value
}

// Products is the product vocabulary recognized in free text.
func (c *Catalog) Products() []string {
	out := make([]string, len(c.products))
	copy(out, c.products)
	return out
}

// UIConfig is the picker payload: categories, KPI levels, and per-KPI
// allowed scope categories merged in from the definitions.
func (c *Catalog) UIConfig() map[string]any {
	kpis := make([]map[string]any, 0, len(c.keys))
	for _, key := range c.keys {
		def := c.defs[key]
		kpis = append(kpis, map[string]any{
			"value":          key,
			"label":          def.Description,
			"allowed_scopes": def.AllowedScopes,
		})
	}
	return map[string]any{
		"categories": c.categories,
		"levels":     c.levels,
		"kpis":       kpis,
	}
}

func newCatalog(defs map[string]Definition, categories []Category, levels []Level, products []string) *Catalog {
	keys := make([]string, 0, len(defs))
	for key := range defs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return &Catalog{
		defs:       defs,
		keys:       keys,
		categories: categories,
		levels:     levels,
		products:   products,
	}
}
