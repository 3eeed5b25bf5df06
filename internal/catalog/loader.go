package catalog

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type fileSchema struct {
	KPIs       map[string]kpiSchema `koanf:"kpis"`
	Categories []Category           `koanf:"categories"`
	Levels     []Level              `koanf:"levels"`
	Products   []string             `koanf:"products"`
}

type kpiSchema struct {
	Description      string            `koanf:"description"`
	Keywords         []string          `koanf:"keywords"`
	Table            string            `koanf:"table"`
	MonthColumn      string            `koanf:"month_column"`
	SQLTemplate      string            `koanf:"sql_template"`
	RequireTimeRange bool              `koanf:"require_time_range"`
	ScopeColumns     map[string]string `koanf:"scope_columns"`
	RequiredScopes   []string          `koanf:"required_scopes"`
}

// Load reads and validates the KPI catalog from a YAML file. Validation
// failures are startup errors: a malformed catalog must never reach the
// resolver.
func Load(path string) (*Catalog, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("read kpi catalog %s: %w", path, err)
	}

	var schema fileSchema
	if err := k.Unmarshal("", &schema); err != nil {
		return nil, fmt.Errorf("unmarshal kpi catalog: %w", err)
	}

	defs := make(map[string]Definition, len(schema.KPIs))
	for key, item := range schema.KPIs {
		defs[key] = Definition{
			Key:              key,
			Description:      item.Description,
			Keywords:         item.Keywords,
			Table:            item.Table,
			MonthColumn:      item.MonthColumn,
			SQLTemplate:      item.SQLTemplate,
			RequireTimeRange: item.RequireTimeRange,
			ScopeColumns:     item.ScopeColumns,
			RequiredScopes:   item.RequiredScopes,
		}
	}
	return New(defs, schema.Categories, schema.Levels, schema.Products)
}

// New validates the definitions and builds a catalog. AllowedScopes is
// derived from each definition's ScopeColumns in the declared category
// order so prompts are stable regardless of map iteration.
func New(defs map[string]Definition, categories []Category, levels []Level, products []string) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("kpi catalog defines no kpis")
	}
	if len(categories) == 0 {
		return nil, fmt.Errorf("kpi catalog defines no scope categories")
	}

	categorySet := make(map[string]struct{}, len(categories))
	for _, cat := range categories {
		if strings.TrimSpace(cat.Value) == "" {
			return nil, fmt.Errorf("scope category with empty value")
		}
		if _, dup := categorySet[cat.Value]; dup {
			return nil, fmt.Errorf("duplicate scope category %q", cat.Value)
		}
		categorySet[cat.Value] = struct{}{}
	}

	validated := make(map[string]Definition, len(defs))
	for key, def := range defs {
		normalized, err := normalizeDefinition(key, def, categories, categorySet)
		if err != nil {
			return nil, err
		}
		validated[key] = normalized
	}

	for _, level := range levels {
		for _, key := range level.KPIs {
			if _, ok := validated[key]; !ok {
				return nil, fmt.Errorf("level %q references unknown kpi %q", level.Label, key)
			}
		}
	}

	return newCatalog(validated, categories, levels, products), nil
}

func normalizeDefinition(key string, def Definition, categories []Category, categorySet map[string]struct{}) (Definition, error) {
	if strings.TrimSpace(def.Table) == "" {
		return Definition{}, fmt.Errorf("kpi %q: table is required", key)
	}
	if strings.TrimSpace(def.MonthColumn) == "" {
		return Definition{}, fmt.Errorf("kpi %q: month_column is required", key)
	}
	if strings.TrimSpace(def.SQLTemplate) == "" {
		return Definition{}, fmt.Errorf("kpi %q: sql_template is required", key)
	}
	if !strings.Contains(def.SQLTemplate, "{conditions}") {
		return Definition{}, fmt.Errorf("kpi %q: sql_template is missing the {conditions} placeholder", key)
	}

	for category := range def.ScopeColumns {
		if _, ok := categorySet[category]; !ok {
			return Definition{}, fmt.Errorf("kpi %q: scope column category %q is not a declared category", key, category)
		}
	}
	allowed := make([]string, 0, len(def.ScopeColumns))
	for _, cat := range categories {
		if _, ok := def.ScopeColumns[cat.Value]; ok {
			allowed = append(allowed, cat.Value)
		}
	}

	for _, required := range def.RequiredScopes {
		if _, ok := def.ScopeColumns[required]; !ok {
			return Definition{}, fmt.Errorf("kpi %q: required scope %q has no scope column", key, required)
		}
	}

	def.Key = key
	def.AllowedScopes = allowed
	def.RequiredScopes = append([]string(nil), def.RequiredScopes...)
	return def, nil
}
