package api

import (
	"context"
	"testing"

	"github.com/kpichat/kpichat/internal/catalog"
	"github.com/kpichat/kpichat/internal/config"
	"github.com/kpichat/kpichat/internal/dialogue"
	"github.com/kpichat/kpichat/internal/export"
	"github.com/kpichat/kpichat/internal/warehouse"
)

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func testConfig(t *testing.T, values map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load("kpichat-api", mapLookup(values))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	defs := map[string]catalog.Definition{
		"headcount": {
			Key:         "headcount",
			Description: "employee headcount",
			Keywords:    []string{"headcount"},
			Table:       "kpi_headcount",
			MonthColumn: "fiscal_month",
			SQLTemplate: "SELECT SUM(headcount) AS value, fiscal_month AS month FROM kpi_headcount WHERE 1=1 {conditions}",
			ScopeColumns: map[string]string{
				"product":      "product_name",
				"organization": "org_name",
			},
		},
	}
	categories := []catalog.Category{
		{Value: "product", Label: "产品"},
		{Value: "organization", Label: "组织"},
	}
	levels := []catalog.Level{{Label: "Workforce", KPIs: []string{"headcount"}}}
	c, err := catalog.New(defs, categories, levels, []string{"CT"})
	if err != nil {
		t.Fatalf("catalog setup failed: %v", err)
	}
	return c
}

type fakeResolver struct {
	resolution dialogue.Resolution
	err        error
	turns      []dialogue.Turn
}

func (f *fakeResolver) Resolve(_ context.Context, _ dialogue.QueryContext, turn dialogue.Turn) (dialogue.Resolution, error) {
	f.turns = append(f.turns, turn)
	if f.err != nil {
		return dialogue.Resolution{}, f.err
	}
	return f.resolution, nil
}

type fakeDispatcher struct {
	result   warehouse.QueryResult
	err      error
	contexts []dialogue.QueryContext
}

func (f *fakeDispatcher) Execute(_ context.Context, qc dialogue.QueryContext) (warehouse.QueryResult, error) {
	f.contexts = append(f.contexts, qc)
	if f.err != nil {
		return warehouse.QueryResult{}, f.err
	}
	return f.result, nil
}

type fakeExporter struct {
	download export.Download
	err      error
	contexts []dialogue.QueryContext
}

func (f *fakeExporter) Publish(_ context.Context, qc dialogue.QueryContext) (export.Download, error) {
	f.contexts = append(f.contexts, qc)
	if f.err != nil {
		return export.Download{}, f.err
	}
	return f.download, nil
}

type fakeSummarizer struct {
	summary string
	err     error
	kpis    []string
}

func (f *fakeSummarizer) Summarize(_ context.Context, kpi, _ string, _ warehouse.QueryResult) (string, error) {
	f.kpis = append(f.kpis, kpi)
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

type fakeDimensionSource struct {
	result   warehouse.DimensionResult
	err      error
	requests []warehouse.DimensionRequest
}

func (f *fakeDimensionSource) DistinctValues(_ context.Context, req warehouse.DimensionRequest) (warehouse.DimensionResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return warehouse.DimensionResult{}, f.err
	}
	return f.result, nil
}

type fakeAuditLog struct {
	entries []warehouse.UnsupportedKPIEntry
	err     error
}

func (f *fakeAuditLog) RecordUnsupportedKPI(_ context.Context, entry warehouse.UnsupportedKPIEntry) error {
	f.entries = append(f.entries, entry)
	return f.err
}
