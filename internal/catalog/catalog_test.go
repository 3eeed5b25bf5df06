package catalog

import (
	"errors"
	"reflect"
	"testing"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Load("testdata/kpi.yaml")
	if err != nil {
		t.Fatalf("load test catalog: %v", err)
	}
	return c
}

func TestGetAndKeys(t *testing.T) {
	c := testCatalog(t)

	def, ok := c.Get("headcount")
	if !ok {
		t.Fatal("get headcount: not found")
	}
	if def.Table != "kpi_headcount" || def.MonthColumn != "fiscal_month" {
		t.Fatalf("unexpected definition: %+v", def)
	}

	if _, ok := c.Get("revenue"); ok {
		t.Fatal("expected miss for unknown kpi")
	}

	keys := c.Keys()
	want := []string{"fe_count", "headcount", "machine_count", "su_hour_per_tool"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
}

func TestLookup(t *testing.T) {
	c := testCatalog(t)

	if def, err := c.Lookup("headcount"); err != nil || def.Key != "headcount" {
		t.Fatalf("exact lookup: def=%+v err=%v", def, err)
	}
	if def, err := c.Lookup("MACHINE"); err != nil || def.Key != "machine_count" {
		t.Fatalf("substring lookup: def=%+v err=%v", def, err)
	}
	if _, err := c.Lookup("no such kpi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMatchKeywordPrefersLongest(t *testing.T) {
	c := testCatalog(t)

	// "head count" and "headcount" both belong to the same KPI, but the
	// matcher must not be confused by the shorter token appearing first.
	if key := c.MatchKeyword("please show the head count for FY26"); key != "headcount" {
		t.Fatalf("match = %q, want headcount", key)
	}
	if key := c.MatchKeyword("查询机台数走势"); key != "machine_count" {
		t.Fatalf("match = %q, want machine_count", key)
	}
	if key := c.MatchKeyword("tell me about revenue"); key != "" {
		t.Fatalf("expected no match, got %q", key)
	}
}

func TestScopeMetadata(t *testing.T) {
	c := testCatalog(t)

	def, ok := c.Get("machine_count")
	if !ok {
		t.Fatal("get machine_count")
	}
	// Category order in the file, not map order.
	want := []string{"product", "organization", "tools"}
	if !reflect.DeepEqual(def.AllowedScopes, want) {
		t.Fatalf("allowed scopes = %v, want %v", def.AllowedScopes, want)
	}
	if !def.AllowsScope("tools") || def.AllowsScope("region") {
		t.Fatal("AllowsScope mismatch")
	}

	fe, ok := c.Get("fe_count")
	if !ok {
		t.Fatal("get fe_count")
	}
	if !reflect.DeepEqual(fe.RequiredScopes, []string{"organization"}) {
		t.Fatalf("required scopes = %v", fe.RequiredScopes)
	}
}

func TestCategoryHelpers(t *testing.T) {
	c := testCatalog(t)

	if !c.KnownCategory("product") || c.KnownCategory("region") {
		t.Fatal("KnownCategory mismatch")
	}
	if got := c.CategoryLabel("organization"); got != "组织" {
		t.Fatalf("label = %q", got)
	}
	if got := c.CategoryLabel("region"); got != "region" {
		t.Fatalf("unknown category label = %q, want fallthrough to value", got)
	}
	if len(c.Products()) != 12 {
		t.Fatalf("products = %v", c.Products())
	}
}

func TestUIConfig(t *testing.T) {
	c := testCatalog(t)

	cfg := c.UIConfig()
	cats, ok := cfg["categories"].([]Category)
	if !ok || len(cats) != 3 {
		t.Fatalf("categories = %v", cfg["categories"])
	}
	kpis, ok := cfg["kpis"].([]map[string]any)
	if !ok || len(kpis) != 4 {
		t.Fatalf("kpis = %v", cfg["kpis"])
	}
	if kpis[0]["value"] != "fe_count" {
		t.Fatalf("first kpi = %v, want sorted order", kpis[0])
	}
}
