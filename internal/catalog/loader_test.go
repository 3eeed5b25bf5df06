package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeCatalogFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kpi.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadValidCatalog(t *testing.T) {
	c, err := Load("testdata/kpi.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(c.Keys()); got != 4 {
		t.Fatalf("kpi count = %d", got)
	}
	def, ok := c.Get("su_hour_per_tool")
	if !ok {
		t.Fatal("su_hour_per_tool missing")
	}
	if !strings.Contains(def.SQLTemplate, "{conditions}") {
		t.Fatalf("template lost placeholder: %q", def.SQLTemplate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRejectsBadCatalogs(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "no kpis",
			body: "categories:\n  - value: product\n    label: Product\nkpis: {}\n",
			want: "no kpis",
		},
		{
			name: "no categories",
			body: "kpis:\n  headcount:\n    table: t\n    month_column: m\n    sql_template: \"SELECT 1 {conditions}\"\n",
			want: "no scope categories",
		},
		{
			name: "missing table",
			body: "categories:\n  - value: product\n    label: Product\nkpis:\n  headcount:\n    month_column: m\n    sql_template: \"SELECT 1 {conditions}\"\n",
			want: "table is required",
		},
		{
			name: "missing placeholder",
			body: "categories:\n  - value: product\n    label: Product\nkpis:\n  headcount:\n    table: t\n    month_column: m\n    sql_template: \"SELECT 1\"\n",
			want: "{conditions}",
		},
		{
			name: "undeclared scope category",
			body: "categories:\n  - value: product\n    label: Product\nkpis:\n  headcount:\n    table: t\n    month_column: m\n    sql_template: \"SELECT 1 {conditions}\"\n    scope_columns:\n      region: region_name\n",
			want: "not a declared category",
		},
		{
			name: "required without column",
			body: "categories:\n  - value: product\n    label: Product\nkpis:\n  headcount:\n    table: t\n    month_column: m\n    sql_template: \"SELECT 1 {conditions}\"\n    required_scopes: [product]\n",
			want: "no scope column",
		},
		{
			name: "level references unknown kpi",
			body: "categories:\n  - value: product\n    label: Product\nlevels:\n  - label: L\n    kpis: [revenue]\nkpis:\n  headcount:\n    table: t\n    month_column: m\n    sql_template: \"SELECT 1 {conditions}\"\n",
			want: "unknown kpi",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeCatalogFile(t, tc.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want substring %q", err, tc.want)
			}
		})
	}
}
