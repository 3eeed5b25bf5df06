package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/kpichat/kpichat/internal/catalog"
	"github.com/kpichat/kpichat/internal/dialogue"
	"github.com/kpichat/kpichat/internal/warehouse/postgres"
)

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	defs := map[string]catalog.Definition{
		"headcount": {
			Description:      "Headcount by month",
			Table:            "kpi_headcount",
			MonthColumn:      "fiscal_month",
			SQLTemplate:      "SELECT SUM(headcount) AS value, fiscal_month FROM kpi_headcount WHERE 1=1 {conditions}",
			RequireTimeRange: true,
			ScopeColumns: map[string]string{
				"product":      "product_name",
				"organization": "org_name",
				"tools":        "serial_number",
			},
		},
		"fe_count": {
			Description:      "Field engineer count",
			Table:            "kpi_fe_count",
			MonthColumn:      "fiscal_month",
			SQLTemplate:      "SELECT SUM(fe_count) AS value, fiscal_month FROM kpi_fe_count WHERE 1=1 {conditions}",
			RequireTimeRange: true,
			ScopeColumns: map[string]string{
				"organization": "org_name",
			},
			RequiredScopes: []string{"organization"},
		},
		"su_hour_per_tool": {
			Description: "Start-up hours per tool",
			Table:       "kpi_su_hour",
			MonthColumn: "month_id",
			SQLTemplate: "SELECT SUM(su_hour) / NULLIF(COUNT(DISTINCT serial_number), 0), month_id FROM kpi_su_hour WHERE 1=1 {conditions}",
			ScopeColumns: map[string]string{
				"tools": "serial_number",
			},
		},
	}
	categories := []catalog.Category{
		{Value: "product", Label: "产品"},
		{Value: "organization", Label: "组织"},
		{Value: "tools", Label: "机台"},
	}
	c, err := catalog.New(defs, categories, nil, nil)
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return c
}

func TestBuildAggregateStatement(t *testing.T) {
	d := NewDispatcher(newTestCatalog(t), nil)

	stmt, err := d.Build(dialogue.QueryContext{
		KPI:       "headcount",
		TimeRange: "202504-202603",
		Scope: []dialogue.ScopeEntry{
			{Category: "organization", Value: "Plant-A"},
			{Category: "product", Value: "CT"},
		},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	wantSQL := "SELECT fiscal_month AS month, SUM(headcount) AS value FROM kpi_headcount WHERE 1=1" +
		" AND fiscal_month >= $1 AND fiscal_month <= $2" +
		" AND product_name = $3 AND org_name = $4" +
		" GROUP BY fiscal_month ORDER BY fiscal_month"
	if stmt.SQL != wantSQL {
		t.Fatalf("sql = %q\nwant %q", stmt.SQL, wantSQL)
	}
	// Scope predicates follow category declaration order, not turn order.
	wantArgs := []any{"202504", "202603", "CT", "Plant-A"}
	if !reflect.DeepEqual(stmt.Args, wantArgs) {
		t.Fatalf("args = %v, want %v", stmt.Args, wantArgs)
	}
}

func TestBuildAllTimeOmitsTimePredicate(t *testing.T) {
	d := NewDispatcher(newTestCatalog(t), nil)

	stmt, err := d.Build(dialogue.QueryContext{KPI: "headcount", TimeRange: "all"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	wantSQL := "SELECT fiscal_month AS month, SUM(headcount) AS value FROM kpi_headcount WHERE 1=1" +
		" GROUP BY fiscal_month ORDER BY fiscal_month"
	if stmt.SQL != wantSQL {
		t.Fatalf("sql = %q", stmt.SQL)
	}
	if len(stmt.Args) != 0 {
		t.Fatalf("args = %v", stmt.Args)
	}
}

func TestBuildNormalizesProjection(t *testing.T) {
	d := NewDispatcher(newTestCatalog(t), nil)

	// The template carries no aliases and a parenthesized aggregate; the
	// statement still answers with month and value.
	stmt, err := d.Build(dialogue.QueryContext{KPI: "su_hour_per_tool", TimeRange: "all"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	wantSQL := "SELECT month_id AS month, SUM(su_hour) / NULLIF(COUNT(DISTINCT serial_number), 0) AS value" +
		" FROM kpi_su_hour WHERE 1=1 GROUP BY month_id ORDER BY month_id"
	if stmt.SQL != wantSQL {
		t.Fatalf("sql = %q\nwant %q", stmt.SQL, wantSQL)
	}
}

func TestBuildRejectsMissingRequiredSlots(t *testing.T) {
	d := NewDispatcher(newTestCatalog(t), nil)

	if _, err := d.Build(dialogue.QueryContext{KPI: "headcount"}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("missing time range: err = %v, want ErrNotReady", err)
	}
	if _, err := d.Build(dialogue.QueryContext{KPI: "fe_count", TimeRange: "all"}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("missing required scope: err = %v, want ErrNotReady", err)
	}

	stmt, err := d.Build(dialogue.QueryContext{
		KPI:       "fe_count",
		TimeRange: "all",
		Scope:     []dialogue.ScopeEntry{{Category: "organization", Value: "Plant-A"}},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !reflect.DeepEqual(stmt.Args, []any{"Plant-A"}) {
		t.Fatalf("args = %v", stmt.Args)
	}
}

func TestBuildMultiValueScopeUsesIN(t *testing.T) {
	d := NewDispatcher(newTestCatalog(t), nil)

	stmt, err := d.Build(dialogue.QueryContext{
		KPI:       "headcount",
		TimeRange: "all",
		Scope: []dialogue.ScopeEntry{
			{Category: "tools", Value: "998877"},
			{Category: "tools", Value: "112233"},
		},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if want := " AND serial_number IN ($1, $2)"; !regexp.MustCompile(regexp.QuoteMeta(want)).MatchString(stmt.SQL) {
		t.Fatalf("sql = %q, want fragment %q", stmt.SQL, want)
	}
	if !reflect.DeepEqual(stmt.Args, []any{"998877", "112233"}) {
		t.Fatalf("args = %v", stmt.Args)
	}
}

func TestBuildRejectsBadContext(t *testing.T) {
	d := NewDispatcher(newTestCatalog(t), nil)

	if _, err := d.Build(dialogue.QueryContext{}); !errors.Is(err, ErrNoKPI) {
		t.Fatalf("err = %v", err)
	}
	if _, err := d.Build(dialogue.QueryContext{KPI: "revenue"}); err == nil {
		t.Fatal("expected unknown kpi error")
	}
	if _, err := d.Build(dialogue.QueryContext{KPI: "headcount", TimeRange: "next week"}); !errors.Is(err, ErrBadTimeRange) {
		t.Fatalf("err = %v", err)
	}
}

func TestBuildDetailSelectsAllColumns(t *testing.T) {
	d := NewDispatcher(newTestCatalog(t), nil)

	stmt, err := d.BuildDetail(dialogue.QueryContext{
		KPI:       "headcount",
		TimeRange: "202504-202509",
	})
	if err != nil {
		t.Fatalf("BuildDetail() error = %v", err)
	}
	wantSQL := "SELECT * FROM kpi_headcount WHERE 1=1" +
		" AND fiscal_month >= $1 AND fiscal_month <= $2" +
		" ORDER BY fiscal_month"
	if stmt.SQL != wantSQL {
		t.Fatalf("sql = %q", stmt.SQL)
	}
}

func TestExecuteRunsStatement(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	d := NewDispatcher(newTestCatalog(t), postgres.NewRepository(db))

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT fiscal_month AS month, SUM(headcount) AS value FROM kpi_headcount WHERE 1=1 AND fiscal_month >= $1 AND fiscal_month <= $2 GROUP BY fiscal_month ORDER BY fiscal_month")).
		WithArgs("202504", "202603").
		WillReturnRows(sqlmock.NewRows([]string{"month", "value"}).AddRow("202504", int64(42)))

	result, err := d.Execute(context.Background(), dialogue.QueryContext{
		KPI:       "headcount",
		TimeRange: "202504-202603",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0][0] != "202504" || result.Rows[0][1] != int64(42) {
		t.Fatalf("rows = %v", result.Rows)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestExecutePropagatesWarehouseError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	d := NewDispatcher(newTestCatalog(t), postgres.NewRepository(db))

	mock.ExpectQuery("SELECT").WillReturnError(sql.ErrConnDone)
	if _, err := d.Execute(context.Background(), dialogue.QueryContext{KPI: "headcount", TimeRange: "all"}); err == nil {
		t.Fatal("expected error")
	}
}
