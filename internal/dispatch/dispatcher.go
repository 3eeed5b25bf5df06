// Package dispatch turns a completed query context into parameterized
// SQL and runs it. Filter values never reach the statement text; they
// travel as bind parameters.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kpichat/kpichat/internal/catalog"
	"github.com/kpichat/kpichat/internal/dialogue"
	"github.com/kpichat/kpichat/internal/timerange"
	"github.com/kpichat/kpichat/internal/warehouse"
)

var (
	ErrNoKPI        = errors.New("dispatch: context names no kpi")
	ErrBadTimeRange = errors.New("dispatch: time range is not queryable")
	ErrNotReady     = errors.New("dispatch: context is missing a required slot")
)

var (
	canonicalRange = regexp.MustCompile(`^(\d{6})-(\d{6})$`)
	selectClause   = regexp.MustCompile(`(?is)^\s*SELECT\b.*?\bFROM\b`)
	selectList     = regexp.MustCompile(`(?is)^\s*SELECT\b(.*?)\bFROM\b`)
	trailingAlias  = regexp.MustCompile(`(?i)\s+AS\s+[A-Za-z0-9_]+\s*$`)
)

const conditionsPlaceholder = "{conditions}"

// Statement is a ready-to-run query with its bind parameters.
type Statement struct {
	SQL  string
	Args []any
}

// Dispatcher builds and executes KPI queries against the warehouse.
type Dispatcher struct {
	catalog *catalog.Catalog
	exec    warehouse.Executor
}

func NewDispatcher(c *catalog.Catalog, exec warehouse.Executor) *Dispatcher {
	return &Dispatcher{catalog: c, exec: exec}
}

// Build renders the aggregate trend statement: the KPI's template with
// the context's filters spliced in, grouped and ordered by month. The
// projection is rewritten so every KPI answers with the same two
// columns, month and value, whatever the template calls them.
func (d *Dispatcher) Build(qc dialogue.QueryContext) (Statement, error) {
	def, conditions, args, err := d.conditions(qc)
	if err != nil {
		return Statement{}, err
	}

	sql, err := rewriteProjection(def.SQLTemplate, def.MonthColumn)
	if err != nil {
		return Statement{}, err
	}
	sql = strings.Replace(sql, conditionsPlaceholder, conditions, 1)
	sql += fmt.Sprintf(" GROUP BY %s ORDER BY %s", def.MonthColumn, def.MonthColumn)
	return Statement{SQL: sql, Args: args}, nil
}

// rewriteProjection replaces the template's SELECT list with
// "month_col AS month, first_expression AS value". The first expression
// carries the KPI's aggregate by catalog convention.
func rewriteProjection(template, monthColumn string) (string, error) {
	m := selectList.FindStringSubmatchIndex(template)
	if m == nil {
		return "", fmt.Errorf("dispatch: template has no SELECT list")
	}
	expr := trailingAlias.ReplaceAllString(strings.TrimSpace(firstExpression(template[m[2]:m[3]])), "")
	if expr == "" {
		return "", fmt.Errorf("dispatch: template SELECT list is empty")
	}
	return fmt.Sprintf("SELECT %s AS month, %s AS value FROM%s", monthColumn, expr, template[m[1]:]), nil
}

// firstExpression cuts the select list at the first comma outside
// parentheses, so aggregates like SUM(a + b) survive intact.
func firstExpression(list string) string {
	depth := 0
	for i, r := range list {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				return list[:i]
			}
		}
	}
	return list
}

// BuildDetail renders the row-level statement backing CSV downloads: the
// same filters, but every column and no aggregation.
func (d *Dispatcher) BuildDetail(qc dialogue.QueryContext) (Statement, error) {
	def, conditions, args, err := d.conditions(qc)
	if err != nil {
		return Statement{}, err
	}

	detail := selectClause.ReplaceAllString(def.SQLTemplate, "SELECT * FROM")
	sql := strings.Replace(detail, conditionsPlaceholder, conditions, 1)
	sql += fmt.Sprintf(" ORDER BY %s", def.MonthColumn)
	return Statement{SQL: sql, Args: args}, nil
}

func (d *Dispatcher) Execute(ctx context.Context, qc dialogue.QueryContext) (warehouse.QueryResult, error) {
	stmt, err := d.Build(qc)
	if err != nil {
		return warehouse.QueryResult{}, err
	}
	return d.exec.Query(ctx, stmt.SQL, stmt.Args)
}

func (d *Dispatcher) ExecuteDetail(ctx context.Context, qc dialogue.QueryContext) (warehouse.QueryResult, error) {
	stmt, err := d.BuildDetail(qc)
	if err != nil {
		return warehouse.QueryResult{}, err
	}
	return d.exec.Query(ctx, stmt.SQL, stmt.Args)
}

// conditions builds the " AND ..." filter fragment shared by both
// statement shapes. The all sentinel contributes no time predicate.
func (d *Dispatcher) conditions(qc dialogue.QueryContext) (catalog.Definition, string, []any, error) {
	if qc.KPI == "" {
		return catalog.Definition{}, "", nil, ErrNoKPI
	}
	def, ok := d.catalog.Get(qc.KPI)
	if !ok {
		return catalog.Definition{}, "", nil, fmt.Errorf("dispatch: unknown kpi %q", qc.KPI)
	}
	if def.RequireTimeRange && qc.TimeRange == "" {
		return catalog.Definition{}, "", nil, fmt.Errorf("%w: kpi %q needs a time range", ErrNotReady, qc.KPI)
	}
	for _, category := range def.RequiredScopes {
		if !qc.HasScope(category) {
			return catalog.Definition{}, "", nil, fmt.Errorf("%w: kpi %q needs scope %q", ErrNotReady, qc.KPI, category)
		}
	}

	var sb strings.Builder
	args := make([]any, 0, 2+len(qc.Scope))

	if qc.TimeRange != "" && qc.TimeRange != timerange.All {
		m := canonicalRange.FindStringSubmatch(qc.TimeRange)
		if m == nil {
			return catalog.Definition{}, "", nil, fmt.Errorf("%w: %q", ErrBadTimeRange, qc.TimeRange)
		}
		args = append(args, m[1])
		fmt.Fprintf(&sb, " AND %s >= $%d", def.MonthColumn, len(args))
		args = append(args, m[2])
		fmt.Fprintf(&sb, " AND %s <= $%d", def.MonthColumn, len(args))
	}

	for _, category := range def.AllowedScopes {
		values := qc.ScopeValues(category)
		if len(values) == 0 {
			continue
		}
		column := def.ScopeColumns[category]
		if len(values) == 1 {
			args = append(args, values[0])
			fmt.Fprintf(&sb, " AND %s = $%d", column, len(args))
			continue
		}
		placeholders := make([]string, 0, len(values))
		for _, value := range values {
			args = append(args, value)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		fmt.Fprintf(&sb, " AND %s IN (%s)", column, strings.Join(placeholders, ", "))
	}

	return def, sb.String(), args, nil
}
