package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/kpichat/kpichat/internal/warehouse"
)

// Repository runs KPI reads and audit writes against the warehouse.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping warehouse db: %w", classify(err))
	}
	return nil
}

// classify marks connectivity-class failures with warehouse.ErrUnavailable
// so the API can answer retryable. Query-shape errors pass through as is.
func classify(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %v", warehouse.ErrUnavailable, err)
	default:
		return err
	}
}

// Query executes a parameterized statement and shapes the rows for the
// API. []byte cells are converted to string so JSON encoding stays
// readable.
func (r *Repository) Query(ctx context.Context, query string, args []any) (warehouse.QueryResult, error) {
	started := time.Now()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return warehouse.QueryResult{}, fmt.Errorf("run kpi query: %w", classify(err))
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return warehouse.QueryResult{}, fmt.Errorf("read kpi columns: %w", err)
	}

	out := warehouse.QueryResult{
		Columns: columns,
		Rows:    make([][]any, 0),
		SQL:     query,
	}
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return warehouse.QueryResult{}, fmt.Errorf("scan kpi row: %w", err)
		}
		for i, value := range values {
			if b, ok := value.([]byte); ok {
				values[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return warehouse.QueryResult{}, fmt.Errorf("iterate kpi rows: %w", err)
	}
	out.Duration = time.Since(started)
	return out, nil
}

// DistinctValues lists the cascading picker options for one dimension
// column. It asks for one row beyond the limit to detect truncation.
func (r *Repository) DistinctValues(ctx context.Context, req warehouse.DimensionRequest) (warehouse.DimensionResult, error) {
	if !warehouse.ValidIdentifier(req.Table) {
		return warehouse.DimensionResult{}, fmt.Errorf("invalid table identifier %q", req.Table)
	}
	if !warehouse.ValidIdentifier(req.Column) {
		return warehouse.DimensionResult{}, fmt.Errorf("invalid column identifier %q", req.Column)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	var sb strings.Builder
	args := make([]any, 0)
	fmt.Fprintf(&sb, "SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL", req.Column, req.Table, req.Column)

	filterColumns := make([]string, 0, len(req.Filters))
	for column := range req.Filters {
		filterColumns = append(filterColumns, column)
	}
	sort.Strings(filterColumns)
	for _, column := range filterColumns {
		values := req.Filters[column]
		if len(values) == 0 {
			continue
		}
		if !warehouse.ValidIdentifier(column) {
			return warehouse.DimensionResult{}, fmt.Errorf("invalid filter identifier %q", column)
		}
		placeholders := make([]string, 0, len(values))
		for _, value := range values {
			args = append(args, value)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		fmt.Fprintf(&sb, " AND %s IN (%s)", column, strings.Join(placeholders, ", "))
	}

	args = append(args, limit+1)
	fmt.Fprintf(&sb, " ORDER BY %s LIMIT $%d", req.Column, len(args))

	rows, err := r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return warehouse.DimensionResult{}, fmt.Errorf("list dimension values: %w", classify(err))
	}
	defer func() { _ = rows.Close() }()

	values := make([]string, 0, limit)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return warehouse.DimensionResult{}, fmt.Errorf("scan dimension value: %w", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return warehouse.DimensionResult{}, fmt.Errorf("iterate dimension values: %w", err)
	}

	result := warehouse.DimensionResult{Values: values}
	if len(values) > limit {
		result.Values = values[:limit]
		result.Truncated = true
	}
	return result, nil
}

// RecordUnsupportedKPI appends one audit row so unmet demand is visible
// to the catalog owners.
func (r *Repository) RecordUnsupportedKPI(ctx context.Context, entry warehouse.UnsupportedKPIEntry) error {
	query := `
INSERT INTO unsupported_kpi_logs (conversation_id, kpi_name, question)
VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, query, entry.ConversationID, entry.KPIName, entry.Question); err != nil {
		return fmt.Errorf("record unsupported kpi: %w", classify(err))
	}
	return nil
}

// MatchScopeValue resolves a free-text token to the stored spelling of a
// dimension value, case-insensitively. Used by slot extraction so users
// may type "plant-a" for the warehouse's "Plant-A".
func (r *Repository) MatchScopeValue(ctx context.Context, table, column, token string) (string, bool, error) {
	if !warehouse.ValidIdentifier(table) {
		return "", false, fmt.Errorf("invalid table identifier %q", table)
	}
	if !warehouse.ValidIdentifier(column) {
		return "", false, fmt.Errorf("invalid column identifier %q", column)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE LOWER(%s) = LOWER($1) LIMIT 1", column, table, column)
	var canonical string
	err := r.db.QueryRowContext(ctx, query, token).Scan(&canonical)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("match scope value: %w", classify(err))
	}
	return canonical, true, nil
}
