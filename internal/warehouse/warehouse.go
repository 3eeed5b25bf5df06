// Package warehouse defines the read-side contracts against the KPI
// warehouse. Implementations live in subpackages; everything above this
// package speaks in these types only.
package warehouse

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// ErrUnavailable signals that the warehouse cannot be reached right now.
// Callers may retry.
var ErrUnavailable = errors.New("warehouse: unavailable")

// QueryResult is one executed query with its shaped rows.
type QueryResult struct {
	Columns  []string      `json:"columns"`
	Rows     [][]any       `json:"rows"`
	SQL      string        `json:"sql"`
	Duration time.Duration `json:"-"`
}

// Executor runs already-built, parameterized SQL.
type Executor interface {
	Query(ctx context.Context, sql string, args []any) (QueryResult, error)
}

// DimensionRequest asks for the distinct values of one column, narrowed
// by filters on sibling columns.
type DimensionRequest struct {
	Table   string
	Column  string
	Filters map[string][]string
	Limit   int
}

// DimensionResult carries the values plus whether the limit cut them off.
type DimensionResult struct {
	Values    []string `json:"values"`
	Truncated bool     `json:"truncated"`
}

type DimensionSource interface {
	DistinctValues(ctx context.Context, req DimensionRequest) (DimensionResult, error)
}

// UnsupportedKPIEntry is one audit record of a KPI request outside the
// catalog. The raw question is kept so the catalog team can mine it.
type UnsupportedKPIEntry struct {
	ConversationID string
	KPIName        string
	Question       string
}

type AuditLog interface {
	RecordUnsupportedKPI(ctx context.Context, entry UnsupportedKPIEntry) error
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidIdentifier reports whether s is safe to splice into SQL as a
// table or column name. Everything else must travel as a bind parameter.
func ValidIdentifier(s string) bool {
	return s != "" && identifierPattern.MatchString(s)
}
