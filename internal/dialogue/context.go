// Package dialogue implements multi-turn slot filling: it folds user
// turns into a query context and decides what is still missing before a
// KPI query may run. Resolution never executes SQL.
package dialogue

import "strings"

// ScopeEntry is one dimension filter, e.g. {product CT}.
type ScopeEntry struct {
	Category string `json:"category"`
	Value    string `json:"value"`
}

func (e ScopeEntry) String() string {
	return e.Category + ":" + e.Value
}

// ParseScopeEntry splits a "category:value" pair. The full-width colon is
// accepted because users type it.
func ParseScopeEntry(raw string) (ScopeEntry, bool) {
	normalized := strings.Replace(raw, "：", ":", 1)
	category, value, ok := strings.Cut(normalized, ":")
	category = strings.TrimSpace(category)
	value = strings.TrimSpace(value)
	if !ok || category == "" || value == "" {
		return ScopeEntry{}, false
	}
	return ScopeEntry{Category: category, Value: value}, true
}

// QueryContext is the accumulated slot state of one conversation.
type QueryContext struct {
	KPI       string       `json:"kpi"`
	TimeRange string       `json:"time_range"`
	Scope     []ScopeEntry `json:"scope"`
	// ScopePrompted latches after the optional-scope question has been
	// asked once, so the user is never nagged twice.
	ScopePrompted bool `json:"scope_prompted"`
	// Turn counts resolved turns, including ones that changed nothing.
	Turn int `json:"turn"`
}

// Clone returns a deep copy so resolution can work on scratch state.
func (q QueryContext) Clone() QueryContext {
	out := q
	out.Scope = append([]ScopeEntry(nil), q.Scope...)
	return out
}

// HasScope reports whether any filter exists for the category.
func (q QueryContext) HasScope(category string) bool {
	for _, entry := range q.Scope {
		if entry.Category == category {
			return true
		}
	}
	return false
}

// ScopeValues returns the filter values for one category, in insertion
// order.
func (q QueryContext) ScopeValues(category string) []string {
	var out []string
	for _, entry := range q.Scope {
		if entry.Category == category {
			out = append(out, entry.Value)
		}
	}
	return out
}

func (q *QueryContext) addScope(entry ScopeEntry) {
	for _, existing := range q.Scope {
		if existing == entry {
			return
		}
	}
	q.Scope = append(q.Scope, entry)
}

// replaceScope swaps out every filter for the category. An empty value
// list clears it.
func (q *QueryContext) replaceScope(category string, values []string) {
	kept := q.Scope[:0]
	for _, entry := range q.Scope {
		if entry.Category != category {
			kept = append(kept, entry)
		}
	}
	q.Scope = kept
	for _, value := range values {
		q.addScope(ScopeEntry{Category: category, Value: value})
	}
}

// dropScopeExcept removes filters whose category is not in allowed. Used
// when the KPI changes and some filters no longer apply.
func (q *QueryContext) dropScopeExcept(allowed []string) {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, category := range allowed {
		allowedSet[category] = struct{}{}
	}
	kept := q.Scope[:0]
	for _, entry := range q.Scope {
		if _, ok := allowedSet[entry.Category]; ok {
			kept = append(kept, entry)
		}
	}
	q.Scope = kept
}
