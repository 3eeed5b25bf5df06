package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kpichat/kpichat/internal/observability"
	"github.com/kpichat/kpichat/internal/warehouse"
)

type dimensionRequest struct {
	KPI        string              `json:"kpi"`
	Category   string              `json:"category"`
	Selections map[string][]string `json:"selections"`
}

// handleDimension lists the pickable values of one scope category,
// narrowed by the values already chosen in the other categories. The
// requested category never filters itself.
func handleDimension(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil || deps.Dimensions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DIMENSION_NOT_CONFIGURED", "dimension dependencies are not configured", false, nil)
		return
	}

	var request dimensionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid dimension request body", false, map[string]any{"details": err.Error()})
		return
	}

	def, ok := deps.Catalog.Get(request.KPI)
	if !ok {
		writeError(r.Context(), w, http.StatusNotFound, "KPI_NOT_FOUND", fmt.Sprintf("kpi %q is not in the catalog", request.KPI), false, nil)
		return
	}
	column, ok := def.ScopeColumns[request.Category]
	if !ok {
		writeError(r.Context(), w, http.StatusBadRequest, "CATEGORY_NOT_ALLOWED", fmt.Sprintf("category %q does not apply to kpi %q", request.Category, request.KPI), false, nil)
		return
	}

	filters := make(map[string][]string)
	for category, values := range request.Selections {
		if category == request.Category || len(values) == 0 {
			continue
		}
		filterColumn, allowed := def.ScopeColumns[category]
		if !allowed {
			continue
		}
		filters[filterColumn] = values
	}

	result, err := deps.Dimensions.DistinctValues(r.Context(), warehouse.DimensionRequest{
		Table:   def.Table,
		Column:  column,
		Filters: filters,
		Limit:   deps.DimensionLimit,
	})
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "DIMENSION_UNAVAILABLE", "dimension values are unavailable", true, map[string]any{"details": err.Error()})
		return
	}
	if result.Truncated {
		observability.IncrementDimensionTruncation()
	}
	writeJSON(w, http.StatusOK, result)
}
