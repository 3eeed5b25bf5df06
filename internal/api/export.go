package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kpichat/kpichat/internal/observability"
	"github.com/kpichat/kpichat/internal/session"
)

// handleExport publishes the detail rows of a completed selection as a
// CSV object and returns the presigned download. It accepts the same
// body as /v1/query/run.
func handleExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Exporter == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "export publisher is not configured", false, nil)
		return
	}

	var request queryRunRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid export request body", false, map[string]any{"details": err.Error()})
		return
	}

	qc, err := contextFromRequest(deps, request)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "conversation was not found", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SELECTION", err.Error(), false, nil)
		return
	}

	download, err := deps.Exporter.Publish(r.Context(), qc)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "EXPORT_FAILED", "export publish failed", true, map[string]any{"details": err.Error()})
		return
	}
	observability.IncrementExport()
	writeJSON(w, http.StatusOK, download)
}
