package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kpichat/kpichat/internal/dialogue"
	"github.com/kpichat/kpichat/internal/observability"
	"github.com/kpichat/kpichat/internal/session"
)

type queryRunRequest struct {
	ConversationID string   `json:"conversation_id"`
	KPI            string   `json:"kpi"`
	TimeRange      string   `json:"time_range"`
	Scope          []string `json:"scope"`
}

// handleQueryRun executes an already-complete selection directly,
// without walking it through the dialogue. The selection comes either
// from a conversation snapshot or spelled out in the body.
func handleQueryRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Dispatcher == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DISPATCH_NOT_CONFIGURED", "query dispatcher is not configured", false, nil)
		return
	}

	var request queryRunRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
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

	result, err := deps.Dispatcher.Execute(r.Context(), qc)
	observability.ObserveQuery(qc.KPI, result.Duration, err)
	if err != nil {
		handleExecutionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func contextFromRequest(deps Dependencies, request queryRunRequest) (dialogue.QueryContext, error) {
	if request.ConversationID != "" {
		if deps.Sessions == nil {
			return dialogue.QueryContext{}, errors.New("session store is not configured")
		}
		return deps.Sessions.Snapshot(request.ConversationID)
	}

	qc := dialogue.QueryContext{KPI: request.KPI, TimeRange: request.TimeRange}
	for _, raw := range request.Scope {
		entry, ok := dialogue.ParseScopeEntry(raw)
		if !ok {
			return dialogue.QueryContext{}, fmt.Errorf("scope entry %q is not category:value", raw)
		}
		qc.Scope = append(qc.Scope, entry)
	}
	return qc, nil
}
