package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/kpichat/kpichat/internal/dialogue"
	"github.com/kpichat/kpichat/internal/dispatch"
	"github.com/kpichat/kpichat/internal/export"
	"github.com/kpichat/kpichat/internal/observability"
	"github.com/kpichat/kpichat/internal/session"
	"github.com/kpichat/kpichat/internal/warehouse"
)

type turnRequest struct {
	Text     string           `json:"text"`
	Confirm  bool             `json:"confirm"`
	Override *overrideRequest `json:"override"`
}

type overrideRequest struct {
	KPI       string              `json:"kpi"`
	TimeRange string              `json:"time_range"`
	Scope     map[string][]string `json:"scope"`
}

type turnResponse struct {
	ConversationID   string                 `json:"conversation_id"`
	KPI              string                 `json:"kpi"`
	TimeRange        string                 `json:"time_range"`
	Scope            []string               `json:"scope"`
	MissingParams    []string               `json:"missing_params"`
	MissingScopes    []string               `json:"missing_scope_categories"`
	Ready            bool                   `json:"ready"`
	Prompt           string                 `json:"prompt"`
	TimeRangeInvalid bool                   `json:"time_range_invalid,omitempty"`
	UnsupportedKPI   string                 `json:"unsupported_kpi,omitempty"`
	Result           *warehouse.QueryResult `json:"result,omitempty"`
	SQL              string                 `json:"sql,omitempty"`
	Summary          string                 `json:"summary,omitempty"`
	Download         *export.Download       `json:"download,omitempty"`
}

func handleCreateConversation(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session store is not configured", false, nil)
		return
	}
	id := deps.Sessions.Create()
	writeJSON(w, http.StatusCreated, map[string]any{"conversation_id": id})
}

func handleGetConversation(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session store is not configured", false, nil)
		return
	}
	qc, err := deps.Sessions.Snapshot(r.PathValue("id"))
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": r.PathValue("id"),
		"kpi":             qc.KPI,
		"time_range":      qc.TimeRange,
		"scope":           scopeStrings(qc.Scope),
		"turn":            qc.Turn,
	})
}

func handleDeleteConversation(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session store is not configured", false, nil)
		return
	}
	deps.Sessions.Delete(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func handleTurn(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil || deps.Resolver == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DIALOGUE_NOT_CONFIGURED", "dialogue dependencies are not configured", false, nil)
		return
	}

	var request turnRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid turn request body", false, map[string]any{"details": err.Error()})
		return
	}
	turn, err := buildTurn(request)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TURN", err.Error(), false, nil)
		return
	}

	conversationID := r.PathValue("id")
	var resolution dialogue.Resolution
	err = deps.Sessions.WithTurn(r.Context(), conversationID, func(qc dialogue.QueryContext) (dialogue.QueryContext, error) {
		res, resolveErr := deps.Resolver.Resolve(r.Context(), qc, turn)
		if resolveErr != nil {
			return qc, resolveErr
		}
		resolution = res
		return res.Context, nil
	})
	if err != nil {
		handleSessionError(w, r, err)
		return
	}

	observability.ObserveTurn(turnOutcome(resolution), resolution.Missing)
	if resolution.UnsupportedKPI != "" {
		observability.IncrementUnsupportedKPI()
		recordUnsupportedKPI(deps, r, conversationID, resolution.UnsupportedKPI, request.Text)
	}

	response := turnResponse{
		ConversationID:   conversationID,
		KPI:              resolution.Context.KPI,
		TimeRange:        resolution.Context.TimeRange,
		Scope:            scopeStrings(resolution.Context.Scope),
		MissingParams:    emptyIfNil(resolution.Missing),
		MissingScopes:    emptyIfNil(resolution.MissingScopes),
		Ready:            resolution.Ready,
		Prompt:           resolution.Prompt,
		TimeRangeInvalid: resolution.TimeRangeInvalid,
		UnsupportedKPI:   resolution.UnsupportedKPI,
	}

	if resolution.Ready && deps.Dispatcher != nil {
		result, execErr := deps.Dispatcher.Execute(r.Context(), resolution.Context)
		observability.ObserveQuery(resolution.Context.KPI, result.Duration, execErr)
		if execErr != nil {
			handleExecutionError(w, r, execErr)
			return
		}
		response.Result = &result
		response.SQL = result.SQL

		if deps.Summarizer != nil {
			summary, sumErr := deps.Summarizer.Summarize(r.Context(), resolution.Context.KPI, resolution.Context.TimeRange, result)
			if sumErr != nil {
				// The table answers the question on its own; a missing
				// narration is not worth failing the turn.
				if deps.Logger != nil {
					deps.Logger.Warn("result summary failed", "error", sumErr, "conversation_id", conversationID)
				}
			} else {
				response.Summary = summary
			}
		}

		if deps.Exporter != nil {
			download, exportErr := deps.Exporter.Publish(r.Context(), resolution.Context)
			if exportErr != nil {
				// The answer is already in hand; a failed upload only
				// costs the download link.
				if deps.Logger != nil {
					deps.Logger.Warn("export publish failed", "error", exportErr, "conversation_id", conversationID)
				}
			} else {
				observability.IncrementExport()
				response.Download = &download
			}
		}
	}

	writeJSON(w, http.StatusOK, response)
}

func buildTurn(request turnRequest) (dialogue.Turn, error) {
	text := strings.TrimSpace(request.Text)
	variants := 0
	if text != "" {
		variants++
	}
	if request.Confirm {
		variants++
	}
	if request.Override != nil {
		variants++
	}
	if variants != 1 {
		return nil, errors.New("exactly one of text, confirm, or override is required")
	}
	switch {
	case text != "":
		return dialogue.FreeTextTurn{Text: text}, nil
	case request.Confirm:
		return dialogue.ConfirmTurn{}, nil
	default:
		return dialogue.OverrideTurn{
			KPI:       request.Override.KPI,
			TimeRange: request.Override.TimeRange,
			Scope:     request.Override.Scope,
		}, nil
	}
}

func turnOutcome(res dialogue.Resolution) string {
	switch {
	case res.UnsupportedKPI != "":
		return "unsupported_kpi"
	case res.TimeRangeInvalid:
		return "invalid_time"
	case res.Ready:
		return "ready"
	default:
		return "missing"
	}
}

func recordUnsupportedKPI(deps Dependencies, r *http.Request, conversationID, kpiName, question string) {
	if deps.Audit == nil {
		return
	}
	entry := warehouse.UnsupportedKPIEntry{
		ConversationID: conversationID,
		KPIName:        kpiName,
		Question:       question,
	}
	if err := deps.Audit.RecordUnsupportedKPI(r.Context(), entry); err != nil && deps.Logger != nil {
		deps.Logger.Warn("unsupported kpi audit failed", "error", err, "kpi", kpiName)
	}
}

func handleSessionError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, session.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "CONVERSATION_NOT_FOUND", "conversation was not found", false, nil)
		return
	}
	writeError(r.Context(), w, http.StatusInternalServerError, "TURN_FAILED", "turn resolution failed", true, map[string]any{"details": err.Error()})
}

func handleExecutionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNoKPI), errors.Is(err, dispatch.ErrBadTimeRange), errors.Is(err, dispatch.ErrNotReady):
		writeError(r.Context(), w, http.StatusBadRequest, "SELECTION_NOT_READY", "selection is not ready to run", false, map[string]any{"details": err.Error()})
	case errors.Is(err, warehouse.ErrUnavailable):
		writeError(r.Context(), w, http.StatusServiceUnavailable, "WAREHOUSE_UNAVAILABLE", "warehouse is unavailable", true, nil)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "EXECUTION_FAILED", "query execution failed", false, map[string]any{"details": err.Error()})
	}
}

func scopeStrings(entries []dialogue.ScopeEntry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.String())
	}
	return out
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
