package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kpichat/kpichat/internal/dialogue"
	"github.com/kpichat/kpichat/internal/dispatch"
	"github.com/kpichat/kpichat/internal/session"
	"github.com/kpichat/kpichat/internal/warehouse"
)

func TestQueryRunWithExplicitSelection(t *testing.T) {
	cfg := testConfig(t, map[string]string{})
	dispatcher := &fakeDispatcher{result: warehouse.QueryResult{
		Columns: []string{"month", "value"},
		Rows:    [][]any{{"202504", float64(42)}},
		SQL:     "SELECT ...",
	}}
	h := NewHandler(cfg, Dependencies{Dispatcher: dispatcher})

	body := `{"kpi":"headcount","time_range":"202504-202603","scope":["product:CT","organization:Plant-A"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/query/run", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	if len(dispatcher.contexts) != 1 {
		t.Fatalf("dispatcher contexts = %d", len(dispatcher.contexts))
	}
	qc := dispatcher.contexts[0]
	if qc.KPI != "headcount" || qc.TimeRange != "202504-202603" {
		t.Fatalf("context = %+v", qc)
	}
	if len(qc.Scope) != 2 || qc.Scope[0] != (dialogue.ScopeEntry{Category: "product", Value: "CT"}) {
		t.Fatalf("scope = %+v", qc.Scope)
	}

	var result warehouse.QueryResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("rows = %v", result.Rows)
	}
}

func TestQueryRunFromConversationSnapshot(t *testing.T) {
	cfg := testConfig(t, map[string]string{})
	store := session.NewStore()
	id := store.Create()
	if err := store.WithTurn(context.Background(), id, func(dialogue.QueryContext) (dialogue.QueryContext, error) {
		return dialogue.QueryContext{KPI: "headcount", TimeRange: "all"}, nil
	}); err != nil {
		t.Fatalf("seed conversation failed: %v", err)
	}
	dispatcher := &fakeDispatcher{result: warehouse.QueryResult{Columns: []string{"value"}}}
	h := NewHandler(cfg, Dependencies{Sessions: store, Dispatcher: dispatcher})

	req := httptest.NewRequest(http.MethodPost, "/v1/query/run", strings.NewReader(`{"conversation_id":"`+id+`"}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if len(dispatcher.contexts) != 1 || dispatcher.contexts[0].KPI != "headcount" {
		t.Fatalf("dispatcher contexts = %+v", dispatcher.contexts)
	}
}

func TestQueryRunRejectsMalformedScope(t *testing.T) {
	cfg := testConfig(t, map[string]string{})
	h := NewHandler(cfg, Dependencies{Dispatcher: &fakeDispatcher{}})

	req := httptest.NewRequest(http.MethodPost, "/v1/query/run", strings.NewReader(`{"kpi":"headcount","scope":["CT"]}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestQueryRunIncompleteSelectionReturns400(t *testing.T) {
	cfg := testConfig(t, map[string]string{})
	dispatcher := &fakeDispatcher{err: dispatch.ErrNotReady}
	h := NewHandler(cfg, Dependencies{Dispatcher: dispatcher})

	req := httptest.NewRequest(http.MethodPost, "/v1/query/run", strings.NewReader(`{"kpi":"headcount"}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "SELECTION_NOT_READY") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestQueryRunUnknownConversationReturns404(t *testing.T) {
	cfg := testConfig(t, map[string]string{})
	h := NewHandler(cfg, Dependencies{Sessions: session.NewStore(), Dispatcher: &fakeDispatcher{}})

	req := httptest.NewRequest(http.MethodPost, "/v1/query/run", strings.NewReader(`{"conversation_id":"missing"}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}
