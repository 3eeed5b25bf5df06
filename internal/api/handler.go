// Package api exposes the conversational KPI service over HTTP. Routes
// use the Go 1.22 method patterns; every response body is JSON with the
// shared error envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kpichat/kpichat/internal/catalog"
	"github.com/kpichat/kpichat/internal/config"
	"github.com/kpichat/kpichat/internal/dialogue"
	"github.com/kpichat/kpichat/internal/export"
	"github.com/kpichat/kpichat/internal/observability"
	"github.com/kpichat/kpichat/internal/session"
	"github.com/kpichat/kpichat/internal/warehouse"
)

type ReadinessCheck func(ctx context.Context) error

// TurnResolver folds one user turn into a conversation context.
type TurnResolver interface {
	Resolve(ctx context.Context, state dialogue.QueryContext, turn dialogue.Turn) (dialogue.Resolution, error)
}

// QueryDispatcher runs a completed context against the warehouse.
type QueryDispatcher interface {
	Execute(ctx context.Context, qc dialogue.QueryContext) (warehouse.QueryResult, error)
}

// ExportPublisher uploads the detail rows for a context and returns a
// signed download.
type ExportPublisher interface {
	Publish(ctx context.Context, qc dialogue.QueryContext) (export.Download, error)
}

// ResultSummarizer narrates a finished query result in a sentence or
// two for the chat transcript.
type ResultSummarizer interface {
	Summarize(ctx context.Context, kpi, timeRange string, result warehouse.QueryResult) (string, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Catalog           *catalog.Catalog
	Sessions          *session.Store
	Resolver          TurnResolver
	Dispatcher        QueryDispatcher
	Dimensions        warehouse.DimensionSource
	Audit             warehouse.AuditLog
	Exporter          ExportPublisher
	Summarizer        ResultSummarizer
	DimensionLimit    int
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/conversations", func(w http.ResponseWriter, r *http.Request) {
		handleCreateConversation(deps, w, r)
	})
	protected.HandleFunc("GET /v1/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetConversation(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteConversation(deps, w, r)
	})
	protected.HandleFunc("POST /v1/conversations/{id}/turn", func(w http.ResponseWriter, r *http.Request) {
		handleTurn(deps, w, r)
	})
	protected.HandleFunc("POST /v1/dimension", func(w http.ResponseWriter, r *http.Request) {
		handleDimension(deps, w, r)
	})
	protected.HandleFunc("POST /v1/query/run", func(w http.ResponseWriter, r *http.Request) {
		handleQueryRun(deps, w, r)
	})
	protected.HandleFunc("POST /v1/export", func(w http.ResponseWriter, r *http.Request) {
		handleExport(deps, w, r)
	})
	protected.HandleFunc("GET /v1/config/ui", func(w http.ResponseWriter, r *http.Request) {
		handleUIConfig(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/conversations", protectedHandler)
	mux.Handle("GET /v1/conversations/{id}", protectedHandler)
	mux.Handle("DELETE /v1/conversations/{id}", protectedHandler)
	mux.Handle("POST /v1/conversations/{id}/turn", protectedHandler)
	mux.Handle("POST /v1/dimension", protectedHandler)
	mux.Handle("POST /v1/query/run", protectedHandler)
	mux.Handle("POST /v1/export", protectedHandler)
	mux.Handle("GET /v1/config/ui", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func handleUIConfig(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CATALOG_NOT_CONFIGURED", "kpi catalog is not configured", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, deps.Catalog.UIConfig())
}

func CheckWarehouseDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Warehouse.DSN == "" {
			return errors.New("warehouse dsn is not configured")
		}
		return nil
	}
}

func CheckExportConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Export.Endpoint == "" {
			return errors.New("export endpoint is not configured")
		}
		if cfg.Export.Bucket == "" {
			return errors.New("export bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
