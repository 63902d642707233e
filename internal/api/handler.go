// Package api is the HTTP surface of the service: one handler per pipeline
// operation, a uniform JSON error envelope and the usual health, readiness
// and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlpilot/sqlpilot/internal/bridge"
	"github.com/sqlpilot/sqlpilot/internal/config"
	"github.com/sqlpilot/sqlpilot/internal/history"
	"github.com/sqlpilot/sqlpilot/internal/observability"
	"github.com/sqlpilot/sqlpilot/internal/session"
)

type ReadinessCheck func(ctx context.Context) error

const sessionHeader = "X-Session-ID"

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Sessions          *session.Manager
	Orchestrator      *session.Orchestrator
	History           history.Store
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
	protected.HandleFunc("POST /v1/connect", func(w http.ResponseWriter, r *http.Request) {
		handleConnect(deps, w, r)
	})
	protected.HandleFunc("POST /v1/schema/parse", func(w http.ResponseWriter, r *http.Request) {
		handleParse(deps, w, r)
	})
	protected.HandleFunc("POST /v1/query/generate", func(w http.ResponseWriter, r *http.Request) {
		handleGenerate(deps, w, r)
	})
	protected.HandleFunc("POST /v1/query/execute", func(w http.ResponseWriter, r *http.Request) {
		handleExecute(deps, w, r)
	})
	protected.HandleFunc("POST /v1/query/cancel", func(w http.ResponseWriter, r *http.Request) {
		handleCancel(deps, w, r)
	})
	protected.HandleFunc("GET /v1/session", func(w http.ResponseWriter, r *http.Request) {
		handleSession(deps, w, r)
	})
	protected.HandleFunc("POST /v1/session", func(w http.ResponseWriter, r *http.Request) {
		handleNewSession(deps, w, r)
	})
	protected.HandleFunc("GET /v1/history", func(w http.ResponseWriter, r *http.Request) {
		handleHistory(deps, w, r)
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
	mux.Handle("POST /v1/connect", protectedHandler)
	mux.Handle("POST /v1/schema/parse", protectedHandler)
	mux.Handle("POST /v1/query/generate", protectedHandler)
	mux.Handle("POST /v1/query/execute", protectedHandler)
	mux.Handle("POST /v1/query/cancel", protectedHandler)
	mux.Handle("GET /v1/session", protectedHandler)
	mux.Handle("POST /v1/session", protectedHandler)
	mux.Handle("GET /v1/history", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckBridgeConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Bridge.BaseURL == "" {
			return errors.New("bridge base url is not configured")
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

func sessionFromRequest(deps Dependencies, r *http.Request) *session.Session {
	return deps.Sessions.Get(r.Header.Get(sessionHeader))
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

// writePipelineError maps pipeline and bridge errors onto the error
// envelope. Connectivity failures are the only retryable class.
func writePipelineError(ctx context.Context, w http.ResponseWriter, err error) {
	var connectivity *bridge.ConnectivityError
	var remote *bridge.RemoteError

	switch {
	case errors.Is(err, session.ErrBusy):
		writeError(ctx, w, http.StatusConflict, "OPERATION_IN_PROGRESS", err.Error(), true, nil)
	case errors.Is(err, session.ErrNotDatabaseRelated):
		writeError(ctx, w, http.StatusBadRequest, "NOT_DATABASE_RELATED", err.Error(), false, nil)
	case errors.Is(err, session.ErrNoQueryFound):
		writeError(ctx, w, http.StatusUnprocessableEntity, "NO_QUERY_FOUND", err.Error(), false, nil)
	case errors.Is(err, session.ErrNoQuery):
		writeError(ctx, w, http.StatusBadRequest, "NO_QUERY", err.Error(), false, nil)
	case errors.Is(err, session.ErrNoSchema):
		writeError(ctx, w, http.StatusBadRequest, "NO_SCHEMA", err.Error(), false, nil)
	case errors.Is(err, session.ErrExecutionFailed):
		writeError(ctx, w, http.StatusBadRequest, "EXECUTION_FAILED", err.Error(), false, nil)
	case errors.Is(err, context.Canceled):
		writeError(ctx, w, http.StatusConflict, "CANCELLED", "the operation was cancelled", false, nil)
	case errors.As(err, &connectivity):
		writeError(ctx, w, http.StatusBadGateway, "BRIDGE_UNREACHABLE", connectivity.Error(), true, map[string]any{
			"url": connectivity.URL,
		})
	case errors.As(err, &remote):
		writeError(ctx, w, http.StatusBadRequest, "BRIDGE_ERROR", remote.Detail, false, nil)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", err.Error(), false, nil)
	}
}
