package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sqlpilot/sqlpilot/internal/auth"
	"github.com/sqlpilot/sqlpilot/internal/bridge"
	"github.com/sqlpilot/sqlpilot/internal/config"
	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/session"
)

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

type fakeBackend struct {
	connectFn  func(ctx context.Context, conn schema.Connection) ([]string, error)
	parseFn    func(ctx context.Context, conn schema.Connection) ([]schema.Table, error)
	generateFn func(ctx context.Context, req bridge.GenerateRequest) (string, error)
	executeFn  func(ctx context.Context, req bridge.ExecuteRequest) (bridge.ExecuteResult, error)
}

func (f *fakeBackend) Connect(ctx context.Context, conn schema.Connection) ([]string, error) {
	if f.connectFn == nil {
		return nil, errors.New("unexpected Connect")
	}
	return f.connectFn(ctx, conn)
}

func (f *fakeBackend) Parse(ctx context.Context, conn schema.Connection) ([]schema.Table, error) {
	if f.parseFn == nil {
		return nil, errors.New("unexpected Parse")
	}
	return f.parseFn(ctx, conn)
}

func (f *fakeBackend) Generate(ctx context.Context, req bridge.GenerateRequest) (string, error) {
	if f.generateFn == nil {
		return "", errors.New("unexpected Generate")
	}
	return f.generateFn(ctx, req)
}

func (f *fakeBackend) Execute(ctx context.Context, req bridge.ExecuteRequest) (bridge.ExecuteResult, error) {
	if f.executeFn == nil {
		return bridge.ExecuteResult{}, errors.New("unexpected Execute")
	}
	return f.executeFn(ctx, req)
}

func (f *fakeBackend) Terminate(context.Context, schema.Connection) (bool, error) {
	return true, nil
}

func testHandler(t *testing.T, backend *fakeBackend, env map[string]string) http.Handler {
	t.Helper()
	cfg, err := config.Load("sqlpilot-api", mapLookup(env))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewManager(time.Minute, logger)
	t.Cleanup(sessions.Close)

	deps := Dependencies{
		Logger:       logger,
		Sessions:     sessions,
		Orchestrator: session.NewOrchestrator(backend, cfg.Pipeline, clockwork.NewFakeClock(), logger),
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			t.Fatalf("validator setup failed: %v", err)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}
	return NewHandler(cfg, deps)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, rr.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	h := testHandler(t, &fakeBackend{}, nil)
	rr := doJSON(t, h, http.MethodGet, "/v1/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	cfg, err := config.Load("sqlpilot-api", mapLookup(nil))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	h := NewHandler(cfg, Dependencies{
		Readiness: func(context.Context) error { return errors.New("dependency down") },
	})
	rr := doJSON(t, h, http.MethodGet, "/v1/ready", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	h := testHandler(t, &fakeBackend{}, map[string]string{
		"SQLPILOT_AUTH_REQUIRED":    "true",
		"SQLPILOT_AUTH_STATIC_KEYS": "k1:analyst:query",
	})

	rr := doJSON(t, h, http.MethodGet, "/v1/session", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set("X-API-Key", "k1")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestConnectEndpoint(t *testing.T) {
	backend := &fakeBackend{
		connectFn: func(_ context.Context, conn schema.Connection) ([]string, error) {
			if conn.Server != "srv" || conn.Username != "sa" {
				t.Fatalf("conn = %+v", conn)
			}
			return []string{"Shop", "HR"}, nil
		},
	}
	h := testHandler(t, backend, nil)

	rr := doJSON(t, h, http.MethodPost, "/v1/connect", `{"server":"srv","username":"sa","password":"pw"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	databases, ok := payload["databases"].([]any)
	if !ok || len(databases) != 2 {
		t.Fatalf("payload = %v", payload)
	}
}

func TestConnectValidatesInput(t *testing.T) {
	h := testHandler(t, &fakeBackend{}, nil)

	rr := doJSON(t, h, http.MethodPost, "/v1/connect", `{"username":"sa"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if decodeBody(t, rr)["error_code"] != "SERVER_REQUIRED" {
		t.Fatalf("body = %s", rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/connect", `{"server":"srv"}`)
	if decodeBody(t, rr)["error_code"] != "CREDENTIALS_REQUIRED" {
		t.Fatalf("body = %s", rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/connect", `{"server":`)
	if decodeBody(t, rr)["error_code"] != "INVALID_JSON" {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func parseShop(t *testing.T, h http.Handler) {
	t.Helper()
	rr := doJSON(t, h, http.MethodPost, "/v1/schema/parse", `{"server":"srv","useWindowsAuth":true,"database":"Shop"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("parse status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

func shopBackend() *fakeBackend {
	return &fakeBackend{
		parseFn: func(_ context.Context, _ schema.Connection) ([]schema.Table, error) {
			return []schema.Table{
				{Name: "Customers", Columns: []schema.Column{{Name: "CustomerID", IsPrimaryKey: true}}},
			}, nil
		},
		generateFn: func(_ context.Context, _ bridge.GenerateRequest) (string, error) {
			return `Your SQL Query will be like "SELECT COUNT(*) FROM Customers"`, nil
		},
		executeFn: func(_ context.Context, _ bridge.ExecuteRequest) (bridge.ExecuteResult, error) {
			return bridge.ExecuteResult{
				Results:    []map[string]any{{"n": float64(42)}},
				HasResults: true,
			}, nil
		},
	}
}

func TestGenerateEndpointReturnsQualifiedSQL(t *testing.T) {
	h := testHandler(t, shopBackend(), nil)
	parseShop(t, h)

	rr := doJSON(t, h, http.MethodPost, "/v1/query/generate", `{"question":"how many customers do we have"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	sql, _ := payload["sql"].(string)
	if sql != "SELECT TOP 200 COUNT(*) FROM [Shop].[dbo].[Customers]" {
		t.Fatalf("sql = %q", sql)
	}
}

func TestGenerateEndpointBlocksOffTopic(t *testing.T) {
	h := testHandler(t, shopBackend(), nil)
	parseShop(t, h)

	rr := doJSON(t, h, http.MethodPost, "/v1/query/generate", `{"question":"who is the president of France"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if decodeBody(t, rr)["error_code"] != "NOT_DATABASE_RELATED" {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestGenerateEndpointRequiresSchema(t *testing.T) {
	h := testHandler(t, shopBackend(), nil)

	rr := doJSON(t, h, http.MethodPost, "/v1/query/generate", `{"question":"how many customers do we have"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if decodeBody(t, rr)["error_code"] != "NO_SCHEMA" {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestExecuteEndpointRunsPipeline(t *testing.T) {
	h := testHandler(t, shopBackend(), nil)
	parseShop(t, h)

	rr := doJSON(t, h, http.MethodPost, "/v1/query/generate", `{"question":"how many customers do we have"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("generate status = %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/query/execute", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("execute status = %d, body = %s", rr.Code, rr.Body.String())
	}
	payload := decodeBody(t, rr)
	results, ok := payload["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("payload = %v", payload)
	}
}

func TestExecuteEndpointWithoutQuery(t *testing.T) {
	h := testHandler(t, shopBackend(), nil)
	parseShop(t, h)

	rr := doJSON(t, h, http.MethodPost, "/v1/query/execute", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if decodeBody(t, rr)["error_code"] != "NO_QUERY" {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestBridgeFailureMapsToBadGateway(t *testing.T) {
	backend := &fakeBackend{
		connectFn: func(context.Context, schema.Connection) ([]string, error) {
			return nil, &bridge.ConnectivityError{URL: "http://localhost:3001/api/sql/connect", Hint: "connection refused"}
		},
	}
	h := testHandler(t, backend, nil)

	rr := doJSON(t, h, http.MethodPost, "/v1/connect", `{"server":"srv","useWindowsAuth":true}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["error_code"] != "BRIDGE_UNREACHABLE" {
		t.Fatalf("body = %s", rr.Body.String())
	}
	if payload["retryable"] != true {
		t.Fatal("connectivity failures must be retryable")
	}
}

func TestSessionEndpointIsolatesByHeader(t *testing.T) {
	h := testHandler(t, shopBackend(), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/schema/parse",
		strings.NewReader(`{"server":"srv","useWindowsAuth":true,"database":"Shop"}`))
	req.Header.Set(sessionHeader, "alice")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("parse status = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set(sessionHeader, "alice")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if !decodeBody(t, rr)["hasSchema"].(bool) {
		t.Fatal("alice must see her schema")
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set(sessionHeader, "bob")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if decodeBody(t, rr)["hasSchema"].(bool) {
		t.Fatal("bob must not see alice's schema")
	}
}

func TestNewSessionEndpointMintsUsableID(t *testing.T) {
	h := testHandler(t, shopBackend(), nil)

	rr := doJSON(t, h, http.MethodPost, "/v1/session", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	id, _ := decodeBody(t, rr)["id"].(string)
	if id == "" {
		t.Fatalf("body = %s", rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set(sessionHeader, id)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := decodeBody(t, rr)["id"]; got != id {
		t.Fatalf("snapshot id = %v, want %q", got, id)
	}
}

func TestHistoryEndpointNotConfigured(t *testing.T) {
	h := testHandler(t, &fakeBackend{}, nil)

	rr := doJSON(t, h, http.MethodGet, "/v1/history", "")
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	h := testHandler(t, shopBackend(), nil)
	parseShop(t, h)

	rr := doJSON(t, h, http.MethodPost, "/v1/query/cancel", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}
