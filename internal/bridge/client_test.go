package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sqlpilot/sqlpilot/internal/schema"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{BaseURL: server.URL}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return client, server
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error for missing base URL")
	}
}

func TestConnectListsDatabases(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sql/connect" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		var conn schema.Connection
		if err := json.NewDecoder(r.Body).Decode(&conn); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if conn.Database != "" {
			t.Fatalf("connect must not carry a database, got %q", conn.Database)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"databases": []string{"Shop", "HR"}})
	}))

	databases, err := client.Connect(context.Background(), schema.Connection{Server: "srv", Database: "ignored"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if len(databases) != 2 || databases[0] != "Shop" {
		t.Fatalf("databases = %v", databases)
	}
}

func TestParseToleratesAlternateColumnField(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"tables":[
			{"name":"A","schema":"dbo","columns":[{"name":"ID","isPrimaryKey":true}]},
			{"name":"B","schema":[{"name":"Code"}]}
		]}`)
	}))

	tables, err := client.Parse(context.Background(), schema.Connection{Server: "srv", Database: "Shop"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("tables = %d", len(tables))
	}
	if tables[0].Schema != "dbo" || len(tables[0].Columns) != 1 {
		t.Fatalf("table A = %+v", tables[0])
	}
	if len(tables[1].Columns) != 1 || tables[1].Columns[0].Name != "Code" {
		t.Fatalf("table B = %+v", tables[1])
	}
}

func TestGenerateReturnsRawText(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sql/generate" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"query": `Your SQL Query will be like "SELECT 1"`})
	}))

	raw, err := client.Generate(context.Background(), GenerateRequest{Question: "q"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if raw == "" {
		t.Fatal("expected raw output")
	}
}

func TestExecuteDistinguishesEmptyFromAbsentResults(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"results":[],"refinements":[{"query":"SELECT 2","error":"syntax"}]}`)
	}))

	result, err := client.Execute(context.Background(), ExecuteRequest{Query: "SELECT 1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.HasResults {
		t.Fatal("an empty array still counts as a result set")
	}
	if len(result.Refinements) != 1 || result.Refinements[0].Query != "SELECT 2" {
		t.Fatalf("refinements = %+v", result.Refinements)
	}
}

func TestExecuteWithoutResultsField(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"refinements":[]}`)
	}))

	result, err := client.Execute(context.Background(), ExecuteRequest{Query: "SELECT 1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.HasResults {
		t.Fatal("absent results must not count as a result set")
	}
}

func TestPostHTMLBodyIsConnectivityError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<!DOCTYPE html><html><body>proxy error</body></html>")
	}))

	_, err := client.Connect(context.Background(), schema.Connection{Server: "srv"})
	var connectivity *ConnectivityError
	if !errors.As(err, &connectivity) {
		t.Fatalf("error = %v, want ConnectivityError", err)
	}
	if connectivity.URL == "" {
		t.Fatal("ConnectivityError must carry the URL")
	}
}

func TestPostJSONDetailIsRemoteError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"detail":"Invalid object name 'Foo'"}`)
	}))

	_, err := client.Execute(context.Background(), ExecuteRequest{Query: "SELECT 1"})
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v, want RemoteError", err)
	}
	if remote.Status != http.StatusBadRequest || remote.Detail != "Invalid object name 'Foo'" {
		t.Fatalf("remote = %+v", remote)
	}
}

func TestPostUnreachableServerIsConnectivityError(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	_, err := client.Connect(context.Background(), schema.Connection{Server: "srv"})
	var connectivity *ConnectivityError
	if !errors.As(err, &connectivity) {
		t.Fatalf("error = %v, want ConnectivityError", err)
	}
}

func TestPostCancellationSurfacesContextError(t *testing.T) {
	started := make(chan struct{})
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := client.Execute(ctx, ExecuteRequest{Query: "SELECT 1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestTimeoutIsConnectivityError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	client.cfg.ConnectTimeout = 20 * time.Millisecond

	_, err := client.Connect(context.Background(), schema.Connection{Server: "srv"})
	var connectivity *ConnectivityError
	if !errors.As(err, &connectivity) {
		t.Fatalf("error = %v, want ConnectivityError", err)
	}
}
