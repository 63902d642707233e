// Package bridge is the JSON-over-HTTP client for the two external
// collaborators: the SQL bridge service (connect, parse, execute,
// terminate) and the inference service (generate). It distinguishes
// connectivity failures (unreachable service, HTML body, timeout) from
// statement-level errors reported by the backend.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sqlpilot/sqlpilot/internal/observability"
	"github.com/sqlpilot/sqlpilot/internal/schema"
)

type Config struct {
	BaseURL          string
	ConnectTimeout   time.Duration
	ParseTimeout     time.Duration
	GenerateTimeout  time.Duration
	ExecuteTimeout   time.Duration
	TerminateTimeout time.Duration
}

type Client struct {
	baseURL string
	cfg     Config
	http    *http.Client
	logger  *slog.Logger
}

// ConnectivityError means the service could not be reached or answered with
// something other than JSON. It always carries the attempted URL.
type ConnectivityError struct {
	URL  string
	Hint string
	Err  error
}

func (e *ConnectivityError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("cannot reach %s: %s", e.URL, e.Hint)
	}
	return fmt.Sprintf("cannot reach %s: %v", e.URL, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RemoteError is a statement- or request-level error the backend reported in
// a well-formed JSON body.
type RemoteError struct {
	Status int
	Detail string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("backend error (status %d): %s", e.Status, e.Detail)
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("bridge base URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	applyDefault := func(d *time.Duration, fallback time.Duration) {
		if *d <= 0 {
			*d = fallback
		}
	}
	applyDefault(&cfg.ConnectTimeout, 30*time.Second)
	applyDefault(&cfg.ParseTimeout, 60*time.Second)
	applyDefault(&cfg.GenerateTimeout, 60*time.Second)
	applyDefault(&cfg.ExecuteTimeout, 60*time.Second)
	applyDefault(&cfg.TerminateTimeout, 15*time.Second)

	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		cfg:     cfg,
		http:    &http.Client{},
		logger:  logger,
	}, nil
}

// GenerateRequest is the generate contract: the question plus the rendered
// schema context and an optional relevant-schema excerpt.
type GenerateRequest struct {
	Question       string            `json:"question"`
	DatabaseInfo   schema.Connection `json:"databaseInfo"`
	PromptTemplate string            `json:"promptTemplate"`
	QueryExamples  string            `json:"queryExamples"`
	MaxRows        int               `json:"maxRows"`
	RelevantSchema string            `json:"relevantSchema,omitempty"`
}

type ExecuteRequest struct {
	Query        string            `json:"query"`
	DatabaseInfo schema.Connection `json:"databaseInfo"`
	MaxRows      int               `json:"maxRows"`
}

// Refinement is one automatic retry the backend already performed.
type Refinement struct {
	Query string `json:"query"`
	Error string `json:"error,omitempty"`
}

type ExecuteResult struct {
	Results     []map[string]any `json:"results"`
	Refinements []Refinement     `json:"refinements"`
	// HasResults distinguishes an empty result set from an absent one.
	HasResults bool `json:"-"`
}

// Connect lists the databases visible on the server.
func (c *Client) Connect(ctx context.Context, conn schema.Connection) ([]string, error) {
	var out struct {
		Databases []string `json:"databases"`
	}
	conn.Database = ""
	if err := c.post(ctx, "/api/sql/connect", c.cfg.ConnectTimeout, conn, &out); err != nil {
		return nil, err
	}
	return out.Databases, nil
}

// Parse returns the table metadata of one database.
func (c *Client) Parse(ctx context.Context, conn schema.Connection) ([]schema.Table, error) {
	var out struct {
		Tables []wireTable `json:"tables"`
	}
	if err := c.post(ctx, "/api/sql/parse", c.cfg.ParseTimeout, conn, &out); err != nil {
		return nil, err
	}
	tables := make([]schema.Table, 0, len(out.Tables))
	for _, t := range out.Tables {
		tables = append(tables, t.toTable())
	}
	return tables, nil
}

// Generate submits the composed context to the inference service and returns
// the raw, unparsed model text.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	var out struct {
		Query string `json:"query"`
	}
	if err := c.post(ctx, "/api/sql/generate", c.cfg.GenerateTimeout, req, &out); err != nil {
		return "", err
	}
	return out.Query, nil
}

// Execute runs the statement. The backend may answer with a result set, with
// inline refinements it already attempted, or both.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	var raw struct {
		Results     json.RawMessage `json:"results"`
		Refinements []Refinement    `json:"refinements"`
	}
	if err := c.post(ctx, "/api/sql/execute", c.cfg.ExecuteTimeout, req, &raw); err != nil {
		return ExecuteResult{}, err
	}
	result := ExecuteResult{Refinements: raw.Refinements}
	if len(raw.Results) > 0 && string(raw.Results) != "null" {
		if err := json.Unmarshal(raw.Results, &result.Results); err != nil {
			return ExecuteResult{}, fmt.Errorf("decode execute results: %w", err)
		}
		result.HasResults = true
	}
	return result, nil
}

// Terminate asks the backend to kill any in-progress server-side work for
// the session's database. Best effort; callers decide whether failure
// matters.
func (c *Client) Terminate(ctx context.Context, conn schema.Connection) (bool, error) {
	var out struct {
		Success bool `json:"success"`
	}
	if err := c.post(ctx, "/api/sql/terminate", c.cfg.TerminateTimeout, conn, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

func (c *Client) post(ctx context.Context, path string, timeout time.Duration, in, out any) error {
	url := c.baseURL + path
	start := time.Now()
	defer func() {
		observability.ObserveBridgeRequest(strings.TrimPrefix(path, "/api/sql/"), time.Since(start))
	}()
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Cancellation must surface as such, not as connectivity.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &ConnectivityError{URL: url, Hint: "request timed out", Err: err}
		}
		return &ConnectivityError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ConnectivityError{URL: url, Hint: "failed reading response body", Err: err}
	}

	if looksLikeHTML(resp.Header.Get("Content-Type"), payload) {
		return &ConnectivityError{
			URL:  url,
			Hint: "service answered with HTML instead of JSON; the SQL bridge may be down or misrouted",
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var remote struct {
			Detail  string `json:"detail"`
			Message string `json:"message"`
		}
		if json.Unmarshal(payload, &remote) == nil && (remote.Detail != "" || remote.Message != "") {
			detail := remote.Detail
			if detail == "" {
				detail = remote.Message
			}
			return &RemoteError{Status: resp.StatusCode, Detail: detail}
		}
		return &ConnectivityError{
			URL:  url,
			Hint: fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func looksLikeHTML(contentType string, payload []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	trimmed := strings.TrimSpace(string(payload))
	lowered := strings.ToLower(trimmed)
	return strings.HasPrefix(lowered, "<!doctype") || strings.HasPrefix(lowered, "<html")
}
