package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sqlpilot/sqlpilot/internal/history"
	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/session"
)

type connectRequest struct {
	Server         string `json:"server"`
	UseWindowsAuth bool   `json:"useWindowsAuth"`
	Username       string `json:"username"`
	Password       string `json:"password"`
}

type connectResponse struct {
	Databases []string `json:"databases"`
}

func handleConnect(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request connectRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid connect request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Server) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SERVER_REQUIRED", "server is required", false, nil)
		return
	}
	if !request.UseWindowsAuth && strings.TrimSpace(request.Username) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "CREDENTIALS_REQUIRED", "username is required without Windows authentication", false, nil)
		return
	}

	s := sessionFromRequest(deps, r)
	databases, err := deps.Orchestrator.Connect(r.Context(), s, schema.Connection{
		Server:         request.Server,
		UseWindowsAuth: request.UseWindowsAuth,
		Username:       request.Username,
		Password:       request.Password,
	})
	if err != nil {
		writePipelineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{Databases: databases})
}

type parseRequest struct {
	Server         string   `json:"server"`
	UseWindowsAuth bool     `json:"useWindowsAuth"`
	Username       string   `json:"username"`
	Password       string   `json:"password"`
	Database       string   `json:"database"`
	Databases      []string `json:"databases"`
}

type parseResponse struct {
	Tables      []schema.Table `json:"tables"`
	SchemaEmpty bool           `json:"schemaEmpty"`
}

func handleParse(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request parseRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid parse request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Server) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SERVER_REQUIRED", "server is required", false, nil)
		return
	}
	if strings.TrimSpace(request.Database) == "" && len(request.Databases) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "DATABASE_REQUIRED", "database or databases is required", false, nil)
		return
	}

	s := sessionFromRequest(deps, r)
	merged, err := deps.Orchestrator.Parse(r.Context(), s, schema.Connection{
		Server:         request.Server,
		Database:       request.Database,
		UseWindowsAuth: request.UseWindowsAuth,
		Username:       request.Username,
		Password:       request.Password,
	}, request.Databases)
	if err != nil {
		writePipelineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, parseResponse{
		Tables:      merged.Tables,
		SchemaEmpty: merged.IsEmpty(),
	})
}

type generateRequest struct {
	Question string `json:"question"`
}

type generateResponse struct {
	SQL      string            `json:"sql"`
	Attempts []session.Attempt `json:"attempts"`
}

func handleGenerate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request generateRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid generate request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	s := sessionFromRequest(deps, r)
	sql, err := deps.Orchestrator.Generate(r.Context(), s, request.Question)
	if err != nil {
		writePipelineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{
		SQL:      sql,
		Attempts: s.Snapshot().Attempts,
	})
}

type executeResponse struct {
	Results  []map[string]any  `json:"results"`
	SQL      string            `json:"sql"`
	Attempts []session.Attempt `json:"attempts"`
}

func handleExecute(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	s := sessionFromRequest(deps, r)
	result, err := deps.Orchestrator.Execute(r.Context(), s)
	snapshot := s.Snapshot()

	if deps.History != nil {
		saveRun(deps, r, snapshot, len(result.Results), err)
	}

	if err != nil {
		writePipelineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		Results:  result.Results,
		SQL:      snapshot.CurrentSQL,
		Attempts: snapshot.Attempts,
	})
}

// saveRun records the run outcome; failures are logged, never surfaced.
func saveRun(deps Dependencies, r *http.Request, snapshot session.Snapshot, rows int, execErr error) {
	outcome := "ok"
	if execErr != nil {
		outcome = "failed"
	}
	attempts := make([]history.AttemptRecord, 0, len(snapshot.Attempts))
	for _, a := range snapshot.Attempts {
		attempts = append(attempts, history.AttemptRecord{Ordinal: a.Ordinal, SQL: a.SQL, Error: a.Error})
	}
	if _, err := deps.History.SaveRun(r.Context(), history.SaveRunInput{
		SessionID: snapshot.ID,
		Question:  snapshot.Question,
		FinalSQL:  snapshot.CurrentSQL,
		Outcome:   outcome,
		RowCount:  rows,
		Attempts:  attempts,
	}); err != nil && deps.Logger != nil {
		deps.Logger.WarnContext(r.Context(), "history save failed", "error", err.Error())
	}
}

func handleCancel(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	s := sessionFromRequest(deps, r)
	if err := deps.Orchestrator.Cancel(r.Context(), s); err != nil {
		writePipelineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func handleSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	s := sessionFromRequest(deps, r)
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// handleNewSession mints a session under a fresh random ID. Clients that
// want isolation without choosing their own ID send the returned value in
// the X-Session-ID header on subsequent requests.
func handleNewSession(deps Dependencies, w http.ResponseWriter, _ *http.Request) {
	s := deps.Sessions.New()
	writeJSON(w, http.StatusCreated, map[string]any{"id": s.ID})
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}
