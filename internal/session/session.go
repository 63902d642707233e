// Package session owns the per-session pipeline state machine: connect,
// parse, generate, execute and cancel all operate on one Session at a time.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sqlpilot/sqlpilot/internal/schema"
)

// Status is the session lifecycle phase. Exactly one long-running operation
// may be in flight per session; cancelling is the transient phase between a
// cancel request and the terminate acknowledgment.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusGenerating Status = "generating"
	StatusExecuting  Status = "executing"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
)

var (
	// ErrBusy rejects a second long-running operation on the same session.
	ErrBusy = errors.New("another operation is already in progress for this session")

	// ErrNotDatabaseRelated means the question (or the model's answer) was
	// classified as off-topic and no query was produced.
	ErrNotDatabaseRelated = errors.New("the question is not related to database content")

	// ErrNoQueryFound means the model answered but no SQL statement could be
	// recovered from its output.
	ErrNoQueryFound = errors.New("no SQL query found in the generated output")

	// ErrNoQuery means execute was requested before a successful generate.
	ErrNoQuery = errors.New("no query available to execute")

	// ErrNoSchema means generate was requested before a successful parse.
	ErrNoSchema = errors.New("no schema context available; parse a database first")

	// ErrExecutionFailed means the statement ran but produced no result set,
	// even after the backend's automatic refinements.
	ErrExecutionFailed = errors.New("query execution failed")
)

// Attempt is one generated or refined statement, in execution order.
// Ordinals are contiguous starting at 1; a fresh generate resets the list.
// Raw is the unparsed model output, kept only on the generated attempt.
type Attempt struct {
	Ordinal int    `json:"ordinal"`
	SQL     string `json:"sql"`
	Error   string `json:"error,omitempty"`
	Raw     string `json:"raw,omitempty"`
}

type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	busy      bool
	status    Status
	question  string
	rawOutput string
	current   string
	attempts  []Attempt
	schemaCtx schema.Context
	hasSchema bool
	databases []string
	cancel    context.CancelFunc
	slow      bool
	updatedAt time.Time
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		status:    StatusIdle,
		updatedAt: now,
	}
}

// begin claims the session for one long-running operation. It stores the
// cancel func so a concurrent Cancel can abort the in-flight work.
func (s *Session) begin(status Status, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	s.status = status
	s.cancel = cancel
	s.slow = false
	s.updatedAt = time.Now()
	return nil
}

// markSlow flags the session as exceeding the soft timeout. The flag is
// observable in the snapshot and clears when the next operation begins.
func (s *Session) markSlow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slow = true
	s.updatedAt = time.Now()
}

func (s *Session) end(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.status = status
	s.cancel = nil
	s.updatedAt = time.Now()
}

// Snapshot is a point-in-time copy of the observable session state.
type Snapshot struct {
	ID                  string         `json:"id"`
	Status              Status         `json:"status"`
	Question            string         `json:"question,omitempty"`
	CurrentSQL          string         `json:"currentSql,omitempty"`
	Attempts            []Attempt      `json:"attempts"`
	Databases           []string       `json:"databases,omitempty"`
	HasSchema           bool           `json:"hasSchema"`
	SchemaEmpty         bool           `json:"schemaEmpty"`
	SoftTimeoutExceeded bool           `json:"softTimeoutExceeded"`
	Tables              []schema.Table `json:"tables,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempts := make([]Attempt, len(s.attempts))
	copy(attempts, s.attempts)
	databases := make([]string, len(s.databases))
	copy(databases, s.databases)
	return Snapshot{
		ID:                  s.ID,
		Status:              s.status,
		Question:            s.question,
		CurrentSQL:          s.current,
		Attempts:            attempts,
		Databases:           databases,
		HasSchema:           s.hasSchema,
		SchemaEmpty:         s.hasSchema && s.schemaCtx.IsEmpty(),
		SoftTimeoutExceeded: s.slow,
		Tables:              s.schemaCtx.Tables,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.updatedAt,
	}
}

// Context returns the current schema context and whether one exists.
func (s *Session) Context() (schema.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemaCtx, s.hasSchema
}

// CurrentSQL returns the statement that execute would run.
func (s *Session) CurrentSQL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
