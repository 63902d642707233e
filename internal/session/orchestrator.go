package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/sqlpilot/sqlpilot/internal/bridge"
	"github.com/sqlpilot/sqlpilot/internal/classify"
	"github.com/sqlpilot/sqlpilot/internal/config"
	"github.com/sqlpilot/sqlpilot/internal/extract"
	"github.com/sqlpilot/sqlpilot/internal/observability"
	"github.com/sqlpilot/sqlpilot/internal/qualify"
	"github.com/sqlpilot/sqlpilot/internal/schema"
)

// Backend is the slice of the bridge client the orchestrator drives.
type Backend interface {
	Connect(ctx context.Context, conn schema.Connection) ([]string, error)
	Parse(ctx context.Context, conn schema.Connection) ([]schema.Table, error)
	Generate(ctx context.Context, req bridge.GenerateRequest) (string, error)
	Execute(ctx context.Context, req bridge.ExecuteRequest) (bridge.ExecuteResult, error)
	Terminate(ctx context.Context, conn schema.Connection) (bool, error)
}

// Orchestrator runs the question-to-result pipeline against one session at a
// time. Sessions serialize their own operations; the orchestrator itself is
// stateless and safe for concurrent use.
type Orchestrator struct {
	backend Backend
	cfg     config.PipelineConfig
	clock   clockwork.Clock
	logger  *slog.Logger
}

func NewOrchestrator(backend Backend, cfg config.PipelineConfig, clock clockwork.Clock, logger *slog.Logger) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRefinements <= 0 {
		cfg.MaxRefinements = 10
	}
	return &Orchestrator{backend: backend, cfg: cfg, clock: clock, logger: logger}
}

// Connect lists the databases visible through the given connection and
// remembers them on the session.
func (o *Orchestrator) Connect(ctx context.Context, s *Session, conn schema.Connection) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.begin(StatusIdle, cancel); err != nil {
		return nil, err
	}
	defer s.end(StatusIdle)

	databases, err := o.backend.Connect(ctx, conn)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.databases = databases
	s.mu.Unlock()
	return databases, nil
}

// Parse builds the schema context for one or more databases on the same
// server. Multiple databases are parsed concurrently; the operation is
// all-or-nothing so a partial context never replaces a complete one. On
// success the previous context, question and attempts are discarded.
func (o *Orchestrator) Parse(ctx context.Context, s *Session, conn schema.Connection, databases []string) (schema.Context, error) {
	if len(databases) == 0 {
		if strings.TrimSpace(conn.Database) == "" {
			return schema.Context{}, fmt.Errorf("no database selected")
		}
		databases = []string{conn.Database}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.begin(StatusIdle, cancel); err != nil {
		return schema.Context{}, err
	}
	defer s.end(StatusIdle)

	stop := o.softTimeoutWarning(s, "parse")
	defer stop()

	results := make([]schema.Context, len(databases))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, name := range databases {
		group.Go(func() error {
			dbConn := conn
			dbConn.Database = name
			tables, err := o.backend.Parse(groupCtx, dbConn)
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			results[i] = schema.BuildContext(dbConn, tables)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return schema.Context{}, err
	}

	merged := schema.Aggregate(results, databases)

	s.mu.Lock()
	s.schemaCtx = merged
	s.hasSchema = true
	s.question = ""
	s.rawOutput = ""
	s.current = ""
	s.attempts = nil
	s.mu.Unlock()

	o.logger.InfoContext(ctx, "schema parsed",
		slog.String("session_id", s.ID),
		slog.Int("databases", len(databases)),
		slog.Int("tables", len(merged.Tables)),
		slog.Bool("empty", merged.IsEmpty()),
	)
	return merged, nil
}

// Generate turns a natural-language question into a qualified, row-capped
// statement. The question is classified before any network call; the raw
// model output is classified again so a refusal or off-topic answer is
// surfaced as ErrNotDatabaseRelated rather than ErrNoQueryFound.
func (o *Orchestrator) Generate(ctx context.Context, s *Session, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("no question provided")
	}

	verdict := classify.Classify(question)
	observability.ObserveClassification(verdict.Reason, verdict.Blocked)
	if verdict.Blocked {
		o.logger.InfoContext(ctx, "question blocked",
			slog.String("session_id", s.ID),
			slog.String("reason", verdict.Reason),
		)
		return "", ErrNotDatabaseRelated
	}

	schemaCtx, ok := s.Context()
	if !ok {
		return "", ErrNoSchema
	}
	if schemaCtx.IsEmpty() {
		return "", fmt.Errorf("%w: the parsed database has no tables", ErrNoSchema)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.begin(StatusGenerating, cancel); err != nil {
		return "", err
	}
	status := StatusIdle
	defer func() { s.end(status) }()

	stop := o.softTimeoutWarning(s, "generate")
	defer stop()

	// The inference service composes its own prompt from the question,
	// template and examples. InlinePrompt targets services that do not:
	// they get the fully rendered prompt in the question field instead.
	promptQuestion := question
	if o.cfg.InlinePrompt {
		promptQuestion = schema.ComposePrompt(question, schemaCtx)
	}
	req := bridge.GenerateRequest{
		Question:       promptQuestion,
		DatabaseInfo:   schemaCtx.Connection,
		PromptTemplate: schemaCtx.PromptTemplate,
		QueryExamples:  schemaCtx.QueryExamples,
		MaxRows:        o.cfg.MaxRows,
		RelevantSchema: schema.RelevantExcerpt(question, schemaCtx.Tables, o.cfg.RelevantTables),
	}

	raw, err := o.backend.Generate(ctx, req)
	if err != nil {
		observability.ObserveGeneration("error")
		return "", err
	}

	if answer := classify.Classify(raw); answer.Blocked {
		observability.ObserveGeneration("blocked_output")
		return "", ErrNotDatabaseRelated
	}

	sql, strategy := extract.Detail(raw)
	observability.ObserveExtraction(strategy)
	if sql == "" {
		observability.ObserveGeneration("no_query")
		return "", ErrNoQueryFound
	}

	qualified := qualify.Qualify(sql, schemaCtx.Connection.Database)
	qualified = qualify.InjectRowCap(qualified, o.cfg.MaxRows)

	s.mu.Lock()
	s.question = question
	s.rawOutput = raw
	s.current = qualified
	s.attempts = []Attempt{{Ordinal: 1, SQL: qualified, Raw: raw}}
	s.mu.Unlock()

	observability.ObserveGeneration("ok")
	o.logger.InfoContext(ctx, "query generated",
		slog.String("session_id", s.ID),
		slog.String("strategy", strategy),
	)
	status = StatusCompleted
	return qualified, nil
}

// Execute runs the current statement. Refinements the backend performed are
// folded into the session's attempt list with contiguous ordinals, capped at
// the configured maximum; when a refinement produced the results, it becomes
// the current statement.
func (o *Orchestrator) Execute(ctx context.Context, s *Session) (bridge.ExecuteResult, error) {
	current := s.CurrentSQL()
	if current == "" {
		return bridge.ExecuteResult{}, ErrNoQuery
	}
	schemaCtx, ok := s.Context()
	if !ok {
		return bridge.ExecuteResult{}, ErrNoSchema
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.begin(StatusExecuting, cancel); err != nil {
		return bridge.ExecuteResult{}, err
	}
	status := StatusIdle
	defer func() { s.end(status) }()

	stop := o.softTimeoutWarning(s, "execute")
	defer stop()

	result, err := o.backend.Execute(ctx, bridge.ExecuteRequest{
		Query:        current,
		DatabaseInfo: schemaCtx.Connection,
		MaxRows:      o.cfg.MaxRows,
	})
	if err != nil {
		var remote *bridge.RemoteError
		if errors.As(err, &remote) {
			o.recordAttemptError(s, remote.Detail)
			observability.ObserveExecution("remote_error", 0)
			return bridge.ExecuteResult{}, fmt.Errorf("%w: %s", ErrExecutionFailed, remote.Detail)
		}
		observability.ObserveExecution("error", 0)
		return bridge.ExecuteResult{}, err
	}

	refinements := result.Refinements
	if len(refinements) > o.cfg.MaxRefinements {
		refinements = refinements[:o.cfg.MaxRefinements]
	}
	o.foldRefinements(s, refinements, result.HasResults)

	if !result.HasResults {
		observability.ObserveExecution("no_results", len(refinements))
		return result, ErrExecutionFailed
	}

	observability.ObserveExecution("ok", len(refinements))
	o.logger.InfoContext(ctx, "query executed",
		slog.String("session_id", s.ID),
		slog.Int("rows", len(result.Results)),
		slog.Int("refinements", len(refinements)),
	)
	status = StatusCompleted
	return result, nil
}

// Cancel aborts any in-flight operation and asks the backend to terminate
// server-side work. Termination is retried with exponential backoff because
// the backend may briefly refuse while the statement is still winding down.
func (o *Orchestrator) Cancel(ctx context.Context, s *Session) error {
	s.mu.Lock()
	cancel := s.cancel
	wasBusy := s.busy
	if wasBusy {
		s.status = StatusCancelling
	}
	schemaCtx := s.schemaCtx
	hasSchema := s.hasSchema
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !hasSchema {
		// Nothing server-side to terminate without a connection.
		if wasBusy {
			s.end(StatusIdle)
		}
		return nil
	}

	operation := func() error {
		_, err := o.backend.Terminate(ctx, schemaCtx.Connection)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		// Terminate is best effort: the in-flight operation is already
		// aborted, so the cancel itself still succeeded.
		o.logger.WarnContext(ctx, "terminate failed",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
	}

	s.end(StatusIdle)
	o.logger.InfoContext(ctx, "operation cancelled", slog.String("session_id", s.ID))
	return nil
}

func (o *Orchestrator) recordAttemptError(s *Session, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.attempts) == 0 {
		return
	}
	s.attempts[len(s.attempts)-1].Error = detail
}

func (o *Orchestrator) foldRefinements(s *Session, refinements []bridge.Refinement, hasResults bool) {
	if len(refinements) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Each refinement becomes the next attempt, carrying the error that
	// refined statement hit; the refinement that produced the results has
	// none. A query-less entry only reports an error, which belongs to
	// the statement before it.
	for _, r := range refinements {
		if strings.TrimSpace(r.Query) == "" {
			if r.Error != "" && len(s.attempts) > 0 && s.attempts[len(s.attempts)-1].Error == "" {
				s.attempts[len(s.attempts)-1].Error = r.Error
			}
			continue
		}
		s.attempts = append(s.attempts, Attempt{
			Ordinal: len(s.attempts) + 1,
			SQL:     r.Query,
			Error:   r.Error,
		})
	}
	if hasResults && len(s.attempts) > 0 {
		s.current = s.attempts[len(s.attempts)-1].SQL
	}
}

// softTimeoutWarning logs when an operation exceeds the configured soft
// timeout and flags the session so the snapshot shows the warning. It never
// aborts the operation; the bridge's own timeouts do that.
func (o *Orchestrator) softTimeoutWarning(s *Session, operation string) func() {
	if o.cfg.SoftTimeout <= 0 {
		return func() {}
	}
	timer := o.clock.AfterFunc(o.cfg.SoftTimeout, func() {
		s.markSlow()
		o.logger.Warn("operation exceeding soft timeout",
			slog.String("session_id", s.ID),
			slog.String("operation", operation),
			slog.String("soft_timeout", o.cfg.SoftTimeout.String()),
		)
	})
	return func() { timer.Stop() }
}
