package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sqlpilot/sqlpilot/internal/history"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping history db: %w", err)
	}
	return nil
}

// EnsureSchema creates the history tables when they do not exist yet. The
// service runs against shared databases, so it never drops or alters.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS query_run (
    run_id     BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    question   TEXT NOT NULL,
    final_sql  TEXT NOT NULL DEFAULT '',
    outcome    TEXT NOT NULL,
    row_count  INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS query_run_attempt (
    run_id    BIGINT NOT NULL REFERENCES query_run (run_id) ON DELETE CASCADE,
    ordinal   INTEGER NOT NULL,
    sql_text  TEXT NOT NULL,
    error     TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, ordinal)
)`,
		`
CREATE INDEX IF NOT EXISTS query_run_session_idx
    ON query_run (session_id, created_at DESC)`,
	}
	for _, statement := range statements {
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("ensure history schema: %w", err)
		}
	}
	return nil
}

func (r *Repository) SaveRun(ctx context.Context, in history.SaveRunInput) (history.Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return history.Record{}, fmt.Errorf("begin save run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	record := history.Record{
		SessionID: in.SessionID,
		Question:  in.Question,
		FinalSQL:  in.FinalSQL,
		Outcome:   in.Outcome,
		RowCount:  in.RowCount,
		Attempts:  in.Attempts,
	}

	query := `
INSERT INTO query_run (session_id, question, final_sql, outcome, row_count)
VALUES ($1, $2, $3, $4, $5)
RETURNING run_id, created_at`
	if err := tx.QueryRowContext(ctx, query,
		in.SessionID, in.Question, in.FinalSQL, in.Outcome, in.RowCount,
	).Scan(&record.ID, &record.CreatedAt); err != nil {
		return history.Record{}, fmt.Errorf("insert query run: %w", err)
	}

	for _, attempt := range in.Attempts {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO query_run_attempt (run_id, ordinal, sql_text, error)
VALUES ($1, $2, $3, $4)`,
			record.ID, attempt.Ordinal, attempt.SQL, attempt.Error,
		); err != nil {
			return history.Record{}, fmt.Errorf("insert run attempt %d: %w", attempt.Ordinal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return history.Record{}, fmt.Errorf("commit save run: %w", err)
	}
	return record, nil
}

func (r *Repository) RecentRuns(ctx context.Context, sessionID string, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT run_id, session_id, question, final_sql, outcome, row_count, created_at
FROM query_run
WHERE session_id = $1
ORDER BY created_at DESC
LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]history.Record, 0)
	for rows.Next() {
		var record history.Record
		if err := rows.Scan(
			&record.ID,
			&record.SessionID,
			&record.Question,
			&record.FinalSQL,
			&record.Outcome,
			&record.RowCount,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}

	for i := range records {
		attempts, err := r.runAttempts(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Attempts = attempts
	}
	return records, nil
}

func (r *Repository) runAttempts(ctx context.Context, runID int64) ([]history.AttemptRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT ordinal, sql_text, error
FROM query_run_attempt
WHERE run_id = $1
ORDER BY ordinal ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	attempts := make([]history.AttemptRecord, 0)
	for rows.Next() {
		var attempt history.AttemptRecord
		if err := rows.Scan(&attempt.Ordinal, &attempt.SQL, &attempt.Error); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt rows: %w", err)
	}
	return attempts, nil
}
