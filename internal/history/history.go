// Package history persists completed pipeline runs so past questions, the
// statements they produced and their outcomes can be listed later. Saving is
// best effort; the pipeline never fails because history is unavailable.
package history

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("history: not found")

// Record is one completed question-to-result run.
type Record struct {
	ID        int64
	SessionID string
	Question  string
	FinalSQL  string
	Outcome   string
	RowCount  int
	Attempts  []AttemptRecord
	CreatedAt time.Time
}

// AttemptRecord mirrors one generated or refined statement of the run.
type AttemptRecord struct {
	Ordinal int
	SQL     string
	Error   string
}

type Store interface {
	HealthCheck(ctx context.Context) error
	SaveRun(ctx context.Context, in SaveRunInput) (Record, error)
	RecentRuns(ctx context.Context, sessionID string, limit int) ([]Record, error)
}

type SaveRunInput struct {
	SessionID string
	Question  string
	FinalSQL  string
	Outcome   string
	RowCount  int
	Attempts  []AttemptRecord
}
