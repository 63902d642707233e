package api

import (
	"net/http"
	"strconv"
	"time"
)

type historyEntry struct {
	ID        int64     `json:"id"`
	Question  string    `json:"question"`
	SQL       string    `json:"sql"`
	Outcome   string    `json:"outcome"`
	RowCount  int       `json:"rowCount"`
	CreatedAt time.Time `json:"createdAt"`
}

func handleHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.History == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_NOT_CONFIGURED", "history is not configured", false, nil)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 200 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 200", false, nil)
			return
		}
		limit = parsed
	}

	s := sessionFromRequest(deps, r)
	records, err := deps.History.RecentRuns(r.Context(), s.ID, limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_ERROR", "failed to load history", true, map[string]any{"details": err.Error()})
		return
	}

	entries := make([]historyEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, historyEntry{
			ID:        record.ID,
			Question:  record.Question,
			SQL:       record.FinalSQL,
			Outcome:   record.Outcome,
			RowCount:  record.RowCount,
			CreatedAt: record.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": entries})
}
