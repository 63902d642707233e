package session

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(m.Close)
	return m
}

func TestManagerGetCreatesOnFirstUse(t *testing.T) {
	m := newTestManager(t)

	s := m.Get("abc")
	if s == nil || s.ID != "abc" {
		t.Fatalf("session = %+v", s)
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d", m.Len())
	}
}

func TestManagerGetReturnsSameSession(t *testing.T) {
	m := newTestManager(t)

	first := m.Get("abc")
	second := m.Get("abc")
	if first != second {
		t.Fatal("expected the same session instance")
	}
}

func TestManagerConcurrentFirstUseSharesOneSession(t *testing.T) {
	m := newTestManager(t)

	const workers = 16
	sessions := make([]*Session, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := range sessions {
		go func() {
			defer wg.Done()
			sessions[i] = m.Get("shared")
		}()
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if sessions[i] != sessions[0] {
			t.Fatal("concurrent first requests must share one session instance")
		}
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d", m.Len())
	}
}

func TestManagerEmptyIDMapsToDefault(t *testing.T) {
	m := newTestManager(t)

	s := m.Get("")
	if s.ID != DefaultSessionID {
		t.Fatalf("ID = %q", s.ID)
	}
	if m.Get(DefaultSessionID) != s {
		t.Fatal("default session must be shared")
	}
}

func TestManagerNewAssignsUniqueIDs(t *testing.T) {
	m := newTestManager(t)

	a := m.New()
	b := m.New()
	if a.ID == b.ID {
		t.Fatalf("duplicate session IDs: %q", a.ID)
	}
	if m.Len() != 2 {
		t.Fatalf("Len() = %d", m.Len())
	}
}

func TestSessionSnapshotIsACopy(t *testing.T) {
	s := newSession("x", time.Now())
	s.attempts = []Attempt{{Ordinal: 1, SQL: "SELECT 1"}}

	snapshot := s.Snapshot()
	snapshot.Attempts[0].SQL = "mutated"

	if s.attempts[0].SQL != "SELECT 1" {
		t.Fatal("snapshot must not alias session state")
	}
}
