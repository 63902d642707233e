package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// DefaultSessionID is used when a request carries no session header.
const DefaultSessionID = "default"

// Manager keeps sessions in a TTL cache; a session that sees no traffic for
// the full TTL is evicted with its schema context and attempt history.
type Manager struct {
	cache *ttlcache.Cache[string, *Session]
}

func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Session](ttl),
	)
	if logger != nil {
		cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Session]) {
			if reason == ttlcache.EvictionReasonExpired {
				logger.Info("session expired", slog.String("session_id", item.Key()))
			}
		})
	}
	go cache.Start()
	return &Manager{cache: cache}
}

// Get returns the session for the given ID, creating it on first use.
// Reading refreshes the TTL. An empty ID maps to the default session.
// Creation is atomic so two concurrent first requests share one session.
func (m *Manager) Get(id string) *Session {
	if id == "" {
		id = DefaultSessionID
	}
	item, _ := m.cache.GetOrSet(id, newSession(id, time.Now()))
	return item.Value()
}

// New creates a session under a fresh random ID.
func (m *Manager) New() *Session {
	id := uuid.NewString()
	s := newSession(id, time.Now())
	m.cache.Set(id, s, ttlcache.DefaultTTL)
	return s
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	return m.cache.Len()
}

func (m *Manager) Close() {
	m.cache.Stop()
}
