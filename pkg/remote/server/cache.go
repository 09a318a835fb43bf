package server

import (
	"sync"
	"time"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Cache maps workflow-run ids to live sessions. The lock covers only map
// access; per-session work runs under each session's own mutex. Disposed
// ids leave a tombstone so later calls can tell a closed or expired
// session from one that never existed.
type Cache struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	tombstones map[string]tombstone
}

type tombstone struct {
	code string
	at   time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		sessions:   make(map[string]*Session),
		tombstones: make(map[string]tombstone),
	}
}

// Put registers a session.
func (c *Cache) Put(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.id] = s
	delete(c.tombstones, s.id)
}

// Get returns the live session for id, or a SESSION_NOT_FOUND,
// SESSION_CLOSED or SESSION_EXPIRED error.
func (c *Cache) Get(id string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if s, ok := c.sessions[id]; ok {
		return s, nil
	}
	if tb, ok := c.tombstones[id]; ok {
		return nil, engine.NewSessionError(tb.code, id)
	}
	return nil, engine.NewSessionError(engine.ErrCodeSessionNotFound, id)
}

// Remove drops the session for id and leaves a tombstone with code. It
// returns nil when id is not live, so only one caller disposes a session.
func (c *Cache) Remove(id, code string, now time.Time) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[id]
	if !ok {
		return nil
	}
	delete(c.sessions, id)
	c.tombstones[id] = tombstone{code: code, at: now}
	return s
}

// Len returns the number of live sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Sessions returns the live sessions.
func (c *Cache) Sessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// PurgeTombstones forgets tombstones older than ttl and returns how many
// were dropped. A forgotten id reports SESSION_NOT_FOUND afterwards.
func (c *Cache) PurgeTombstones(now time.Time, ttl time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	purged := 0
	for id, tb := range c.tombstones {
		if now.Sub(tb.at) > ttl {
			delete(c.tombstones, id)
			purged++
		}
	}
	return purged
}
