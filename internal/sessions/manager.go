// Package sessions keeps short-lived conversation state in memory. History is
// capped per session and idle sessions are swept on a timer; durable facts
// belong in the memory store, not here.
package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/castellan-ai/castellan/internal/providers"
)

const (
	// MaxTurns is the per-session history cap; oldest turns are dropped.
	MaxTurns = 50
	// TTL is how long a session survives since its last update.
	TTL = 60 * time.Minute
	// SweepInterval is how often expired sessions are collected.
	SweepInterval = 5 * time.Minute
)

// Session is one conversation's transient state.
type Session struct {
	ID        string
	UserID    string
	Messages  []providers.Turn
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Info is a lightweight session descriptor for listing.
type Info struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	TurnCount int       `json:"turnCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Manager owns the in-memory session table.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl       time.Duration
	maxTurns  int
	onExpired func(Info)

	now func() time.Time
}

type Option func(*Manager)

// WithTTL overrides the idle expiry window.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

// WithMaxTurns overrides the history cap.
func WithMaxTurns(n int) Option {
	return func(m *Manager) { m.maxTurns = n }
}

// WithOnExpired installs a hook invoked for each swept session.
func WithOnExpired(fn func(Info)) Option {
	return func(m *Manager) { m.onExpired = fn }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		ttl:      TTL,
		maxTurns: MaxTurns,
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetOrCreate returns the session for id, creating it if absent.
func (m *Manager) GetOrCreate(id, userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return s
	}
	now := m.now()
	s := &Session{ID: id, UserID: userID, CreatedAt: now, UpdatedAt: now}
	m.sessions[id] = s
	slog.Debug("sessions.created", "sessionId", id, "userId", userID)
	return s
}

// Append adds turns to a session's history, enforcing the turn cap.
func (m *Manager) Append(id, userID string, turns ...providers.Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		now := m.now()
		s = &Session{ID: id, UserID: userID, CreatedAt: now}
		m.sessions[id] = s
	}
	s.Messages = append(s.Messages, turns...)
	if over := len(s.Messages) - m.maxTurns; over > 0 {
		s.Messages = s.Messages[over:]
	}
	s.UpdatedAt = m.now()
}

// History returns a copy of the session's turns, nil if the session is gone.
func (m *Manager) History(id string) []providers.Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	out := make([]providers.Turn, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// Touch refreshes a session's TTL without modifying history.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.UpdatedAt = m.now()
	}
}

// Delete removes a session.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// List returns descriptors for all live sessions, optionally filtered by user.
func (m *Manager) List(userID string) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Info
	for _, s := range m.sessions {
		if userID != "" && s.UserID != userID {
			continue
		}
		out = append(out, Info{
			ID:        s.ID,
			UserID:    s.UserID,
			TurnCount: len(s.Messages),
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		})
	}
	return out
}

// Sweep removes sessions idle past the TTL and fires the expiry hook for
// each. Returns how many were removed.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	var expired []Info
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			expired = append(expired, Info{
				ID:        s.ID,
				UserID:    s.UserID,
				TurnCount: len(s.Messages),
				CreatedAt: s.CreatedAt,
				UpdatedAt: s.UpdatedAt,
			})
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, info := range expired {
		slog.Info("sessions.expired", "sessionId", info.ID, "userId", info.UserID)
		if m.onExpired != nil {
			m.onExpired(info)
		}
	}
	return len(expired)
}

// Run sweeps periodically until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
