// Package session tracks one record per live WebSocket connection and evicts
// conversations that have gone idle.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrDuplicateSession = errors.New("session already registered")
	ErrUnknownSession   = errors.New("unknown session")
)

// Session is a registry record. Fields are only written by Registry methods;
// callers get copies via Get.
type Session struct {
	ID           string
	BotID        string
	LastActivity time.Time
	Pending      bool
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Register creates a record for a freshly upgraded connection.
func (r *Registry) Register(id, botID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return Session{}, ErrDuplicateSession
	}
	s := &Session{ID: id, BotID: botID, LastActivity: r.now()}
	r.sessions[id] = s
	return *s, nil
}

// Touch refreshes the session's last-activity timestamp.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	s.LastActivity = r.now()
	return nil
}

// Get returns a copy of the session record.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrUnknownSession
	}
	return *s, nil
}

// SetBot switches the session to a different assistant.
func (r *Registry) SetBot(id, botID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	s.BotID = botID
	s.LastActivity = r.now()
	return nil
}

// TrySetPending marks a dispatch in flight. It returns true only if no other
// dispatch was pending, so overlapping requests on one connection are rejected
// rather than interleaved.
func (r *Registry) TrySetPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.Pending {
		return false
	}
	s.Pending = true
	return true
}

// ClearPending is a no-op if the session was already removed.
func (r *Registry) ClearPending(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.Pending = false
	}
}

// Remove deletes the record. Idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SweepIdle removes sessions idle longer than maxIdle and returns their ids so
// the transport can close the underlying connections. The pending check and the
// removal happen under the same lock, so a dispatch that starts concurrently
// cannot have its session swept out from under it.
func (r *Registry) SweepIdle(maxIdle time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var evicted []string
	for id, s := range r.sessions {
		if s.Pending {
			continue
		}
		if now.Sub(s.LastActivity) > maxIdle {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// RunSweeper sweeps on the given interval until ctx is cancelled, passing
// evicted ids to onEvict. Sweep outcomes are logged, never surfaced as errors.
func (r *Registry) RunSweeper(ctx context.Context, interval, maxIdle time.Duration, onEvict func(ids []string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := r.SweepIdle(maxIdle)
			if len(ids) > 0 {
				slog.Info("idle sweep evicted sessions", "count", len(ids))
				if onEvict != nil {
					onEvict(ids)
				}
			}
		}
	}
}
