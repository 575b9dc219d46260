// Package session tracks every live connection and the identity bound to it.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
)

// Options tunes per-session behaviour.
type Options struct {
	WriteTimeout time.Duration
	FrameRate    float64
	FrameBurst   int
}

// Registry is the single owner of the connection table. All mutation goes
// through its methods under one lock; at most one session exists per identity.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	byIdentity map[Identity]*Session

	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewRegistry(logger *slog.Logger, opts Options) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		byIdentity: make(map[Identity]*Session),
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// Register adds an unauthenticated placeholder for conn.
func (r *Registry) Register(conn Conn) *Session {
	limit := rate.Inf
	if r.opts.FrameRate > 0 {
		limit = rate.Limit(r.opts.FrameRate)
	}
	burst := r.opts.FrameBurst
	if burst <= 0 {
		burst = 1
	}
	now := r.now()
	s := &Session{
		ID:           uuid.NewString(),
		ConnectedAt:  now,
		conn:         conn,
		writeTimeout: r.opts.WriteTimeout,
		limiter:      rate.NewLimiter(limit, burst),
	}
	s.touch(now)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	observability.SessionsActive.WithLabelValues(observability.LabelUnauthenticated).Inc()
	r.logger.Debug("session_registered", "session_id", s.ID)
	return s
}

// Bind authenticates s as (userID, role), evicting any other session already
// bound to that pair, then sends auth_success to s.
func (r *Registry) Bind(s *Session, userID int64, role models.Role) error {
	id := Identity{UserID: userID, Role: role}

	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; !ok {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	var evicted *Session
	if prev, ok := r.byIdentity[id]; ok && prev != s {
		evicted = prev
		r.dropLocked(prev)
	}
	prevID, wasAuth := s.setIdentity(id)
	if wasAuth && prevID != id && r.byIdentity[prevID] == s {
		delete(r.byIdentity, prevID)
	}
	r.byIdentity[id] = s
	r.mu.Unlock()

	observability.SessionsActive.WithLabelValues(labelFor(prevID, wasAuth)).Dec()
	observability.SessionsActive.WithLabelValues(string(role)).Inc()
	s.touch(r.now())

	if evicted != nil {
		evicted.close()
		r.logger.Info("session_replaced", "session_id", evicted.ID, "new_session_id", s.ID, "user_id", userID, "role", role)
	}
	r.logger.Info("session_authenticated", "session_id", s.ID, "user_id", userID, "role", role)

	return s.SendJSON(protocol.TypeAuthSuccess, protocol.AuthSuccess{UserID: userID, UserType: role, SessionID: s.ID})
}

// Touch records inbound activity on s.
func (r *Registry) Touch(s *Session) {
	s.touch(r.now())
}

func (r *Registry) FindByUser(userID int64, role models.Role) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byIdentity[Identity{UserID: userID, Role: role}]; ok {
		return []*Session{s}
	}
	return nil
}

func (r *Registry) FindByRole(role models.Role) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0)
	for id, s := range r.byIdentity {
		if id.Role == role {
			out = append(out, s)
		}
	}
	return out
}

// All returns every registered session, authenticated or not.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// IdleSince returns sessions whose last activity is before cutoff.
func (r *Registry) IdleSince(cutoff time.Time) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Remove closes s and deletes it. Safe to call more than once.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	_, ok := r.sessions[s.ID]
	if ok {
		r.dropLocked(s)
	}
	r.mu.Unlock()

	s.close()
	if ok {
		id, authed := s.Identity()
		r.logger.Debug("session_removed", "session_id", s.ID, "user_id", id.UserID, "role", id.Role, "authenticated", authed)
	}
}

// CloseAll closes and forgets every session; used on shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.All() {
		r.Remove(s)
	}
}

// Counts reports live sessions per role, with unauthenticated ones under
// their own key.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for _, s := range r.sessions {
		id, ok := s.Identity()
		out[labelFor(id, ok)]++
	}
	return out
}

func (r *Registry) dropLocked(s *Session) {
	delete(r.sessions, s.ID)
	id, ok := s.Identity()
	if ok && r.byIdentity[id] == s {
		delete(r.byIdentity, id)
	}
	observability.SessionsActive.WithLabelValues(labelFor(id, ok)).Dec()
}

func labelFor(id Identity, authenticated bool) string {
	if !authenticated {
		return observability.LabelUnauthenticated
	}
	return string(id.Role)
}
