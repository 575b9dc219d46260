package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
)

var ErrSessionClosed = errors.New("session closed")

// Conn is the subset of *websocket.Conn a session writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Identity is who a session speaks for once authenticated.
type Identity struct {
	UserID int64
	Role   models.Role
}

// Session is one live connection. Writes are serialized; the connection is
// owned by the session and closed exactly once.
type Session struct {
	ID          string
	ConnectedAt time.Time

	conn         Conn
	writeTimeout time.Duration
	limiter      *rate.Limiter

	writeMu sync.Mutex
	closed  bool
	once    sync.Once

	idMu          sync.RWMutex
	identity      Identity
	authenticated bool

	lastActivity atomic.Int64
}

// Identity returns the bound identity and whether the session is authenticated.
// Unauthenticated sessions report the passenger role with user id 0.
func (s *Session) Identity() (Identity, bool) {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	if !s.authenticated {
		return Identity{Role: models.RolePassenger}, false
	}
	return s.identity, true
}

func (s *Session) Authenticated() bool {
	_, ok := s.Identity()
	return ok
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Allow consumes one token from the session's inbound frame budget.
func (s *Session) Allow() bool {
	return s.limiter.Allow()
}

// Writable reports whether frames can still be sent to this session.
func (s *Session) Writable() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return !s.closed
}

// Send writes one pre-encoded frame.
func (s *Session) Send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// SendJSON encodes payload as a frame of msgType and writes it.
func (s *Session) SendJSON(msgType string, payload any) error {
	b, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	return s.Send(b)
}

// close shuts the transport; repeated calls are no-ops.
func (s *Session) close() {
	s.once.Do(func() {
		s.writeMu.Lock()
		s.closed = true
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *Session) setIdentity(id Identity) (prev Identity, wasAuth bool) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	prev, wasAuth = s.identity, s.authenticated
	s.identity = id
	s.authenticated = true
	return prev, wasAuth
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}
