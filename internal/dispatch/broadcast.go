// Package dispatch fans outbound frames out to live sessions.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
)

// Delivery results recorded on BroadcastDeliveriesTotal.
const (
	resultDelivered  = "delivered"
	resultSkipped    = "skipped"
	resultFailed     = "failed"
	resultPushed     = "pushed"
	resultPushFailed = "push_failed"
)

// Sessions is what the broadcaster needs from the session registry.
type Sessions interface {
	FindByUser(userID int64, role models.Role) []*session.Session
	FindByRole(role models.Role) []*session.Session
	All() []*session.Session
}

// Pusher delivers a frame to a user with no live session.
type Pusher interface {
	Push(ctx context.Context, userID int64, role models.Role, msgType string, payload any) error
}

// Broadcaster is best-effort: sessions that are no longer writable are
// skipped and write failures are logged, never returned to the caller.
type Broadcaster struct {
	sessions Sessions
	push     Pusher
	logger   *slog.Logger
}

func NewBroadcaster(sessions Sessions, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{sessions: sessions, logger: logger}
}

// WithPush sets the fallback used by ToUser when the user is offline.
func (b *Broadcaster) WithPush(p Pusher) *Broadcaster {
	b.push = p
	return b
}

// ToUser sends to the sessions bound to (userID, role) and returns how many
// received the frame.
func (b *Broadcaster) ToUser(ctx context.Context, userID int64, role models.Role, msgType string, payload any) int {
	targets := b.sessions.FindByUser(userID, role)
	if len(targets) == 0 && b.push != nil {
		if err := b.push.Push(ctx, userID, role, msgType, payload); err != nil {
			observability.BroadcastDeliveriesTotal.WithLabelValues(resultPushFailed).Inc()
			b.logger.Warn("push fallback failed", "user_id", userID, "role", role, "type", msgType, "err", err)
			return 0
		}
		observability.BroadcastDeliveriesTotal.WithLabelValues(resultPushed).Inc()
		return 0
	}
	return b.deliver(targets, msgType, payload, nil)
}

// ToRole sends to every authenticated session of role except the listed users.
func (b *Broadcaster) ToRole(_ context.Context, role models.Role, msgType string, payload any, exclude ...int64) int {
	var skip map[int64]struct{}
	if len(exclude) > 0 {
		skip = make(map[int64]struct{}, len(exclude))
		for _, id := range exclude {
			skip[id] = struct{}{}
		}
	}
	return b.deliver(b.sessions.FindByRole(role), msgType, payload, skip)
}

// ToUsers sends to each listed user of role; used for candidate fan-out.
func (b *Broadcaster) ToUsers(ctx context.Context, userIDs []int64, role models.Role, msgType string, payload any) int {
	targets := make([]*session.Session, 0, len(userIDs))
	for _, id := range userIDs {
		targets = append(targets, b.sessions.FindByUser(id, role)...)
	}
	return b.deliver(targets, msgType, payload, nil)
}

// ToAll sends to every registered session, including unauthenticated ones.
func (b *Broadcaster) ToAll(_ context.Context, msgType string, payload any) int {
	return b.deliver(b.sessions.All(), msgType, payload, nil)
}

func (b *Broadcaster) Connected(userID int64, role models.Role) bool {
	for _, s := range b.sessions.FindByUser(userID, role) {
		if s.Writable() {
			return true
		}
	}
	return false
}

// ToSession replies to one session and reports the write error.
func (b *Broadcaster) ToSession(s *session.Session, msgType string, payload any) error {
	err := s.SendJSON(msgType, payload)
	b.record(s, msgType, err)
	return err
}

func (b *Broadcaster) deliver(targets []*session.Session, msgType string, payload any, skip map[int64]struct{}) int {
	if len(targets) == 0 {
		return 0
	}
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		b.logger.Error("encode outbound frame", "type", msgType, "err", err)
		return 0
	}
	sent := 0
	for _, s := range targets {
		if skip != nil {
			if id, ok := s.Identity(); ok {
				if _, excluded := skip[id.UserID]; excluded {
					continue
				}
			}
		}
		if !s.Writable() {
			observability.BroadcastDeliveriesTotal.WithLabelValues(resultSkipped).Inc()
			continue
		}
		err := s.Send(frame)
		b.record(s, msgType, err)
		if err == nil {
			sent++
		}
	}
	return sent
}

func (b *Broadcaster) record(s *session.Session, msgType string, err error) {
	if err != nil {
		observability.BroadcastDeliveriesTotal.WithLabelValues(resultFailed).Inc()
		b.logger.Debug("send failed", "session_id", s.ID, "type", msgType, "err", err)
		return
	}
	observability.BroadcastDeliveriesTotal.WithLabelValues(resultDelivered).Inc()
}
