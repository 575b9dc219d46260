// Package heartbeat evicts sessions that have gone quiet.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/session"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 60 * time.Second
)

// Sessions is the registry surface the supervisor sweeps.
type Sessions interface {
	IdleSince(cutoff time.Time) []*session.Session
	Remove(s *session.Session)
}

// Offliner marks a driver offline in the store.
type Offliner interface {
	MarkOffline(ctx context.Context, driverID int64) (bool, error)
}

// Supervisor periodically removes sessions with no inbound activity for
// longer than Timeout. Idle drivers are marked offline first.
type Supervisor struct {
	Sessions Sessions
	Drivers  Offliner
	Interval time.Duration
	Timeout  time.Duration
	// StoreTimeout bounds each offline write; zero means 5s.
	StoreTimeout time.Duration
	Logger       *slog.Logger
}

// Run sweeps on every tick until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	s.logger().Info("heartbeat supervisor started", "interval", interval, "timeout", s.timeout())
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			s.Sweep(ctx, now)
		}
	}
}

// Sweep evicts every session idle at now and returns how many were evicted.
func (s *Supervisor) Sweep(ctx context.Context, now time.Time) int {
	idle := s.Sessions.IdleSince(now.Add(-s.timeout()))
	for _, sess := range idle {
		id, authed := sess.Identity()
		if authed && id.Role == models.RoleDriver && s.Drivers != nil {
			s.markOffline(ctx, id.UserID)
		}
		s.Sessions.Remove(sess)

		label := observability.LabelUnauthenticated
		if authed {
			label = string(id.Role)
		}
		observability.HeartbeatEvictionsTotal.WithLabelValues(label).Inc()
		s.logger().Info("session_evicted_idle", "session_id", sess.ID, "user_id", id.UserID, "role", label,
			"idle", now.Sub(sess.LastActivity()).Round(time.Second))
	}
	return len(idle)
}

func (s *Supervisor) markOffline(ctx context.Context, driverID int64) {
	d := s.StoreTimeout
	if d <= 0 {
		d = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d)
	defer cancel()
	if _, err := s.Drivers.MarkOffline(ctx, driverID); err != nil {
		s.logger().Warn("mark driver offline failed", "driver_id", driverID, "err", err)
	}
}

func (s *Supervisor) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
