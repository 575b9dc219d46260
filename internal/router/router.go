// Package router runs the per-connection read loop: it decodes frames,
// authenticates the session and dispatches ride traffic to the engine.
package router

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultAuthGrace       = 30 * time.Second
	DefaultHandlerTimeout  = 10 * time.Second
	DefaultMaxMessageBytes = 64 << 10

	msgNotAuthenticated = "not authenticated"
	msgAuthTimeout      = "authentication timeout"
	msgRateLimited      = "rate limit exceeded"
)

// frame outcomes recorded on FramesTotal
const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeRejected = "rejected"
	outcomeIgnored  = "ignored"
	outcomePanic    = "panic"
)

// Engine is the ride lifecycle surface the router dispatches to.
type Engine interface {
	Request(ctx context.Context, who session.Identity, m *protocol.RideRequest) (rides.Outcome, error)
	Accept(ctx context.Context, who session.Identity, rideID int64) (rides.Outcome, error)
	Start(ctx context.Context, who session.Identity, rideID int64) (rides.Outcome, error)
	Complete(ctx context.Context, who session.Identity, rideID int64) (rides.Outcome, error)
	Cancel(ctx context.Context, who session.Identity, rideID int64, reason string) (rides.Outcome, error)
	UpdateLocation(ctx context.Context, who session.Identity, m *protocol.DriverLocationUpdate) (rides.Outcome, error)
	UpdateStatus(ctx context.Context, who session.Identity, status models.DriverStatus) (rides.Outcome, error)
	Deliver(ctx context.Context, caller *session.Session, out rides.Outcome)
}

// Users resolves auth claims.
type Users interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

type Options struct {
	AuthGrace       time.Duration
	HandlerTimeout  time.Duration
	MaxMessageBytes int64
	// PingInterval enables transport pings; a client pong counts as activity.
	PingInterval time.Duration
	WriteTimeout time.Duration
}

type Router struct {
	reg    *session.Registry
	engine Engine
	users  Users
	opts   Options
	logger *slog.Logger
}

func New(reg *session.Registry, engine Engine, users Users, logger *slog.Logger, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AuthGrace <= 0 {
		opts.AuthGrace = DefaultAuthGrace
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Router{reg: reg, engine: engine, users: users, opts: opts, logger: logger}
}

// Serve owns conn until it closes. Frames from one connection are handled
// strictly in arrival order.
func (r *Router) Serve(ctx context.Context, conn *websocket.Conn) {
	s := r.reg.Register(conn)
	defer r.reg.Remove(s)

	conn.SetReadLimit(r.opts.MaxMessageBytes)
	conn.SetPongHandler(func(string) error {
		r.reg.Touch(s)
		return nil
	})
	_ = conn.SetReadDeadline(time.Now().Add(r.opts.AuthGrace))

	done := make(chan struct{})
	defer close(done)
	if r.opts.PingInterval > 0 {
		go r.pingLoop(conn, done)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.readFailed(s, err)
			return
		}
		typ := r.HandleFrame(ctx, s, data)
		switch {
		case s.Authenticated():
			_ = conn.SetReadDeadline(time.Time{})
		case typ == protocol.TypeAuth || typ == protocol.TypePing:
			_ = conn.SetReadDeadline(time.Now().Add(r.opts.AuthGrace))
		}
	}
}

func (r *Router) readFailed(s *session.Session, err error) {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() && !s.Authenticated() {
		_ = s.SendJSON(protocol.TypeError, protocol.Error{Message: msgAuthTimeout})
		r.logger.Info("session_auth_timeout", "session_id", s.ID)
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		r.logger.Warn("ws read error", "session_id", s.ID, "err", err)
		return
	}
	r.logger.Debug("ws closed", "session_id", s.ID, "err", err)
}

func (r *Router) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(r.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// HandleFrame processes one raw frame for s and returns its decoded type, or
// "" when the frame was rejected before decoding. It never panics.
func (r *Router) HandleFrame(ctx context.Context, s *session.Session, data []byte) (typ string) {
	start := time.Now()
	outcome := outcomeOK
	defer func() {
		if rec := recover(); rec != nil {
			outcome = outcomePanic
			r.logger.Error("panic in frame handler", "session_id", s.ID, "type", typ, "panic", rec, "stack", string(debug.Stack()))
			r.sendError(s, rides.InternalMessage)
		}
		label := typ
		if label == "" {
			label = "invalid"
		}
		observability.FramesTotal.WithLabelValues(label, outcome).Inc()
		observability.FrameDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	if !s.Allow() {
		outcome = outcomeRejected
		r.sendError(s, msgRateLimited)
		return ""
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		outcome = outcomeRejected
		r.logger.Debug("bad frame", "session_id", s.ID, "err", err)
		r.sendError(s, rides.ClientMessage(rides.Protocol(err)))
		return ""
	}
	typ = msg.Type()

	switch m := msg.(type) {
	case protocol.Ping:
		r.reg.Touch(s)
		_ = s.SendJSON(protocol.TypePong, nil)
		return typ
	case *protocol.Auth:
		if !r.authenticate(ctx, s, m) {
			outcome = outcomeError
		}
		return typ
	}

	if !s.Authenticated() {
		outcome = outcomeRejected
		r.sendError(s, msgNotAuthenticated)
		return typ
	}
	r.reg.Touch(s)

	if u, ok := msg.(protocol.Unknown); ok {
		outcome = outcomeIgnored
		r.logger.Info("unknown message type ignored", "session_id", s.ID, "type", u.Kind)
		return typ
	}

	// store calls finish even if the connection drops mid-handler
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.HandlerTimeout)
	defer cancel()

	who, _ := s.Identity()
	out, err := r.dispatch(hctx, who, msg)
	if err != nil {
		outcome = outcomeError
		r.logHandlerError(s, who, typ, err)
		r.sendError(s, rides.ClientMessage(err))
		return typ
	}
	r.engine.Deliver(hctx, s, out)
	return typ
}

func (r *Router) dispatch(ctx context.Context, who session.Identity, msg protocol.Message) (rides.Outcome, error) {
	switch m := msg.(type) {
	case *protocol.RideRequest:
		return r.engine.Request(ctx, who, m)
	case *protocol.RideAccepted:
		return r.engine.Accept(ctx, who, m.RideRequestID)
	case *protocol.RideStarted:
		return r.engine.Start(ctx, who, m.RideRequestID)
	case *protocol.RideCompleted:
		return r.engine.Complete(ctx, who, m.RideRequestID)
	case *protocol.RideCanceled:
		return r.engine.Cancel(ctx, who, m.RideRequestID, m.Reason)
	case *protocol.DriverLocationUpdate:
		return r.engine.UpdateLocation(ctx, who, m)
	case *protocol.DriverStatusUpdate:
		return r.engine.UpdateStatus(ctx, who, m.Status)
	}
	return rides.Outcome{}, rides.Protocol(errors.New("unsupported message type " + msg.Type()))
}

func (r *Router) authenticate(ctx context.Context, s *session.Session, m *protocol.Auth) bool {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.HandlerTimeout)
	defer cancel()

	u, err := r.users.GetUserByID(hctx, m.UserID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		r.sendError(s, "unknown user")
		return false
	case err != nil:
		r.logger.Error("auth lookup failed", "session_id", s.ID, "user_id", m.UserID, "err", err)
		r.sendError(s, rides.InternalMessage)
		return false
	case u.Type != m.UserType:
		r.logger.Info("auth role mismatch", "session_id", s.ID, "user_id", m.UserID, "claimed", m.UserType, "actual", u.Type)
		r.sendError(s, "user is not a "+string(m.UserType))
		return false
	}
	if err := r.reg.Bind(s, u.ID, u.Type); err != nil {
		r.logger.Warn("bind failed", "session_id", s.ID, "user_id", u.ID, "err", err)
		return false
	}
	return true
}

func (r *Router) logHandlerError(s *session.Session, who session.Identity, typ string, err error) {
	args := []any{"session_id", s.ID, "user_id", who.UserID, "role", who.Role, "type", typ, "kind", rides.KindOf(err).String(), "err", err}
	if rides.KindOf(err) == rides.KindStore {
		r.logger.Error("frame handler failed", args...)
		return
	}
	r.logger.Info("frame refused", args...)
}

func (r *Router) sendError(s *session.Session, msg string) {
	if err := s.SendJSON(protocol.TypeError, protocol.Error{Message: msg}); err != nil {
		r.logger.Debug("error frame not delivered", "session_id", s.ID, "err", err)
	}
}
