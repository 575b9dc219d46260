package rides

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/session"
)

type audience int

const (
	toCaller audience = iota
	toUser
	toUsers
	toRole
)

// Notice is one planned outbound frame.
type Notice struct {
	audience audience
	userID   int64
	userIDs  []int64
	role     models.Role
	exclude  []int64

	Type    string
	Payload any
}

// Outcome is everything a committed operation wants announced. Engine
// operations only write to the store; Deliver performs the fan-out.
type Outcome struct {
	Notices   []Notice
	Events    []models.RideEvent
	Locations []models.DriverLocation
}

func (o *Outcome) reply(msgType string, payload any) {
	o.Notices = append(o.Notices, Notice{audience: toCaller, Type: msgType, Payload: payload})
}

func (o *Outcome) user(id int64, role models.Role, msgType string, payload any) {
	o.Notices = append(o.Notices, Notice{audience: toUser, userID: id, role: role, Type: msgType, Payload: payload})
}

func (o *Outcome) users(ids []int64, role models.Role, msgType string, payload any) {
	o.Notices = append(o.Notices, Notice{audience: toUsers, userIDs: ids, role: role, Type: msgType, Payload: payload})
}

func (o *Outcome) role(role models.Role, msgType string, payload any, exclude ...int64) {
	o.Notices = append(o.Notices, Notice{audience: toRole, role: role, exclude: exclude, Type: msgType, Payload: payload})
}

// Notifier is the broadcast surface the engine delivers through.
type Notifier interface {
	ToUser(ctx context.Context, userID int64, role models.Role, msgType string, payload any) int
	ToUsers(ctx context.Context, userIDs []int64, role models.Role, msgType string, payload any) int
	ToRole(ctx context.Context, role models.Role, msgType string, payload any, exclude ...int64) int
	ToSession(s *session.Session, msgType string, payload any) error
	// Connected reports whether the user has a session that can take a frame.
	Connected(userID int64, role models.Role) bool
}

// Events receives the committed record of every transition and location write.
type Events interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

// Deliver sends out's notices in order, caller replies going to caller, then
// publishes its events. Every step is best-effort.
func (e *Engine) Deliver(ctx context.Context, caller *session.Session, out Outcome) {
	for _, n := range out.Notices {
		switch n.audience {
		case toCaller:
			if caller != nil {
				_ = e.notify.ToSession(caller, n.Type, n.Payload)
			}
		case toUser:
			e.notify.ToUser(ctx, n.userID, n.role, n.Type, n.Payload)
		case toUsers:
			e.notify.ToUsers(ctx, n.userIDs, n.role, n.Type, n.Payload)
		case toRole:
			e.notify.ToRole(ctx, n.role, n.Type, n.Payload, n.exclude...)
		}
	}
	if e.events == nil {
		return
	}
	for _, ev := range out.Events {
		if err := e.events.PublishRideEvent(ctx, ev); err != nil {
			e.logger.Warn("publish ride event failed", "ride_id", ev.RideID, "status", ev.Status, "err", err)
		}
	}
	for _, loc := range out.Locations {
		if err := e.events.PublishLocation(ctx, loc); err != nil {
			e.logger.Warn("publish driver location failed", "driver_id", loc.DriverID, "err", err)
		}
	}
}
