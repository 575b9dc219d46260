// Package rides owns the ride request state machine and the driver state that
// follows from it.
package rides

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

// ReasonUnavailable is sent to drivers whose offer is gone.
const ReasonUnavailable = "ride no longer available"

// FallbackPolicy decides what happens to a request with no nearby driver.
type FallbackPolicy string

const (
	// FallbackAllDrivers offers the ride to every connected driver.
	FallbackAllDrivers FallbackPolicy = "all_drivers"
	// FallbackNone only acknowledges the passenger.
	FallbackNone FallbackPolicy = "none"
)

func (p FallbackPolicy) Valid() bool {
	return p == FallbackAllDrivers || p == FallbackNone
}

// Locator finds candidate drivers for a pickup point.
type Locator interface {
	FindAvailable(ctx context.Context, lat, lng, radiusMeters float64) ([]int64, error)
}

type Options struct {
	Fallback     FallbackPolicy
	RadiusMeters float64
}

type Engine struct {
	store   storage.Gateway
	locator Locator
	notify  Notifier
	events  Events
	eta     eta.Estimator
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

func NewEngine(store storage.Gateway, locator Locator, notify Notifier, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if !opts.Fallback.Valid() {
		opts.Fallback = FallbackAllDrivers
	}
	return &Engine{store: store, locator: locator, notify: notify, opts: opts, logger: logger, now: time.Now}
}

// WithEvents attaches the event stream written after each commit.
func (e *Engine) WithEvents(ev Events) *Engine {
	e.events = ev
	return e
}

// WithETA enables pickup estimates on ride_accepted.
func (e *Engine) WithETA(est eta.Estimator) *Engine {
	e.eta = est
	return e
}

// Request creates a pending ride for a passenger and offers it to nearby
// connected drivers, or to every connected driver when none is found and the
// policy allows it.
func (e *Engine) Request(ctx context.Context, who session.Identity, m *protocol.RideRequest) (Outcome, error) {
	var out Outcome
	if who.Role != models.RolePassenger {
		return out, newError(KindForbidden, "only passengers can request rides")
	}
	passenger, err := e.store.GetPassengerByID(ctx, who.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return out, newError(KindForbidden, "passenger %d not found", who.UserID)
	}
	if err != nil {
		return out, storeError("load passenger", err)
	}

	ride := &models.RideRequest{
		PassengerID:        who.UserID,
		Origin:             models.Coord{Lat: *m.OriginLat, Lon: *m.OriginLng},
		OriginAddress:      m.OriginAddress,
		Destination:        models.Coord{Lat: *m.DestinationLat, Lon: *m.DestinationLng},
		DestinationAddress: m.DestinationAddress,
		EstimatedDistance:  m.EstimatedDistance,
		EstimatedDuration:  m.EstimatedDuration,
		EstimatedPrice:     m.EstimatedPrice,
		Status:             models.RidePending,
	}
	if err := e.store.CreateRideRequest(ctx, ride); err != nil {
		return out, storeError("create ride request", err)
	}
	e.committed(&out, ride, models.RolePassenger)

	candidates, err := e.locator.FindAvailable(ctx, ride.Origin.Lat, ride.Origin.Lon, e.opts.RadiusMeters)
	if err != nil {
		// the ride exists; an empty candidate set still reaches the fallback
		e.logger.Warn("locate drivers failed", "ride_id", ride.ID, "err", err)
		candidates = nil
	}

	// a store row can outlive its driver's connection; offer only to drivers
	// who can receive it
	reachable := make([]int64, 0, len(candidates))
	for _, id := range candidates {
		if e.notify.Connected(id, models.RoleDriver) {
			reachable = append(reachable, id)
		}
	}

	offer := offerFor(ride, passenger)
	fallback := false
	switch {
	case len(reachable) > 0:
		out.users(reachable, models.RoleDriver, protocol.TypeNewRideRequest, offer)
	case e.opts.Fallback == FallbackAllDrivers:
		fallback = true
		observability.FallbackBroadcastsTotal.Inc()
		out.role(models.RoleDriver, protocol.TypeNewRideRequest, offer)
	}
	out.reply(protocol.TypeRideRequestCreated, protocol.RideRequestCreated{
		ID:               ride.ID,
		Status:           ride.Status,
		CandidateDrivers: len(reachable),
		Fallback:         fallback,
	})
	e.logger.Info("ride_requested", "ride_id", ride.ID, "passenger_id", who.UserID,
		"candidates", len(candidates), "reachable", len(reachable), "fallback", fallback)
	return out, nil
}

// Accept assigns a pending ride to the calling driver. The status check and
// driver assignment are one conditional write; a driver that loses the race
// is told the ride is no longer available.
func (e *Engine) Accept(ctx context.Context, who session.Identity, rideID int64) (Outcome, error) {
	var out Outcome
	if who.Role != models.RoleDriver {
		return out, newError(KindForbidden, "only drivers can accept rides")
	}
	if err := e.requireIdle(ctx, who.UserID, rideID); err != nil {
		return out, err
	}
	loc, err := e.driverLocation(ctx, who.UserID)
	if err != nil {
		return out, err
	}

	ride, err := e.loadRide(ctx, rideID)
	if err != nil {
		return out, err
	}
	if ride.Status != models.RidePending {
		e.lostRace(&out, who, rideID)
		return out, nil
	}

	now := e.now().UTC()
	ride, err = e.store.UpdateRide(ctx, rideID, storage.RideUpdate{
		ExpectStatus:      models.RidePending,
		Status:            models.RideAccepted,
		DriverID:          models.Int64Ptr(who.UserID),
		RequireDriverIdle: true,
		AcceptedAt:        &now,
	})
	if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, storage.ErrNotFound) {
		// the guard also fails when this driver won another ride meanwhile
		if err := e.requireIdle(ctx, who.UserID, rideID); err != nil {
			return out, err
		}
		e.lostRace(&out, who, rideID)
		return out, nil
	}
	if err != nil {
		return out, storeError("accept ride", err)
	}
	e.committed(&out, ride, models.RoleDriver)

	if loc != nil {
		busy, err := e.store.UpdateDriverLocation(ctx, who.UserID, storage.LocationUpdate{
			Status:        models.DriverBusy,
			CurrentRideID: models.Int64Ptr(ride.ID),
		})
		if err != nil {
			e.logger.Error("mark driver busy failed", "driver_id", who.UserID, "ride_id", ride.ID, "err", err)
		} else {
			out.Locations = append(out.Locations, *busy)
		}
	} else {
		e.logger.Warn("accepting driver has no location row", "driver_id", who.UserID, "ride_id", ride.ID)
	}

	notice := protocol.RideAcceptedNotice{
		RideRequestID: ride.ID,
		Success:       true,
		DriverID:      who.UserID,
		AcceptedAt:    now.UnixMilli(),
	}
	if u, err := e.store.GetUserByID(ctx, who.UserID); err == nil {
		notice.DriverName, notice.DriverPhone = u.Name, u.Phone
	}
	if loc != nil && e.eta != nil {
		from := models.Coord{Lat: loc.Latitude, Lon: loc.Longitude}
		if secs, err := e.eta.EstimateSeconds(ctx, from, ride.Origin); err == nil {
			notice.PickupETASeconds = &secs
		} else {
			e.logger.Debug("pickup eta unavailable", "ride_id", ride.ID, "err", err)
		}
	}
	out.user(ride.PassengerID, models.RolePassenger, protocol.TypeRideAccepted, notice)
	out.reply(protocol.TypeRideAccepted, notice)
	out.role(models.RoleDriver, protocol.TypeRideRejected, protocol.RideRejected{RideRequestID: ride.ID, Reason: ReasonUnavailable}, who.UserID)
	e.logger.Info("ride_accepted", "ride_id", ride.ID, "driver_id", who.UserID, "passenger_id", ride.PassengerID)
	return out, nil
}

// requireIdle rejects a driver that already holds an accepted or active ride
// other than rideID.
func (e *Engine) requireIdle(ctx context.Context, driverID, rideID int64) error {
	current, err := e.store.GetActiveRideForDriver(ctx, driverID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return storeError("load active ride", err)
	case current.ID != rideID:
		return newError(KindConflict, "driver already has ride %d in progress", current.ID)
	}
	return nil
}

func (e *Engine) lostRace(out *Outcome, who session.Identity, rideID int64) {
	observability.AcceptRaceLostTotal.Inc()
	out.reply(protocol.TypeRideRejected, protocol.RideRejected{RideRequestID: rideID, Reason: ReasonUnavailable})
	e.logger.Info("ride_accept_rejected", "ride_id", rideID, "driver_id", who.UserID)
}

// Start moves an accepted ride to active for its assigned driver.
func (e *Engine) Start(ctx context.Context, who session.Identity, rideID int64) (Outcome, error) {
	var out Outcome
	ride, err := e.assignedRide(ctx, who, rideID, "start")
	if err != nil {
		return out, err
	}
	if ride.Status != models.RideAccepted {
		return out, newError(KindConflict, "cannot start ride %d: status is %s", rideID, ride.Status)
	}
	now := e.now().UTC()
	ride, err = e.store.UpdateRide(ctx, rideID, storage.RideUpdate{
		ExpectStatus:   models.RideAccepted,
		ExpectDriverID: models.Int64Ptr(who.UserID),
		Status:         models.RideActive,
		StartedAt:      &now,
	})
	if errors.Is(err, storage.ErrStatusConflict) {
		return out, newError(KindConflict, "cannot start ride %d: status changed", rideID)
	}
	if err != nil {
		return out, storeError("start ride", err)
	}
	e.committed(&out, ride, models.RoleDriver)

	p := protocol.RideProgress{RideRequestID: ride.ID, Success: true, DriverID: who.UserID, Status: ride.Status, At: now.UnixMilli()}
	out.user(ride.PassengerID, models.RolePassenger, protocol.TypeRideStarted, p)
	out.reply(protocol.TypeRideStarted, p)
	e.logger.Info("ride_started", "ride_id", ride.ID, "driver_id", who.UserID)
	return out, nil
}

// Complete finishes an active ride and frees its driver.
func (e *Engine) Complete(ctx context.Context, who session.Identity, rideID int64) (Outcome, error) {
	var out Outcome
	ride, err := e.assignedRide(ctx, who, rideID, "complete")
	if err != nil {
		return out, err
	}
	if ride.Status != models.RideActive {
		return out, newError(KindConflict, "cannot complete ride %d: status is %s", rideID, ride.Status)
	}
	now := e.now().UTC()
	ride, err = e.store.UpdateRide(ctx, rideID, storage.RideUpdate{
		ExpectStatus:   models.RideActive,
		ExpectDriverID: models.Int64Ptr(who.UserID),
		Status:         models.RideCompleted,
		CompletedAt:    &now,
	})
	if errors.Is(err, storage.ErrStatusConflict) {
		return out, newError(KindConflict, "cannot complete ride %d: status changed", rideID)
	}
	if err != nil {
		return out, storeError("complete ride", err)
	}
	e.committed(&out, ride, models.RoleDriver)
	e.freeDriver(ctx, &out, who.UserID, ride.ID)

	p := protocol.RideProgress{
		RideRequestID: ride.ID,
		Success:       true,
		DriverID:      who.UserID,
		Status:        ride.Status,
		At:            now.UnixMilli(),
		Price:         ride.EstimatedPrice,
	}
	out.user(ride.PassengerID, models.RolePassenger, protocol.TypeRideCompleted, p)
	out.reply(protocol.TypeRideCompleted, p)
	e.logger.Info("ride_completed", "ride_id", ride.ID, "driver_id", who.UserID)
	return out, nil
}

// Cancel ends a pending or accepted ride on behalf of its passenger or its
// assigned driver. An assigned driver is freed and unassigned.
func (e *Engine) Cancel(ctx context.Context, who session.Identity, rideID int64, reason string) (Outcome, error) {
	var out Outcome
	ride, err := e.loadRide(ctx, rideID)
	if err != nil {
		return out, err
	}
	ownsRide := who.Role == models.RolePassenger && ride.PassengerID == who.UserID
	drivesRide := who.Role == models.RoleDriver && ride.AssignedTo(who.UserID)
	if !ownsRide && !drivesRide {
		return out, newError(KindForbidden, "only the ride's passenger or assigned driver can cancel it")
	}
	if !ride.Status.CanTransition(models.RideCanceled) {
		return out, newError(KindConflict, "cannot cancel ride %d: status is %s", rideID, ride.Status)
	}

	prevDriver := ride.DriverID
	now := e.now().UTC()
	upd := storage.RideUpdate{
		ExpectStatus: ride.Status,
		Status:       models.RideCanceled,
		ClearDriver:  prevDriver != nil,
		CanceledAt:   &now,
		CanceledBy:   who.Role,
		CancelReason: reason,
	}
	if prevDriver != nil {
		upd.ExpectDriverID = prevDriver
	}
	wasPending := ride.Status == models.RidePending
	ride, err = e.store.UpdateRide(ctx, rideID, upd)
	if errors.Is(err, storage.ErrStatusConflict) {
		return out, newError(KindConflict, "cannot cancel ride %d: status changed", rideID)
	}
	if err != nil {
		return out, storeError("cancel ride", err)
	}
	e.committed(&out, ride, who.Role)
	if prevDriver != nil {
		e.freeDriver(ctx, &out, *prevDriver, ride.ID)
	}

	notice := protocol.RideCanceledNotice{RideRequestID: ride.ID, Success: true, CanceledBy: who.Role, Reason: reason}
	switch {
	case who.Role == models.RoleDriver:
		out.user(ride.PassengerID, models.RolePassenger, protocol.TypeRideCanceled, notice)
	case prevDriver != nil:
		out.user(*prevDriver, models.RoleDriver, protocol.TypeRideCanceled, notice)
	case wasPending:
		// withdraw the open offer
		out.role(models.RoleDriver, protocol.TypeRideCanceled, notice)
	}
	out.reply(protocol.TypeRideCanceled, notice)
	e.logger.Info("ride_canceled", "ride_id", ride.ID, "canceled_by", who.Role, "user_id", who.UserID)
	return out, nil
}

// committed records a successful transition for metrics and the event stream.
func (e *Engine) committed(out *Outcome, ride *models.RideRequest, actor models.Role) {
	observability.RideTransitionsTotal.WithLabelValues(string(ride.Status)).Inc()
	out.Events = append(out.Events, models.RideEvent{
		ID:          uuid.NewString(),
		RideID:      ride.ID,
		Status:      ride.Status,
		PassengerID: ride.PassengerID,
		DriverID:    ride.DriverID,
		Actor:       actor,
		At:          e.now().UTC(),
	})
}

func (e *Engine) loadRide(ctx context.Context, rideID int64) (*models.RideRequest, error) {
	ride, err := e.store.GetRideByID(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(KindConflict, "ride %d not found", rideID)
	}
	if err != nil {
		return nil, storeError("load ride", err)
	}
	return ride, nil
}

func (e *Engine) assignedRide(ctx context.Context, who session.Identity, rideID int64, verb string) (*models.RideRequest, error) {
	if who.Role != models.RoleDriver {
		return nil, newError(KindForbidden, "only the assigned driver can %s a ride", verb)
	}
	ride, err := e.loadRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ride.AssignedTo(who.UserID) {
		return nil, newError(KindForbidden, "ride %d is not assigned to driver %d", rideID, who.UserID)
	}
	return ride, nil
}

// driverLocation returns nil without error when the driver has no row yet.
func (e *Engine) driverLocation(ctx context.Context, driverID int64) (*models.DriverLocation, error) {
	loc, err := e.store.GetDriverLocationByDriverID(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("load driver location", err)
	}
	return loc, nil
}

// freeDriver runs after the ride write has committed; failure is logged only.
func (e *Engine) freeDriver(ctx context.Context, out *Outcome, driverID, rideID int64) {
	loc, err := e.store.UpdateDriverLocation(ctx, driverID, storage.LocationUpdate{
		Status:           models.DriverAvailable,
		ClearCurrentRide: true,
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		e.logger.Error("free driver failed", "driver_id", driverID, "ride_id", rideID, "err", err)
	default:
		out.Locations = append(out.Locations, *loc)
	}
}

func offerFor(r *models.RideRequest, p *models.Passenger) protocol.NewRideRequest {
	return protocol.NewRideRequest{
		ID:                 r.ID,
		PassengerID:        r.PassengerID,
		PassengerName:      p.Name,
		PassengerPhone:     p.Phone,
		PickupAddress:      r.OriginAddress,
		DestinationAddress: r.DestinationAddress,
		OriginLat:          r.Origin.Lat,
		OriginLng:          r.Origin.Lon,
		DestinationLat:     r.Destination.Lat,
		DestinationLng:     r.Destination.Lon,
		EstimatedDistance:  r.EstimatedDistance,
		EstimatedDuration:  r.EstimatedDuration,
		EstimatedPrice:     r.EstimatedPrice,
		RequestedAt:        r.RequestedAt.UnixMilli(),
		Status:             r.Status,
	}
}
