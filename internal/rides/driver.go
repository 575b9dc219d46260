package rides

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

// UpdateLocation upserts the calling driver's position. While the driver is
// on an accepted or active ride the position is relayed to its passenger.
func (e *Engine) UpdateLocation(ctx context.Context, who session.Identity, m *protocol.DriverLocationUpdate) (Outcome, error) {
	var out Outcome
	if who.Role != models.RoleDriver {
		return out, newError(KindForbidden, "only drivers can report locations")
	}
	if m.Status == models.DriverBusy {
		return out, newError(KindForbidden, "busy is set by ride assignment")
	}
	current, err := e.driverLocation(ctx, who.UserID)
	if err != nil {
		return out, err
	}

	var loc *models.DriverLocation
	if current == nil {
		status := m.Status
		if status == "" {
			status = models.DriverAvailable
		}
		loc = &models.DriverLocation{
			DriverID:  who.UserID,
			Latitude:  *m.Latitude,
			Longitude: *m.Longitude,
			Heading:   m.Heading,
			Speed:     m.Speed,
			Accuracy:  m.Accuracy,
			Status:    status,
		}
		if err := e.store.CreateDriverLocation(ctx, loc); err != nil {
			return out, storeError("create driver location", err)
		}
	} else {
		if m.Status != "" && m.Status != current.Status && current.CurrentRideID != nil {
			return out, newError(KindConflict, "driver has ride %d in progress", *current.CurrentRideID)
		}
		loc, err = e.store.UpdateDriverLocation(ctx, who.UserID, storage.LocationUpdate{
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			Heading:   m.Heading,
			Speed:     m.Speed,
			Accuracy:  m.Accuracy,
			Status:    m.Status,
		})
		if err != nil {
			return out, storeError("update driver location", err)
		}
	}
	out.Locations = append(out.Locations, *loc)

	if loc.CurrentRideID != nil {
		ride, err := e.store.GetRideByID(ctx, *loc.CurrentRideID)
		switch {
		case err != nil:
			e.logger.Debug("skip location relay", "driver_id", who.UserID, "ride_id", *loc.CurrentRideID, "err", err)
		case ride.Status == models.RideAccepted || ride.Status == models.RideActive:
			out.user(ride.PassengerID, models.RolePassenger, protocol.TypeDriverLocationUpdate, protocol.DriverLocationRelay{
				DriverID:      who.UserID,
				RideRequestID: ride.ID,
				Latitude:      loc.Latitude,
				Longitude:     loc.Longitude,
				Heading:       loc.Heading,
				Speed:         loc.Speed,
			})
		}
	}
	return out, nil
}

// UpdateStatus lets a driver go available or offline. A driver holding a
// ride stays busy until the ride completes or is canceled.
func (e *Engine) UpdateStatus(ctx context.Context, who session.Identity, status models.DriverStatus) (Outcome, error) {
	var out Outcome
	if who.Role != models.RoleDriver {
		return out, newError(KindForbidden, "only drivers can change driver status")
	}
	if status == models.DriverBusy {
		return out, newError(KindForbidden, "busy is set by ride assignment")
	}
	current, err := e.driverLocation(ctx, who.UserID)
	if err != nil {
		return out, err
	}
	if current == nil {
		return out, newError(KindConflict, "no location reported for driver %d", who.UserID)
	}
	if current.CurrentRideID != nil {
		return out, newError(KindConflict, "driver has ride %d in progress", *current.CurrentRideID)
	}
	loc, err := e.store.UpdateDriverLocation(ctx, who.UserID, storage.LocationUpdate{Status: status})
	if err != nil {
		return out, storeError("update driver status", err)
	}
	out.Locations = append(out.Locations, *loc)
	out.reply(protocol.TypeDriverStatusUpdate, protocol.DriverStatusAck{Success: true, Status: loc.Status})
	return out, nil
}

// MarkOffline sets an idle driver offline. Drivers holding a ride are left
// busy. It returns whether a write happened.
func (e *Engine) MarkOffline(ctx context.Context, driverID int64) (bool, error) {
	loc, err := e.store.GetDriverLocationByDriverID(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if loc.CurrentRideID != nil || loc.Status == models.DriverOffline {
		return false, nil
	}
	loc, err = e.store.UpdateDriverLocation(ctx, driverID, storage.LocationUpdate{Status: models.DriverOffline})
	if err != nil {
		return false, err
	}
	if e.events != nil {
		if err := e.events.PublishLocation(ctx, *loc); err != nil {
			e.logger.Warn("publish driver location failed", "driver_id", driverID, "err", err)
		}
	}
	return true, nil
}
