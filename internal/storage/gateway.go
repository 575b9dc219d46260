// Package storage is the narrow read/write contract the dispatch engine needs
// from the durable store, with in-memory and Postgres implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict means a conditional ride update found the row in a
	// different state than expected; nothing was written.
	ErrStatusConflict = errors.New("ride status changed concurrently")
)

// Gateway is the Ride Store Gateway. Every call is assumed to be network I/O.
type Gateway interface {
	// CreateRideRequest inserts r, assigning ID and RequestedAt.
	CreateRideRequest(ctx context.Context, r *models.RideRequest) error
	GetRideByID(ctx context.Context, id int64) (*models.RideRequest, error)
	// UpdateRide applies u only if the row still matches u's guards and
	// returns the updated row, or ErrStatusConflict.
	UpdateRide(ctx context.Context, id int64, u RideUpdate) (*models.RideRequest, error)
	// GetActiveRideForDriver returns the driver's accepted or active ride,
	// or ErrNotFound.
	GetActiveRideForDriver(ctx context.Context, driverID int64) (*models.RideRequest, error)

	GetDriverLocationByDriverID(ctx context.Context, driverID int64) (*models.DriverLocation, error)
	CreateDriverLocation(ctx context.Context, loc *models.DriverLocation) error
	UpdateDriverLocation(ctx context.Context, driverID int64, u LocationUpdate) (*models.DriverLocation, error)
	GetAvailableDriversNearLocation(ctx context.Context, lat, lng, radiusMeters float64, limit int) ([]NearbyDriver, error)

	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetPassengerByID(ctx context.Context, id int64) (*models.Passenger, error)

	Ping(ctx context.Context) error
}

// RideUpdate is a partial ride write guarded by the expected current status.
// Setting DriverID additionally requires the row to have no driver yet.
type RideUpdate struct {
	ExpectStatus   models.RideStatus
	ExpectDriverID *int64
	// RequireDriverIdle, with DriverID, also requires that driver to hold no
	// other accepted or active ride.
	RequireDriverIdle bool

	Status       models.RideStatus
	DriverID     *int64
	ClearDriver  bool
	AcceptedAt   *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CanceledAt   *time.Time
	CanceledBy   models.Role
	CancelReason string
}

// LocationUpdate is a partial driver location write. Zero values leave the
// column unchanged.
type LocationUpdate struct {
	Latitude         *float64
	Longitude        *float64
	Heading          *float64
	Speed            *float64
	Accuracy         *float64
	Status           models.DriverStatus
	CurrentRideID    *int64
	ClearCurrentRide bool
}

// Holding reports whether a ride in status s occupies its driver.
func Holding(s models.RideStatus) bool {
	return s == models.RideAccepted || s == models.RideActive
}

type NearbyDriver struct {
	DriverID       int64
	DistanceMeters float64
}

func (u RideUpdate) guardsMatch(r *models.RideRequest) bool {
	if r.Status != u.ExpectStatus {
		return false
	}
	if u.ExpectDriverID != nil && !r.AssignedTo(*u.ExpectDriverID) {
		return false
	}
	if u.DriverID != nil && r.DriverID != nil {
		return false
	}
	return true
}

func (u RideUpdate) apply(r *models.RideRequest) {
	if u.Status != "" {
		r.Status = u.Status
	}
	if u.DriverID != nil {
		r.DriverID = models.Int64Ptr(*u.DriverID)
	}
	if u.ClearDriver {
		r.DriverID = nil
	}
	if u.AcceptedAt != nil {
		r.AcceptedAt = u.AcceptedAt
	}
	if u.StartedAt != nil {
		r.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		r.CompletedAt = u.CompletedAt
	}
	if u.CanceledAt != nil {
		r.CanceledAt = u.CanceledAt
	}
	if u.CanceledBy != "" {
		r.CanceledBy = u.CanceledBy
	}
	if u.CancelReason != "" {
		r.CancelReason = u.CancelReason
	}
}

func (u LocationUpdate) apply(l *models.DriverLocation) {
	if u.Latitude != nil {
		l.Latitude = *u.Latitude
	}
	if u.Longitude != nil {
		l.Longitude = *u.Longitude
	}
	if u.Heading != nil {
		l.Heading = u.Heading
	}
	if u.Speed != nil {
		l.Speed = u.Speed
	}
	if u.Accuracy != nil {
		l.Accuracy = u.Accuracy
	}
	if u.Status != "" {
		l.Status = u.Status
	}
	if u.CurrentRideID != nil {
		l.CurrentRideID = models.Int64Ptr(*u.CurrentRideID)
	}
	if u.ClearCurrentRide {
		l.CurrentRideID = nil
	}
}
