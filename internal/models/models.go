package models

import "time"

// Role identifies which kind of user a session or record belongs to.
type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleDriver, RolePassenger, RoleAdmin:
		return true
	}
	return false
}

type RideStatus string

const (
	RidePending   RideStatus = "pending"
	RideAccepted  RideStatus = "accepted"
	RideActive    RideStatus = "active"
	RideCompleted RideStatus = "completed"
	RideCanceled  RideStatus = "canceled"
)

// rideTransitions is the complete lifecycle graph. Terminal states have no entry.
var rideTransitions = map[RideStatus][]RideStatus{
	RidePending:  {RideAccepted, RideCanceled},
	RideAccepted: {RideActive, RideCanceled},
	RideActive:   {RideCompleted},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func (s RideStatus) CanTransition(to RideStatus) bool {
	for _, next := range rideTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCanceled
}

// HasDriver reports whether a ride in this status must carry a driver.
func (s RideStatus) HasDriver() bool {
	return s == RideAccepted || s == RideActive || s == RideCompleted
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
	DriverOffline   DriverStatus = "offline"
)

func (s DriverStatus) Valid() bool {
	switch s {
	case DriverAvailable, DriverBusy, DriverOffline:
		return true
	}
	return false
}

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideRequest is the durable ride record owned by the store.
type RideRequest struct {
	ID                 int64      `json:"id"`
	PassengerID        int64      `json:"passengerId"`
	DriverID           *int64     `json:"driverId"`
	Origin             Coord      `json:"origin"`
	OriginAddress      string     `json:"originAddress"`
	Destination        Coord      `json:"destination"`
	DestinationAddress string     `json:"destinationAddress"`
	EstimatedDistance  *float64   `json:"estimatedDistance,omitempty"`
	EstimatedDuration  *float64   `json:"estimatedDuration,omitempty"`
	EstimatedPrice     *float64   `json:"estimatedPrice,omitempty"`
	Status             RideStatus `json:"status"`
	CancelReason       string     `json:"cancelReason,omitempty"`
	CanceledBy         Role       `json:"canceledBy,omitempty"`
	RequestedAt        time.Time  `json:"requestedAt"`
	AcceptedAt         *time.Time `json:"acceptedAt,omitempty"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	CanceledAt         *time.Time `json:"canceledAt,omitempty"`
}

// AssignedTo reports whether driverID is the ride's assigned driver.
func (r *RideRequest) AssignedTo(driverID int64) bool {
	return r.DriverID != nil && *r.DriverID == driverID
}

// DriverLocation is the single upserted position row per driver.
type DriverLocation struct {
	DriverID      int64        `json:"driverId"`
	Latitude      float64      `json:"latitude"`
	Longitude     float64      `json:"longitude"`
	Heading       *float64     `json:"heading,omitempty"`
	Speed         *float64     `json:"speed,omitempty"`
	Accuracy      *float64     `json:"accuracy,omitempty"`
	Status        DriverStatus `json:"status"`
	CurrentRideID *int64       `json:"currentRideId"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Type  Role   `json:"userType"`
}

type Passenger struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// RideEvent is the record published for each committed lifecycle transition.
type RideEvent struct {
	ID          string     `json:"id"`
	RideID      int64      `json:"rideId"`
	Status      RideStatus `json:"status"`
	PassengerID int64      `json:"passengerId"`
	DriverID    *int64     `json:"driverId,omitempty"`
	Actor       Role       `json:"actor"`
	At          time.Time  `json:"at"`
}

func Int64Ptr(v int64) *int64 { return &v }

func TimePtr(t time.Time) *time.Time { return &t }
