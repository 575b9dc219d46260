package protocol

import "github.com/example/ride-dispatch/internal/models"

type AuthSuccess struct {
	UserID    int64       `json:"userId"`
	UserType  models.Role `json:"userType"`
	SessionID string      `json:"sessionId"`
}

type Error struct {
	Message string `json:"message"`
}

// NewRideRequest is the offer fanned out to candidate drivers.
type NewRideRequest struct {
	ID                 int64             `json:"id"`
	PassengerID        int64             `json:"passengerId"`
	PassengerName      string            `json:"passengerName"`
	PassengerPhone     string            `json:"passengerPhone"`
	PickupAddress      string            `json:"pickupAddress"`
	DestinationAddress string            `json:"destinationAddress"`
	OriginLat          float64           `json:"originLat"`
	OriginLng          float64           `json:"originLng"`
	DestinationLat     float64           `json:"destinationLat"`
	DestinationLng     float64           `json:"destinationLng"`
	EstimatedDistance  *float64          `json:"estimatedDistance,omitempty"`
	EstimatedDuration  *float64          `json:"estimatedDuration,omitempty"`
	EstimatedPrice     *float64          `json:"estimatedPrice,omitempty"`
	RequestedAt        int64             `json:"requestedAt"`
	Status             models.RideStatus `json:"status"`
}

// RideRequestCreated acknowledges a ride request. Fallback is set when no
// nearby driver was found and the offer went to every connected driver.
type RideRequestCreated struct {
	ID               int64             `json:"id"`
	Status           models.RideStatus `json:"status"`
	CandidateDrivers int               `json:"candidateDrivers"`
	Fallback         bool              `json:"fallback"`
}

type RideAcceptedNotice struct {
	RideRequestID int64  `json:"rideRequestId"`
	Success       bool   `json:"success"`
	DriverID      int64  `json:"driverId"`
	DriverName    string `json:"driverName,omitempty"`
	DriverPhone   string `json:"driverPhone,omitempty"`
	AcceptedAt    int64  `json:"acceptedAt"`
	// PickupETASeconds is the driver's estimated time to the origin, when known.
	PickupETASeconds *float64 `json:"pickupEtaSeconds,omitempty"`
}

type RideRejected struct {
	RideRequestID int64  `json:"rideRequestId"`
	Reason        string `json:"reason"`
}

// RideProgress is sent for ride_started and ride_completed.
type RideProgress struct {
	RideRequestID int64             `json:"rideRequestId"`
	Success       bool              `json:"success"`
	DriverID      int64             `json:"driverId"`
	Status        models.RideStatus `json:"status"`
	At            int64             `json:"at"`
	Price         *float64          `json:"price,omitempty"`
}

type RideCanceledNotice struct {
	RideRequestID int64       `json:"rideRequestId"`
	Success       bool        `json:"success"`
	CanceledBy    models.Role `json:"canceledBy"`
	Reason        string      `json:"reason,omitempty"`
}

type DriverLocationRelay struct {
	DriverID      int64    `json:"driverId"`
	RideRequestID int64    `json:"rideRequestId"`
	Latitude      float64  `json:"latitude"`
	Longitude     float64  `json:"longitude"`
	Heading       *float64 `json:"heading,omitempty"`
	Speed         *float64 `json:"speed,omitempty"`
}

type DriverStatusAck struct {
	Success bool                `json:"success"`
	Status  models.DriverStatus `json:"status"`
}
