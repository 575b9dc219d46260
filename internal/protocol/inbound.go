package protocol

import (
	"fmt"
	"strings"

	"github.com/example/ride-dispatch/internal/models"
)

// Message is one decoded inbound variant.
type Message interface {
	Type() string
	validate() error
}

type Auth struct {
	UserID   int64       `json:"userId"`
	UserType models.Role `json:"userType"`
}

func (*Auth) Type() string { return TypeAuth }

func (m *Auth) validate() error {
	if m.UserID <= 0 {
		return invalid("auth", "userId is required")
	}
	if !m.UserType.Valid() {
		return invalid("auth", "userType must be driver, passenger or admin")
	}
	return nil
}

type Ping struct{}

func (Ping) Type() string    { return TypePing }
func (Ping) validate() error { return nil }

// Unknown carries a type tag this server does not handle.
type Unknown struct {
	Kind string
}

func (u Unknown) Type() string  { return u.Kind }
func (Unknown) validate() error { return nil }

type DriverLocationUpdate struct {
	Latitude  *float64            `json:"latitude"`
	Longitude *float64            `json:"longitude"`
	Heading   *float64            `json:"heading,omitempty"`
	Speed     *float64            `json:"speed,omitempty"`
	Accuracy  *float64            `json:"accuracy,omitempty"`
	Status    models.DriverStatus `json:"status,omitempty"`
}

func (*DriverLocationUpdate) Type() string { return TypeDriverLocationUpdate }

func (m *DriverLocationUpdate) validate() error {
	if m.Latitude == nil || m.Longitude == nil {
		return invalid(TypeDriverLocationUpdate, "latitude and longitude are required")
	}
	if err := checkCoord(*m.Latitude, *m.Longitude); err != nil {
		return invalid(TypeDriverLocationUpdate, err.Error())
	}
	if m.Status != "" && !m.Status.Valid() {
		return invalid(TypeDriverLocationUpdate, "unknown status "+string(m.Status))
	}
	return nil
}

type DriverStatusUpdate struct {
	Status models.DriverStatus `json:"status"`
}

func (*DriverStatusUpdate) Type() string { return TypeDriverStatusUpdate }

func (m *DriverStatusUpdate) validate() error {
	if !m.Status.Valid() {
		return invalid(TypeDriverStatusUpdate, "status must be available, busy or offline")
	}
	return nil
}

type RideRequest struct {
	OriginLat          *float64 `json:"originLat"`
	OriginLng          *float64 `json:"originLng"`
	OriginAddress      string   `json:"originAddress"`
	DestinationLat     *float64 `json:"destinationLat"`
	DestinationLng     *float64 `json:"destinationLng"`
	DestinationAddress string   `json:"destinationAddress"`
	EstimatedDistance  *float64 `json:"estimatedDistance,omitempty"`
	EstimatedDuration  *float64 `json:"estimatedDuration,omitempty"`
	EstimatedPrice     *float64 `json:"estimatedPrice,omitempty"`
}

func (*RideRequest) Type() string { return TypeRideRequest }

func (m *RideRequest) validate() error {
	if m.OriginLat == nil || m.OriginLng == nil || m.DestinationLat == nil || m.DestinationLng == nil {
		return invalid(TypeRideRequest, "origin and destination coordinates are required")
	}
	if err := checkCoord(*m.OriginLat, *m.OriginLng); err != nil {
		return invalid(TypeRideRequest, "origin "+err.Error())
	}
	if err := checkCoord(*m.DestinationLat, *m.DestinationLng); err != nil {
		return invalid(TypeRideRequest, "destination "+err.Error())
	}
	if strings.TrimSpace(m.OriginAddress) == "" || strings.TrimSpace(m.DestinationAddress) == "" {
		return invalid(TypeRideRequest, "origin and destination addresses are required")
	}
	for name, v := range map[string]*float64{
		"estimatedDistance": m.EstimatedDistance,
		"estimatedDuration": m.EstimatedDuration,
		"estimatedPrice":    m.EstimatedPrice,
	} {
		if v != nil && *v < 0 {
			return invalid(TypeRideRequest, name+" must not be negative")
		}
	}
	return nil
}

// RideRef is the payload shared by ride_accepted, ride_started and ride_completed.
type RideRef struct {
	RideRequestID int64 `json:"rideRequestId"`
}

func (r RideRef) check(msgType string) error {
	if r.RideRequestID <= 0 {
		return invalid(msgType, "rideRequestId is required")
	}
	return nil
}

type RideAccepted struct{ RideRef }

func (*RideAccepted) Type() string      { return TypeRideAccepted }
func (m *RideAccepted) validate() error { return m.check(TypeRideAccepted) }

type RideStarted struct{ RideRef }

func (*RideStarted) Type() string      { return TypeRideStarted }
func (m *RideStarted) validate() error { return m.check(TypeRideStarted) }

type RideCompleted struct{ RideRef }

func (*RideCompleted) Type() string      { return TypeRideCompleted }
func (m *RideCompleted) validate() error { return m.check(TypeRideCompleted) }

type RideCanceled struct {
	RideRef
	Reason string `json:"reason,omitempty"`
}

func (*RideCanceled) Type() string      { return TypeRideCanceled }
func (m *RideCanceled) validate() error { return m.check(TypeRideCanceled) }

func checkCoord(lat, lng float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range", lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("longitude %v out of range", lng)
	}
	return nil
}

func invalid(msgType, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidPayload, msgType, reason)
}
