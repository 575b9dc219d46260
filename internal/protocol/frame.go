// Package protocol defines the JSON frame exchanged with passenger and driver
// sessions and the typed messages carried inside it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound message types.
const (
	TypeAuth                 = "auth"
	TypePing                 = "ping"
	TypeDriverLocationUpdate = "driver_location_update"
	TypeDriverStatusUpdate   = "driver_status_update"
	TypeRideRequest          = "ride_request"
	TypeRideAccepted         = "ride_accepted"
	TypeRideStarted          = "ride_started"
	TypeRideCompleted        = "ride_completed"
	TypeRideCanceled         = "ride_canceled"
)

// Outbound-only message types. Ride lifecycle types are shared with inbound.
const (
	TypeAuthSuccess        = "auth_success"
	TypePong               = "pong"
	TypeNewRideRequest     = "new_ride_request"
	TypeRideRequestCreated = "ride_request_created"
	TypeRideRejected       = "ride_rejected"
	TypeError              = "error"
)

const (
	SenderDriver    = "driver"
	SenderPassenger = "passenger"
	SenderSystem    = "system"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Frame is the envelope of every message on the wire.
type Frame struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	SenderID   *int64          `json:"senderId,omitempty"`
	SenderType string          `json:"senderType,omitempty"`
}

// outbound mirrors Frame but carries an unencoded payload.
type outbound struct {
	Type       string `json:"type"`
	Payload    any    `json:"payload"`
	Timestamp  int64  `json:"timestamp"`
	SenderType string `json:"senderType"`
}

// Encode builds a server-originated frame.
func Encode(msgType string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	b, err := json.Marshal(outbound{
		Type:       msgType,
		Payload:    payload,
		Timestamp:  time.Now().UnixMilli(),
		SenderType: SenderSystem,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", msgType, err)
	}
	return b, nil
}

// Decode parses a raw frame and validates its payload against the variant
// selected by the type tag. Unrecognized types decode to Unknown without error.
func Decode(data []byte) (Message, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	var msg Message
	switch f.Type {
	case TypeAuth:
		msg = &Auth{}
	case TypePing:
		return Ping{}, nil
	case TypeDriverLocationUpdate:
		msg = &DriverLocationUpdate{}
	case TypeDriverStatusUpdate:
		msg = &DriverStatusUpdate{}
	case TypeRideRequest:
		msg = &RideRequest{}
	case TypeRideAccepted:
		msg = &RideAccepted{}
	case TypeRideStarted:
		msg = &RideStarted{}
	case TypeRideCompleted:
		msg = &RideCompleted{}
	case TypeRideCanceled:
		msg = &RideCanceled{}
	default:
		return Unknown{Kind: f.Type}, nil
	}

	payload := f.Payload
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, f.Type, err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
