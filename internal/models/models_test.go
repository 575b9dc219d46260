package models

import "testing"

func TestRideStatusTransitions(t *testing.T) {
	legal := [][2]RideStatus{
		{RidePending, RideAccepted},
		{RidePending, RideCanceled},
		{RideAccepted, RideActive},
		{RideAccepted, RideCanceled},
		{RideActive, RideCompleted},
	}
	for _, tc := range legal {
		if !tc[0].CanTransition(tc[1]) {
			t.Fatalf("expected %s -> %s to be legal", tc[0], tc[1])
		}
	}

	illegal := [][2]RideStatus{
		{RidePending, RideActive},
		{RidePending, RideCompleted},
		{RideActive, RideCanceled},
		{RideCompleted, RideCanceled},
		{RideCanceled, RidePending},
		{RideAccepted, RideAccepted},
	}
	for _, tc := range illegal {
		if tc[0].CanTransition(tc[1]) {
			t.Fatalf("expected %s -> %s to be illegal", tc[0], tc[1])
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []RideStatus{RideCompleted, RideCanceled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	if RideActive.Terminal() {
		t.Fatalf("active is not terminal")
	}
}

func TestRoleValid(t *testing.T) {
	if !RoleDriver.Valid() || !RolePassenger.Valid() || !RoleAdmin.Valid() {
		t.Fatal("known roles must be valid")
	}
	if Role("system").Valid() {
		t.Fatal("system is not a session role")
	}
}
