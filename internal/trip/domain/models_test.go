package domain_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/tripsync/internal/trip/domain"
)

var allStatuses = []domain.TripStatus{
	domain.StatusPending,
	domain.StatusDriverAssigned,
	domain.StatusDriverArrived,
	domain.StatusInProgress,
	domain.StatusCompleted,
	domain.StatusCancelled,
}

func TestTransitionsFollowLifecycleOrder(t *testing.T) {
	rank := map[domain.TripStatus]int{}
	for i, s := range allStatuses[:5] {
		rank[s] = i
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if !from.CanTransitionTo(to) {
				continue
			}
			require.False(t, from.Terminal(), "%s is terminal but transitions to %s", from, to)
			if to == domain.StatusCancelled {
				continue
			}
			require.Equal(t, rank[from]+1, rank[to], "%s -> %s skips or regresses", from, to)
		}
	}
}

func TestIllegalTransitions(t *testing.T) {
	require.False(t, domain.StatusPending.CanTransitionTo(domain.StatusInProgress))
	require.False(t, domain.StatusPending.CanTransitionTo(domain.StatusPending))
	require.False(t, domain.StatusInProgress.CanTransitionTo(domain.StatusDriverAssigned))
	require.False(t, domain.StatusCompleted.CanTransitionTo(domain.StatusCancelled))
	require.False(t, domain.StatusCancelled.CanTransitionTo(domain.StatusPending))
	for _, s := range allStatuses {
		if !s.Terminal() {
			require.True(t, s.CanTransitionTo(domain.StatusCancelled), "%s should be cancellable", s)
		}
	}
}

func TestParseTripStatus(t *testing.T) {
	s, ok := domain.ParseTripStatus("driver_arrived")
	require.True(t, ok)
	require.Equal(t, domain.StatusDriverArrived, s)

	_, ok = domain.ParseTripStatus("DRIVER_ARRIVED")
	require.False(t, ok)
}

func TestGeoPointValid(t *testing.T) {
	cases := []struct {
		point domain.GeoPoint
		valid bool
	}{
		{domain.GeoPoint{Lat: 0, Lng: 0}, true},
		{domain.GeoPoint{Lat: 90, Lng: 180}, true},
		{domain.GeoPoint{Lat: -90, Lng: -180}, true},
		{domain.GeoPoint{Lat: 90.0001, Lng: 0}, false},
		{domain.GeoPoint{Lat: 0, Lng: -180.5}, false},
		{domain.GeoPoint{Lat: math.NaN(), Lng: 0}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.valid, tc.point.Valid(), "%+v", tc.point)
	}
}

func TestDistanceMeters(t *testing.T) {
	pickup := domain.GeoPoint{Lat: 35.7000, Lng: 51.4000}
	require.InDelta(t, 0, domain.DistanceMeters(pickup, pickup), 0.001)

	// 0.00045 degrees of latitude is roughly 50 meters.
	near := domain.GeoPoint{Lat: 35.70045, Lng: 51.4000}
	require.InDelta(t, 50, domain.DistanceMeters(pickup, near), 1)

	ny := domain.GeoPoint{Lat: 40.7128, Lng: -74.0060}
	la := domain.GeoPoint{Lat: 34.0522, Lng: -118.2437}
	require.InDelta(t, 3_944_000, domain.DistanceMeters(ny, la), 50_000)
	require.InDelta(t, domain.DistanceMeters(ny, la), domain.DistanceMeters(la, ny), 0.0001)
}

func TestTripRecordRoles(t *testing.T) {
	rec := domain.TripRecord{ID: "t1", DriverID: "d1", PassengerID: "p1"}
	role, ok := rec.RoleOf("d1")
	require.True(t, ok)
	require.Equal(t, domain.RoleDriver, role)
	role, ok = rec.RoleOf("p1")
	require.True(t, ok)
	require.Equal(t, domain.RolePassenger, role)
	require.False(t, rec.IsParticipant("c1"))

	unassigned := domain.TripRecord{ID: "t2", PassengerID: "p1"}
	require.False(t, unassigned.IsParticipant(""))
}
