package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/tripsync/internal/eta/service"
	"github.com/example/tripsync/internal/realtime"
	"github.com/example/tripsync/internal/trip/domain"
)

type stubRooms map[string]realtime.RoomSnapshot

func (s stubRooms) Snapshot(tripID string) (realtime.RoomSnapshot, bool) {
	snap, ok := s[tripID]
	return snap, ok
}

func snapshot(sample *domain.LocationSample) realtime.RoomSnapshot {
	pickup := domain.GeoPoint{Lat: 35.7, Lng: 51.4}
	snap := realtime.RoomSnapshot{
		TripID:      "t1",
		DriverID:    "d1",
		PassengerID: "p1",
		Pickup:      &pickup,
		Locations:   map[string]domain.LocationSample{},
	}
	if sample != nil {
		snap.Locations["d1"] = *sample
	}
	return snap
}

func TestEstimatePickupUsesAverageSpeed(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	// roughly 1 km north of pickup
	svc := service.New(stubRooms{"t1": snapshot(&domain.LocationSample{
		Point:     domain.GeoPoint{Lat: 35.7 + 1000/111195.0, Lng: 51.4},
		Timestamp: at,
	})})

	est, err := svc.EstimatePickup(context.Background(), "t1", "p1")
	require.NoError(t, err)
	require.InDelta(t, 1000, est.DistanceMeters, 5)
	require.InDelta(t, 120, est.ETA.Seconds(), 2)
	require.Equal(t, at, est.AsOf)
}

func TestEstimatePickupUsesReportedSpeed(t *testing.T) {
	speed := 10.0
	svc := service.New(stubRooms{"t1": snapshot(&domain.LocationSample{
		Point: domain.GeoPoint{Lat: 35.7 + 1000/111195.0, Lng: 51.4},
		Speed: &speed,
	})})

	est, err := svc.EstimatePickup(context.Background(), "t1", "d1")
	require.NoError(t, err)
	require.InDelta(t, 100, est.ETASeconds, 2)
}

func TestEstimatePickupErrors(t *testing.T) {
	svc := service.New(stubRooms{"t1": snapshot(nil)})

	_, err := svc.EstimatePickup(context.Background(), "missing", "p1")
	require.ErrorIs(t, err, service.ErrTripNotActive)

	_, err = svc.EstimatePickup(context.Background(), "t1", "someone")
	require.ErrorIs(t, err, service.ErrForbidden)

	_, err = svc.EstimatePickup(context.Background(), "t1", "p1")
	require.ErrorIs(t, err, service.ErrNoPosition)
}
