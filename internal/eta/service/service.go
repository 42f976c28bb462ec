package service

import (
	"context"
	"errors"
	"time"

	"github.com/example/tripsync/internal/realtime"
	"github.com/example/tripsync/internal/trip/domain"
)

var (
	ErrTripNotActive = errors.New("trip not active")
	ErrForbidden     = errors.New("not a trip participant")
	ErrNoPosition    = errors.New("no driver position yet")
)

// Rooms exposes live room state.
type Rooms interface {
	Snapshot(tripID string) (realtime.RoomSnapshot, bool)
}

// Estimate is the driver's distance and travel time to pickup.
type Estimate struct {
	TripID         string          `json:"trip_id"`
	DistanceMeters float64         `json:"distance_m"`
	ETA            time.Duration   `json:"-"`
	ETASeconds     float64         `json:"eta_sec"`
	DriverLocation domain.GeoPoint `json:"driver_location"`
	AsOf           time.Time       `json:"as_of"`
}

// Service calculates pickup ETAs from the driver's latest sample using haversine
// distance and either the reported speed or an average.
type Service struct {
	rooms Rooms
}

// New creates an ETA service.
func New(rooms Rooms) *Service {
	return &Service{rooms: rooms}
}

// EstimatePickup returns the driver's ETA to the pickup point for a participant.
func (s *Service) EstimatePickup(_ context.Context, tripID, actorID string) (Estimate, error) {
	snap, ok := s.rooms.Snapshot(tripID)
	if !ok {
		return Estimate{}, ErrTripNotActive
	}
	if actorID != snap.DriverID && actorID != snap.PassengerID {
		return Estimate{}, ErrForbidden
	}
	sample, ok := snap.Locations[snap.DriverID]
	if !ok || snap.Pickup == nil {
		return Estimate{}, ErrNoPosition
	}

	dist := domain.DistanceMeters(sample.Point, *snap.Pickup)
	eta := travelTime(dist, sample.Speed)
	return Estimate{
		TripID:         tripID,
		DistanceMeters: dist,
		ETA:            eta,
		ETASeconds:     eta.Seconds(),
		DriverLocation: sample.Point,
		AsOf:           sample.Timestamp,
	}, nil
}

func travelTime(meters float64, speed *float64) time.Duration {
	const avgSpeed = 30.0 // km/h
	meterPerSecond := avgSpeed * 1000.0 / 3600.0
	// reported speed is m/s; crawling drivers fall back to the average
	if speed != nil && *speed > 1 {
		meterPerSecond = *speed
	}
	sec := meters / meterPerSecond
	return time.Duration(sec) * time.Second
}
