package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type TripStatus string

const (
	StatusPending        TripStatus = "pending"
	StatusDriverAssigned TripStatus = "driver_assigned"
	StatusDriverArrived  TripStatus = "driver_arrived"
	StatusInProgress     TripStatus = "in_progress"
	StatusCompleted      TripStatus = "completed"
	StatusCancelled      TripStatus = "cancelled"
)

// Error messages double as the reason codes sent to clients.
var ErrInvalidTransition = errors.New("illegal_transition")
var ErrTripNotFound = errors.New("not_found")

// allowedTransitions is the complete lifecycle table. Anything not listed here is rejected,
// including self transitions.
var allowedTransitions = map[TripStatus][]TripStatus{
	StatusPending:        {StatusDriverAssigned, StatusCancelled},
	StatusDriverAssigned: {StatusDriverArrived, StatusCancelled},
	StatusDriverArrived:  {StatusInProgress, StatusCancelled},
	StatusInProgress:     {StatusCompleted, StatusCancelled},
}

func (s TripStatus) CanTransitionTo(next TripStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s TripStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s TripStatus) Valid() bool {
	switch s {
	case StatusPending, StatusDriverAssigned, StatusDriverArrived, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseTripStatus converts a wire value into a known status.
func ParseTripStatus(v string) (TripStatus, bool) {
	s := TripStatus(v)
	return s, s.Valid()
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies within latitude/longitude bounds.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type LocationSample struct {
	Point     GeoPoint  `json:"point"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
)

// TripRecord is what the trip-record collaborator knows about a trip.
type TripRecord struct {
	ID          string
	DriverID    string
	PassengerID string
	Pickup      *GeoPoint
	Status      TripStatus
}

// RoleOf returns the actor's role on the trip, or false for non-participants.
func (t TripRecord) RoleOf(actorID string) (Role, bool) {
	switch {
	case actorID == "":
		return "", false
	case actorID == t.DriverID:
		return RoleDriver, true
	case actorID == t.PassengerID:
		return RolePassenger, true
	default:
		return "", false
	}
}

func (t TripRecord) IsParticipant(actorID string) bool {
	_, ok := t.RoleOf(actorID)
	return ok
}

type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
)

type EmergencyAlert struct {
	ID               uuid.UUID   `json:"id"`
	TripID           string      `json:"trip_id"`
	ActorID          string      `json:"actor_id"`
	Location         *GeoPoint   `json:"location,omitempty"`
	Reason           string      `json:"reason,omitempty"`
	Status           AlertStatus `json:"status"`
	UnverifiedSource bool        `json:"unverified_source"`
	CreatedAt        time.Time   `json:"created_at"`
}

type TripLookup interface {
	GetTripParticipants(ctx context.Context, tripID string) (TripRecord, error)
}

type Storage interface {
	PersistLocation(ctx context.Context, tripID, actorID string, sample LocationSample) error
	PersistTripStatus(ctx context.Context, tripID string, status TripStatus, at time.Time) error
	PersistEmergencyAlert(ctx context.Context, alert EmergencyAlert) error
}

type Notifier interface {
	NotifyEmergency(ctx context.Context, alert EmergencyAlert) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
