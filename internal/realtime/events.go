package realtime

import (
	"time"

	"github.com/example/tripsync/internal/trip/domain"
)

// Wire event names.
const (
	EventJoinTrip          = "join-trip"
	EventLeaveTrip         = "leave-trip"
	EventLocationUpdate    = "location-update"
	EventTripStatusUpdate  = "trip-status-update"
	EventEmergencySOS      = "emergency-sos"
	EventChatMessage       = "chat-message"
	EventJoinedTrip        = "joined-trip"
	EventUserJoined        = "user-joined"
	EventUserLeft          = "user-left"
	EventTripStatusChanged = "trip-status-changed"
	EventDriverArrived     = "driver-arrived"
	EventEmergencyAlert    = "emergency-alert"
	EventError             = "error"
)

// Event is one outbound frame.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

type JoinedTripPayload struct {
	TripID string            `json:"tripId"`
	Status domain.TripStatus `json:"status"`
}

type PresencePayload struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type LocationPayload struct {
	UserID      string          `json:"userId"`
	TripID      string          `json:"tripId"`
	Coordinates domain.GeoPoint `json:"coordinates"`
	Heading     *float64        `json:"heading,omitempty"`
	Speed       *float64        `json:"speed,omitempty"`
	Accuracy    *float64        `json:"accuracy,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

type StatusChangedPayload struct {
	TripID    string            `json:"tripId"`
	Status    domain.TripStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

type DriverArrivedPayload struct {
	TripID    string    `json:"tripId"`
	Timestamp time.Time `json:"timestamp"`
}

type EmergencyPayload struct {
	AlertID          string           `json:"alertId"`
	TripID           string           `json:"tripId"`
	UserID           string           `json:"userId"`
	Location         *domain.GeoPoint `json:"location"`
	Reason           string           `json:"reason,omitempty"`
	UnverifiedSource bool             `json:"unverifiedSource"`
	Timestamp        time.Time        `json:"timestamp"`
}

type ChatPayload struct {
	TripID    string    `json:"tripId"`
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

func locationEvent(tripID, actorID string, s domain.LocationSample) Event {
	return Event{Name: EventLocationUpdate, Data: LocationPayload{
		UserID:      actorID,
		TripID:      tripID,
		Coordinates: s.Point,
		Heading:     s.Heading,
		Speed:       s.Speed,
		Accuracy:    s.Accuracy,
		Timestamp:   s.Timestamp,
	}}
}

// ErrorEvent builds the `error` frame for a rejected command.
func ErrorEvent(inResponseTo string, err error) Event {
	return Event{Name: EventError, Data: ErrorPayload{Message: Reason(err), Event: inResponseTo}}
}
