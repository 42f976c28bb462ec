package realtime

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/example/tripsync/internal/trip/domain"
)

// Command is a decoded client frame. The set of implementations is closed.
type Command interface {
	EventName() string
	TripRef() string
}

type Coordinates struct {
	Lat *float64 `json:"lat" validate:"required"`
	Lng *float64 `json:"lng" validate:"required"`
}

func (c *Coordinates) point() *domain.GeoPoint {
	if c == nil || c.Lat == nil || c.Lng == nil {
		return nil
	}
	return &domain.GeoPoint{Lat: *c.Lat, Lng: *c.Lng}
}

type JoinTrip struct {
	TripID  string `json:"tripId" validate:"required,max=128"`
	ActorID string `json:"actorId,omitempty" validate:"max=128"`
}

type LeaveTrip struct {
	TripID string `json:"tripId" validate:"required,max=128"`
}

type LocationUpdate struct {
	TripID      string       `json:"tripId" validate:"required,max=128"`
	Coordinates *Coordinates `json:"coordinates" validate:"required"`
	Heading     *float64     `json:"heading,omitempty"`
	Speed       *float64     `json:"speed,omitempty"`
	Accuracy    *float64     `json:"accuracy,omitempty"`
}

type TripStatusUpdate struct {
	TripID string `json:"tripId" validate:"required,max=128"`
	Status string `json:"status" validate:"required"`
}

// EmergencySOS only requires the trip id; everything else is best effort.
type EmergencySOS struct {
	TripID   string       `json:"tripId" validate:"required,max=128"`
	Location *Coordinates `json:"location,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

type ChatMessage struct {
	TripID  string `json:"tripId" validate:"required,max=128"`
	Message string `json:"message" validate:"required,max=2000"`
}

func (JoinTrip) EventName() string         { return EventJoinTrip }
func (LeaveTrip) EventName() string        { return EventLeaveTrip }
func (LocationUpdate) EventName() string   { return EventLocationUpdate }
func (TripStatusUpdate) EventName() string { return EventTripStatusUpdate }
func (EmergencySOS) EventName() string     { return EventEmergencySOS }
func (ChatMessage) EventName() string      { return EventChatMessage }

func (c JoinTrip) TripRef() string         { return c.TripID }
func (c LeaveTrip) TripRef() string        { return c.TripID }
func (c LocationUpdate) TripRef() string   { return c.TripID }
func (c TripStatusUpdate) TripRef() string { return c.TripID }
func (c EmergencySOS) TripRef() string     { return c.TripID }
func (c ChatMessage) TripRef() string      { return c.TripID }

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// DecodeCommand parses one client frame. The returned name is the envelope's event name,
// set even when decoding fails so the error can be attributed.
func DecodeCommand(raw []byte) (string, Command, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var cmd Command
	var err error
	switch env.Event {
	case EventJoinTrip:
		cmd, err = decodeInto[JoinTrip](env.Data)
	case EventLeaveTrip:
		cmd, err = decodeInto[LeaveTrip](env.Data)
	case EventLocationUpdate:
		cmd, err = decodeInto[LocationUpdate](env.Data)
	case EventTripStatusUpdate:
		cmd, err = decodeInto[TripStatusUpdate](env.Data)
	case EventEmergencySOS:
		cmd, err = decodeInto[EmergencySOS](env.Data)
	case EventChatMessage:
		cmd, err = decodeInto[ChatMessage](env.Data)
	default:
		return env.Event, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return env.Event, nil, err
	}
	return env.Event, cmd, nil
}

func decodeInto[T Command](data json.RawMessage) (Command, error) {
	var v T
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := getValidator().Struct(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}

// EncodeEvent renders an outbound frame.
func EncodeEvent(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
