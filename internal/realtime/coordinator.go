package realtime

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/tripsync/internal/trip/domain"
)

// Config groups the tunables of the coordination core.
type Config struct {
	Room                RoomConfig
	Dispatcher          DispatcherConfig
	ArrivalRadiusMeters float64
}

// Coordinator wires the registry, rooms, pipeline, state machine and escalation path
// around one shared dispatcher, and routes decoded client commands to them.
type Coordinator struct {
	Registry  *Registry
	Rooms     *RoomManager
	Pipeline  *Pipeline
	Trips     *StateMachine
	Emergency *Escalation

	dispatcher *Dispatcher
	clock      domain.Clock
	logger     *zap.Logger
	tracer     trace.Tracer
}

func New(lookup domain.TripLookup, storage domain.Storage, notifier domain.Notifier, clock domain.Clock, logger *zap.Logger, cfg Config) *Coordinator {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := NewDispatcher(logger.Named("dispatcher"), cfg.Dispatcher)
	rooms := NewRoomManager(lookup, clock, logger.Named("rooms"), cfg.Room)
	trips := NewStateMachine(rooms, storage, dispatcher, clock, logger.Named("trips"), cfg.ArrivalRadiusMeters)
	return &Coordinator{
		Registry:   NewRegistry(),
		Rooms:      rooms,
		Pipeline:   NewPipeline(rooms, trips, storage, dispatcher, clock),
		Trips:      trips,
		Emergency:  NewEscalation(rooms, storage, notifier, dispatcher, clock, logger.Named("emergency")),
		dispatcher: dispatcher,
		clock:      clock,
		logger:     logger,
		tracer:     otel.Tracer("realtime.coordinator"),
	}
}

// Connect registers an authenticated connection.
func (c *Coordinator) Connect(actorID string, conn Conn) (*Session, error) {
	s, err := c.Registry.Register(actorID, conn)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("session connected", zap.String("actor_id", actorID), zap.String("session_id", s.id.String()))
	return s, nil
}

// Handle executes one client command on behalf of the session.
func (c *Coordinator) Handle(ctx context.Context, s *Session, cmd Command) error {
	if s == nil || s.Closed() {
		return ErrInvalidSession
	}
	ctx, span := c.tracer.Start(ctx, "realtime."+cmd.EventName(), trace.WithAttributes(
		attribute.String("trip.id", cmd.TripRef()),
		attribute.String("actor.id", s.actorID),
	))
	defer span.End()

	err := c.dispatch(ctx, s, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Reason(err))
	}
	return err
}

func (c *Coordinator) dispatch(ctx context.Context, s *Session, cmd Command) error {
	switch cmd := cmd.(type) {
	case JoinTrip:
		if cmd.ActorID != "" && cmd.ActorID != s.actorID {
			joinAttempts.WithLabelValues("unauthorized").Inc()
			return fmt.Errorf("join trip %s as %s: %w", cmd.TripID, cmd.ActorID, ErrUnauthorized)
		}
		return c.Rooms.Join(ctx, cmd.TripID, s)
	case LeaveTrip:
		return c.Rooms.Leave(cmd.TripID, s)
	case LocationUpdate:
		point := cmd.Coordinates.point()
		if point == nil {
			return fmt.Errorf("location for trip %s: %w", cmd.TripID, ErrInvalidPayload)
		}
		return c.Pipeline.Submit(ctx, cmd.TripID, s.actorID, domain.LocationSample{
			Point:    *point,
			Heading:  cmd.Heading,
			Speed:    cmd.Speed,
			Accuracy: cmd.Accuracy,
		})
	case TripStatusUpdate:
		target, ok := domain.ParseTripStatus(cmd.Status)
		if !ok {
			return fmt.Errorf("unknown trip status %q: %w", cmd.Status, ErrInvalidPayload)
		}
		return c.Trips.Transition(ctx, cmd.TripID, target, s.actorID)
	case EmergencySOS:
		c.Emergency.Trigger(ctx, cmd.TripID, s.actorID, cmd.Location.point(), cmd.Reason)
		return nil
	case ChatMessage:
		return c.Rooms.Relay(cmd.TripID, s.actorID, Event{Name: EventChatMessage, Data: ChatPayload{
			TripID:    cmd.TripID,
			UserID:    s.actorID,
			Message:   cmd.Message,
			Timestamp: c.clock.Now(),
		}})
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, cmd)
	}
}

// Close drains pending side effects. Call it after the transports have stopped.
func (c *Coordinator) Close() {
	c.dispatcher.Close()
}
