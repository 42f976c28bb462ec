package realtime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/tripsync/internal/trip/domain"
)

// SystemActor marks transitions inferred by the service rather than commanded by a client.
const SystemActor = "system"

const defaultArrivalRadiusMeters = 100.0

// StateMachine is the only writer of a room's trip status. Explicit commands go through
// Transition; the proximity rule is the single passive transition and is evaluated here
// as well so the full rule set stays in one place.
type StateMachine struct {
	rooms         *RoomManager
	storage       domain.Storage
	dispatcher    *Dispatcher
	clock         domain.Clock
	logger        *zap.Logger
	arrivalRadius float64
}

func NewStateMachine(rooms *RoomManager, storage domain.Storage, dispatcher *Dispatcher, clock domain.Clock, logger *zap.Logger, arrivalRadiusMeters float64) *StateMachine {
	if arrivalRadiusMeters <= 0 {
		arrivalRadiusMeters = defaultArrivalRadiusMeters
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{
		rooms:         rooms,
		storage:       storage,
		dispatcher:    dispatcher,
		clock:         clock,
		logger:        logger,
		arrivalRadius: arrivalRadiusMeters,
	}
}

// Transition applies an explicit status change. Client-triggered transitions require the
// actor to be a current member of the room.
func (sm *StateMachine) Transition(ctx context.Context, tripID string, target domain.TripStatus, triggeredBy string) error {
	room, ok := sm.rooms.get(tripID)
	if !ok {
		statusTransitions.WithLabelValues(string(target), "not_found").Inc()
		return fmt.Errorf("transition trip %s: %w", tripID, ErrNotFound)
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		statusTransitions.WithLabelValues(string(target), "not_found").Inc()
		return fmt.Errorf("transition trip %s: %w", tripID, ErrNotFound)
	}
	if triggeredBy != SystemActor && !room.hasActorLocked(triggeredBy) {
		statusTransitions.WithLabelValues(string(target), "not_member").Inc()
		return fmt.Errorf("transition trip %s: %w", tripID, ErrNotMember)
	}
	return sm.applyLocked(ctx, room, target, triggeredBy)
}

// Status returns the room's current status.
func (sm *StateMachine) Status(tripID string) (domain.TripStatus, time.Time, bool) {
	room, ok := sm.rooms.get(tripID)
	if !ok {
		return "", time.Time{}, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.status, room.statusAt, !room.closed
}

func (sm *StateMachine) applyLocked(ctx context.Context, room *Room, target domain.TripStatus, triggeredBy string) error {
	from := room.status
	if !from.CanTransitionTo(target) {
		statusTransitions.WithLabelValues(string(target), "illegal").Inc()
		return fmt.Errorf("transition trip %s from %s to %s: %w", room.tripID, from, target, ErrIllegalTransition)
	}
	now := sm.clock.Now()
	room.status = target
	room.statusAt = now
	statusTransitions.WithLabelValues(string(target), "accepted").Inc()

	room.broadcastLocked(Event{Name: EventTripStatusChanged, Data: StatusChangedPayload{
		TripID:    room.tripID,
		Status:    target,
		Timestamp: now,
	}}, nil)
	if target == domain.StatusDriverArrived {
		room.broadcastLocked(Event{Name: EventDriverArrived, Data: DriverArrivedPayload{
			TripID:    room.tripID,
			Timestamp: now,
		}}, nil)
	}

	tripID := room.tripID
	sm.dispatcher.MustSubmit(ctx, "persist_trip_status", func(ctx context.Context) error {
		return sm.storage.PersistTripStatus(ctx, tripID, target, now)
	})

	if target.Terminal() {
		sm.rooms.scheduleTeardownLocked(room)
	}
	sm.logger.Info("trip status changed",
		zap.String("trip_id", tripID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("triggered_by", triggeredBy))
	return nil
}

// evaluateProximityLocked moves a driver_assigned trip to driver_arrived once the driver's
// sample falls inside the arrival radius of the pickup point. Later samples find the
// status already advanced and do nothing.
func (sm *StateMachine) evaluateProximityLocked(ctx context.Context, room *Room, actorID string, sample domain.LocationSample) {
	if actorID != room.record.DriverID || room.record.Pickup == nil {
		return
	}
	if room.status != domain.StatusDriverAssigned {
		return
	}
	if domain.DistanceMeters(sample.Point, *room.record.Pickup) >= sm.arrivalRadius {
		return
	}
	if err := sm.applyLocked(ctx, room, domain.StatusDriverArrived, SystemActor); err != nil {
		sm.logger.Warn("proximity arrival rejected", zap.String("trip_id", room.tripID), zap.Error(err))
	}
}
