package realtime

import (
	"context"
	"fmt"

	"github.com/example/tripsync/internal/trip/domain"
)

// Pipeline accepts position reports from room members.
type Pipeline struct {
	rooms      *RoomManager
	trips      *StateMachine
	storage    domain.Storage
	dispatcher *Dispatcher
	clock      domain.Clock
}

func NewPipeline(rooms *RoomManager, trips *StateMachine, storage domain.Storage, dispatcher *Dispatcher, clock domain.Clock) *Pipeline {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Pipeline{rooms: rooms, trips: trips, storage: storage, dispatcher: dispatcher, clock: clock}
}

// Submit validates a sample, caches it as the actor's latest position, fans it out to the
// other members and queues persistence. Rejected samples leave no trace.
func (p *Pipeline) Submit(ctx context.Context, tripID, actorID string, sample domain.LocationSample) error {
	room, ok := p.rooms.get(tripID)
	if !ok {
		locationUpdates.WithLabelValues("not_member").Inc()
		return fmt.Errorf("location for trip %s: %w", tripID, ErrNotMember)
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed || !room.hasActorLocked(actorID) {
		locationUpdates.WithLabelValues("not_member").Inc()
		return fmt.Errorf("location for trip %s: %w", tripID, ErrNotMember)
	}
	if !sample.Point.Valid() {
		locationUpdates.WithLabelValues("invalid").Inc()
		return fmt.Errorf("location for trip %s: %w", tripID, ErrInvalidCoordinates)
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = p.clock.Now()
	}

	room.lastByActor[actorID] = sample
	room.latestActor = actorID
	room.broadcastLocked(locationEvent(tripID, actorID, sample), func(s *Session) bool { return s.actorID == actorID })
	locationUpdates.WithLabelValues("accepted").Inc()

	p.dispatcher.Submit(ctx, "persist_location", func(ctx context.Context) error {
		return p.storage.PersistLocation(ctx, tripID, actorID, sample)
	})

	p.trips.evaluateProximityLocked(ctx, room, actorID, sample)
	return nil
}
