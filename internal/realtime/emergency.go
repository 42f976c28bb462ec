package realtime

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/tripsync/internal/trip/domain"
)

// Escalation raises emergency alerts. It fails open: a caller that is not a member of the
// room still gets its alert recorded and relayed, marked as unverified.
type Escalation struct {
	rooms      *RoomManager
	storage    domain.Storage
	notifier   domain.Notifier
	dispatcher *Dispatcher
	clock      domain.Clock
	logger     *zap.Logger
}

func NewEscalation(rooms *RoomManager, storage domain.Storage, notifier domain.Notifier, dispatcher *Dispatcher, clock domain.Clock, logger *zap.Logger) *Escalation {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Escalation{
		rooms:      rooms,
		storage:    storage,
		notifier:   notifier,
		dispatcher: dispatcher,
		clock:      clock,
		logger:     logger,
	}
}

// Trigger records an alert, relays it to the room ahead of queued traffic and hands it to
// storage and the notifier. It never fails; invalid coordinates are dropped from the alert.
func (e *Escalation) Trigger(ctx context.Context, tripID, actorID string, loc *domain.GeoPoint, reason string) domain.EmergencyAlert {
	if loc != nil && !loc.Valid() {
		loc = nil
	}
	alert := domain.EmergencyAlert{
		ID:        uuid.New(),
		TripID:    tripID,
		ActorID:   actorID,
		Location:  loc,
		Reason:    reason,
		Status:    domain.AlertActive,
		CreatedAt: e.clock.Now(),
	}

	delivered := 0
	room, ok := e.rooms.get(tripID)
	if ok {
		room.mu.Lock()
		if room.closed || !room.hasActorLocked(actorID) {
			alert.UnverifiedSource = true
		}
		if !room.closed {
			delivered = room.broadcastPriorityLocked(alertEvent(alert))
		}
		room.mu.Unlock()
	} else {
		alert.UnverifiedSource = true
	}

	source := "verified"
	if alert.UnverifiedSource {
		source = "unverified"
	}
	emergencyAlerts.WithLabelValues(source).Inc()

	e.dispatcher.MustSubmit(ctx, "persist_emergency_alert", func(ctx context.Context) error {
		return e.storage.PersistEmergencyAlert(ctx, alert)
	})
	e.dispatcher.MustSubmit(ctx, "notify_emergency", func(ctx context.Context) error {
		return e.notifier.NotifyEmergency(ctx, alert)
	})

	e.logger.Error("emergency alert raised",
		zap.String("alert_id", alert.ID.String()),
		zap.String("trip_id", tripID),
		zap.String("actor_id", actorID),
		zap.Bool("unverified_source", alert.UnverifiedSource),
		zap.Int("delivered", delivered))
	return alert
}

func alertEvent(a domain.EmergencyAlert) Event {
	return Event{Name: EventEmergencyAlert, Data: EmergencyPayload{
		AlertID:          a.ID.String(),
		TripID:           a.TripID,
		UserID:           a.ActorID,
		Location:         a.Location,
		Reason:           a.Reason,
		UnverifiedSource: a.UnverifiedSource,
		Timestamp:        a.CreatedAt,
	}}
}
