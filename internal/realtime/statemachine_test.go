package realtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/tripsync/internal/realtime"
	"github.com/example/tripsync/internal/trip/domain"
)

func TestSkippingStatesIsRejected(t *testing.T) {
	h := newHarness(t, realtime.Config{})
	driver, _ := h.connect(t, driverID, tripID)
	_, passengerConn := h.connect(t, passengerID, tripID)
	passengerConn.Reset()

	err := h.coord.Handle(context.Background(), driver, realtime.TripStatusUpdate{TripID: tripID, Status: "in_progress"})
	require.ErrorIs(t, err, realtime.ErrIllegalTransition)
	require.Equal(t, "illegal_transition", realtime.Reason(err))

	status, _, _ := h.coord.Trips.Status(tripID)
	require.Equal(t, domain.StatusPending, status)
	require.Empty(t, passengerConn.Events())

	h.coord.Close()
	require.Empty(t, h.storage.Statuses())
}

func TestHappyPathBroadcastsEveryTransition(t *testing.T) {
	h := newHarness(t, realtime.Config{})
	driver, _ := h.connect(t, driverID, tripID)
	passenger, passengerConn := h.connect(t, passengerID, tripID)
	passengerConn.Reset()

	steps := []struct {
		actor  *realtime.Session
		status domain.TripStatus
	}{
		{driver, domain.StatusDriverAssigned},
		{driver, domain.StatusDriverArrived},
		{passenger, domain.StatusInProgress},
		{driver, domain.StatusCompleted},
	}
	for _, step := range steps {
		require.NoError(t, h.coord.Trips.Transition(context.Background(), tripID, step.status, step.actor.ActorID()))
	}

	var seen []domain.TripStatus
	for _, e := range eventsNamed(passengerConn.Events(), realtime.EventTripStatusChanged) {
		payload := e.Data.(realtime.StatusChangedPayload)
		require.Equal(t, tripID, payload.TripID)
		seen = append(seen, payload.Status)
	}
	require.Equal(t, []domain.TripStatus{
		domain.StatusDriverAssigned, domain.StatusDriverArrived, domain.StatusInProgress, domain.StatusCompleted,
	}, seen)

	err := h.coord.Trips.Transition(context.Background(), tripID, domain.StatusCancelled, driverID)
	require.ErrorIs(t, err, realtime.ErrIllegalTransition)

	h.coord.Close()
	require.Len(t, h.storage.Statuses(), 4)
}

func TestCancellationFromAnyOpenState(t *testing.T) {
	for _, from := range []domain.TripStatus{
		domain.StatusPending, domain.StatusDriverAssigned, domain.StatusDriverArrived, domain.StatusInProgress,
	} {
		t.Run(string(from), func(t *testing.T) {
			rec := defaultTrip()
			rec.Status = from
			h := newHarness(t, realtime.Config{}, rec)
			passenger, _ := h.connect(t, passengerID, tripID)

			require.NoError(t, h.coord.Handle(context.Background(), passenger, realtime.TripStatusUpdate{TripID: tripID, Status: "cancelled"}))
			status, _, _ := h.coord.Trips.Status(tripID)
			require.Equal(t, domain.StatusCancelled, status)
		})
	}
}

func TestTransitionRequiresMembership(t *testing.T) {
	h := newHarness(t, realtime.Config{})
	h.connect(t, driverID, tripID)

	err := h.coord.Trips.Transition(context.Background(), tripID, domain.StatusDriverAssigned, passengerID)
	require.ErrorIs(t, err, realtime.ErrNotMember)

	err = h.coord.Trips.Transition(context.Background(), "missing", domain.StatusDriverAssigned, driverID)
	require.ErrorIs(t, err, realtime.ErrNotFound)
}

func TestUnknownStatusIsInvalidPayload(t *testing.T) {
	h := newHarness(t, realtime.Config{})
	driver, _ := h.connect(t, driverID, tripID)

	err := h.coord.Handle(context.Background(), driver, realtime.TripStatusUpdate{TripID: tripID, Status: "teleported"})
	require.ErrorIs(t, err, realtime.ErrInvalidPayload)
}

func TestTerminalStatusTearsDownRoom(t *testing.T) {
	rec := defaultTrip()
	rec.Status = domain.StatusInProgress
	h := newHarness(t, realtime.Config{Room: realtime.RoomConfig{TerminalGracePeriod: 30 * time.Millisecond}}, rec)
	driver, driverConn := h.connect(t, driverID, tripID)
	passenger, passengerConn := h.connect(t, passengerID, tripID)

	require.NoError(t, h.coord.Handle(context.Background(), driver, realtime.TripStatusUpdate{TripID: tripID, Status: "completed"}))

	snap, ok := h.coord.Rooms.Snapshot(tripID)
	require.True(t, ok)
	require.Equal(t, domain.StatusCompleted, snap.Status)

	require.Eventually(t, func() bool { return h.coord.Rooms.RoomCount() == 0 }, time.Second, 5*time.Millisecond)
	require.Empty(t, driver.Rooms())
	require.Empty(t, passenger.Rooms())

	for actor, conn := range map[string]*recordingConn{driverID: driverConn, passengerID: passengerConn} {
		events := conn.Events()
		last := events[len(events)-1]
		require.Equal(t, realtime.EventUserLeft, last.Name)
		require.Equal(t, actor, last.Data.(realtime.PresencePayload).UserID)
	}

	err := h.coord.Handle(context.Background(), passenger, locationCmd(pickup))
	require.ErrorIs(t, err, realtime.ErrNotMember)
	require.NoError(t, h.coord.Disconnect(driver))
}
