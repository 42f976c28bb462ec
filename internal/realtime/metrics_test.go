package realtime

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/tripsync/internal/trip/domain"
	"github.com/example/tripsync/internal/trip/repository"
	"github.com/example/tripsync/pkg/outbox"
)

type nopNotifier struct{}

func (nopNotifier) NotifyEmergency(context.Context, domain.EmergencyAlert) error { return nil }

func TestUnverifiedAlertsAreCounted(t *testing.T) {
	repo := repository.NewMemoryRepository()
	dispatcher := NewDispatcher(zap.NewNop(), DispatcherConfig{Workers: 1, QueueSize: 4})
	rooms := NewRoomManager(repo, nil, zap.NewNop(), RoomConfig{})
	esc := NewEscalation(rooms, repo, nopNotifier{}, dispatcher, nil, zap.NewNop())

	before := testutil.ToFloat64(emergencyAlerts.WithLabelValues("unverified"))
	alert := esc.Trigger(context.Background(), "no-such-trip", "someone", nil, "help")
	dispatcher.Close()

	require.True(t, alert.UnverifiedSource)
	require.Equal(t, before+1, testutil.ToFloat64(emergencyAlerts.WithLabelValues("unverified")))
	require.Len(t, repo.Alerts(), 1)
}

func TestTasksAfterCloseAreCounted(t *testing.T) {
	dispatcher := NewDispatcher(zap.NewNop(), DispatcherConfig{Workers: 1, QueueSize: 1})
	dispatcher.Close()

	before := testutil.ToFloat64(sideEffectFailures.WithLabelValues("late_task", "closed"))
	dispatcher.Submit(context.Background(), "late_task", func(context.Context) error {
		return errors.New("never runs")
	})
	require.Equal(t, before+1, testutil.ToFloat64(sideEffectFailures.WithLabelValues("late_task", "closed")))
}

func TestMissingNotifierIsCountedAsFailure(t *testing.T) {
	repo := repository.NewMemoryRepository()
	dispatcher := NewDispatcher(zap.NewNop(), DispatcherConfig{Workers: 1, QueueSize: 4})
	rooms := NewRoomManager(repo, nil, zap.NewNop(), RoomConfig{})
	esc := NewEscalation(rooms, repo, outbox.NewPublisher(nil, ""), dispatcher, nil, zap.NewNop())

	before := testutil.ToFloat64(sideEffectFailures.WithLabelValues("notify_emergency", "error"))
	esc.Trigger(context.Background(), "trip-without-pager", "passenger-1", nil, "help")
	dispatcher.Close()

	require.Equal(t, before+1, testutil.ToFloat64(sideEffectFailures.WithLabelValues("notify_emergency", "error")))
	require.Len(t, repo.Alerts(), 1)
}
