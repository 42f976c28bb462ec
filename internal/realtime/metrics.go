package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_sessions_active",
		Help: "Number of registered client sessions.",
	})

	roomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_rooms_active",
		Help: "Number of trip rooms held in memory.",
	})

	joinAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_join_attempts_total",
		Help: "Trip room join attempts grouped by result.",
	}, []string{"result"})

	locationUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_location_updates_total",
		Help: "Location samples grouped by result.",
	}, []string{"result"})

	statusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_status_transitions_total",
		Help: "Trip status transition attempts grouped by target status and result.",
	}, []string{"status", "result"})

	emergencyAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_emergency_alerts_total",
		Help: "Emergency alerts raised grouped by source verification.",
	}, []string{"source"})

	droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_dropped_events_total",
		Help: "Outbound events dropped because a member's queue was full.",
	}, []string{"event"})

	sideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_side_effect_failures_total",
		Help: "Asynchronous collaborator calls that failed, panicked or were shed.",
	}, []string{"task", "reason"})
)
