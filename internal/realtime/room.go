package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/example/tripsync/internal/trip/domain"
)

// Room is the in-memory state of one active trip. Every field below mu is guarded by it,
// and every room-scoped send happens while it is held, which gives members a single
// delivery order per room.
type Room struct {
	tripID string
	record domain.TripRecord

	mu            sync.Mutex
	members       []*Session
	lastByActor   map[string]domain.LocationSample
	latestActor   string
	status        domain.TripStatus
	statusAt      time.Time
	idleTimer     *time.Timer
	idleGen       uint64
	teardownTimer *time.Timer
	closed        bool
}

func newRoom(rec domain.TripRecord, now time.Time) *Room {
	status := rec.Status
	if !status.Valid() {
		status = domain.StatusPending
	}
	return &Room{
		tripID:      rec.ID,
		record:      rec,
		lastByActor: make(map[string]domain.LocationSample),
		status:      status,
		statusAt:    now,
	}
}

func (r *Room) indexLocked(s *Session) int {
	for i, m := range r.members {
		if m == s {
			return i
		}
	}
	return -1
}

func (r *Room) hasActorLocked(actorID string) bool {
	for _, m := range r.members {
		if m.actorID == actorID {
			return true
		}
	}
	return false
}

// broadcastLocked queues evt for every member not matched by skip and returns how many
// members accepted it. Members with a full queue lose the event.
func (r *Room) broadcastLocked(evt Event, skip func(*Session) bool) int {
	delivered := 0
	for _, m := range r.members {
		if skip != nil && skip(m) {
			continue
		}
		if m.conn.Send(evt) {
			delivered++
			continue
		}
		droppedEvents.WithLabelValues(evt.Name).Inc()
	}
	return delivered
}

func (r *Room) broadcastPriorityLocked(evt Event) int {
	delivered := 0
	for _, m := range r.members {
		if m.conn.SendPriority(evt) {
			delivered++
			continue
		}
		droppedEvents.WithLabelValues(evt.Name).Inc()
	}
	return delivered
}

func (r *Room) latestLocked() (string, domain.LocationSample, bool) {
	if r.latestActor == "" {
		return "", domain.LocationSample{}, false
	}
	s, ok := r.lastByActor[r.latestActor]
	return r.latestActor, s, ok
}

// RoomSnapshot is a read-only copy of a room's state.
type RoomSnapshot struct {
	TripID      string                           `json:"trip_id"`
	DriverID    string                           `json:"driver_id"`
	PassengerID string                           `json:"passenger_id"`
	Pickup      *domain.GeoPoint                 `json:"pickup,omitempty"`
	Status      domain.TripStatus                `json:"status"`
	StatusAt    time.Time                        `json:"status_at"`
	Members     []string                         `json:"members"`
	Locations   map[string]domain.LocationSample `json:"locations"`
}

func (r *Room) snapshotLocked() RoomSnapshot {
	seen := make(map[string]struct{}, len(r.members))
	for _, m := range r.members {
		seen[m.actorID] = struct{}{}
	}
	members := make([]string, 0, len(seen))
	for id := range seen {
		members = append(members, id)
	}
	sort.Strings(members)
	locations := make(map[string]domain.LocationSample, len(r.lastByActor))
	for id, s := range r.lastByActor {
		locations[id] = s
	}
	return RoomSnapshot{
		TripID:      r.tripID,
		DriverID:    r.record.DriverID,
		PassengerID: r.record.PassengerID,
		Pickup:      r.record.Pickup,
		Status:      r.status,
		StatusAt:    r.statusAt,
		Members:     members,
		Locations:   locations,
	}
}
