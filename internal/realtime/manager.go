package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/tripsync/internal/trip/domain"
)

// RoomConfig controls how long rooms outlive their members.
type RoomConfig struct {
	// IdleGracePeriod keeps an empty room (and its location cache) around for reconnects.
	IdleGracePeriod time.Duration
	// TerminalGracePeriod delays teardown after completed/cancelled.
	TerminalGracePeriod time.Duration
}

// RoomManager owns every trip room. The manager lock only guards the room index; each
// room carries its own lock. Lock order is manager before room.
type RoomManager struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	lookup domain.TripLookup
	clock  domain.Clock
	cfg    RoomConfig
	logger *zap.Logger
}

func NewRoomManager(lookup domain.TripLookup, clock domain.Clock, logger *zap.Logger, cfg RoomConfig) *RoomManager {
	if cfg.IdleGracePeriod <= 0 {
		cfg.IdleGracePeriod = 30 * time.Second
	}
	if cfg.TerminalGracePeriod <= 0 {
		cfg.TerminalGracePeriod = time.Minute
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomManager{rooms: make(map[string]*Room), lookup: lookup, clock: clock, cfg: cfg, logger: logger}
}

// Join adds the session to the trip's room after checking that its actor is the trip's
// driver or passenger.
func (m *RoomManager) Join(ctx context.Context, tripID string, s *Session) error {
	if s == nil || s.Closed() {
		return ErrInvalidSession
	}
	for {
		room, ok := m.get(tripID)
		if !ok {
			rec, err := m.lookup.GetTripParticipants(ctx, tripID)
			if err != nil {
				if errors.Is(err, domain.ErrTripNotFound) {
					joinAttempts.WithLabelValues("not_found").Inc()
					return fmt.Errorf("join trip %s: %w", tripID, ErrNotFound)
				}
				joinAttempts.WithLabelValues("error").Inc()
				return fmt.Errorf("lookup trip %s: %w", tripID, err)
			}
			if !rec.IsParticipant(s.actorID) {
				joinAttempts.WithLabelValues("unauthorized").Inc()
				return fmt.Errorf("join trip %s: %w", tripID, ErrUnauthorized)
			}
			rec.ID = tripID
			room = m.getOrCreate(rec)
		}
		if !room.record.IsParticipant(s.actorID) {
			joinAttempts.WithLabelValues("unauthorized").Inc()
			return fmt.Errorf("join trip %s: %w", tripID, ErrUnauthorized)
		}
		retry, err := m.joinRoom(room, s)
		if retry {
			continue
		}
		if err != nil {
			joinAttempts.WithLabelValues("error").Inc()
			return err
		}
		joinAttempts.WithLabelValues("accepted").Inc()
		return nil
	}
}

func (m *RoomManager) joinRoom(room *Room, s *Session) (bool, error) {
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return true, nil
	}
	if !s.addRoom(room.tripID) {
		if len(room.members) == 0 {
			m.scheduleIdleLocked(room)
		}
		return false, ErrInvalidSession
	}
	if room.indexLocked(s) < 0 {
		room.members = append(room.members, s)
		if room.idleTimer != nil {
			room.idleTimer.Stop()
			room.idleTimer = nil
			room.idleGen++
		}
		room.broadcastLocked(Event{Name: EventUserJoined, Data: PresencePayload{
			UserID:    s.actorID,
			Timestamp: m.clock.Now(),
		}}, func(member *Session) bool { return member == s })
		m.logger.Debug("session joined trip room",
			zap.String("trip_id", room.tripID),
			zap.String("actor_id", s.actorID),
			zap.Int("members", len(room.members)))
	}
	s.conn.Send(Event{Name: EventJoinedTrip, Data: JoinedTripPayload{TripID: room.tripID, Status: room.status}})
	if actorID, sample, ok := room.latestLocked(); ok {
		s.conn.Send(locationEvent(room.tripID, actorID, sample))
	}
	return false, nil
}

// Leave removes the session from the room and tells the remaining members.
func (m *RoomManager) Leave(tripID string, s *Session) error {
	if s == nil {
		return ErrInvalidSession
	}
	room, ok := m.get(tripID)
	if !ok {
		s.removeRoom(tripID)
		return fmt.Errorf("leave trip %s: %w", tripID, ErrNotMember)
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	idx := room.indexLocked(s)
	if idx < 0 {
		s.removeRoom(tripID)
		return fmt.Errorf("leave trip %s: %w", tripID, ErrNotMember)
	}
	room.members = append(room.members[:idx], room.members[idx+1:]...)
	s.removeRoom(tripID)
	room.broadcastLocked(Event{Name: EventUserLeft, Data: PresencePayload{
		UserID:    s.actorID,
		Timestamp: m.clock.Now(),
	}}, nil)
	if len(room.members) == 0 {
		m.scheduleIdleLocked(room)
	}
	return nil
}

// Broadcast delivers evt to every member except sessions of excludeActorID.
func (m *RoomManager) Broadcast(tripID string, evt Event, excludeActorID string) error {
	room, ok := m.get(tripID)
	if !ok {
		return fmt.Errorf("broadcast to trip %s: %w", tripID, ErrNotFound)
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return fmt.Errorf("broadcast to trip %s: %w", tripID, ErrNotFound)
	}
	var skip func(*Session) bool
	if excludeActorID != "" {
		skip = func(s *Session) bool { return s.actorID == excludeActorID }
	}
	room.broadcastLocked(evt, skip)
	return nil
}

// Relay broadcasts evt from a current member to the other members.
func (m *RoomManager) Relay(tripID, actorID string, evt Event) error {
	room, ok := m.get(tripID)
	if !ok {
		return fmt.Errorf("relay to trip %s: %w", tripID, ErrNotMember)
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed || !room.hasActorLocked(actorID) {
		return fmt.Errorf("relay to trip %s: %w", tripID, ErrNotMember)
	}
	room.broadcastLocked(evt, func(s *Session) bool { return s.actorID == actorID })
	return nil
}

// Snapshot copies the room state, if the room is live.
func (m *RoomManager) Snapshot(tripID string) (RoomSnapshot, bool) {
	room, ok := m.get(tripID)
	if !ok {
		return RoomSnapshot{}, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return RoomSnapshot{}, false
	}
	return room.snapshotLocked(), true
}

// RoomCount returns the number of rooms held in memory.
func (m *RoomManager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *RoomManager) get(tripID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[tripID]
	return room, ok
}

func (m *RoomManager) getOrCreate(rec domain.TripRecord) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[rec.ID]; ok {
		return room
	}
	room := newRoom(rec, m.clock.Now())
	m.rooms[rec.ID] = room
	roomsActive.Inc()
	return room
}

func (m *RoomManager) scheduleIdleLocked(room *Room) {
	if room.teardownTimer != nil || room.closed {
		return
	}
	if room.idleTimer != nil {
		room.idleTimer.Stop()
	}
	room.idleGen++
	gen := room.idleGen
	room.idleTimer = time.AfterFunc(m.cfg.IdleGracePeriod, func() { m.destroyIfIdle(room, gen) })
}

func (m *RoomManager) scheduleTeardownLocked(room *Room) {
	if room.teardownTimer != nil || room.closed {
		return
	}
	room.teardownTimer = time.AfterFunc(m.cfg.TerminalGracePeriod, func() { m.teardown(room) })
}

func (m *RoomManager) destroyIfIdle(room *Room, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed || room.idleGen != gen || len(room.members) > 0 {
		return
	}
	m.removeLocked(room)
	m.logger.Debug("idle trip room destroyed", zap.String("trip_id", room.tripID))
}

func (m *RoomManager) teardown(room *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return
	}
	// every remaining member gets its own user-left before removal
	now := m.clock.Now()
	for _, s := range room.members {
		s.removeRoom(room.tripID)
		if !s.conn.Send(Event{Name: EventUserLeft, Data: PresencePayload{UserID: s.actorID, Timestamp: now}}) {
			droppedEvents.WithLabelValues(EventUserLeft).Inc()
		}
	}
	room.members = nil
	if room.idleTimer != nil {
		room.idleTimer.Stop()
		room.idleTimer = nil
	}
	m.removeLocked(room)
	m.logger.Info("trip room torn down", zap.String("trip_id", room.tripID), zap.String("status", string(room.status)))
}

// removeLocked requires both the manager and the room lock.
func (m *RoomManager) removeLocked(room *Room) {
	room.closed = true
	if m.rooms[room.tripID] == room {
		delete(m.rooms, room.tripID)
		roomsActive.Dec()
	}
}
