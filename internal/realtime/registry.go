package realtime

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Conn is the outbound side of a live client connection.
type Conn interface {
	// Send queues an ordinary event. It returns false when the event was dropped.
	Send(evt Event) bool
	// SendPriority queues an event ahead of ordinary traffic.
	SendPriority(evt Event) bool
}

// Session is one authenticated connection.
type Session struct {
	id      uuid.UUID
	actorID string
	conn    Conn

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func (s *Session) ID() uuid.UUID   { return s.id }
func (s *Session) ActorID() string { return s.actorID }
func (s *Session) Conn() Conn      { return s.conn }

// Rooms returns the trip ids the session has joined, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.rooms)
}

// Closed reports whether the session has been disconnected.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) addRoom(tripID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.rooms[tripID] = struct{}{}
	return true
}

func (s *Session) removeRoom(tripID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, tripID)
}

// markClosed flips the session to closed and returns the rooms it was in. The second
// result is false if it had already been closed.
func (s *Session) markClosed() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	return sortedKeys(s.rooms), true
}

// Registry maps actor identities to their live sessions.
type Registry struct {
	mu      sync.RWMutex
	byActor map[string]map[uuid.UUID]*Session
}

func NewRegistry() *Registry {
	return &Registry{byActor: make(map[string]map[uuid.UUID]*Session)}
}

// Register creates a session for an authenticated actor. Existing sessions of the same
// actor are left untouched.
func (r *Registry) Register(actorID string, conn Conn) (*Session, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: missing actor", ErrInvalidSession)
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: missing connection", ErrInvalidSession)
	}
	s := &Session{id: uuid.New(), actorID: actorID, conn: conn, rooms: make(map[string]struct{})}

	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.byActor[actorID]
	if !ok {
		sessions = make(map[uuid.UUID]*Session)
		r.byActor[actorID] = sessions
	}
	sessions[s.id] = s
	sessionsActive.Inc()
	return s, nil
}

// Lookup returns the connections of every live session of the actor.
func (r *Registry) Lookup(actorID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := r.byActor[actorID]
	ids := make([]uuid.UUID, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	conns := make([]Conn, 0, len(ids))
	for _, id := range ids {
		conns = append(conns, sessions[id].conn)
	}
	return conns
}

// Unregister removes the session. Removing an unknown or already removed session is a
// no-op. The actor entry disappears with its last session.
func (r *Registry) Unregister(s *Session) bool {
	if s == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.byActor[s.actorID]
	if !ok {
		return false
	}
	if _, ok := sessions[s.id]; !ok {
		return false
	}
	delete(sessions, s.id)
	if len(sessions) == 0 {
		delete(r.byActor, s.actorID)
	}
	sessionsActive.Dec()
	return true
}

// SessionCount returns the number of live sessions across all actors.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sessions := range r.byActor {
		n += len(sessions)
	}
	return n
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
