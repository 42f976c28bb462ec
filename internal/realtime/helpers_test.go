package realtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/tripsync/internal/realtime"
	"github.com/example/tripsync/internal/trip/domain"
)

const (
	tripID      = "trip-1"
	driverID    = "driver-a"
	passengerID = "passenger-b"
	strangerID  = "stranger-c"
)

var pickup = domain.GeoPoint{Lat: 40.7128, Lng: -74.0060}

type recordingConn struct {
	mu     sync.Mutex
	events []realtime.Event
	full   bool
}

func (c *recordingConn) Send(evt realtime.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.events = append(c.events, evt)
	return true
}

func (c *recordingConn) SendPriority(evt realtime.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return true
}

func (c *recordingConn) setFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

func (c *recordingConn) Events() []realtime.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Event(nil), c.events...)
}

func (c *recordingConn) Names() []string {
	events := c.Events()
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Name)
	}
	return names
}

func (c *recordingConn) Count(name string) int {
	n := 0
	for _, e := range c.Events() {
		if e.Name == name {
			n++
		}
	}
	return n
}

func (c *recordingConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

type stubLookup struct {
	trips map[string]domain.TripRecord
	err   error
}

func (s stubLookup) GetTripParticipants(_ context.Context, id string) (domain.TripRecord, error) {
	if s.err != nil {
		return domain.TripRecord{}, s.err
	}
	rec, ok := s.trips[id]
	if !ok {
		return domain.TripRecord{}, domain.ErrTripNotFound
	}
	return rec, nil
}

type statusWrite struct {
	TripID string
	Status domain.TripStatus
	At     time.Time
}

type recordingStorage struct {
	mu        sync.Mutex
	locations []domain.LocationSample
	statuses  []statusWrite
	alerts    []domain.EmergencyAlert
	err       error
}

func (s *recordingStorage) PersistLocation(_ context.Context, _ string, _ string, sample domain.LocationSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations = append(s.locations, sample)
	return s.err
}

func (s *recordingStorage) PersistTripStatus(_ context.Context, id string, status domain.TripStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusWrite{TripID: id, Status: status, At: at})
	return s.err
}

func (s *recordingStorage) PersistEmergencyAlert(_ context.Context, alert domain.EmergencyAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return s.err
}

func (s *recordingStorage) Alerts() []domain.EmergencyAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.EmergencyAlert(nil), s.alerts...)
}

func (s *recordingStorage) Statuses() []statusWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statusWrite(nil), s.statuses...)
}

func (s *recordingStorage) Locations() []domain.LocationSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.LocationSample(nil), s.locations...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []domain.EmergencyAlert
	err    error
}

func (n *recordingNotifier) NotifyEmergency(_ context.Context, alert domain.EmergencyAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return n.err
}

func (n *recordingNotifier) Alerts() []domain.EmergencyAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.EmergencyAlert(nil), n.alerts...)
}

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

var errStorageDown = errors.New("storage down")

type harness struct {
	coord    *realtime.Coordinator
	storage  *recordingStorage
	notifier *recordingNotifier
}

func defaultTrip() domain.TripRecord {
	p := pickup
	return domain.TripRecord{ID: tripID, DriverID: driverID, PassengerID: passengerID, Pickup: &p, Status: domain.StatusPending}
}

func newHarness(t *testing.T, cfg realtime.Config, trips ...domain.TripRecord) *harness {
	t.Helper()
	if len(trips) == 0 {
		trips = []domain.TripRecord{defaultTrip()}
	}
	lookup := stubLookup{trips: make(map[string]domain.TripRecord)}
	for _, rec := range trips {
		lookup.trips[rec.ID] = rec
	}
	h := &harness{storage: &recordingStorage{}, notifier: &recordingNotifier{}}
	h.coord = realtime.New(lookup, h.storage, h.notifier, stubClock{t: time.Unix(1700000000, 0).UTC()}, nil, cfg)
	t.Cleanup(h.coord.Close)
	return h
}

// connect registers a session for actorID and, when tripIDs are given, joins them.
func (h *harness) connect(t *testing.T, actorID string, tripIDs ...string) (*realtime.Session, *recordingConn) {
	t.Helper()
	conn := &recordingConn{}
	s, err := h.coord.Connect(actorID, conn)
	require.NoError(t, err)
	for _, id := range tripIDs {
		require.NoError(t, h.coord.Handle(context.Background(), s, realtime.JoinTrip{TripID: id}))
	}
	return s, conn
}

func eventsNamed(events []realtime.Event, name string) []realtime.Event {
	var out []realtime.Event
	for _, e := range events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// offsetNorth returns a point roughly meters north of p.
func offsetNorth(p domain.GeoPoint, meters float64) domain.GeoPoint {
	return domain.GeoPoint{Lat: p.Lat + meters/111195.0, Lng: p.Lng}
}

func locationCmd(p domain.GeoPoint) realtime.LocationUpdate {
	lat, lng := p.Lat, p.Lng
	return realtime.LocationUpdate{TripID: tripID, Coordinates: &realtime.Coordinates{Lat: &lat, Lng: &lng}}
}
