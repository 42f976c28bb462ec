package repository

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/example/tripsync/internal/trip/domain"
)

// StoredLocation is one persisted position report.
type StoredLocation struct {
	TripID  string
	ActorID string
	Sample  domain.LocationSample
}

// MemoryRepository provides an in-memory implementation suitable for tests and local demos.
// It serves trip lookups and records everything the coordinator persists.
type MemoryRepository struct {
	mu        sync.RWMutex
	trips     map[string]domain.TripRecord
	statusAt  map[string]time.Time
	locations []StoredLocation
	alerts    []domain.EmergencyAlert
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{trips: make(map[string]domain.TripRecord), statusAt: make(map[string]time.Time)}
}

// PutTrip stores or replaces a trip record.
func (m *MemoryRepository) PutTrip(rec domain.TripRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[rec.ID] = rec
}

type seedTrip struct {
	ID          string           `json:"id" validate:"required"`
	DriverID    string           `json:"driver_id"`
	PassengerID string           `json:"passenger_id" validate:"required"`
	Pickup      *domain.GeoPoint `json:"pickup"`
	Status      string           `json:"status"`
}

var seedValidate = validator.New()

// LoadTrips seeds trips from a JSON array so a database-less instance has something to
// serve. Nothing is stored unless every entry is valid.
func (m *MemoryRepository) LoadTrips(r io.Reader) (int, error) {
	var seeds []seedTrip
	if err := json.NewDecoder(r).Decode(&seeds); err != nil {
		return 0, fmt.Errorf("decode trips: %w", err)
	}
	recs := make([]domain.TripRecord, 0, len(seeds))
	for i, seed := range seeds {
		if err := seedValidate.Struct(seed); err != nil {
			return 0, fmt.Errorf("trip %d: %w", i, err)
		}
		status := domain.StatusPending
		if seed.Status != "" {
			parsed, ok := domain.ParseTripStatus(seed.Status)
			if !ok {
				return 0, fmt.Errorf("trip %s: %w %q", seed.ID, ErrUnknownStatus, seed.Status)
			}
			status = parsed
		}
		if seed.Pickup != nil && !seed.Pickup.Valid() {
			return 0, fmt.Errorf("trip %s: pickup out of range", seed.ID)
		}
		recs = append(recs, domain.TripRecord{
			ID:          seed.ID,
			DriverID:    seed.DriverID,
			PassengerID: seed.PassengerID,
			Pickup:      seed.Pickup,
			Status:      status,
		})
	}
	for _, rec := range recs {
		m.PutTrip(rec)
	}
	return len(recs), nil
}

// GetTripParticipants retrieves a trip.
func (m *MemoryRepository) GetTripParticipants(_ context.Context, tripID string) (domain.TripRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.trips[tripID]
	if !ok {
		return domain.TripRecord{}, domain.ErrTripNotFound
	}
	return rec, nil
}

// PersistLocation appends the sample.
func (m *MemoryRepository) PersistLocation(_ context.Context, tripID, actorID string, sample domain.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations = append(m.locations, StoredLocation{TripID: tripID, ActorID: actorID, Sample: sample})
	return nil
}

// PersistTripStatus updates the stored status unless a newer one is already recorded.
func (m *MemoryRepository) PersistTripStatus(_ context.Context, tripID string, status domain.TripStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.trips[tripID]
	if !ok {
		return domain.ErrTripNotFound
	}
	if last, ok := m.statusAt[tripID]; ok && !at.After(last) {
		return nil
	}
	rec.Status = status
	m.trips[tripID] = rec
	m.statusAt[tripID] = at
	return nil
}

// PersistEmergencyAlert appends the alert.
func (m *MemoryRepository) PersistEmergencyAlert(_ context.Context, alert domain.EmergencyAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

// Locations returns stored samples (for tests).
func (m *MemoryRepository) Locations() []StoredLocation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]StoredLocation(nil), m.locations...)
}

// Alerts returns stored alerts (for tests).
func (m *MemoryRepository) Alerts() []domain.EmergencyAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.EmergencyAlert(nil), m.alerts...)
}
