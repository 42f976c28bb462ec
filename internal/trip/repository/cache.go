package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/tripsync/internal/trip/domain"
)

type cachedTrip struct {
	DriverID    string            `json:"driver_id"`
	PassengerID string            `json:"passenger_id"`
	Pickup      *domain.GeoPoint  `json:"pickup,omitempty"`
	Status      domain.TripStatus `json:"status"`
}

// CachedLookup keeps trip records in redis so reconnect storms do not all hit the trip
// store. Cache failures fall through to the underlying lookup.
type CachedLookup struct {
	next   domain.TripLookup
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

func NewCachedLookup(next domain.TripLookup, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedLookup {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedLookup{next: next, client: client, ttl: ttl, prefix: "trip:participants:", logger: logger}
}

// GetTripParticipants serves from the cache, loading and storing on a miss.
func (c *CachedLookup) GetTripParticipants(ctx context.Context, tripID string) (domain.TripRecord, error) {
	raw, err := c.client.Get(ctx, c.prefix+tripID).Bytes()
	switch {
	case err == nil:
		var ct cachedTrip
		if jsonErr := json.Unmarshal(raw, &ct); jsonErr == nil {
			return domain.TripRecord{ID: tripID, DriverID: ct.DriverID, PassengerID: ct.PassengerID, Pickup: ct.Pickup, Status: ct.Status}, nil
		}
		c.logger.Warn("discarding malformed trip cache entry", zap.String("trip_id", tripID))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("trip cache read failed", zap.String("trip_id", tripID), zap.Error(err))
	}

	rec, err := c.next.GetTripParticipants(ctx, tripID)
	if err != nil {
		return domain.TripRecord{}, err
	}
	payload, err := json.Marshal(cachedTrip{DriverID: rec.DriverID, PassengerID: rec.PassengerID, Pickup: rec.Pickup, Status: rec.Status})
	if err == nil {
		if err := c.client.Set(ctx, c.prefix+tripID, payload, c.ttl).Err(); err != nil {
			c.logger.Warn("trip cache write failed", zap.String("trip_id", tripID), zap.Error(err))
		}
	}
	return rec, nil
}

// Invalidate drops the cached record.
func (c *CachedLookup) Invalidate(ctx context.Context, tripID string) error {
	if err := c.client.Del(ctx, c.prefix+tripID).Err(); err != nil {
		return fmt.Errorf("invalidate trip %s: %w", tripID, err)
	}
	return nil
}

// InvalidatingStorage evicts a trip's cache entry after each status write so a room
// recreated later starts from the persisted status.
type InvalidatingStorage struct {
	domain.Storage
	cache *CachedLookup
}

func NewInvalidatingStorage(next domain.Storage, cache *CachedLookup) *InvalidatingStorage {
	return &InvalidatingStorage{Storage: next, cache: cache}
}

func (s *InvalidatingStorage) PersistTripStatus(ctx context.Context, tripID string, status domain.TripStatus, at time.Time) error {
	err := s.Storage.PersistTripStatus(ctx, tripID, status, at)
	if cacheErr := s.cache.Invalidate(ctx, tripID); cacheErr != nil {
		return errors.Join(err, cacheErr)
	}
	return err
}
