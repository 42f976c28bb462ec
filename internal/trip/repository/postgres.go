package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/example/tripsync/internal/trip/domain"
)

// ErrUnknownStatus marks a stored trip row whose status is outside the lifecycle.
var ErrUnknownStatus = errors.New("unknown stored trip status")

// Outbox event types written alongside domain rows.
const (
	EventTypeStatusChanged = "trip.status_changed"
	EventTypeAlertRecorded = "emergency.alert_recorded"
)

// Schema creates the tables the repository and the outbox worker rely on.
const Schema = `
CREATE TABLE IF NOT EXISTS trips (
	id                TEXT PRIMARY KEY,
	driver_id         TEXT,
	passenger_id      TEXT NOT NULL,
	pickup_lat        DOUBLE PRECISION,
	pickup_lng        DOUBLE PRECISION,
	status            TEXT NOT NULL DEFAULT 'pending',
	status_updated_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS trip_locations (
	id          BIGSERIAL PRIMARY KEY,
	trip_id     TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	lat         DOUBLE PRECISION NOT NULL,
	lng         DOUBLE PRECISION NOT NULL,
	heading     DOUBLE PRECISION,
	speed       DOUBLE PRECISION,
	accuracy    DOUBLE PRECISION,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trip_locations_trip_idx ON trip_locations (trip_id, recorded_at);
CREATE TABLE IF NOT EXISTS emergency_alerts (
	id                UUID PRIMARY KEY,
	trip_id           TEXT NOT NULL,
	actor_id          TEXT NOT NULL,
	lat               DOUBLE PRECISION,
	lng               DOUBLE PRECISION,
	reason            TEXT,
	status            TEXT NOT NULL,
	unverified_source BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS outbox (
	id         BIGSERIAL PRIMARY KEY,
	topic      TEXT NOT NULL,
	event_type TEXT NOT NULL DEFAULT '',
	payload    BYTEA NOT NULL,
	published  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresRepository reads trip records and persists coordinator side effects. Status
// changes and alerts also enqueue an outbox row in the same transaction.
type PostgresRepository struct {
	db    *sql.DB
	topic string
}

// NewPostgresRepository wraps an open pgx-backed *sql.DB.
func NewPostgresRepository(db *sql.DB, outboxTopic string) *PostgresRepository {
	if outboxTopic == "" {
		outboxTopic = "trip.events"
	}
	return &PostgresRepository{db: db, topic: outboxTopic}
}

// Migrate applies Schema.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// GetTripParticipants loads the trip's participants, pickup point and status.
func (r *PostgresRepository) GetTripParticipants(ctx context.Context, tripID string) (domain.TripRecord, error) {
	var (
		driverID   sql.NullString
		rec        = domain.TripRecord{ID: tripID}
		lat, lng   sql.NullFloat64
		statusText string
	)
	row := r.db.QueryRowContext(ctx,
		`SELECT driver_id, passenger_id, pickup_lat, pickup_lng, status FROM trips WHERE id = $1`, tripID)
	if err := row.Scan(&driverID, &rec.PassengerID, &lat, &lng, &statusText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TripRecord{}, domain.ErrTripNotFound
		}
		return domain.TripRecord{}, fmt.Errorf("select trip: %w", err)
	}
	rec.DriverID = driverID.String
	if lat.Valid && lng.Valid {
		rec.Pickup = &domain.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	status, ok := domain.ParseTripStatus(statusText)
	if !ok {
		return domain.TripRecord{}, fmt.Errorf("trip %s: %w %q", tripID, ErrUnknownStatus, statusText)
	}
	rec.Status = status
	return rec, nil
}

// PersistLocation appends the sample to the trip's location history.
func (r *PostgresRepository) PersistLocation(ctx context.Context, tripID, actorID string, s domain.LocationSample) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO trip_locations (trip_id, actor_id, lat, lng, heading, speed, accuracy, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tripID, actorID, s.Point.Lat, s.Point.Lng, nullFloat(s.Heading), nullFloat(s.Speed), nullFloat(s.Accuracy), s.Timestamp)
	if err != nil {
		return fmt.Errorf("insert location: %w", err)
	}
	return nil
}

// PersistTripStatus stores the status unless a later transition already landed, which
// keeps out-of-order async writes from regressing the row.
func (r *PostgresRepository) PersistTripStatus(ctx context.Context, tripID string, status domain.TripStatus, at time.Time) error {
	payload, err := json.Marshal(map[string]any{"trip_id": tripID, "status": status, "timestamp": at})
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE trips SET status = $2, status_updated_at = $3
			 WHERE id = $1 AND (status_updated_at IS NULL OR status_updated_at < $3)`,
			tripID, string(status), at)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return nil
		}
		return r.enqueue(ctx, tx, EventTypeStatusChanged, payload)
	})
}

// PersistEmergencyAlert stores the alert. Replays of the same alert id are ignored.
func (r *PostgresRepository) PersistEmergencyAlert(ctx context.Context, alert domain.EmergencyAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	var lat, lng *float64
	if alert.Location != nil {
		lat, lng = &alert.Location.Lat, &alert.Location.Lng
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO emergency_alerts (id, trip_id, actor_id, lat, lng, reason, status, unverified_source, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT (id) DO NOTHING`,
			alert.ID, alert.TripID, alert.ActorID, nullFloat(lat), nullFloat(lng), alert.Reason, string(alert.Status), alert.UnverifiedSource, alert.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return nil
		}
		return r.enqueue(ctx, tx, EventTypeAlertRecorded, payload)
	})
}

func (r *PostgresRepository) enqueue(ctx context.Context, tx *sql.Tx, eventType string, payload []byte) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (topic, event_type, payload) VALUES ($1, $2, $3)`, r.topic, eventType, payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
