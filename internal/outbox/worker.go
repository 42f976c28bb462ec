package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	relayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_relayed_total",
		Help: "Trip events relayed from the outbox table, by event type.",
	}, []string{"event_type"})
	relayFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_relay_failures_total",
		Help: "Trip events that exhausted their publish attempts, by event type.",
	}, []string{"event_type"})
	relayLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbox_relay_lag_seconds",
		Help: "Age of the oldest event relayed in the last batch, by event type.",
	}, []string{"event_type"})
)

// ErrUnroutable marks a row with neither a routed subject nor a stored topic.
var ErrUnroutable = errors.New("outbox event has no subject")

// WorkerConfig tunes the relay.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
	// Backoff is the base delay between publish attempts; it grows quadratically.
	Backoff time.Duration
	// Subjects overrides the stored topic per event type, e.g. sending
	// emergency.alert_recorded to a dedicated safety subject.
	Subjects map[string]string
}

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker relays the trip events the repository enqueues (status changes and recorded
// alerts) to NATS. Rows are claimed with SKIP LOCKED so several replicas can relay.
type Worker struct {
	db        *sql.DB
	publisher natsPublisher
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
}

func NewWorker(db *sql.DB, conn *nats.Conn, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{db: db, logger: logger, cfg: cfg, tracer: otel.Tracer("tripsync.outbox.relay")}
	if conn != nil {
		w.publisher = conn
	}
	return w
}

// Run relays batches until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.publisher == nil {
		return errors.New("outbox relay needs a database and a NATS connection")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if n, err := w.relayBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outbox relay batch failed", zap.Int("relayed", n), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type tripEvent struct {
	id        int64
	topic     string
	eventType string
	payload   []byte
	createdAt time.Time
}

func (e tripEvent) dedupeID() string {
	return fmt.Sprintf("%s-%d", e.eventType, e.id)
}

// relayBatch publishes one claimed batch in id order. Events published before a failure
// are still marked, so only the failed event and its successors are retried.
func (w *Worker) relayBatch(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()

	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin relay tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	events, err := w.claim(ctx, tx)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.batch_size", len(events)))
	if len(events) == 0 {
		return 0, tx.Commit()
	}

	relayed := make([]int64, 0, len(events))
	oldest := make(map[string]time.Time)
	var publishErr error
	for _, evt := range events {
		if publishErr = w.publish(ctx, evt); publishErr != nil {
			break
		}
		relayed = append(relayed, evt.id)
		relayedTotal.WithLabelValues(evt.eventType).Inc()
		if t, ok := oldest[evt.eventType]; !ok || evt.createdAt.Before(t) {
			oldest[evt.eventType] = evt.createdAt
		}
	}
	for eventType, createdAt := range oldest {
		relayLag.WithLabelValues(eventType).Set(time.Since(createdAt).Seconds())
	}
	span.SetAttributes(attribute.Int("outbox.relayed", len(relayed)))

	if len(relayed) > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE outbox SET published = true WHERE id = ANY($1)`, relayed); err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("mark relayed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit relay tx: %w", err)
	}
	if publishErr != nil {
		span.SetStatus(codes.Error, publishErr.Error())
	}
	return len(relayed), publishErr
}

func (w *Worker) claim(ctx context.Context, tx *sql.Tx) ([]tripEvent, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, topic, event_type, payload, created_at FROM outbox
		 WHERE published = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, w.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}
	defer rows.Close()
	var events []tripEvent
	for rows.Next() {
		var evt tripEvent
		if err := rows.Scan(&evt.id, &evt.topic, &evt.eventType, &evt.payload, &evt.createdAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read outbox rows: %w", err)
	}
	return events, nil
}

func (w *Worker) subjectFor(evt tripEvent) string {
	if subject, ok := w.cfg.Subjects[evt.eventType]; ok && subject != "" {
		return subject
	}
	return evt.topic
}

func (w *Worker) publish(ctx context.Context, evt tripEvent) error {
	subject := w.subjectFor(evt)
	ctx, span := w.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(
		attribute.String("outbox.event_type", evt.eventType),
		attribute.String("messaging.destination", subject),
		attribute.Int64("outbox.id", evt.id),
	))
	defer span.End()
	if subject == "" {
		relayFailures.WithLabelValues(evt.eventType).Inc()
		return fmt.Errorf("outbox %d: %w", evt.id, ErrUnroutable)
	}

	msg := nats.NewMsg(subject)
	msg.Data = evt.payload
	msg.Header.Set("x-event-type", evt.eventType)
	msg.Header.Set(nats.MsgIdHdr, evt.dedupeID())
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}

	for attempt := 1; ; attempt++ {
		err := w.publisher.PublishMsg(msg)
		if err == nil {
			span.SetAttributes(attribute.Int("outbox.attempts", attempt))
			return nil
		}
		w.logger.Warn("relay publish failed",
			zap.Int64("outbox_id", evt.id),
			zap.String("event_type", evt.eventType),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt >= w.cfg.RetryMax {
			relayFailures.WithLabelValues(evt.eventType).Inc()
			span.RecordError(err)
			return fmt.Errorf("relay outbox %d after %d attempts: %w", evt.id, attempt, err)
		}
		timer := time.NewTimer(time.Duration(attempt*attempt) * w.cfg.Backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
