package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/tripsync/internal/trip/domain"
	"github.com/example/tripsync/internal/trip/repository"
)

func TestWorkerRelaysRecordedAlerts(t *testing.T) {
	ctx := context.Background()
	conn := openDB(t, ctx, startPostgres(t, ctx))
	repo := repository.NewPostgresRepository(conn, "trip.events")
	require.NoError(t, repo.Migrate(ctx))

	nc := connectNATS(t, ctx)
	msgCh := make(chan *nats.Msg, 1)
	_, err := nc.Subscribe("trip.events", func(msg *nats.Msg) {
		msgCh <- msg
	})
	require.NoError(t, err)

	alert := domain.EmergencyAlert{
		ID:        uuid.New(),
		TripID:    "trip-1",
		ActorID:   "passenger-1",
		Reason:    "unsafe",
		Status:    domain.AlertActive,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.PersistEmergencyAlert(ctx, alert))
	// a replayed alert must not enqueue a second event
	require.NoError(t, repo.PersistEmergencyAlert(ctx, alert))

	worker := NewWorker(conn, nc, zap.NewNop(), WorkerConfig{PollInterval: 100 * time.Millisecond, BatchSize: 10, RetryMax: 5})
	ctxWorker, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = worker.Run(ctxWorker)
	}()

	select {
	case <-time.After(10 * time.Second):
		t.Fatal("expected outbox message")
	case msg := <-msgCh:
		require.Equal(t, repository.EventTypeAlertRecorded, msg.Header.Get("x-event-type"))
		var got domain.EmergencyAlert
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		require.Equal(t, alert.ID, got.ID)
	}

	require.Eventually(t, func() bool { return countUnpublished(t, ctx, conn) == 0 }, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, 1, countRows(t, ctx, conn))
	cancel()
}

func TestWorkerRetriesOnFailure(t *testing.T) {
	ctx := context.Background()
	conn := openDB(t, ctx, startPostgres(t, ctx))
	repo := repository.NewPostgresRepository(conn, "trip.events")
	require.NoError(t, repo.Migrate(ctx))
	_, err := conn.ExecContext(ctx, `INSERT INTO trips (id, driver_id, passenger_id, status) VALUES ('trip-9', 'd', 'p', 'pending')`)
	require.NoError(t, err)

	nc := connectNATS(t, ctx)
	msgCh := make(chan *nats.Msg, 1)
	_, err = nc.Subscribe("trip.events", func(msg *nats.Msg) {
		msgCh <- msg
	})
	require.NoError(t, err)

	require.NoError(t, repo.PersistTripStatus(ctx, "trip-9", domain.StatusDriverAssigned, time.Now().UTC()))

	worker := NewWorker(conn, nc, zap.NewNop(), WorkerConfig{PollInterval: 100 * time.Millisecond, BatchSize: 5, RetryMax: 5})
	worker.publisher = &flakyPublisher{base: nc, failFor: 3}

	ctxWorker, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = worker.Run(ctxWorker)
	}()

	select {
	case <-time.After(15 * time.Second):
		t.Fatal("expected retry publish")
	case msg := <-msgCh:
		require.Equal(t, repository.EventTypeStatusChanged, msg.Header.Get("x-event-type"))
		require.Contains(t, string(msg.Data), `"driver_assigned"`)
	}

	require.Eventually(t, func() bool { return countUnpublished(t, ctx, conn) == 0 }, 5*time.Second, 50*time.Millisecond)
	cancel()
}

type flakyPublisher struct {
	base    *nats.Conn
	failFor int32
}

func (f *flakyPublisher) PublishMsg(msg *nats.Msg) error {
	if atomic.LoadInt32(&f.failFor) > 0 {
		atomic.AddInt32(&f.failFor, -1)
		return errors.New("simulated nats outage")
	}
	return f.base.PublishMsg(msg)
}

func startPostgres(t *testing.T, ctx context.Context) *postgrescontainer.PostgresContainer {
	if testing.Short() {
		t.Skip("requires docker")
	}
	pg, err := postgrescontainer.Run(ctx, "postgres:16", postgrescontainer.WithDatabase("tripsync"), postgrescontainer.WithUsername("postgres"), postgrescontainer.WithPassword("postgres"), testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pg.Terminate(ctx))
	})
	return pg
}

func openDB(t *testing.T, ctx context.Context, pg *postgrescontainer.PostgresContainer) *sql.DB {
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func connectNATS(t *testing.T, ctx context.Context) *nats.Conn {
	container, err := natscontainer.Run(ctx, "nats:2")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})
	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Drain() })
	return nc
}

func countUnpublished(t *testing.T, ctx context.Context, db *sql.DB) int {
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE published = false`).Scan(&n))
	return n
}

func countRows(t *testing.T, ctx context.Context, db *sql.DB) int {
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM outbox`).Scan(&n))
	return n
}

type recordingPublisher struct {
	msgs []*nats.Msg
	errs []error
}

func (r *recordingPublisher) PublishMsg(msg *nats.Msg) error {
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestPublishRoutesByEventType(t *testing.T) {
	sink := &recordingPublisher{}
	w := NewWorker(nil, nil, zap.NewNop(), WorkerConfig{
		Subjects: map[string]string{repository.EventTypeAlertRecorded: "safety.alerts"},
	})
	w.publisher = sink
	ctx := context.Background()

	require.NoError(t, w.publish(ctx, tripEvent{id: 7, topic: "trip.events", eventType: repository.EventTypeAlertRecorded, payload: []byte(`{}`)}))
	require.NoError(t, w.publish(ctx, tripEvent{id: 8, topic: "trip.events", eventType: repository.EventTypeStatusChanged, payload: []byte(`{}`)}))

	require.Len(t, sink.msgs, 2)
	require.Equal(t, "safety.alerts", sink.msgs[0].Subject)
	require.Equal(t, repository.EventTypeAlertRecorded+"-7", sink.msgs[0].Header.Get(nats.MsgIdHdr))
	require.Equal(t, "trip.events", sink.msgs[1].Subject)
	require.Equal(t, repository.EventTypeStatusChanged, sink.msgs[1].Header.Get("x-event-type"))
}

func TestPublishGivesUpAfterRetryMax(t *testing.T) {
	outage := errors.New("simulated nats outage")
	sink := &recordingPublisher{errs: []error{outage, outage, outage}}
	w := NewWorker(nil, nil, zap.NewNop(), WorkerConfig{RetryMax: 2, Backoff: time.Millisecond})
	w.publisher = sink

	err := w.publish(context.Background(), tripEvent{id: 1, topic: "trip.events", eventType: repository.EventTypeStatusChanged})
	require.ErrorIs(t, err, outage)
	require.Empty(t, sink.msgs)
	require.Len(t, sink.errs, 1)
}

func TestPublishRejectsUnroutableEvents(t *testing.T) {
	w := NewWorker(nil, nil, zap.NewNop(), WorkerConfig{})
	w.publisher = &recordingPublisher{}
	err := w.publish(context.Background(), tripEvent{id: 3, eventType: "unknown"})
	require.ErrorIs(t, err, ErrUnroutable)
}

func TestRunRequiresDependencies(t *testing.T) {
	require.Error(t, NewWorker(nil, nil, zap.NewNop(), WorkerConfig{}).Run(context.Background()))
}
