package repository

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/example/tripsync/internal/trip/domain"
)

var breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "collaborator_breaker_state",
	Help: "Circuit breaker state per collaborator (0 closed, 1 half-open, 2 open).",
}, []string{"breaker"})

// BreakerConfig tunes the circuit breakers in front of slow collaborators.
type BreakerConfig struct {
	FailureThreshold uint32
	Timeout          time.Duration
	MaxRequests      uint32
	// CallTimeout bounds each guarded call.
	CallTimeout time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	return c
}

func newBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

func run(ctx context.Context, cb *gobreaker.CircuitBreaker[struct{}], timeout time.Duration, fn func(ctx context.Context) error) error {
	_, err := cb.Execute(func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return struct{}{}, fn(ctx)
	})
	return err
}

// attempt runs fn through cb so failures still move the breaker and its gauge, but an
// open or saturated breaker never skips the call. Emergency paths use it.
func attempt(ctx context.Context, cb *gobreaker.CircuitBreaker[struct{}], timeout time.Duration, fn func(ctx context.Context) error) error {
	err := run(ctx, cb, timeout, fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(ctx)
	}
	return err
}

// ResilientStorage fails fast while the store is unhealthy instead of tying up the
// side-effect workers. Location writes and status writes have separate breakers so a
// flood of failing location inserts cannot open the circuit for status changes. Alert
// writes are always attempted.
type ResilientStorage struct {
	next      domain.Storage
	timeout   time.Duration
	locations *gobreaker.CircuitBreaker[struct{}]
	trips     *gobreaker.CircuitBreaker[struct{}]
	alerts    *gobreaker.CircuitBreaker[struct{}]
}

func NewResilientStorage(next domain.Storage, cfg BreakerConfig, logger *zap.Logger) *ResilientStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &ResilientStorage{
		next:      next,
		timeout:   cfg.CallTimeout,
		locations: newBreaker("storage.locations", cfg, logger),
		trips:     newBreaker("storage.trip_status", cfg, logger),
		alerts:    newBreaker("storage.alerts", cfg, logger),
	}
}

func (s *ResilientStorage) PersistLocation(ctx context.Context, tripID, actorID string, sample domain.LocationSample) error {
	return run(ctx, s.locations, s.timeout, func(ctx context.Context) error {
		return s.next.PersistLocation(ctx, tripID, actorID, sample)
	})
}

func (s *ResilientStorage) PersistTripStatus(ctx context.Context, tripID string, status domain.TripStatus, at time.Time) error {
	return run(ctx, s.trips, s.timeout, func(ctx context.Context) error {
		return s.next.PersistTripStatus(ctx, tripID, status, at)
	})
}

func (s *ResilientStorage) PersistEmergencyAlert(ctx context.Context, alert domain.EmergencyAlert) error {
	return attempt(ctx, s.alerts, s.timeout, func(ctx context.Context) error {
		return s.next.PersistEmergencyAlert(ctx, alert)
	})
}

// ResilientNotifier bounds each notification and tracks the collaborator's health. Every
// alert is still handed to it while the breaker is open.
type ResilientNotifier struct {
	next    domain.Notifier
	cb      *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration
}

func NewResilientNotifier(next domain.Notifier, cfg BreakerConfig, logger *zap.Logger) *ResilientNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &ResilientNotifier{next: next, cb: newBreaker("notifier.emergency", cfg, logger), timeout: cfg.CallTimeout}
}

func (n *ResilientNotifier) NotifyEmergency(ctx context.Context, alert domain.EmergencyAlert) error {
	return attempt(ctx, n.cb, n.timeout, func(ctx context.Context) error {
		return n.next.NotifyEmergency(ctx, alert)
	})
}
