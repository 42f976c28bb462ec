package realtime

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DispatcherConfig tunes the side-effect worker pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
}

type task struct {
	name string
	ctx  context.Context
	fn   func(ctx context.Context) error
}

// Dispatcher runs collaborator calls off the broadcast path. Failures are logged and
// counted, never returned to the caller.
type Dispatcher struct {
	mu     sync.RWMutex
	closed bool
	tasks  chan task
	wg     sync.WaitGroup
	logger *zap.Logger
}

func NewDispatcher(logger *zap.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{tasks: make(chan task, cfg.QueueSize), logger: logger}
	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

// Submit queues a lossy task. It is dropped when the queue is full or the dispatcher is
// closed; the return value reports whether it was queued.
func (d *Dispatcher) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		sideEffectFailures.WithLabelValues(name, "closed").Inc()
		return false
	}
	select {
	case d.tasks <- task{name: name, ctx: context.WithoutCancel(ctx), fn: fn}:
		return true
	default:
		sideEffectFailures.WithLabelValues(name, "shed").Inc()
		d.logger.Warn("side effect queue full, dropping task", zap.String("task", name))
		return false
	}
}

// MustSubmit queues a task that is never shed: with a full queue it gets its own
// goroutine, and after Close it runs inline.
func (d *Dispatcher) MustSubmit(ctx context.Context, name string, fn func(ctx context.Context) error) {
	t := task{name: name, ctx: context.WithoutCancel(ctx), fn: fn}
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		d.run(t)
		return
	}
	select {
	case d.tasks <- t:
	default:
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run(t)
		}()
	}
	d.mu.RUnlock()
}

// Close stops intake and waits for queued and in-flight tasks.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.tasks)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.tasks {
		d.run(t)
	}
}

func (d *Dispatcher) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			sideEffectFailures.WithLabelValues(t.name, "panic").Inc()
			d.logger.Error("side effect panicked", zap.String("task", t.name), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := t.fn(t.ctx); err != nil {
		sideEffectFailures.WithLabelValues(t.name, "error").Inc()
		d.logger.Warn("side effect failed", zap.String("task", t.name), zap.Error(err))
	}
}
