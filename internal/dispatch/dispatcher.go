package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"marketplace-wallet/internal/metrics"
	"marketplace-wallet/pkg/logger"
)

// Submitter accepts best-effort work that must run after a ledger transaction commits.
// Work never runs inside a transaction and its failure never affects the ledger.
type Submitter interface {
	Submit(ctx context.Context, kind string, fn func(ctx context.Context) error) bool
}

type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 1024
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.Backoff <= 0 {
		out.Backoff = 200 * time.Millisecond
	}
	if out.TaskTimeout <= 0 {
		out.TaskTimeout = 10 * time.Second
	}
	return out
}

type task struct {
	ctx  context.Context
	kind string
	fn   func(ctx context.Context) error
}

// Dispatcher is a bounded worker pool with per-task retries.
type Dispatcher struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan task
	wg     sync.WaitGroup
}

func New(cfg Config, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		cfg:     cfg,
		log:     log,
		metrics: m,
		queue:   make(chan task, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Submit enqueues fn without blocking. It returns false when the queue is full or closed;
// the task is then dropped and logged.
// The task keeps ctx values (request logger) but not its cancellation.
func (d *Dispatcher) Submit(ctx context.Context, kind string, fn func(ctx context.Context) error) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		logger.From(ctx).Warn("dispatch: closed, dropping task", "kind", kind)
		d.metrics.DispatchFailed(kind)
		return false
	}
	select {
	case d.queue <- task{ctx: context.WithoutCancel(ctx), kind: kind, fn: fn}:
		return true
	default:
		logger.From(ctx).Warn("dispatch: queue full, dropping task", "kind", kind)
		d.metrics.DispatchFailed(kind)
		return false
	}
}

// Close stops intake and waits for queued tasks to finish or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("dispatch: drain timed out")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.queue {
		d.run(t)
	}
}

func (d *Dispatcher) run(t task) {
	l := logger.From(t.ctx)
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err = d.attempt(t)
		if err == nil {
			return
		}
		if attempt < d.cfg.MaxAttempts {
			l.Debug("dispatch: retrying task", "kind", t.kind, "attempt", attempt, "err", err)
			time.Sleep(d.cfg.Backoff * time.Duration(1<<(attempt-1)))
		}
	}
	l.Error("dispatch: task failed", "kind", t.kind, "attempts", d.cfg.MaxAttempts, "err", err)
	d.metrics.DispatchFailed(t.kind)
}

func (d *Dispatcher) attempt(t task) (err error) {
	ctx, cancel := context.WithTimeout(t.ctx, d.cfg.TaskTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = errors.New("dispatch: task panicked")
		}
	}()
	return t.fn(ctx)
}

// Inline runs tasks synchronously on the caller's goroutine, once, logging failures.
// Used by tests and by tools that have no background lifecycle.
type Inline struct{}

func (Inline) Submit(ctx context.Context, kind string, fn func(ctx context.Context) error) bool {
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		logger.From(ctx).Warn("dispatch: inline task failed", "kind", kind, "err", err)
	}
	return true
}
