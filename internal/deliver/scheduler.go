// Package deliver schedules routed events onto actors: one bounded
// FIFO queue and a worker pool per actor, retries with exponential
// backoff, and terminal classification of rejected deliveries.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/observer"
	"github.com/orgloop/orgloop/internal/route"
)

// ErrDraining is returned from Enqueue once drain has begun.
var ErrDraining = errors.New("deliver: scheduler is draining")

// Result statuses published on delivery.result observer events.
const (
	ResultDelivered = "delivered"
	ResultRejected  = "rejected"
	ResultScheduled = "scheduled"
	ResultFailed    = "failed"
)

// Config holds scheduler defaults; per-actor worker counts may
// override Workers.
type Config struct {
	Workers        int
	QueueSize      int
	DeliverTimeout time.Duration
	Backoff        BackoffConfig
	Breaker        BreakerConfig
}

// DefaultConfig returns the scheduler defaults: 4 workers and a
// 64-item queue per actor, 30s per-delivery deadline.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      64,
		DeliverTimeout: 30 * time.Second,
		Backoff:        DefaultBackoff(),
		Breaker:        DefaultBreaker(),
	}
}

// item is one (event, route) pair queued for an actor.
type item struct {
	ev      *event.Event
	spec    *route.Spec
	attempt int // 1-based attempt number this item will run
}

type actorQueue struct {
	id      string
	actor   connector.Actor
	queue   chan item
	workers int
	breaker *breaker
}

// Scheduler owns every actor queue. Events enter through Enqueue
// (blocking when the target queue is full, which propagates flow
// control back to the bus tailer) and leave through actor.Deliver.
type Scheduler struct {
	cfg    Config
	bus    *observer.Bus
	logger *slog.Logger

	mu     sync.Mutex
	actors map[string]*actorQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	retryWG sync.WaitGroup
	// pending counts items from successful enqueue until their delivery
	// attempt finishes, so drain never observes a hand-off gap between
	// queue and worker.
	pending  atomic.Int64
	retries  atomic.Int64
	draining atomic.Bool
	started  bool
}

// New creates a scheduler. Actors are added before Start.
func New(cfg Config, bus *observer.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 30 * time.Second
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = DefaultBreaker()
	}
	return &Scheduler{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		actors: make(map[string]*actorQueue),
	}
}

// AddActor registers an actor with its worker count (0 means the
// scheduler default). Routes that need strict per-actor ordering set
// workers to 1.
func (s *Scheduler) AddActor(id string, actor connector.Actor, workers int) error {
	if workers <= 0 {
		workers = s.cfg.Workers
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("deliver: cannot add actor %q after start", id)
	}
	if _, exists := s.actors[id]; exists {
		return fmt.Errorf("deliver: actor %q already registered", id)
	}
	s.actors[id] = &actorQueue{
		id:      id,
		actor:   actor,
		queue:   make(chan item, s.cfg.QueueSize),
		workers: workers,
		breaker: newBreaker(s.cfg.Breaker, nil),
	}
	return nil
}

// Start launches all worker pools.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, aq := range s.actors {
		for i := 0; i < aq.workers; i++ {
			s.wg.Add(1)
			go func(aq *actorQueue) {
				defer s.wg.Done()
				s.runWorker(aq)
			}(aq)
		}
	}
}

// Enqueue queues the event for the route's actor, blocking while the
// queue is full. Returns ErrDraining once shutdown has begun.
func (s *Scheduler) Enqueue(ctx context.Context, ev *event.Event, spec *route.Spec) error {
	if s.draining.Load() {
		return ErrDraining
	}
	return s.enqueue(ctx, item{ev: ev, spec: spec, attempt: 1})
}

func (s *Scheduler) enqueue(ctx context.Context, it item) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("deliver: scheduler not started")
	}
	aq, ok := s.actors[it.spec.Then.Actor]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("deliver: unknown actor %q for route %q", it.spec.Then.Actor, it.spec.Name)
	}
	select {
	case aq.queue <- it:
		s.pending.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Scheduler) runWorker(aq *actorQueue) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case it := <-aq.queue:
			s.deliver(aq, it)
			s.pending.Add(-1)
		}
	}
}

func (s *Scheduler) deliver(aq *actorQueue, it item) {
	s.publish(observer.Event{
		Kind:    observer.KindDeliveryAttempt,
		Route:   it.spec.Name,
		Actor:   aq.id,
		EventID: it.ev.ID,
		Attempt: it.attempt,
	})

	var res connector.Delivery
	var elapsed time.Duration
	if err := aq.breaker.allow(); err != nil {
		res = connector.Errored(err)
	} else {
		dctx, cancel := context.WithTimeout(s.ctx, s.cfg.DeliverTimeout)
		start := time.Now()
		res = aq.actor.Deliver(dctx, it.ev, it.spec.Then.Config)
		elapsed = time.Since(start)
		cancel()

		switch res.Status {
		case connector.StatusDelivered:
			aq.breaker.recordSuccess()
		case connector.StatusError:
			aq.breaker.recordFailure()
		}
	}

	switch res.Status {
	case connector.StatusDelivered:
		s.publishResult(aq, it, ResultDelivered, nil, 0, elapsed)
	case connector.StatusRejected:
		s.publishResult(aq, it, ResultRejected, res.Err, 0, elapsed)
	case connector.StatusError:
		if it.attempt >= s.cfg.Backoff.MaxAttempts {
			s.publishResult(aq, it, ResultFailed, res.Err, 0, elapsed)
			return
		}
		delay := s.cfg.Backoff.Delay(it.attempt)
		s.publishResult(aq, it, ResultScheduled, res.Err, delay, elapsed)
		s.scheduleRetry(it, delay)
	default:
		// An actor returning an unknown status is a bug on its side;
		// classify as terminal failure rather than retrying forever.
		s.publishResult(aq, it, ResultFailed,
			fmt.Errorf("actor %q returned unknown status %q", aq.id, res.Status), 0, elapsed)
	}
}

func (s *Scheduler) scheduleRetry(it item, delay time.Duration) {
	next := it
	next.attempt++
	s.retries.Add(1)
	s.retryWG.Add(1)
	go func() {
		defer s.retryWG.Done()
		defer s.retries.Add(-1)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := s.enqueue(s.ctx, next); err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("retry enqueue failed",
					"route", next.spec.Name,
					"event_id", next.ev.ID,
					"error", err,
				)
			}
		}
	}()
}

func (s *Scheduler) publishResult(aq *actorQueue, it item, status string, err error, retryIn, elapsed time.Duration) {
	ev := observer.Event{
		Kind:    observer.KindDeliveryResult,
		Route:   it.spec.Name,
		Actor:   aq.id,
		EventID: it.ev.ID,
		Attempt: it.attempt,
		Status:  status,
		Fields:  map[string]any{"duration_seconds": elapsed.Seconds()},
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if retryIn > 0 {
		ev.Fields["next_attempt_in"] = retryIn.String()
	}
	s.publish(ev)
}

func (s *Scheduler) publish(ev observer.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// QueueLen returns the current depth of an actor's queue.
func (s *Scheduler) QueueLen(actorID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if aq, ok := s.actors[actorID]; ok {
		return len(aq.queue)
	}
	return 0
}

// Drain stops intake, waits for queued and in-flight deliveries (and
// pending retries) up to the timeout, then force-terminates workers.
// No delivery.attempt observer event is published after Drain returns.
func (s *Scheduler) Drain(timeout time.Duration) error {
	s.draining.Store(true)
	if s.cancel == nil {
		return nil
	}

	deadline := time.Now().Add(timeout)
	var timedOut bool
	for {
		if s.idle() {
			break
		}
		if time.Now().After(deadline) {
			timedOut = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.cancel()
	s.wg.Wait()
	s.retryWG.Wait()

	if timedOut {
		return fmt.Errorf("deliver: drain timed out after %s", timeout)
	}
	return nil
}

func (s *Scheduler) idle() bool {
	return s.pending.Load() == 0 && s.retries.Load() == 0
}

// Shutdown drains and then shuts every actor down.
func (s *Scheduler) Shutdown(ctx context.Context, drainTimeout time.Duration) error {
	errs := []error{}
	if err := s.Drain(drainTimeout); err != nil {
		errs = append(errs, err)
	}
	s.mu.Lock()
	actors := make([]*actorQueue, 0, len(s.actors))
	for _, aq := range s.actors {
		actors = append(actors, aq)
	}
	s.mu.Unlock()
	for _, aq := range actors {
		if err := aq.actor.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("actor %s: %w", aq.id, err))
		}
	}
	return errors.Join(errs...)
}
