// Package observer fans engine events out to registered loggers. The
// bus never blocks the pipeline: a logger whose buffer is full loses
// the event, for that logger only.
package observer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orgloop/orgloop/internal/connector"
)

// Kind is the fixed observer event taxonomy.
type Kind string

const (
	KindSourcePolled     Kind = "source.polled"
	KindEventAccepted    Kind = "event.accepted"
	KindRouteMatched     Kind = "route.matched"
	KindTransformDropped Kind = "transform.dropped"
	KindDeliveryAttempt  Kind = "delivery.attempt"
	KindDeliveryResult   Kind = "delivery.result"
	KindEngineLifecycle  Kind = "engine.lifecycle"
)

// Event is one engine observation.
type Event struct {
	Kind    Kind
	Time    time.Time
	Source  string
	Route   string
	Actor   string
	EventID string
	Attempt int
	Status  string
	Error   string
	Fields  map[string]any
}

// Logger is the observer-side connector contract. Observe must be
// fast; slow sinks buffer internally or lose events.
type Logger interface {
	Init(cfg connector.Config) error
	Observe(ev Event)
	Shutdown(ctx context.Context) error
}

type subscriber struct {
	name   string
	logger Logger
	ch     chan Event
	done   chan struct{}
	drops  atomic.Uint64
}

// Bus is the non-blocking fan-out.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	onDrop func(logger string)
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithDropHook installs a callback invoked once per dropped event
// (metrics counter).
func WithDropHook(fn func(logger string)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// NewBus creates an empty observer bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register attaches a logger under name with the given buffer size
// (default 256 when <= 0) and starts its drain goroutine.
func (b *Bus) Register(name string, logger Logger, buffer int) {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &subscriber{
		name:   name,
		logger: logger,
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		for ev := range sub.ch {
			sub.logger.Observe(ev)
		}
	}()

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Publish delivers ev to every logger without blocking. The timestamp
// is stamped here when the caller left it zero.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.drops.Add(1)
			if b.onDrop != nil {
				b.onDrop(sub.name)
			}
		}
	}
}

// Drops returns how many events the named logger has lost.
func (b *Bus) Drops(name string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.name == name {
			return sub.drops.Load()
		}
	}
	return 0
}

// Close drains every logger's buffer, shuts the loggers down, and
// rejects further publishes.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		close(sub.ch)
		select {
		case <-sub.done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		if err := sub.logger.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
