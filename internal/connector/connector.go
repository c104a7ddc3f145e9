// Package connector defines the boundary between the engine core and
// pluggable source, actor, and transform implementations. The core
// never knows concrete connector types; it drives them through these
// interfaces.
package connector

import (
	"context"
	"time"

	"github.com/orgloop/orgloop/internal/event"
)

// Source is the base contract for event producers. Concrete sources
// additionally implement one (or more) of Poller, WebhookSource, or
// HookSource depending on their declared mode.
type Source interface {
	// Init validates the opaque config and prepares the source.
	Init(cfg Config) error

	// Shutdown releases resources. Implementations should honor ctx.
	Shutdown(ctx context.Context) error
}

// Batch is the result of one poll: zero or more events plus the cursor
// to persist once every event has been durably accepted.
type Batch struct {
	Events []*event.Event
	Cursor string
}

// Poller is a source driven on an interval by the runner.
type Poller interface {
	Source

	// Poll fetches events newer than cursor. An empty cursor means
	// "from the beginning". Transient failures return an error; the
	// runner retries at the next tick without advancing the checkpoint.
	Poll(ctx context.Context, cursor string) (Batch, error)
}

// WebhookSource is a source fed by the HTTP listener. The listener
// routes POST /webhooks/{source_id} bodies to it.
type WebhookSource interface {
	Source

	// HandleWebhook translates one request body into events.
	HandleWebhook(ctx context.Context, body []byte, headers map[string]string) ([]*event.Event, error)
}

// HookSource is a source fed NDJSON lines from an out-of-process
// forwarder (standard input).
type HookSource interface {
	Source

	// DecodeLine translates one NDJSON line into an event.
	DecodeLine(line []byte) (*event.Event, error)
}

// DeliveryStatus classifies the outcome of an actor delivery.
type DeliveryStatus string

const (
	// StatusDelivered means the actor accepted the event.
	StatusDelivered DeliveryStatus = "delivered"
	// StatusRejected is a terminal failure; the scheduler never retries.
	StatusRejected DeliveryStatus = "rejected"
	// StatusError is a retryable failure.
	StatusError DeliveryStatus = "error"
)

// Delivery is an actor's verdict for a single attempt.
type Delivery struct {
	Status DeliveryStatus
	Err    error
}

// Delivered is the success result.
func Delivered() Delivery { return Delivery{Status: StatusDelivered} }

// Rejected marks a terminal, non-retryable failure.
func Rejected(err error) Delivery { return Delivery{Status: StatusRejected, Err: err} }

// Errored marks a retryable failure.
func Errored(err error) Delivery { return Delivery{Status: StatusError, Err: err} }

// Actor is the terminal recipient of routed events. Deliver is invoked
// concurrently by scheduler workers and must be safe for concurrent
// use.
type Actor interface {
	Init(cfg Config) error

	// Deliver sends one event with the route's delivery config. The
	// deadline is carried on ctx.
	Deliver(ctx context.Context, ev *event.Event, deliveryCfg Config) Delivery

	Shutdown(ctx context.Context) error
}

// FingerprintStore is the slice of the checkpoint store that stateful
// transforms (dedup) consume.
type FingerprintStore interface {
	Seen(sourceID, fp string) bool
	ObserveFingerprint(sourceID, fp string, ttl time.Duration) error
}

// TransformContext carries per-invocation facilities into a transform.
type TransformContext struct {
	Route string
	// With is the route's declared side-data, available to transforms
	// that template or enrich from it.
	With         map[string]any
	Fingerprints FingerprintStore
}

// Transform mutates, enriches, or drops events on a route's pipeline.
// Implementations may hold per-route state but must tolerate
// concurrent Execute calls for different events.
type Transform interface {
	Init(cfg Config) error

	// Execute returns the (possibly replaced) event, or nil to drop it
	// from this route's pipeline. An error also drops the event for
	// this route and is surfaced to observers.
	Execute(ctx context.Context, ev *event.Event, tc *TransformContext) (*event.Event, error)

	Shutdown(ctx context.Context) error
}
