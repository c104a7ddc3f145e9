package deliver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/observer"
	"github.com/orgloop/orgloop/internal/route"
)

// --- Mocks ---

type mockActor struct {
	mu       sync.Mutex
	attempts []time.Time
	results  []connector.Delivery
	delay    time.Duration
}

func (m *mockActor) Init(connector.Config) error { return nil }

func (m *mockActor) Deliver(ctx context.Context, _ *event.Event, _ connector.Config) connector.Delivery {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return connector.Errored(ctx.Err())
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, time.Now())
	if len(m.results) == 0 {
		return connector.Delivered()
	}
	res := m.results[0]
	if len(m.results) > 1 {
		m.results = m.results[1:]
	}
	return res
}

func (m *mockActor) Shutdown(context.Context) error { return nil }

func (m *mockActor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

type recordingLogger struct {
	mu     sync.Mutex
	events []observer.Event
}

func (r *recordingLogger) Init(connector.Config) error { return nil }
func (r *recordingLogger) Observe(ev observer.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}
func (r *recordingLogger) Shutdown(context.Context) error { return nil }

func (r *recordingLogger) byKindStatus(kind observer.Kind, status string) []observer.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []observer.Event
	for _, ev := range r.events {
		if ev.Kind == kind && (status == "" || ev.Status == status) {
			out = append(out, ev)
		}
	}
	return out
}

func testSpec(actor string) *route.Spec {
	return &route.Spec{
		Name: "r1",
		When: route.When{Source: "gh", EventTypes: []event.Type{event.TypeResourceChanged}},
		Then: route.Then{Actor: actor},
	}
}

func fastBackoff() BackoffConfig {
	return BackoffConfig{
		Base:        5 * time.Millisecond,
		Factor:      2,
		Jitter:      0,
		Cap:         time.Second,
		MaxAttempts: 5,
	}
}

func newTestScheduler(t *testing.T, cfg Config, actor connector.Actor, workers int) (*Scheduler, *recordingLogger, *observer.Bus) {
	t.Helper()
	rec := &recordingLogger{}
	bus := observer.NewBus()
	bus.Register("rec", rec, 1024)

	s := New(cfg, bus, nil)
	if err := s.AddActor("a1", actor, workers); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	return s, rec, bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// --- Tests ---

func TestDeliverOnce(t *testing.T) {
	actor := &mockActor{}
	cfg := DefaultConfig()
	cfg.Backoff = fastBackoff()
	s, rec, _ := newTestScheduler(t, cfg, actor, 1)
	defer s.Drain(time.Second)

	ev := event.New("gh", event.TypeResourceChanged)
	if err := s.Enqueue(context.Background(), ev, testSpec("a1")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(rec.byKindStatus(observer.KindDeliveryResult, ResultDelivered)) == 1
	})
	if actor.count() != 1 {
		t.Fatalf("attempts = %d, want 1", actor.count())
	}
}

func TestRejectedIsTerminal(t *testing.T) {
	actor := &mockActor{results: []connector.Delivery{connector.Rejected(errors.New("no"))}}
	cfg := DefaultConfig()
	cfg.Backoff = fastBackoff()
	s, rec, _ := newTestScheduler(t, cfg, actor, 1)
	defer s.Drain(time.Second)

	if err := s.Enqueue(context.Background(), event.New("gh", event.TypeResourceChanged), testSpec("a1")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(rec.byKindStatus(observer.KindDeliveryResult, ResultRejected)) == 1
	})
	// Give any stray retry a chance to fire, then confirm none did.
	time.Sleep(50 * time.Millisecond)
	if got := actor.count(); got != 1 {
		t.Fatalf("rejected delivery was retried: attempts = %d", got)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	actor := &mockActor{results: []connector.Delivery{
		connector.Errored(errors.New("down")),
		connector.Errored(errors.New("down")),
		connector.Delivered(),
	}}
	cfg := DefaultConfig()
	cfg.Backoff = BackoffConfig{Base: 20 * time.Millisecond, Factor: 2, Jitter: 0, Cap: time.Second, MaxAttempts: 5}
	s, rec, _ := newTestScheduler(t, cfg, actor, 1)
	defer s.Drain(time.Second)

	if err := s.Enqueue(context.Background(), event.New("gh", event.TypeResourceChanged), testSpec("a1")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(rec.byKindStatus(observer.KindDeliveryResult, ResultDelivered)) == 1
	})

	attempts := rec.byKindStatus(observer.KindDeliveryAttempt, "")
	if len(attempts) != 3 {
		t.Fatalf("observer recorded %d attempts, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a.Attempt != i+1 {
			t.Errorf("attempt %d numbered %d", i, a.Attempt)
		}
	}

	// Backoffs: attempt 2 at least base after attempt 1, attempt 3 at
	// least 2*base after attempt 2.
	actor.mu.Lock()
	times := append([]time.Time(nil), actor.attempts...)
	actor.mu.Unlock()
	if d := times[1].Sub(times[0]); d < 20*time.Millisecond {
		t.Errorf("first backoff %v < base", d)
	}
	if d := times[2].Sub(times[1]); d < 40*time.Millisecond {
		t.Errorf("second backoff %v < 2*base", d)
	}
}

func TestMaxAttemptsThenFailed(t *testing.T) {
	actor := &mockActor{results: []connector.Delivery{connector.Errored(errors.New("down"))}}
	cfg := DefaultConfig()
	cfg.Backoff = fastBackoff()
	cfg.Backoff.MaxAttempts = 3
	// The default breaker would open before the retries finish.
	cfg.Breaker = BreakerConfig{FailureThreshold: 100, SuccessThreshold: 1, ResetTimeout: time.Millisecond}
	s, rec, _ := newTestScheduler(t, cfg, actor, 1)
	defer s.Drain(time.Second)

	if err := s.Enqueue(context.Background(), event.New("gh", event.TypeResourceChanged), testSpec("a1")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(rec.byKindStatus(observer.KindDeliveryResult, ResultFailed)) == 1
	})
	if got := actor.count(); got != 3 {
		t.Fatalf("attempts = %d, want exactly max_attempts (3)", got)
	}
	if got := len(rec.byKindStatus(observer.KindDeliveryResult, ResultScheduled)); got != 2 {
		t.Fatalf("scheduled retries observed = %d, want 2", got)
	}
}

func TestBackpressureLosesNothing(t *testing.T) {
	actor := &mockActor{delay: 100 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.QueueSize = 2
	cfg.Backoff = fastBackoff()
	s, rec, _ := newTestScheduler(t, cfg, actor, 1)

	spec := testSpec("a1")
	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := s.Enqueue(context.Background(), event.New("gh", event.TypeResourceChanged), spec); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	// With a 2-slot queue and a slow single worker, the producer must
	// have been blocked rather than dropping events.
	if time.Since(start) < 300*time.Millisecond {
		t.Error("enqueue never blocked despite a full queue")
	}

	waitFor(t, 10*time.Second, func() bool {
		return len(rec.byKindStatus(observer.KindDeliveryResult, ResultDelivered)) == 10
	})
	s.Drain(time.Second)
	if actor.count() != 10 {
		t.Fatalf("delivered %d of 10", actor.count())
	}
}

func TestDrainStopsAttempts(t *testing.T) {
	actor := &mockActor{}
	cfg := DefaultConfig()
	cfg.Backoff = fastBackoff()
	s, rec, _ := newTestScheduler(t, cfg, actor, 2)

	for i := 0; i < 5; i++ {
		if err := s.Enqueue(context.Background(), event.New("gh", event.TypeResourceChanged), testSpec("a1")); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Drain(5 * time.Second); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if err := s.Enqueue(context.Background(), event.New("gh", event.TypeResourceChanged), testSpec("a1")); !errors.Is(err, ErrDraining) {
		t.Fatalf("enqueue after drain: err = %v, want ErrDraining", err)
	}

	before := len(rec.byKindStatus(observer.KindDeliveryAttempt, ""))
	time.Sleep(50 * time.Millisecond)
	after := len(rec.byKindStatus(observer.KindDeliveryAttempt, ""))
	if before != after {
		t.Fatal("delivery attempts observed after Drain returned")
	}
	if actor.count() != 5 {
		t.Fatalf("in-flight deliveries not completed: %d of 5", actor.count())
	}
}

func TestUnknownActorEnqueue(t *testing.T) {
	s, _, _ := newTestScheduler(t, DefaultConfig(), &mockActor{}, 1)
	defer s.Drain(time.Second)
	err := s.Enqueue(context.Background(), event.New("gh", event.TypeResourceChanged), testSpec("ghost"))
	if err == nil {
		t.Fatal("enqueue to unknown actor succeeded")
	}
}

func TestBackoffBounds(t *testing.T) {
	cfg := DefaultBackoff()
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		d := cfg.Delay(attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive delay %v", attempt, d)
		}
		max := time.Duration(float64(cfg.Cap) * (1 + cfg.Jitter))
		if d > max {
			t.Fatalf("attempt %d: delay %v above jittered cap %v", attempt, d, max)
		}
	}
	// Without jitter the progression is exactly base * factor^(n-1).
	plain := BackoffConfig{Base: time.Second, Factor: 2, Cap: time.Hour, MaxAttempts: 5}
	if plain.Delay(1) != time.Second || plain.Delay(3) != 4*time.Second {
		t.Fatalf("progression: %v %v", plain.Delay(1), plain.Delay(3))
	}
}

func TestBreakerTransitions(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	b := newBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 2, ResetTimeout: time.Minute}, clock)

	if err := b.allow(); err != nil {
		t.Fatal("closed breaker refused")
	}
	b.recordFailure()
	b.recordFailure()
	if b.current() != BreakerOpen {
		t.Fatalf("state after failures = %v", b.current())
	}
	if err := b.allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker allowed: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := b.allow(); err != nil {
		t.Fatal("breaker did not half-open after reset timeout")
	}
	if b.current() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", b.current())
	}
	b.recordSuccess()
	b.recordSuccess()
	if b.current() != BreakerClosed {
		t.Fatalf("state after successes = %v, want closed", b.current())
	}

	// A failure while half-open reopens immediately.
	b.recordFailure()
	b.recordFailure()
	now = now.Add(2 * time.Minute)
	_ = b.allow()
	b.recordFailure()
	if b.current() != BreakerOpen {
		t.Fatalf("half-open failure left state %v", b.current())
	}
}
