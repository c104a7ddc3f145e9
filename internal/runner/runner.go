// Package runner drives declared sources: poll loops with jittered
// intervals and checkpoint advancement, webhook registration with the
// listener, and NDJSON hook input.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/listener"
	"github.com/orgloop/orgloop/internal/observer"
)

// Mode selects how a source is driven.
type Mode string

const (
	ModePoll    Mode = "poll"
	ModeWebhook Mode = "webhook"
	ModeHook    Mode = "hook"
)

// Accept durably appends a batch of events to the bus.
type Accept func(ctx context.Context, evs []*event.Event) error

// Entry is one declared source under the runner's control.
type Entry struct {
	ID       string
	Mode     Mode
	Source   connector.Source
	Interval time.Duration // poll mode
	RateRPS  float64       // webhook mode; 0 disables limiting
	Burst    int
}

// Runner owns one long-lived worker per declared source.
type Runner struct {
	entries     []Entry
	accept      Accept
	checkpoints *checkpoint.Store
	listener    *listener.Listener
	hookInput   io.Reader
	bus         *observer.Bus
	logger      *slog.Logger
}

// New creates a runner. hookInput may be nil when no hook source is
// declared.
func New(entries []Entry, accept Accept, cps *checkpoint.Store, lis *listener.Listener, hookInput io.Reader, bus *observer.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		entries:     entries,
		accept:      accept,
		checkpoints: cps,
		listener:    lis,
		hookInput:   hookInput,
		bus:         bus,
		logger:      logger,
	}
}

// Run starts every source worker and blocks until ctx is cancelled.
// Mode/capability mismatches are rejected before any worker starts.
func (r *Runner) Run(ctx context.Context) error {
	type pollEntry struct {
		e Entry
		p connector.Poller
	}
	type hookEntry struct {
		e Entry
		h connector.HookSource
	}
	var polls []pollEntry
	var hooks []hookEntry

	for _, e := range r.entries {
		switch e.Mode {
		case ModePoll:
			poller, ok := e.Source.(connector.Poller)
			if !ok {
				return fmt.Errorf("runner: source %q declared poll mode but does not poll", e.ID)
			}
			polls = append(polls, pollEntry{e: e, p: poller})
		case ModeWebhook:
			src, ok := e.Source.(connector.WebhookSource)
			if !ok {
				return fmt.Errorf("runner: source %q declared webhook mode but handles no webhooks", e.ID)
			}
			if r.listener == nil {
				return fmt.Errorf("runner: source %q needs the listener, which is disabled", e.ID)
			}
			r.listener.RegisterWebhook(e.ID, src, e.RateRPS, e.Burst)
		case ModeHook:
			src, ok := e.Source.(connector.HookSource)
			if !ok {
				return fmt.Errorf("runner: source %q declared hook mode but decodes no lines", e.ID)
			}
			// Hook sources take NDJSON both over the listener and, when
			// connected, from standard input.
			if r.listener != nil {
				r.listener.RegisterHook(e.ID, src)
			}
			if r.hookInput != nil {
				hooks = append(hooks, hookEntry{e: e, h: src})
			}
		default:
			return fmt.Errorf("runner: source %q has unknown mode %q", e.ID, e.Mode)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, pe := range polls {
		g.Go(func() error {
			r.pollLoop(ctx, pe.e, pe.p)
			return nil
		})
	}
	for _, he := range hooks {
		g.Go(func() error {
			r.hookLoop(ctx, he.e, he.h)
			return nil
		})
	}
	<-ctx.Done()
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// pollLoop drives one poll source. The checkpoint only advances after
// every event of the batch is durably on the bus.
func (r *Runner) pollLoop(ctx context.Context, e Entry, poller connector.Poller) {
	cursor := ""
	if cp, ok := r.checkpoints.Get(e.ID); ok {
		cursor = cp.Cursor
	}

	for {
		batch, err := poller.Poll(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("source poll failed",
				"source", e.ID,
				"error", err,
			)
			r.publishPolled(e.ID, 0, err)
		} else {
			if err := r.acceptBatch(ctx, e.ID, batch.Events); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Nothing advanced; the same events are fetched again
				// next tick and deduplicated downstream.
				r.logger.Error("source batch append failed",
					"source", e.ID,
					"events", len(batch.Events),
					"error", err,
				)
				r.publishPolled(e.ID, 0, err)
			} else {
				if batch.Cursor != "" {
					cursor = batch.Cursor
				}
				if err := r.checkpoints.Put(e.ID, cursor); err != nil {
					// Events are durable in the WAL; the cursor write is
					// retried after the next poll.
					r.logger.Error("checkpoint write failed",
						"source", e.ID,
						"error", err,
					)
				}
				r.publishPolled(e.ID, len(batch.Events), nil)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered(e.Interval)):
		}
	}
}

// hookLoop reads NDJSON events, one per line. Invalid lines are logged
// and skipped; the loop ends when the input closes or ctx is
// cancelled.
func (r *Runner) hookLoop(ctx context.Context, e Entry, src connector.HookSource) {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.hookInput)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			r.logger.Error("hook input read failed", "source", e.ID, "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				r.logger.Info("hook input closed", "source", e.ID)
				return
			}
			if len(line) == 0 {
				continue
			}
			ev, err := src.DecodeLine(line)
			if err != nil {
				r.logger.Warn("hook line skipped", "source", e.ID, "error", err)
				continue
			}
			if err := r.acceptBatch(ctx, e.ID, []*event.Event{ev}); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("hook event append failed", "source", e.ID, "error", err)
			}
		}
	}
}

func (r *Runner) acceptBatch(ctx context.Context, sourceID string, evs []*event.Event) error {
	if len(evs) == 0 {
		return nil
	}
	for _, ev := range evs {
		if ev.Source == "" {
			ev.Source = sourceID
		}
		if err := ev.Validate(); err != nil {
			return err
		}
	}
	return r.accept(ctx, evs)
}

func (r *Runner) publishPolled(sourceID string, count int, err error) {
	if r.bus == nil {
		return
	}
	ev := observer.Event{
		Kind:   observer.KindSourcePolled,
		Source: sourceID,
		Fields: map[string]any{"events": count},
	}
	if err != nil {
		ev.Error = err.Error()
		ev.Status = "error"
	} else {
		ev.Status = "ok"
	}
	r.bus.Publish(ev)
}

// jittered spreads poll ticks ±10% so sources sharing an interval do
// not fire in lockstep.
func jittered(interval time.Duration) time.Duration {
	if interval <= 0 {
		interval = time.Minute
	}
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(interval) * f)
}
