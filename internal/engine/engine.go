// Package engine supervises the full pipeline: WAL bus, checkpoint
// store, connectors, router, transform chains, delivery scheduler,
// ingestion listener, and observer bus. An Engine is a single owned
// object; several can coexist in one process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/config"
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/deliver"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/listener"
	"github.com/orgloop/orgloop/internal/observability"
	"github.com/orgloop/orgloop/internal/observer"
	"github.com/orgloop/orgloop/internal/route"
	"github.com/orgloop/orgloop/internal/runner"
	"github.com/orgloop/orgloop/internal/tracing"
	"github.com/orgloop/orgloop/internal/transform"
	"github.com/orgloop/orgloop/internal/wal"
)

// routerSource is the pseudo-source id under which the router's bus
// offset is checkpointed. The leading underscores keep it outside the
// valid user id space.
const routerSource = "__router"

// sweepInterval paces checkpoint expiry sweeps, WAL compaction, and
// gauge refreshes.
const sweepInterval = 30 * time.Second

// Options carries the collaborators an engine is built from.
type Options struct {
	Sources    *connector.Registry[connector.Source]
	Actors     *connector.Registry[connector.Actor]
	Transforms *connector.Registry[connector.Transform] // nil: built-ins only
	Loggers    *connector.Registry[observer.Logger]
	Gates      map[string]transform.GateProbe
	Metrics    *observability.Metrics
	Tracer     trace.Tracer
	HookInput  io.Reader
	Logger     *slog.Logger
}

type routeState struct {
	spec  *route.Spec
	chain *transform.Chain
}

// Engine is the supervisor.
type Engine struct {
	doc    *config.Document
	opts   Options
	logger *slog.Logger

	log      *wal.Log
	cps      *checkpoint.Store
	obs      *observer.Bus
	matcher  *route.Matcher
	routes   map[string]*routeState
	sched    *deliver.Scheduler
	listener *listener.Listener
	runner   *runner.Runner
	sources  map[string]connector.Source
	actorIDs []string

	g            *errgroup.Group
	cancel       context.CancelFunc
	runnerCancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// Validate checks a document against the engine's registries without
// starting anything (the `validate`/`apply` pre-flight).
func Validate(doc *config.Document, opts Options) error {
	transforms := opts.Transforms
	if transforms == nil {
		transforms = transform.Builtins(transform.Deps{Gates: gateLookup(opts.Gates)})
	}
	known := config.KnownTypes{Transform: transforms.Has}
	if opts.Sources != nil {
		known.Source = opts.Sources.Has
	}
	if opts.Actors != nil {
		known.Actor = opts.Actors.Has
	}
	if opts.Loggers != nil {
		known.Logger = opts.Loggers.Has
	}
	return doc.Validate(known)
}

func gateLookup(gates map[string]transform.GateProbe) func(string) transform.GateProbe {
	return func(name string) transform.GateProbe {
		return gates[name]
	}
}

// New validates the document and prepares an engine. Nothing touches
// disk until Start.
func New(doc *config.Document, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transforms == nil {
		opts.Transforms = transform.Builtins(transform.Deps{Gates: gateLookup(opts.Gates)})
	}
	if err := Validate(doc, opts); err != nil {
		return nil, err
	}
	return &Engine{
		doc:     doc,
		opts:    opts,
		logger:  opts.Logger,
		routes:  make(map[string]*routeState),
		sources: make(map[string]connector.Source),
	}, nil
}

// Start brings the engine up in dependency order: bus, checkpoint
// store, connectors, routes, listener, source runners, scheduler tail.
// It returns once everything is running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine: already started")
	}
	e.started = true
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.g, runCtx = errgroup.WithContext(runCtx)

	// Observer bus first so every later stage can report.
	e.obs = observer.NewBus(observer.WithDropHook(e.observerDropped))
	if e.opts.Metrics != nil {
		e.obs.Register("__metrics", &metricsObserver{m: e.opts.Metrics}, 1024)
	}
	for _, spec := range e.doc.Loggers {
		lg, err := e.opts.Loggers.New(spec.Connector)
		if err != nil {
			return e.failStart(fmt.Errorf("engine: logger %q: %w", spec.ID, err))
		}
		if err := lg.Init(spec.Config); err != nil {
			return e.failStart(fmt.Errorf("engine: logger %q init: %w", spec.ID, err))
		}
		e.obs.Register(spec.ID, lg, spec.Buffer)
	}

	// Bus.
	walCfg := wal.Config{
		Dir:             filepath.Join(e.doc.Engine.DataDir, "wal"),
		SegmentMaxBytes: e.doc.Engine.SegmentBytes,
		SyncInterval:    e.doc.Engine.FsyncInterval.Std(),
	}
	switch e.doc.Engine.Fsync {
	case "batched":
		walCfg.Sync = wal.SyncBatched
	default:
		walCfg.Sync = wal.SyncPerRecord
	}
	log, err := wal.Open(walCfg, observability.ComponentLogger(e.logger, observability.ComponentBus))
	if err != nil {
		return e.failStart(err)
	}
	e.log = log

	// Checkpoint store.
	cps, err := checkpoint.Open(filepath.Join(e.doc.Engine.DataDir, "checkpoints"),
		observability.ComponentLogger(e.logger, observability.ComponentCheckpoint))
	if err != nil {
		return e.failStart(err)
	}
	e.cps = cps

	// Actors and the scheduler they feed.
	schedCfg := deliver.DefaultConfig()
	if e.doc.Engine.Workers > 0 {
		schedCfg.Workers = e.doc.Engine.Workers
	}
	if e.doc.Engine.QueueSize > 0 {
		schedCfg.QueueSize = e.doc.Engine.QueueSize
	}
	if e.doc.Engine.DeliverTimeout != 0 {
		schedCfg.DeliverTimeout = e.doc.Engine.DeliverTimeout.Std()
	}
	e.sched = deliver.New(schedCfg, e.obs, observability.ComponentLogger(e.logger, observability.ComponentScheduler))
	for _, spec := range e.doc.Actors {
		actor, err := e.opts.Actors.New(spec.Connector)
		if err != nil {
			return e.failStart(fmt.Errorf("engine: actor %q: %w", spec.ID, err))
		}
		if err := actor.Init(spec.Config); err != nil {
			return e.failStart(fmt.Errorf("engine: actor %q init: %w", spec.ID, err))
		}
		if err := e.sched.AddActor(spec.ID, actor, spec.Workers); err != nil {
			return e.failStart(err)
		}
		e.actorIDs = append(e.actorIDs, spec.ID)
	}

	// Routes and their transform chains.
	var specs []*route.Spec
	for _, spec := range e.doc.Routes {
		var steps []transform.Step
		for i, t := range spec.Transforms {
			tr, err := e.opts.Transforms.New(t.Type)
			if err != nil {
				return e.failStart(fmt.Errorf("engine: route %q: %w", spec.Name, err))
			}
			if err := tr.Init(t.Config); err != nil {
				return e.failStart(fmt.Errorf("engine: route %q transform %d (%s): %w", spec.Name, i, t.Type, err))
			}
			steps = append(steps, transform.Step{Name: t.Type, Transform: tr})
		}
		e.routes[spec.Name] = &routeState{
			spec:  spec,
			chain: transform.NewChain(spec.Name, steps...),
		}
		specs = append(specs, spec)
	}
	e.matcher = route.NewMatcher(specs, observability.ComponentLogger(e.logger, observability.ComponentRouter))

	// Declared-but-unrouted sources are legal; surface them so a typo
	// in a route's when.source is noticed.
	for _, id := range e.doc.UnusedSources() {
		e.logger.Warn("source is not referenced by any route", "source", id)
	}

	// Sources. An init failure disables that source only.
	var entries []runner.Entry
	for _, spec := range e.doc.Sources {
		src, err := e.opts.Sources.New(spec.Connector)
		if err != nil {
			return e.failStart(fmt.Errorf("engine: source %q: %w", spec.ID, err))
		}
		if err := src.Init(spec.Config); err != nil {
			e.logger.Error("source disabled: init failed",
				"source", spec.ID,
				"connector", spec.Connector,
				"error", err,
			)
			e.obs.Publish(observer.Event{
				Kind:   observer.KindEngineLifecycle,
				Source: spec.ID,
				Status: "source_disabled",
				Error:  err.Error(),
			})
			continue
		}
		e.sources[spec.ID] = src
		entries = append(entries, runner.Entry{
			ID:       spec.ID,
			Mode:     runner.Mode(spec.Mode),
			Source:   src,
			Interval: spec.Interval.Std(),
			RateRPS:  spec.RateRPS,
			Burst:    spec.Burst,
		})
	}

	// Listener.
	lis, err := listener.New(listener.Config{ListenAddr: e.doc.Engine.ListenAddr}, e.acceptEvents,
		observability.ComponentLogger(e.logger, observability.ComponentListener))
	if err != nil {
		return e.failStart(err)
	}
	e.listener = lis
	e.g.Go(func() error {
		err := lis.Start(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	select {
	case <-lis.Ready():
	case <-time.After(5 * time.Second):
		return e.failStart(fmt.Errorf("engine: listener did not become ready"))
	}

	// Source runners.
	runnerCtx, runnerCancel := context.WithCancel(runCtx)
	e.runnerCancel = runnerCancel
	e.runner = runner.New(entries, e.acceptEvents, e.cps, e.listener, e.opts.HookInput, e.obs,
		observability.ComponentLogger(e.logger, observability.ComponentRunner))
	e.g.Go(func() error {
		err := e.runner.Run(runnerCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// Scheduler and router tail, resuming from the persisted offset.
	from := uint64(0)
	if cp, ok := e.cps.Get(routerSource); ok && cp.Cursor != "" {
		parsed, err := strconv.ParseUint(cp.Cursor, 10, 64)
		if err != nil {
			return e.failStart(fmt.Errorf("engine: bad router checkpoint %q: %w", cp.Cursor, err))
		}
		from = parsed
	}
	if first := e.log.FirstOffset(); from < first {
		from = first
	}
	e.sched.Start(context.WithoutCancel(runCtx))
	e.g.Go(func() error {
		err := e.log.Tail(runCtx, from, func(offset uint64, ev *event.Event) error {
			return e.routeEvent(runCtx, offset, ev)
		})
		if errors.Is(err, context.Canceled) || errors.Is(err, wal.ErrClosed) || errors.Is(err, deliver.ErrDraining) {
			return nil
		}
		return err
	})

	// Maintenance sweep.
	e.g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return nil
			case <-ticker.C:
				e.sweep()
			}
		}
	})

	e.obs.Publish(observer.Event{Kind: observer.KindEngineLifecycle, Status: "started"})
	e.logger.Info("engine started",
		"sources", len(entries),
		"actors", len(e.actorIDs),
		"routes", len(e.routes),
		"listen_addr", e.listener.ListenAddr,
	)
	return nil
}

func (e *Engine) failStart(err error) error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.g != nil {
		_ = e.g.Wait()
	}
	if e.log != nil {
		_ = e.log.Close()
	}
	return err
}

// acceptEvents is the single durable entry point: every event, from
// any source mode, is on the WAL before this returns.
func (e *Engine) acceptEvents(ctx context.Context, evs []*event.Event) error {
	for _, ev := range evs {
		ctx, span := tracing.StartSpan(ctx, e.opts.Tracer, tracing.SpanAppend,
			trace.WithAttributes(tracing.SourceAttr(ev.Source), tracing.EventAttr(ev.ID)))
		start := time.Now()
		offset, err := e.log.Append(ctx, ev)
		if err != nil {
			tracing.SetSpanError(span, err)
			span.End()
			return err
		}
		if m := e.opts.Metrics; m != nil {
			m.WALAppendDuration.Observe(time.Since(start).Seconds())
		}
		span.SetAttributes(tracing.OffsetAttr(offset))
		tracing.SetSpanOK(span)
		span.End()

		e.obs.Publish(observer.Event{
			Kind:    observer.KindEventAccepted,
			Source:  ev.Source,
			EventID: ev.ID,
			Fields:  map[string]any{"offset": offset, "type": string(ev.Type)},
		})
	}
	return nil
}

// routeEvent is the bus tail handler: match, transform, enqueue.
// Blocking on a full actor queue is deliberate; flow control
// propagates back to the tailer while the bus keeps accepting appends.
func (e *Engine) routeEvent(ctx context.Context, offset uint64, ev *event.Event) error {
	specs := e.matcher.Match(ev)
	for _, spec := range specs {
		e.obs.Publish(observer.Event{
			Kind:    observer.KindRouteMatched,
			Source:  ev.Source,
			Route:   spec.Name,
			EventID: ev.ID,
		})

		state := e.routes[spec.Name]
		tctx := &connector.TransformContext{Route: spec.Name, With: spec.With, Fingerprints: e.cps}

		sctx, span := tracing.StartSpan(ctx, e.opts.Tracer, tracing.SpanTransform,
			trace.WithAttributes(tracing.RouteAttr(spec.Name), tracing.EventAttr(ev.ID)))
		out, droppedBy, err := state.chain.Execute(sctx, ev.Clone(), tctx)
		if err != nil {
			tracing.SetSpanError(span, err)
			span.End()
			// A transform failure drops the event for this route only.
			e.logger.Warn("transform failed, event dropped for route",
				"route", spec.Name,
				"event_id", ev.ID,
				"error", err,
			)
			e.obs.Publish(observer.Event{
				Kind:    observer.KindTransformDropped,
				Route:   spec.Name,
				EventID: ev.ID,
				Status:  "error",
				Error:   err.Error(),
				Fields:  map[string]any{"transform": droppedBy},
			})
			continue
		}
		tracing.SetSpanOK(span)
		span.End()

		if out == nil {
			e.obs.Publish(observer.Event{
				Kind:    observer.KindTransformDropped,
				Route:   spec.Name,
				EventID: ev.ID,
				Status:  "dropped",
				Fields:  map[string]any{"transform": droppedBy},
			})
			continue
		}

		if err := e.sched.Enqueue(ctx, out, spec); err != nil {
			return err
		}
	}

	// The router checkpoint advances only after every matching route
	// has accepted the event into its queue.
	if err := e.cps.Put(routerSource, strconv.FormatUint(offset+1, 10)); err != nil {
		e.logger.Error("router checkpoint write failed", "offset", offset, "error", err)
	}
	return nil
}

func (e *Engine) sweep() {
	e.cps.Sweep()
	maxAge := e.doc.Engine.Compaction.MaxAge.Std()
	maxBytes := e.doc.Engine.Compaction.MaxTotalBytes
	if maxAge > 0 && maxBytes > 0 {
		if err := e.log.Compact(maxAge, maxBytes); err != nil {
			e.logger.Error("wal compaction failed", "error", err)
		}
	}
	if m := e.opts.Metrics; m != nil {
		m.WALNextOffset.Set(float64(e.log.NextOffset()))
		m.WALSegmentBytes.Set(float64(e.log.SizeBytes()))
		for _, id := range e.actorIDs {
			m.ActorQueueDepth.WithLabelValues(id).Set(float64(e.sched.QueueLen(id)))
		}
	}
}

func (e *Engine) observerDropped(name string) {
	if m := e.opts.Metrics; m != nil {
		m.ObserverDrops.WithLabelValues(name).Inc()
	}
}

// ListenAddr returns the ingestion listener's bound address.
func (e *Engine) ListenAddr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.ListenAddr
}

// Bus exposes the observer bus for embedding callers.
func (e *Engine) Bus() *observer.Bus { return e.obs }

// Wait blocks until the engine's background goroutines exit. A non-nil
// error means a fatal failure (bus corruption stops the router; the
// caller should shut down and exit non-zero).
func (e *Engine) Wait() error {
	if e.g == nil {
		return nil
	}
	return e.g.Wait()
}

// Shutdown stops the engine in reverse order: intake off, drain
// in-flight deliveries up to the configured drain timeout, then stop
// everything and close the stores. After Shutdown returns, no further
// delivery attempts are observed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.logger.Info("engine shutting down")
	if e.obs != nil {
		e.obs.Publish(observer.Event{Kind: observer.KindEngineLifecycle, Status: "draining"})
	}

	var errs []error

	// Stop intake: the listener answers 503 and the source runners
	// stop ticking.
	if e.listener != nil {
		e.listener.SetDraining(true)
	}
	if e.runnerCancel != nil {
		e.runnerCancel()
	}

	// Drain deliveries, then shut actors down.
	if e.sched != nil {
		if err := e.sched.Shutdown(ctx, e.doc.Engine.DrainTimeout.Std()); err != nil {
			errs = append(errs, err)
		}
	}

	// Stop the tail, listener, and sweeps.
	if e.cancel != nil {
		e.cancel()
	}
	if e.g != nil {
		if err := e.g.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	// Sources, then the bus.
	for id, src := range e.sources {
		if err := src.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", id, err))
		}
	}
	if e.log != nil {
		if err := e.log.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if e.obs != nil {
		e.obs.Publish(observer.Event{Kind: observer.KindEngineLifecycle, Status: "stopped"})
		if err := e.obs.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	e.logger.Info("engine shutdown complete")
	return errors.Join(errs...)
}
