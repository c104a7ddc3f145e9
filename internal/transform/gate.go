package transform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// Gate consults an external capability before letting an event
// through. A closed gate drops the event; a probe failure fails open
// so a flaky capability never silently suppresses deliveries.
type Gate struct {
	lookup func(name string) GateProbe

	name  string
	probe GateProbe
}

// Init resolves the configured capability against the engine's probe
// set. Unknown capabilities are a load-time error.
//
//	config:
//	  capability: active_session
func (g *Gate) Init(cfg connector.Config) error {
	name, err := cfg.String("capability")
	if err != nil {
		return fmt.Errorf("gate: %w", err)
	}
	if g.lookup == nil {
		return fmt.Errorf("gate: no capabilities available")
	}
	probe := g.lookup(name)
	if probe == nil {
		return fmt.Errorf("gate: unknown capability %q", name)
	}
	g.name = name
	g.probe = probe
	return nil
}

// Execute drops the event when the gate is closed.
func (g *Gate) Execute(ctx context.Context, ev *event.Event, _ *connector.TransformContext) (*event.Event, error) {
	open, err := g.probe(ctx)
	if err != nil {
		slog.Default().Warn("gate probe failed, failing open",
			"capability", g.name,
			"event_id", ev.ID,
			"error", err,
		)
		return ev, nil
	}
	if !open {
		return nil, nil
	}
	return ev, nil
}

// Shutdown is a no-op.
func (g *Gate) Shutdown(context.Context) error { return nil }
