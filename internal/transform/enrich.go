package transform

import (
	"context"
	"fmt"
	"strings"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/dotpath"
	"github.com/orgloop/orgloop/internal/event"
)

// Enrich adds fields to an event's payload or provenance: static
// values, dot-path copies from elsewhere in the event, and rendered
// templates with {{dot.path}} substitution.
type Enrich struct {
	set    map[string]any    // target path -> literal value
	copies map[string]string // target path -> source path
	render map[string]string // target path -> template
}

// Init reads the three op maps. Target paths must land in payload or
// provenance; the identity fields of an event are immutable.
//
//	config:
//	  set:
//	    payload.team: core
//	  copy:
//	    payload.author: provenance.author
//	  render:
//	    payload.summary: "PR {{payload.pr_number}} by {{provenance.author}}"
func (e *Enrich) Init(cfg connector.Config) error {
	setCfg, err := cfg.Sub("set")
	if err != nil {
		return fmt.Errorf("enrich: %w", err)
	}
	copyCfg, err := cfg.Sub("copy")
	if err != nil {
		return fmt.Errorf("enrich: %w", err)
	}
	renderCfg, err := cfg.Sub("render")
	if err != nil {
		return fmt.Errorf("enrich: %w", err)
	}
	if len(setCfg) == 0 && len(copyCfg) == 0 && len(renderCfg) == 0 {
		return fmt.Errorf("enrich: at least one of set/copy/render is required")
	}

	e.set = make(map[string]any, len(setCfg))
	for path, val := range setCfg {
		if err := checkTarget(path); err != nil {
			return fmt.Errorf("enrich: set: %w", err)
		}
		e.set[path] = val
	}

	e.copies = make(map[string]string, len(copyCfg))
	for path, val := range copyCfg {
		if err := checkTarget(path); err != nil {
			return fmt.Errorf("enrich: copy: %w", err)
		}
		from, ok := val.(string)
		if !ok {
			return fmt.Errorf("enrich: copy %q: source path must be a string, got %T", path, val)
		}
		e.copies[path] = from
	}

	e.render = make(map[string]string, len(renderCfg))
	for path, val := range renderCfg {
		if err := checkTarget(path); err != nil {
			return fmt.Errorf("enrich: render: %w", err)
		}
		tmpl, ok := val.(string)
		if !ok {
			return fmt.Errorf("enrich: render %q: template must be a string, got %T", path, val)
		}
		e.render[path] = tmpl
	}
	return nil
}

func checkTarget(path string) error {
	if !strings.HasPrefix(path, "payload.") && !strings.HasPrefix(path, "provenance.") {
		return fmt.Errorf("target %q must be under payload or provenance", path)
	}
	return nil
}

// Execute applies set, then copy, then render, mutating the route's
// clone in place. The route's `with` side-data is resolvable under the
// "with." prefix.
func (e *Enrich) Execute(_ context.Context, ev *event.Event, tc *connector.TransformContext) (*event.Event, error) {
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	if ev.Provenance == nil {
		ev.Provenance = map[string]any{}
	}
	data := ev.AsMap()
	if tc != nil && tc.With != nil {
		data["with"] = tc.With
	}

	for path, val := range e.set {
		if err := dotpath.Set(data, path, val); err != nil {
			return nil, fmt.Errorf("enrich: %w", err)
		}
	}
	for path, from := range e.copies {
		val, err := dotpath.Resolve(data, from)
		if err != nil {
			// Copying an absent field is a no-op, not a failure.
			continue
		}
		if err := dotpath.Set(data, path, val); err != nil {
			return nil, fmt.Errorf("enrich: %w", err)
		}
	}
	for path, tmpl := range e.render {
		if err := dotpath.Set(data, path, dotpath.Template(tmpl, data)); err != nil {
			return nil, fmt.Errorf("enrich: %w", err)
		}
	}
	return ev, nil
}

// Shutdown is a no-op.
func (e *Enrich) Shutdown(context.Context) error { return nil }
