package transform

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/route"
)

// Filter drops events that fail a predicate. The grammar is the same
// tree the route matcher evaluates, applied to the already-matched
// event.
type Filter struct {
	node *route.Node
}

// Init compiles the predicate from config.
//
//	config:
//	  match:
//	    - key: provenance.platform_event
//	      equals: pull_request.merged
func (f *Filter) Init(cfg connector.Config) error {
	node, err := nodeFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	if err := node.Compile(); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	f.node = node
	return nil
}

// Execute returns the event on a predicate match, nil otherwise.
func (f *Filter) Execute(_ context.Context, ev *event.Event, _ *connector.TransformContext) (*event.Event, error) {
	ok, err := f.node.Eval(ev.AsMap())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return ev, nil
}

// Shutdown is a no-op; the filter holds no external resources.
func (f *Filter) Shutdown(context.Context) error { return nil }

// nodeFromConfig rebuilds a predicate node from the opaque connector
// config by round-tripping through YAML, reusing the route package's
// declared shape.
func nodeFromConfig(cfg connector.Config) (*route.Node, error) {
	raw, err := yaml.Marshal(map[string]any(cfg))
	if err != nil {
		return nil, fmt.Errorf("encode predicate: %w", err)
	}
	var node route.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("decode predicate: %w", err)
	}
	return &node, nil
}
