// Package route holds the declarative route model: when an event
// matches, which transforms run, and which actor receives it.
package route

import (
	"fmt"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// TransformSpec names one transform in a route's pipeline.
type TransformSpec struct {
	Type   string           `yaml:"type"`
	Config connector.Config `yaml:"config,omitempty"`
}

// When selects the events a route applies to.
type When struct {
	Source     string       `yaml:"source"`
	EventTypes []event.Type `yaml:"event_types"`
	Filter     *Node        `yaml:"filter,omitempty"`
}

// Then names the delivery target.
type Then struct {
	Actor  string           `yaml:"actor"`
	Config connector.Config `yaml:"config,omitempty"`
}

// Spec is one declarative route, immutable after load.
type Spec struct {
	Name       string          `yaml:"name"`
	When       When            `yaml:"when"`
	Transforms []TransformSpec `yaml:"transforms,omitempty"`
	Then       Then            `yaml:"then"`
	With       map[string]any  `yaml:"with,omitempty"`
}

// Compile validates the spec shape and compiles its filter. Reference
// checks against declared sources and actors happen at config
// validation; this covers the route-local invariants.
func (s *Spec) Compile() error {
	if s.Name == "" {
		return fmt.Errorf("route: missing name")
	}
	if s.When.Source == "" {
		return fmt.Errorf("route %q: when.source is required", s.Name)
	}
	if len(s.When.EventTypes) == 0 {
		return fmt.Errorf("route %q: when.event_types must be non-empty", s.Name)
	}
	for _, t := range s.When.EventTypes {
		if !t.Valid() {
			return fmt.Errorf("route %q: unknown event type %q", s.Name, t)
		}
	}
	if s.Then.Actor == "" {
		return fmt.Errorf("route %q: then.actor is required", s.Name)
	}
	if s.When.Filter != nil {
		if err := s.When.Filter.Compile(); err != nil {
			return fmt.Errorf("route %q: filter: %w", s.Name, err)
		}
	}
	return nil
}

// WantsType reports whether the route listens for the event type.
func (s *Spec) WantsType(t event.Type) bool {
	for _, want := range s.When.EventTypes {
		if want == t {
			return true
		}
	}
	return false
}
