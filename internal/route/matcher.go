package route

import (
	"log/slog"

	"github.com/orgloop/orgloop/internal/event"
)

// Matcher evaluates events against the loaded route set. Routes are
// indexed by when.source; matching is index lookup, then event-type
// check, then filter evaluation. Immutable after construction.
type Matcher struct {
	bySource map[string][]*Spec
	logger   *slog.Logger
}

// NewMatcher builds the source index over compiled specs.
func NewMatcher(specs []*Spec, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	bySource := make(map[string][]*Spec)
	for _, s := range specs {
		bySource[s.When.Source] = append(bySource[s.When.Source], s)
	}
	return &Matcher{bySource: bySource, logger: logger}
}

// Match returns every route the event satisfies. Multiple matches fan
// out into independent delivery attempts, one per route. A filter
// evaluation error counts as a non-match for that route only.
func (m *Matcher) Match(ev *event.Event) []*Spec {
	candidates := m.bySource[ev.Source]
	if len(candidates) == 0 {
		return nil
	}

	var matched []*Spec
	var data map[string]any
	for _, spec := range candidates {
		if !spec.WantsType(ev.Type) {
			continue
		}
		if spec.When.Filter != nil {
			if data == nil {
				data = ev.AsMap()
			}
			ok, err := spec.When.Filter.Eval(data)
			if err != nil {
				m.logger.Warn("route filter evaluation failed",
					"route", spec.Name,
					"event_id", ev.ID,
					"error", err,
				)
				continue
			}
			if !ok {
				continue
			}
		}
		matched = append(matched, spec)
	}
	return matched
}

// Routes returns all indexed specs for a source (validation and tests).
func (m *Matcher) Routes(source string) []*Spec {
	return m.bySource[source]
}
