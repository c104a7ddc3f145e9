// Package hook provides the generic NDJSON hook source: each input
// line is a wire-format event from an out-of-process forwarder.
package hook

import (
	"context"
	"fmt"
	"time"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// Source decodes wire-format events from NDJSON lines.
type Source struct {
	defaultType event.Type
}

// New returns an uninitialized source for registry use.
func New() connector.Source { return &Source{} }

// Init reads the fallback event type for lines that omit one.
func (s *Source) Init(cfg connector.Config) error {
	s.defaultType = event.Type(cfg.OptString("event_type", string(event.TypeMessageReceived)))
	if !s.defaultType.Valid() {
		return fmt.Errorf("hook source: unknown event_type %q", s.defaultType)
	}
	return nil
}

// DecodeLine parses one NDJSON line. Missing identity fields are
// filled so hand-written forwarders stay simple.
func (s *Source) DecodeLine(line []byte) (*event.Event, error) {
	ev, err := event.Unmarshal(line)
	if err != nil {
		return nil, err
	}
	if ev.ID == "" {
		ev.ID = event.NewID()
	}
	if ev.Type == "" {
		ev.Type = s.defaultType
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev, nil
}

// Shutdown is a no-op.
func (s *Source) Shutdown(context.Context) error { return nil }
