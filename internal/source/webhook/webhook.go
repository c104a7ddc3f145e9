// Package webhook provides the generic passthrough webhook source:
// request bodies become event payloads as-is. Platform-specific
// translation lives in external connectors.
package webhook

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Source translates webhook bodies to events.
type Source struct {
	eventType   event.Type
	platform    string
	eventHeader string
}

// New returns an uninitialized source for registry use.
func New() connector.Source { return &Source{} }

// Init reads translation settings.
//
//	config:
//	  event_type: resource.changed
//	  platform: github
//	  platform_event_header: X-GitHub-Event
func (s *Source) Init(cfg connector.Config) error {
	s.eventType = event.Type(cfg.OptString("event_type", string(event.TypeResourceChanged)))
	if !s.eventType.Valid() {
		return fmt.Errorf("webhook source: unknown event_type %q", s.eventType)
	}
	s.platform = cfg.OptString("platform", "")
	s.eventHeader = cfg.OptString("platform_event_header", "")
	return nil
}

// HandleWebhook builds one event whose payload is the parsed request
// body. The listener assigns the source id afterwards.
func (s *Source) HandleWebhook(_ context.Context, body []byte, headers map[string]string) ([]*event.Event, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("webhook source: body is not a JSON object: %w", err)
	}

	ev := event.New("", s.eventType)
	ev.Payload = payload
	if s.platform != "" {
		ev.Provenance[event.ProvPlatform] = s.platform
	}
	if s.eventHeader != "" {
		if v, ok := headers[s.eventHeader]; ok {
			ev.Provenance[event.ProvPlatformEvent] = v
		}
	}
	// CloudEvents envelopes surface their type through the listener.
	if v, ok := headers["Ce-Type"]; ok && s.eventHeader == "" {
		ev.Provenance[event.ProvPlatformEvent] = v
	}
	return []*event.Event{ev}, nil
}

// Shutdown is a no-op.
func (s *Source) Shutdown(context.Context) error { return nil }
