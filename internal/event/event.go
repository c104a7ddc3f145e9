package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Type classifies an event.
type Type string

const (
	TypeResourceChanged Type = "resource.changed"
	TypeActorStopped    Type = "actor.stopped"
	TypeMessageReceived Type = "message.received"
)

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	switch t {
	case TypeResourceChanged, TypeActorStopped, TypeMessageReceived:
		return true
	}
	return false
}

// Well-known provenance keys. Arbitrary additional keys are allowed.
const (
	ProvPlatform      = "platform"
	ProvPlatformEvent = "platform_event"
	ProvAuthor        = "author"
	ProvAuthorType    = "author_type"
)

// Event is a single signal flowing through the engine. Immutable once
// appended to the bus; per-route pipelines operate on clones.
type Event struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Type        Type           `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	Provenance  map[string]any `json:"provenance,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
}

// New creates an event with a fresh time-ordered ID and the current
// wall clock.
func New(source string, typ Type) *Event {
	return &Event{
		ID:         NewID(),
		Source:     source,
		Type:       typ,
		Timestamp:  time.Now().UTC(),
		Provenance: map[string]any{},
		Payload:    map[string]any{},
	}
}

// NewID returns a time-ordered globally-unique event identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// Validate checks the fields every event must carry before it is
// accepted onto the bus.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event: missing id")
	}
	if e.Source == "" {
		return fmt.Errorf("event %s: missing source", e.ID)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("event %s: unknown type %q", e.ID, e.Type)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %s: missing timestamp", e.ID)
	}
	return nil
}

// Clone returns a deep copy. Each route's transform chain receives its
// own clone, so one route dropping or mutating an event never affects
// another.
func (e *Event) Clone() *Event {
	c := *e
	c.Provenance = cloneMap(e.Provenance)
	c.Payload = cloneMap(e.Payload)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// AsMap exposes the full event as a nested map for dot-path lookup
// (route filters resolve keys like "provenance.platform_event" and
// "payload.pr_number" against this view).
func (e *Event) AsMap() map[string]any {
	m := map[string]any{
		"id":        e.ID,
		"source":    e.Source,
		"type":      string(e.Type),
		"timestamp": e.Timestamp.Format(time.RFC3339),
	}
	if e.Provenance != nil {
		m["provenance"] = e.Provenance
	} else {
		m["provenance"] = map[string]any{}
	}
	if e.Payload != nil {
		m["payload"] = e.Payload
	} else {
		m["payload"] = map[string]any{}
	}
	if e.Fingerprint != "" {
		m["fingerprint"] = e.Fingerprint
	}
	return m
}

// Marshal encodes the event in the wire format.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a wire-format event.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}
