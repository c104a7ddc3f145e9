package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/dotpath"
	"github.com/orgloop/orgloop/internal/event"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultDedupTTL = time.Hour

// Dedup computes a content fingerprint over configured dot-path fields
// and drops events whose fingerprint is already inside the source's
// dedup window. The window lives in the checkpoint store, so it
// survives restarts.
type Dedup struct {
	fields []string
	ttl    time.Duration
}

// Init reads the field list and TTL.
//
//	config:
//	  fields: [payload.x, provenance.platform_event]
//	  ttl: 60s
func (d *Dedup) Init(cfg connector.Config) error {
	fields, err := cfg.StringSlice("fields")
	if err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("dedup: fields must be non-empty")
	}
	d.fields = fields
	d.ttl = cfg.OptDuration("ttl", defaultDedupTTL)
	if d.ttl <= 0 {
		return fmt.Errorf("dedup: ttl must be positive")
	}
	return nil
}

// Execute drops the event when its fingerprint is in the window,
// otherwise records the fingerprint with the TTL and passes the event
// through with Fingerprint set.
func (d *Dedup) Execute(_ context.Context, ev *event.Event, tc *connector.TransformContext) (*event.Event, error) {
	if tc == nil || tc.Fingerprints == nil {
		return nil, fmt.Errorf("dedup: no fingerprint store")
	}

	fp, err := d.fingerprint(ev)
	if err != nil {
		return nil, err
	}
	if tc.Fingerprints.Seen(ev.Source, fp) {
		return nil, nil
	}
	if err := tc.Fingerprints.ObserveFingerprint(ev.Source, fp, d.ttl); err != nil {
		return nil, fmt.Errorf("dedup: record fingerprint: %w", err)
	}
	ev.Fingerprint = fp
	return ev, nil
}

// Shutdown is a no-op; window state lives in the checkpoint store.
func (d *Dedup) Shutdown(context.Context) error { return nil }

// fingerprint hashes the configured fields in declaration order. Field
// values are JSON-encoded so nested structures hash stably.
func (d *Dedup) fingerprint(ev *event.Event) (string, error) {
	h := xxhash.New()
	data := ev.AsMap()
	for _, field := range d.fields {
		val, err := dotpath.Resolve(data, field)
		if err != nil {
			// Absent fields hash as null so partial events still get a
			// stable fingerprint.
			val = nil
		}
		encoded, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("dedup: encode field %s: %w", field, err)
		}
		h.WriteString(field)
		h.WriteString("=")
		h.Write(encoded)
		h.WriteString("\n")
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
