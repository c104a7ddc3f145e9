package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/route"
)

const sampleYAML = `
engine:
  data_dir: /tmp/orgloop
  fsync: per-record
  drain_timeout: 10s
sources:
  - id: gh
    connector: webhook
    mode: webhook
  - id: tick
    connector: poller
    mode: poll
    interval: 30s
actors:
  - id: notify
    connector: http
    workers: 1
    config:
      url: ${NOTIFY_URL}
routes:
  - name: merged-prs
    when:
      source: gh
      event_types: [resource.changed]
      filter:
        match:
          - key: provenance.platform_event
            equals: pull_request.merged
    transforms:
      - type: dedup
        config:
          fields: [payload.pr_number]
          ttl: 60s
    then:
      actor: notify
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orgloop.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func allKnown() KnownTypes {
	yes := func(string) bool { return true }
	return KnownTypes{Source: yes, Actor: yes, Transform: yes, Logger: yes}
}

func TestLoadAndDefaults(t *testing.T) {
	t.Setenv("NOTIFY_URL", "https://example.internal/notify")
	doc, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if doc.Engine.DrainTimeout.Std() != 10*time.Second {
		t.Errorf("drain_timeout = %v", doc.Engine.DrainTimeout.Std())
	}
	if doc.Engine.ListenAddr != DefaultListenAddr {
		t.Errorf("listen_addr default = %q", doc.Engine.ListenAddr)
	}
	if doc.Engine.DeliverTimeout.Std() != DefaultDeliverTimeout {
		t.Errorf("deliver_timeout default = %v", doc.Engine.DeliverTimeout.Std())
	}
	if doc.Engine.Compaction.MaxAge.Std() != DefaultCompactionAge {
		t.Errorf("compaction age default = %v", doc.Engine.Compaction.MaxAge.Std())
	}

	if len(doc.Sources) != 2 || doc.Sources[1].Interval.Std() != 30*time.Second {
		t.Fatalf("sources = %+v", doc.Sources)
	}
	if got, err := doc.Actors[0].Config.String("url"); err != nil || got != "https://example.internal/notify" {
		t.Fatalf("env substitution: %q %v", got, err)
	}
	r := doc.Routes[0]
	if r.When.EventTypes[0] != event.TypeResourceChanged {
		t.Fatalf("route event types: %v", r.When.EventTypes)
	}
	if err := doc.Validate(allKnown()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadDirMergesFiles(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"00-engine.yaml": `
engine:
  data_dir: /tmp/orgloop
sources:
  - id: gh
    connector: webhook
    mode: webhook
`,
		"10-routes.yml": `
actors:
  - id: notify
    connector: http
routes:
  - name: r1
    when:
      source: gh
      event_types: [resource.changed]
    then:
      actor: notify
`,
		"ignore.txt": "not yaml",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	doc, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if doc.Engine.DataDir != "/tmp/orgloop" {
		t.Errorf("engine block not merged: %+v", doc.Engine)
	}
	if doc.Engine.ListenAddr != DefaultListenAddr {
		t.Errorf("defaults not applied: %q", doc.Engine.ListenAddr)
	}
	if len(doc.Sources) != 1 || len(doc.Actors) != 1 || len(doc.Routes) != 1 {
		t.Fatalf("merge incomplete: %d sources %d actors %d routes",
			len(doc.Sources), len(doc.Actors), len(doc.Routes))
	}
	if err := doc.Validate(allKnown()); err != nil {
		t.Fatalf("validate merged: %v", err)
	}
}

func TestLoadDirRejectsTwoEngineBlocks(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yaml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("engine:\n  data_dir: /tmp/x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := LoadDir(dir); err == nil || !strings.Contains(err.Error(), "engine block") {
		t.Fatalf("err = %v, want duplicate engine block error", err)
	}
}

func TestLoadDirRequiresYAML(t *testing.T) {
	if _, err := LoadDir(t.TempDir()); err == nil {
		t.Fatal("empty dir accepted")
	}
}

func TestLoadPath(t *testing.T) {
	t.Setenv("NOTIFY_URL", "https://example.internal/notify")
	path := writeConfig(t, sampleYAML)

	doc, err := LoadPath(path)
	if err != nil || len(doc.Routes) != 1 {
		t.Fatalf("file path: %v", err)
	}
	doc, err = LoadPath(filepath.Dir(path))
	if err != nil || len(doc.Routes) != 1 {
		t.Fatalf("dir path: %v", err)
	}
}

func TestUnusedSources(t *testing.T) {
	d := validDoc()
	if got := d.UnusedSources(); len(got) != 0 {
		t.Fatalf("all sources routed, got %v", got)
	}
	d.Sources = append(d.Sources, SourceSpec{ID: "idle", Connector: "webhook", Mode: "webhook"})
	got := d.UnusedSources()
	if len(got) != 1 || got[0] != "idle" {
		t.Fatalf("UnusedSources = %v, want [idle]", got)
	}
}

func TestMissingEnvVarNamed(t *testing.T) {
	os.Unsetenv("DEFINITELY_NOT_SET_ORGLOOP")
	_, err := SubstituteEnv("url: ${DEFINITELY_NOT_SET_ORGLOOP}")
	if err == nil || !strings.Contains(err.Error(), "DEFINITELY_NOT_SET_ORGLOOP") {
		t.Fatalf("err = %v, want the variable named", err)
	}
}

func validDoc() *Document {
	d := &Document{
		Engine: EngineConfig{DataDir: "/tmp/x", Fsync: "per-record"},
		Sources: []SourceSpec{
			{ID: "gh", Connector: "webhook", Mode: "webhook"},
		},
		Actors: []ActorSpec{
			{ID: "notify", Connector: "http"},
		},
		Routes: []*route.Spec{{
			Name: "r1",
			When: route.When{Source: "gh", EventTypes: []event.Type{event.TypeResourceChanged}},
			Then: route.Then{Actor: "notify"},
		}},
	}
	d.applyDefaults()
	return d
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Document)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Document) {},
		},
		{
			name:    "missing data dir",
			mutate:  func(d *Document) { d.Engine.DataDir = "" },
			wantErr: "data_dir",
		},
		{
			name:    "bad fsync",
			mutate:  func(d *Document) { d.Engine.Fsync = "sometimes" },
			wantErr: "fsync",
		},
		{
			name:    "bad source id",
			mutate:  func(d *Document) { d.Sources[0].ID = "__router" },
			wantErr: "not a valid identifier",
		},
		{
			name:    "duplicate source",
			mutate:  func(d *Document) { d.Sources = append(d.Sources, d.Sources[0]) },
			wantErr: "duplicate source",
		},
		{
			name:    "poll without interval",
			mutate:  func(d *Document) { d.Sources[0].Mode = "poll" },
			wantErr: "requires interval",
		},
		{
			name:    "unknown mode",
			mutate:  func(d *Document) { d.Sources[0].Mode = "psychic" },
			wantErr: "unknown mode",
		},
		{
			name:    "actor and source share id",
			mutate:  func(d *Document) { d.Actors[0].ID = "gh" },
			wantErr: "both source and actor",
		},
		{
			name:    "route references dead source",
			mutate:  func(d *Document) { d.Routes[0].When.Source = "ghost" },
			wantErr: "not a declared source",
		},
		{
			name:    "route references unknown actor",
			mutate:  func(d *Document) { d.Routes[0].Then.Actor = "ghost" },
			wantErr: "not a declared actor",
		},
		{
			name:    "route without event types",
			mutate:  func(d *Document) { d.Routes[0].When.EventTypes = nil },
			wantErr: "event_types",
		},
		{
			name: "duplicate route name",
			mutate: func(d *Document) {
				d.Routes = append(d.Routes, &route.Spec{
					Name: "r1",
					When: route.When{Source: "gh", EventTypes: []event.Type{event.TypeResourceChanged}},
					Then: route.Then{Actor: "notify"},
				})
			},
			wantErr: "duplicate route",
		},
		{
			name: "orphan transform",
			mutate: func(d *Document) {
				d.Routes[0].Transforms = []route.TransformSpec{{Type: "mystery"}}
			},
			wantErr: "unknown transform",
		},
	}

	known := allKnown()
	known.Transform = func(name string) bool { return name != "mystery" }

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDoc()
			tt.mutate(d)
			err := d.Validate(known)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validate err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestUnknownConnectorRejected(t *testing.T) {
	d := validDoc()
	known := allKnown()
	known.Source = func(string) bool { return false }
	if err := d.Validate(known); err == nil || !strings.Contains(err.Error(), "unknown connector") {
		t.Fatalf("err = %v", err)
	}
}
