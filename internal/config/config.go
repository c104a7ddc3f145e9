// Package config loads, substitutes, and validates the engine's
// declarative configuration: engine settings, sources, actors, and
// routes.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/route"
)

// Duration wraps time.Duration with YAML string parsing ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// CompactionConfig controls WAL compaction. Both bounds must be
// exceeded before a segment is removed.
type CompactionConfig struct {
	MaxAge        Duration `yaml:"max_age,omitempty"`
	MaxTotalBytes int64    `yaml:"max_total_bytes,omitempty"`
}

// EngineConfig is the engine-level settings block.
type EngineConfig struct {
	DataDir        string           `yaml:"data_dir"`
	ListenAddr     string           `yaml:"listen_addr,omitempty"`
	Fsync          string           `yaml:"fsync,omitempty"` // per-record | batched
	FsyncInterval  Duration         `yaml:"fsync_interval,omitempty"`
	SegmentBytes   int64            `yaml:"segment_bytes,omitempty"`
	DrainTimeout   Duration         `yaml:"drain_timeout,omitempty"`
	DeliverTimeout Duration         `yaml:"deliver_timeout,omitempty"`
	Workers        int              `yaml:"workers,omitempty"`
	QueueSize      int              `yaml:"queue_size,omitempty"`
	Compaction     CompactionConfig `yaml:"compaction,omitempty"`
}

// SourceSpec declares one source instance.
type SourceSpec struct {
	ID        string           `yaml:"id"`
	Connector string           `yaml:"connector"`
	Mode      string           `yaml:"mode"` // poll | webhook | hook
	Interval  Duration         `yaml:"interval,omitempty"`
	RateRPS   float64          `yaml:"rate_rps,omitempty"`
	Burst     int              `yaml:"burst,omitempty"`
	Config    connector.Config `yaml:"config,omitempty"`
}

// ActorSpec declares one actor instance.
type ActorSpec struct {
	ID        string           `yaml:"id"`
	Connector string           `yaml:"connector"`
	Workers   int              `yaml:"workers,omitempty"` // 1 preserves per-actor ordering
	Config    connector.Config `yaml:"config,omitempty"`
}

// LoggerSpec declares one observer logger.
type LoggerSpec struct {
	ID        string           `yaml:"id"`
	Connector string           `yaml:"connector"`
	Buffer    int              `yaml:"buffer,omitempty"`
	Config    connector.Config `yaml:"config,omitempty"`
}

// Document is a fully parsed configuration.
type Document struct {
	Engine  EngineConfig  `yaml:"engine"`
	Sources []SourceSpec  `yaml:"sources"`
	Actors  []ActorSpec   `yaml:"actors"`
	Routes  []*route.Spec `yaml:"routes"`
	Loggers []LoggerSpec  `yaml:"loggers,omitempty"`
}

// Defaults applied after parse.
const (
	DefaultListenAddr     = "127.0.0.1:4800"
	DefaultDrainTimeout   = 30 * time.Second
	DefaultDeliverTimeout = 30 * time.Second
	DefaultCompactionAge  = 7 * 24 * time.Hour
	DefaultCompactionSize = 1 << 30
)

func (d *Document) applyDefaults() {
	if d.Engine.ListenAddr == "" {
		d.Engine.ListenAddr = DefaultListenAddr
	}
	if d.Engine.Fsync == "" {
		d.Engine.Fsync = "per-record"
	}
	if d.Engine.DrainTimeout == 0 {
		d.Engine.DrainTimeout = Duration(DefaultDrainTimeout)
	}
	if d.Engine.DeliverTimeout == 0 {
		d.Engine.DeliverTimeout = Duration(DefaultDeliverTimeout)
	}
	if d.Engine.Compaction.MaxAge == 0 {
		d.Engine.Compaction.MaxAge = Duration(DefaultCompactionAge)
	}
	if d.Engine.Compaction.MaxTotalBytes == 0 {
		d.Engine.Compaction.MaxTotalBytes = DefaultCompactionSize
	}
}

// parseFile reads, env-substitutes, and parses one file without
// applying defaults, so LoadDir can tell an absent engine block from
// a defaulted one.
func parseFile(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded, err := SubstituteEnv(string(raw))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &doc, nil
}

// Load reads, env-substitutes, and parses one configuration file.
func Load(path string) (*Document, error) {
	doc, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	doc.applyDefaults()
	return doc, nil
}

// LoadDir reads every .yaml/.yml file in dir and merges them into one
// document: sources, actors, routes, and loggers concatenate across
// files; exactly one file may carry the engine block. Files are read
// in name order so merges are deterministic.
func LoadDir(dir string) (*Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read dir %s: %w", dir, err)
	}

	merged := &Document{}
	engineFile := ""
	n := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		doc, err := parseFile(path)
		if err != nil {
			return nil, err
		}
		n++

		if doc.Engine != (EngineConfig{}) {
			if engineFile != "" {
				return nil, fmt.Errorf("config: engine block defined in both %s and %s", engineFile, path)
			}
			engineFile = path
			merged.Engine = doc.Engine
		}
		merged.Sources = append(merged.Sources, doc.Sources...)
		merged.Actors = append(merged.Actors, doc.Actors...)
		merged.Routes = append(merged.Routes, doc.Routes...)
		merged.Loggers = append(merged.Loggers, doc.Loggers...)
	}
	if n == 0 {
		return nil, fmt.Errorf("config: no yaml files in %s", dir)
	}

	merged.applyDefaults()
	return merged, nil
}

// LoadPath loads a single file or, when path is a directory, merges
// every yaml file inside it.
func LoadPath(path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return Load(path)
}

// KnownTypes answers whether connector type names are registered.
// Validation rejects references to unregistered connectors before the
// engine starts.
type KnownTypes struct {
	Source    func(name string) bool
	Actor     func(name string) bool
	Transform func(name string) bool
	Logger    func(name string) bool
}

var idRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// Validate enforces the load-time invariants: well-formed ids, unique
// and disjoint source/actor namespaces, known connector and transform
// types, and routes that reference only declared sources and actors.
func (d *Document) Validate(known KnownTypes) error {
	if d.Engine.DataDir == "" {
		return fmt.Errorf("config: engine.data_dir is required")
	}
	switch d.Engine.Fsync {
	case "per-record", "batched":
	default:
		return fmt.Errorf("config: engine.fsync must be per-record or batched, got %q", d.Engine.Fsync)
	}

	sources := map[string]*SourceSpec{}
	for i := range d.Sources {
		s := &d.Sources[i]
		if !idRe.MatchString(s.ID) {
			return fmt.Errorf("config: source id %q is not a valid identifier", s.ID)
		}
		if _, dup := sources[s.ID]; dup {
			return fmt.Errorf("config: duplicate source id %q", s.ID)
		}
		switch s.Mode {
		case "poll":
			if s.Interval == 0 {
				return fmt.Errorf("config: source %q: poll mode requires interval", s.ID)
			}
		case "webhook", "hook":
		default:
			return fmt.Errorf("config: source %q: unknown mode %q", s.ID, s.Mode)
		}
		if known.Source != nil && !known.Source(s.Connector) {
			return fmt.Errorf("config: source %q: unknown connector %q", s.ID, s.Connector)
		}
		sources[s.ID] = s
	}

	actors := map[string]*ActorSpec{}
	for i := range d.Actors {
		a := &d.Actors[i]
		if !idRe.MatchString(a.ID) {
			return fmt.Errorf("config: actor id %q is not a valid identifier", a.ID)
		}
		if _, dup := actors[a.ID]; dup {
			return fmt.Errorf("config: duplicate actor id %q", a.ID)
		}
		// Actors never emit into the bus; an actor that must feed back
		// is declared again as a source under a different id.
		if _, clash := sources[a.ID]; clash {
			return fmt.Errorf("config: id %q is declared as both source and actor", a.ID)
		}
		if known.Actor != nil && !known.Actor(a.Connector) {
			return fmt.Errorf("config: actor %q: unknown connector %q", a.ID, a.Connector)
		}
		actors[a.ID] = a
	}

	routeNames := map[string]bool{}
	for _, r := range d.Routes {
		if err := r.Compile(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if routeNames[r.Name] {
			return fmt.Errorf("config: duplicate route name %q", r.Name)
		}
		routeNames[r.Name] = true
		if _, ok := sources[r.When.Source]; !ok {
			return fmt.Errorf("config: route %q: when.source %q is not a declared source", r.Name, r.When.Source)
		}
		if _, ok := actors[r.Then.Actor]; !ok {
			return fmt.Errorf("config: route %q: then.actor %q is not a declared actor", r.Name, r.Then.Actor)
		}
		for _, t := range r.Transforms {
			if known.Transform != nil && !known.Transform(t.Type) {
				return fmt.Errorf("config: route %q: unknown transform %q", r.Name, t.Type)
			}
		}
	}

	loggerIDs := map[string]bool{}
	for _, l := range d.Loggers {
		if !idRe.MatchString(l.ID) {
			return fmt.Errorf("config: logger id %q is not a valid identifier", l.ID)
		}
		if loggerIDs[l.ID] {
			return fmt.Errorf("config: duplicate logger id %q", l.ID)
		}
		loggerIDs[l.ID] = true
		if known.Logger != nil && !known.Logger(l.Connector) {
			return fmt.Errorf("config: logger %q: unknown connector %q", l.ID, l.Connector)
		}
	}
	return nil
}

// UnusedSources returns declared sources that no route references.
// They are legal (a source may be staged ahead of its routes) but
// worth a warning at load time.
func (d *Document) UnusedSources() []string {
	used := map[string]bool{}
	for _, r := range d.Routes {
		used[r.When.Source] = true
	}
	var out []string
	for _, s := range d.Sources {
		if !used[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}

// Watcher watches a config file, or a config directory, for changes
// and fires onChange with freshly loaded documents.
type Watcher struct {
	path     string
	logger   *slog.Logger
	mu       sync.Mutex
	onChange func(*Document)
}

// NewWatcher creates a watcher for a config file or directory.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger}
}

// OnChange registers the reload callback.
func (w *Watcher) OnChange(fn func(*Document)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

// Watch blocks until done closes, reloading on changes. Reload
// failures are logged; the last good document stays in effect.
func (w *Watcher) Watch(done <-chan struct{}) error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("config: stat %s: %w", w.path, err)
	}
	isDir := info.IsDir()
	watchDir := w.path
	if !isDir {
		watchDir = filepath.Dir(w.path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(watchDir); err != nil {
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	w.logger.Info("watching config", "path", w.path)

	relevant := func(name string) bool {
		if isDir {
			ext := filepath.Ext(name)
			return ext == ".yaml" || ext == ".yml"
		}
		return filepath.Clean(name) == filepath.Clean(w.path)
	}

	for {
		select {
		case <-done:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(ev.Name) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) {
				continue
			}
			w.logger.Info("config change detected", "file", ev.Name, "op", ev.Op)
			doc, err := LoadPath(w.path)
			if err != nil {
				w.logger.Error("config reload failed", "error", err)
				continue
			}
			w.mu.Lock()
			fn := w.onChange
			w.mu.Unlock()
			if fn != nil {
				fn(doc)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
