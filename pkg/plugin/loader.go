// Package plugin discovers, validates and merges drop-in plugin sources
// into the intent registry. Plugins are single Go source files executed in
// an isolated interpreter; each exports up to four bindings (Intents,
// Metadata, Workflows, Categories) that are validated eagerly and merged
// under strict ordering, with the full footprint recorded so unload is
// exact.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/pcanales/ensemble/pkg/core"
	"github.com/pcanales/ensemble/pkg/errors"
	"github.com/pcanales/ensemble/pkg/registry"
	"github.com/pcanales/ensemble/pkg/telemetry"
)

// inactiveMarker is the legacy filename convention for disabled plugins. A
// source discovered with this prefix seeds its persisted record as
// disabled; the flag, not the filename, is authoritative afterwards.
const inactiveMarker = "_"

// Plugin records a loaded plugin and its exact registry footprint.
type Plugin struct {
	Name         string
	Path         string
	Intents      []string
	Workflows    []string
	Categories   []string
	LoadDuration time.Duration
	Version      string
	Author       string
	Description  string
}

// Report is the outcome of a batch load. Diagnostics are collected and
// surfaced once at the end of the batch so a quiet mode can suppress all
// output uniformly.
type Report struct {
	Loaded      []string
	Disabled    []string
	Diagnostics []string
}

func (r *Report) warnf(format string, args ...any) {
	r.Diagnostics = append(r.Diagnostics, fmt.Sprintf(format, args...))
}

// Loader discovers and manages plugins against one registry.
type Loader struct {
	reg     *registry.Registry
	store   StateStore
	logger  *slog.Logger
	metrics *telemetry.DispatchMetrics
	dir     string
	quiet   bool

	plugins map[string]*Plugin
}

// Option customizes a Loader.
type Option func(*Loader)

// WithQuiet suppresses diagnostic logging for batch loads.
func WithQuiet(quiet bool) Option {
	return func(l *Loader) { l.quiet = quiet }
}

// WithMetrics records plugin load durations.
func WithMetrics(m *telemetry.DispatchMetrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// NewLoader creates a plugin loader rooted at dir.
func NewLoader(reg *registry.Registry, store StateStore, dir string, logger *slog.Logger, opts ...Option) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		reg:     reg,
		store:   store,
		logger:  logger,
		dir:     dir,
		plugins: make(map[string]*Plugin),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadAll discovers every plugin source under the loader's directory and
// loads the enabled ones. One malformed plugin never aborts the batch; the
// category index is rebuilt once at the end.
func (l *Loader) LoadAll() (*Report, error) {
	report := &Report{}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".go") {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), ".go")
		name := strings.TrimPrefix(base, inactiveMarker)
		marked := strings.HasPrefix(base, inactiveMarker)

		enabled, known, err := l.store.Enabled(name)
		if err != nil {
			report.warnf("plugin %q: state lookup failed: %v", name, err)
			continue
		}
		if !known {
			enabled = !marked
			if err := l.store.SetEnabled(name, enabled); err != nil {
				report.warnf("plugin %q: state seed failed: %v", name, err)
			}
		}
		if !enabled {
			report.Disabled = append(report.Disabled, name)
			continue
		}
		l.loadSource(name, filepath.Join(l.dir, entry.Name()), report)
	}

	l.reg.RebuildCategoryIndex()

	if !l.quiet {
		for _, diag := range report.Diagnostics {
			l.logger.Warn("plugin load diagnostic", "detail", diag)
		}
		l.logger.Info("plugin batch load complete",
			"loaded", len(report.Loaded),
			"disabled", len(report.Disabled),
			"diagnostics", len(report.Diagnostics),
		)
	}
	return report, nil
}

// Load loads one plugin by name and rebuilds the category index.
func (l *Loader) Load(name string) (*Report, error) {
	path, err := l.sourcePath(name)
	if err != nil {
		return nil, err
	}
	report := &Report{}
	l.loadSource(name, path, report)
	l.reg.RebuildCategoryIndex()
	if len(report.Loaded) == 0 && len(report.Diagnostics) > 0 {
		return report, errors.Newf(errors.CodeValidation, "%s", report.Diagnostics[0])
	}
	return report, nil
}

// loadSource executes, validates and merges one plugin source. Any failure
// is recorded as a diagnostic and the source is skipped.
func (l *Loader) loadSource(name, path string, report *Report) {
	if _, exists := l.plugins[name]; exists {
		report.warnf("plugin %q already loaded", name)
		return
	}

	start := time.Now()
	contrib, err := l.execute(path)
	if err != nil {
		report.warnf("plugin %q skipped: %v", name, err)
		return
	}

	p := &Plugin{
		Name:        name,
		Path:        path,
		Version:     contrib.version,
		Author:      contrib.author,
		Description: contrib.description,
	}
	l.merge(p, contrib, report)
	p.LoadDuration = time.Since(start)
	l.plugins[name] = p
	report.Loaded = append(report.Loaded, name)

	if l.metrics != nil {
		l.metrics.RecordPluginLoad(context.Background(), name, p.LoadDuration)
	}
	if l.store != nil {
		if err := l.store.RecordLoad(name, p.LoadDuration, p.Version); err != nil {
			report.warnf("plugin %q: load record failed: %v", name, err)
		}
	}
}

// execute runs a plugin source in an isolated interpreter and converts its
// exported bindings. Only the Intents binding is mandatory.
func (l *Loader) execute(path string) (*contribution, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeValidation, "read source", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, errors.New(errors.CodeInternal, "load interpreter stdlib", err)
	}
	if _, err := i.Eval(string(src)); err != nil {
		return nil, errors.New(errors.CodeValidation, "execute source", err)
	}

	contrib := &contribution{}

	rawIntents, err := i.Eval("main.Intents")
	if err != nil {
		return nil, errors.Newf(errors.CodeValidation, "plugin exports no Intents map")
	}
	contrib.intents, err = convertIntents(rawIntents.Interface())
	if err != nil {
		return nil, err
	}

	if raw, err := i.Eval("main.Metadata"); err == nil {
		contrib.metadata, err = convertMetadata(raw.Interface())
		if err != nil {
			return nil, err
		}
	}
	if raw, err := i.Eval("main.Categories"); err == nil {
		contrib.categories, err = convertCategories(raw.Interface())
		if err != nil {
			return nil, err
		}
	}
	if raw, err := i.Eval("main.Workflows"); err == nil {
		contrib.workflows, err = convertWorkflows(raw.Interface())
		if err != nil {
			return nil, err
		}
	}

	if raw, err := i.Eval("main.Version"); err == nil {
		contrib.version, _ = raw.Interface().(string)
	}
	if raw, err := i.Eval("main.Author"); err == nil {
		contrib.author, _ = raw.Interface().(string)
	}
	if raw, err := i.Eval("main.Description"); err == nil {
		contrib.description, _ = raw.Interface().(string)
	}
	return contrib, nil
}

// merge applies a validated contribution in strict order: categories first
// so metadata can be checked against them, then metadata, then intents,
// then workflows. Collisions skip the entry with a warning; every success
// is recorded in the plugin footprint.
func (l *Loader) merge(p *Plugin, contrib *contribution, report *Report) {
	for _, key := range sortedKeys(contrib.categories) {
		if l.reg.AddCategory(contrib.categories[key]) {
			p.Categories = append(p.Categories, key)
		} else {
			report.warnf("plugin %q: category %q already exists, skipped", p.Name, key)
		}
	}

	accepted := make(map[string]core.Metadata, len(contrib.metadata))
	for _, name := range sortedKeys(contrib.metadata) {
		meta := contrib.metadata[name]
		if _, taken := l.reg.Lookup(name); taken {
			report.warnf("plugin %q: metadata for %q collides with a live intent, skipped", p.Name, name)
			continue
		}
		if meta.Category != "" {
			if _, ok := l.reg.Category(meta.Category); !ok {
				report.warnf("plugin %q: metadata for %q declares unknown category %q", p.Name, name, meta.Category)
			}
		}
		accepted[name] = meta
	}

	for _, name := range sortedKeys(contrib.intents) {
		if err := l.reg.Register(name, contrib.intents[name], accepted[name]); err != nil {
			report.warnf("plugin %q: intent %q skipped: %v", p.Name, name, err)
			continue
		}
		p.Intents = append(p.Intents, name)
	}

	for _, name := range sortedKeys(contrib.workflows) {
		if err := l.reg.AddWorkflow(contrib.workflows[name]); err != nil {
			report.warnf("plugin %q: workflow %q skipped: %v", p.Name, name, err)
			continue
		}
		p.Workflows = append(p.Workflows, name)
	}
}

// Unload removes exactly the footprint recorded at load time. Categories
// are removed only when no other live intent references them. Unloading an
// unknown plugin reports NOT_FOUND and has no side effects.
func (l *Loader) Unload(name string) error {
	p, ok := l.plugins[name]
	if !ok {
		return errors.Newf(errors.CodeNotFound, "plugin %q is not loaded", name)
	}
	for _, intent := range p.Intents {
		l.reg.Unregister(intent)
	}
	for _, wf := range p.Workflows {
		l.reg.RemoveWorkflow(wf)
	}
	for _, cat := range p.Categories {
		l.reg.RemoveCategoryIfUnused(cat)
	}
	delete(l.plugins, name)
	l.reg.RebuildCategoryIndex()
	return nil
}

// Enable flips the persisted flag on and loads the plugin. A missing
// source reports NOT_FOUND without side effects.
func (l *Loader) Enable(name string) error {
	if _, err := l.sourcePath(name); err != nil {
		return err
	}
	if err := l.store.SetEnabled(name, true); err != nil {
		return err
	}
	if _, loaded := l.plugins[name]; loaded {
		return nil
	}
	_, err := l.Load(name)
	return err
}

// Disable flips the persisted flag off and unloads the plugin if loaded. A
// source that does not exist reports NOT_FOUND without side effects.
func (l *Loader) Disable(name string) error {
	if _, err := l.sourcePath(name); err != nil {
		return err
	}
	if err := l.store.SetEnabled(name, false); err != nil {
		return err
	}
	if _, loaded := l.plugins[name]; !loaded {
		return nil
	}
	return l.Unload(name)
}

// Plugin returns the record of a loaded plugin.
func (l *Loader) Plugin(name string) (*Plugin, bool) {
	p, ok := l.plugins[name]
	return p, ok
}

// Names returns the names of all loaded plugins, sorted.
func (l *Loader) Names() []string {
	names := make([]string, 0, len(l.plugins))
	for name := range l.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sourcePath resolves a plugin name to its source file, accepting both the
// plain and legacy-marked filenames.
func (l *Loader) sourcePath(name string) (string, error) {
	for _, candidate := range []string{name + ".go", inactiveMarker + name + ".go"} {
		path := filepath.Join(l.dir, candidate)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.Newf(errors.CodeNotFound, "no plugin source for %q", name)
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
