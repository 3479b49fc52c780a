package skill

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/pcanales/ensemble/pkg/core"
	"github.com/pcanales/ensemble/pkg/errors"
	"github.com/pcanales/ensemble/pkg/registry"
)

// Report collects the outcome of a batch registration. Diagnostics are
// surfaced once at the end of the batch, not interleaved per skill.
type Report struct {
	Registered  []string
	Diagnostics []string
}

func (r *Report) warnf(format string, args ...any) {
	r.Diagnostics = append(r.Diagnostics, fmt.Sprintf(format, args...))
}

// footprint records everything one skill contributed to the registry so
// removal is exact: entry names plus the category the manager created for
// it, if any.
type footprint struct {
	entries  []string
	category string
}

// Manager owns the compiled skills registered against one registry and
// tracks their footprint (primary name plus trigger aliases) so removal is
// exact.
type Manager struct {
	reg    *registry.Registry
	runner CommandRunner
	logger *slog.Logger

	registered map[string]footprint
}

// NewManager creates a skill manager bound to a registry and command
// runner.
func NewManager(reg *registry.Registry, runner CommandRunner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = &ShellRunner{}
	}
	return &Manager{
		reg:        reg,
		runner:     runner,
		logger:     logger,
		registered: make(map[string]footprint),
	}
}

// LoadFile parses a definitions file and registers every skill in it.
func (m *Manager) LoadFile(path string) (*Report, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	return m.RegisterAll(f.Skills), nil
}

// RegisterAll compiles and registers a batch of skill definitions. A
// malformed skill is skipped with a diagnostic and never aborts the batch.
// The category index is rebuilt once at the end.
func (m *Manager) RegisterAll(defs map[string]Definition) *Report {
	report := &Report{}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m.registerOne(name, defs[name], report)
	}
	m.reg.RebuildCategoryIndex()

	for _, diag := range report.Diagnostics {
		m.logger.Warn("skill registration diagnostic", "detail", diag)
	}
	return report
}

func (m *Manager) registerOne(name string, def Definition, report *Report) {
	compiled, err := Compile(name, def)
	if err != nil {
		report.warnf("skipping skill %q: %v", name, err)
		return
	}

	var fp footprint
	if _, ok := m.reg.Category(compiled.Category); !ok {
		m.reg.AddCategory(core.Category{Key: compiled.Category, Name: compiled.Category})
		fp.category = compiled.Category
	}

	handler := compiled.Handler(m.reg, m.runner)
	meta := compiled.Metadata(def)
	if err := m.reg.Register(name, handler, meta); err != nil {
		report.warnf("skipping skill %q: %v", name, err)
		if fp.category != "" {
			m.reg.RemoveCategoryIfUnused(fp.category)
		}
		return
	}
	fp.entries = []string{name}

	for _, trigger := range compiled.Triggers {
		if err := m.reg.Register(trigger, handler, meta); err != nil {
			report.warnf("skill %q trigger %q skipped: %v", name, trigger, err)
			continue
		}
		fp.entries = append(fp.entries, trigger)
	}

	m.registered[name] = fp
	report.Registered = append(report.Registered, name)
}

// Unregister removes a skill's primary name, every trigger it registered
// and any category it created that no other intent still references, then
// rebuilds the category index.
func (m *Manager) Unregister(name string) error {
	fp, ok := m.registered[name]
	if !ok {
		return errors.Newf(errors.CodeNotFound, "unknown skill %q", name)
	}
	for _, entry := range fp.entries {
		m.reg.Unregister(entry)
	}
	if fp.category != "" {
		m.reg.RemoveCategoryIfUnused(fp.category)
	}
	delete(m.registered, name)
	m.reg.RebuildCategoryIndex()
	return nil
}

// Names returns the registered skill names, sorted.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.registered))
	for name := range m.registered {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
