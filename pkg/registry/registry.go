// Package registry implements the process-wide intent registry, the derived
// category index and the workflow store. A Registry is an explicit context
// object: construct one per application (or per test) and inject it into the
// plugin loader, skill compiler and workflow orchestrator.
package registry

import (
	"sort"
	"sync"

	"github.com/pcanales/ensemble/pkg/core"
	"github.com/pcanales/ensemble/pkg/errors"
)

// Registry holds intents, their metadata, categories and workflows.
//
// The core is single-threaded by design, but merge-then-rebuild is a
// multi-step mutation, so every exported operation takes the lock to keep
// the category index invariant intact if callers share a Registry across
// goroutines.
type Registry struct {
	mu         sync.RWMutex
	intents    map[string]core.Handler
	metadata   map[string]core.Metadata
	categories map[string]core.Category
	index      map[string][]string
	workflows  map[string]core.Workflow
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		intents:    make(map[string]core.Handler),
		metadata:   make(map[string]core.Metadata),
		categories: make(map[string]core.Category),
		index:      make(map[string][]string),
		workflows:  make(map[string]core.Workflow),
	}
}

// Register binds a handler and metadata under name. Registration never
// overwrites: a taken name is rejected with CodeDuplicateName and the first
// handler remains bound.
func (r *Registry) Register(name string, handler core.Handler, meta core.Metadata) error {
	if name == "" {
		return errors.Newf(errors.CodeValidation, "intent name is empty")
	}
	if handler == nil {
		return errors.Newf(errors.CodeValidation, "intent %q has nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.intents[name]; exists {
		return errors.Newf(errors.CodeDuplicateName, "intent %q already registered", name)
	}
	r.intents[name] = handler
	r.metadata[name] = meta
	return nil
}

// Unregister removes an intent and its metadata. Removing an absent name is
// a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.intents, name)
	delete(r.metadata, name)
}

// Lookup returns the handler bound to name. Absence is not an error.
func (r *Registry) Lookup(name string) (core.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.intents[name]
	return h, ok
}

// Metadata returns the metadata recorded for name.
func (r *Registry) Metadata(name string) (core.Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metadata[name]
	return m, ok
}

// Dispatch looks up name and invokes its handler with payload. The payload
// is seeded with the intent name if the caller did not set it. An unknown
// intent yields a failed Result, not a panic.
func (r *Registry) Dispatch(name string, payload core.Payload) core.Result {
	handler, ok := r.Lookup(name)
	if !ok {
		return core.Fail(errors.Newf(errors.CodeNotFound, "unknown intent %q", name).Error())
	}
	if payload == nil {
		payload = core.Payload{}
	}
	if _, present := payload[core.KeyIntent]; !present {
		payload[core.KeyIntent] = name
	}
	return handler(payload)
}

// IntentNames returns all registered intent names, sorted.
func (r *Registry) IntentNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.intents))
	for name := range r.intents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddCategory records a category. The first writer wins; a collision is
// reported as false so loaders can warn without failing.
func (r *Registry) AddCategory(cat core.Category) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.categories[cat.Key]; exists {
		return false
	}
	r.categories[cat.Key] = cat
	return true
}

// Category returns the category recorded under key.
func (r *Registry) Category(key string) (core.Category, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.categories[key]
	return c, ok
}

// RemoveCategoryIfUnused deletes a category only when no live intent's
// metadata still references it. Reports whether the category was removed.
func (r *Registry) RemoveCategoryIfUnused(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, meta := range r.metadata {
		if meta.Category == key {
			return false
		}
	}
	if _, exists := r.categories[key]; !exists {
		return false
	}
	delete(r.categories, key)
	delete(r.index, key)
	return true
}

// RebuildCategoryIndex recomputes every category's intent list by scanning
// all metadata. It is idempotent; call it once after a batch of mutations
// rather than after each one.
func (r *Registry) RebuildCategoryIndex() {
	r.mu.Lock()
	defer r.mu.Unlock()
	index := make(map[string][]string, len(r.categories))
	for key := range r.categories {
		index[key] = nil
	}
	for name, meta := range r.metadata {
		if meta.Category == "" {
			continue
		}
		index[meta.Category] = append(index[meta.Category], name)
	}
	for key := range index {
		sort.Strings(index[key])
	}
	r.index = index
}

// CategoryIndex returns a copy of the derived category → intents view.
func (r *Registry) CategoryIndex() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.index))
	for key, names := range r.index {
		cp := make([]string, len(names))
		copy(cp, names)
		out[key] = cp
	}
	return out
}

// AddWorkflow stores a workflow definition. Collisions are rejected with
// CodeDuplicateName, matching intent registration semantics.
func (r *Registry) AddWorkflow(wf core.Workflow) error {
	if wf.Name == "" {
		return errors.Newf(errors.CodeValidation, "workflow name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[wf.Name]; exists {
		return errors.Newf(errors.CodeDuplicateName, "workflow %q already defined", wf.Name)
	}
	r.workflows[wf.Name] = wf
	return nil
}

// RemoveWorkflow deletes a workflow definition. Absent names are a no-op.
func (r *Registry) RemoveWorkflow(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workflows, name)
}

// Workflow returns the workflow stored under name.
func (r *Registry) Workflow(name string) (core.Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	return wf, ok
}

// WorkflowNames returns all stored workflow names, sorted.
func (r *Registry) WorkflowNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
