package plugin

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/pcanales/ensemble/pkg/core"
	"github.com/pcanales/ensemble/pkg/errors"
	"github.com/pcanales/ensemble/pkg/registry"
)

const alphaSource = `package main

var Version = "1.0.0"
var Author = "tester"

var Intents = map[string]func(map[string]any) map[string]any{
	"alpha_ping": func(p map[string]any) map[string]any {
		return map[string]any{"success": true, "output": "pong"}
	},
	"alpha_sum": func(p map[string]any) map[string]any {
		return map[string]any{"success": true, "output": "ok"}
	},
}

var Metadata = map[string]map[string]any{
	"alpha_ping": {
		"category":    "net",
		"description": "Reply with pong",
	},
}

var Categories = map[string]map[string]any{
	"net": {"name": "Network", "description": "Network helpers"},
}

var Workflows = map[string]map[string]any{
	"alpha_flow": {
		"description": "ping twice",
		"steps": []any{
			map[string]any{"intent": "alpha_ping"},
			map[string]any{"intent": "alpha_sum"},
		},
	},
}
`

const betaSource = `package main

var Intents = map[string]func(map[string]any) map[string]any{
	"beta_echo": func(p map[string]any) map[string]any {
		out, _ := p["text"].(string)
		return map[string]any{"success": true, "output": out}
	},
}
`

func writePlugin(t *testing.T, dir, filename, source string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(source), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
}

func newTestLoader(t *testing.T) (*Loader, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStateStore(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	reg := registry.New()
	return NewLoader(reg, store, dir, nil, WithQuiet(true)), reg, dir
}

func TestLoadAllRegistersContribution(t *testing.T) {
	loader, reg, dir := newTestLoader(t)
	writePlugin(t, dir, "alpha.go", alphaSource)

	report, err := loader.LoadAll()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(report.Loaded, []string{"alpha"}) {
		t.Fatalf("loaded = %v", report.Loaded)
	}
	if len(report.Diagnostics) != 0 {
		t.Fatalf("unexpected diagnostics: %v", report.Diagnostics)
	}

	res := reg.Dispatch("alpha_ping", core.Payload{})
	if !res.Success || res.Output != "pong" {
		t.Fatalf("plugin handler result: %+v", res)
	}

	meta, ok := reg.Metadata("alpha_ping")
	if !ok || meta.Category != "net" {
		t.Fatalf("metadata not merged: %+v", meta)
	}
	if _, ok := reg.Category("net"); !ok {
		t.Fatal("category not merged")
	}
	if _, ok := reg.Workflow("alpha_flow"); !ok {
		t.Fatal("workflow not merged")
	}

	index := reg.CategoryIndex()
	if !reflect.DeepEqual(index["net"], []string{"alpha_ping"}) {
		t.Fatalf("category index = %v", index)
	}

	p, ok := loader.Plugin("alpha")
	if !ok {
		t.Fatal("plugin record missing")
	}
	if p.Version != "1.0.0" || p.Author != "tester" {
		t.Fatalf("plugin info not captured: %+v", p)
	}
	if p.LoadDuration <= 0 {
		t.Fatal("load duration not recorded")
	}
}

func TestUnloadRemovesExactFootprint(t *testing.T) {
	loader, reg, dir := newTestLoader(t)
	writePlugin(t, dir, "alpha.go", alphaSource)
	writePlugin(t, dir, "beta.go", betaSource)

	// An intent registered outside any plugin must survive unloads.
	if err := reg.Register("builtin", func(core.Payload) core.Result { return core.Ok("") }, core.Metadata{}); err != nil {
		t.Fatalf("register builtin: %v", err)
	}

	if _, err := loader.LoadAll(); err != nil {
		t.Fatalf("load: %v", err)
	}
	before := reg.IntentNames()

	if err := loader.Unload("alpha"); err != nil {
		t.Fatalf("unload: %v", err)
	}

	var want []string
	for _, name := range before {
		if !strings.HasPrefix(name, "alpha_") {
			want = append(want, name)
		}
	}
	if got := reg.IntentNames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("registry after unload = %v, want %v", got, want)
	}
	if _, ok := reg.Workflow("alpha_flow"); ok {
		t.Fatal("workflow not removed")
	}
	if _, ok := reg.Category("net"); ok {
		t.Fatal("unreferenced category not removed")
	}
	if _, ok := loader.Plugin("alpha"); ok {
		t.Fatal("plugin record not removed")
	}

	// beta's contribution is untouched.
	if _, ok := reg.Lookup("beta_echo"); !ok {
		t.Fatal("unrelated plugin was disturbed")
	}
}

func TestUnloadKeepsSharedCategory(t *testing.T) {
	loader, reg, dir := newTestLoader(t)
	writePlugin(t, dir, "alpha.go", alphaSource)
	if _, err := loader.LoadAll(); err != nil {
		t.Fatalf("load: %v", err)
	}

	// Another live intent references the plugin's category.
	if err := reg.Register("outsider", func(core.Payload) core.Result { return core.Ok("") },
		core.Metadata{Category: "net"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := loader.Unload("alpha"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if _, ok := reg.Category("net"); !ok {
		t.Fatal("category removed while still referenced")
	}
}

func TestBadPluginDoesNotAbortBatch(t *testing.T) {
	loader, reg, dir := newTestLoader(t)
	writePlugin(t, dir, "broken.go", "package main\n\nfunc {")
	writePlugin(t, dir, "beta.go", betaSource)

	report, err := loader.LoadAll()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(report.Loaded, []string{"beta"}) {
		t.Fatalf("loaded = %v", report.Loaded)
	}
	if len(report.Diagnostics) == 0 || !strings.Contains(report.Diagnostics[0], "broken") {
		t.Fatalf("expected diagnostic for broken plugin: %v", report.Diagnostics)
	}
	if _, ok := reg.Lookup("beta_echo"); !ok {
		t.Fatal("healthy plugin not loaded")
	}
}

func TestNonCallableIntentIsNamed(t *testing.T) {
	loader, _, dir := newTestLoader(t)
	writePlugin(t, dir, "mixed.go", `package main

var Intents = map[string]any{
	"good": func(p map[string]any) map[string]any {
		return map[string]any{"success": true}
	},
	"bad": 42,
}
`)
	report, err := loader.LoadAll()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(report.Loaded) != 0 {
		t.Fatalf("invalid plugin must be skipped entirely: %v", report.Loaded)
	}
	found := false
	for _, d := range report.Diagnostics {
		if strings.Contains(d, "bad") && strings.Contains(d, "not callable") {
			found = true
		}
	}
	if !found {
		t.Fatalf("diagnostic must name the non-callable entry: %v", report.Diagnostics)
	}
}

func TestPluginWithoutIntentsIsSkipped(t *testing.T) {
	loader, _, dir := newTestLoader(t)
	writePlugin(t, dir, "hollow.go", `package main

var Description = "contributes nothing"
`)
	report, err := loader.LoadAll()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(report.Loaded) != 0 {
		t.Fatalf("plugin without intents must not load: %v", report.Loaded)
	}
	if len(report.Diagnostics) == 0 || !strings.Contains(report.Diagnostics[0], "Intents") {
		t.Fatalf("expected missing-Intents diagnostic: %v", report.Diagnostics)
	}
}

func TestIntentCollisionSkippedNotOverwritten(t *testing.T) {
	loader, reg, dir := newTestLoader(t)
	if err := reg.Register("beta_echo", func(core.Payload) core.Result { return core.Ok("original") },
		core.Metadata{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	writePlugin(t, dir, "beta.go", betaSource)

	report, err := loader.LoadAll()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// The plugin still loads; only the colliding intent is skipped.
	if !reflect.DeepEqual(report.Loaded, []string{"beta"}) {
		t.Fatalf("loaded = %v", report.Loaded)
	}
	found := false
	for _, d := range report.Diagnostics {
		if strings.Contains(d, "beta_echo") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected collision diagnostic: %v", report.Diagnostics)
	}

	res := reg.Dispatch("beta_echo", core.Payload{})
	if res.Output != "original" {
		t.Fatal("existing handler was overwritten")
	}

	// The colliding intent is not part of the plugin footprint.
	p, _ := loader.Plugin("beta")
	for _, name := range p.Intents {
		if name == "beta_echo" {
			t.Fatal("skipped intent recorded in footprint")
		}
	}
}

func TestUnknownCategoryWarnsButLoads(t *testing.T) {
	loader, reg, dir := newTestLoader(t)
	writePlugin(t, dir, "stray.go", `package main

var Intents = map[string]func(map[string]any) map[string]any{
	"stray_op": func(p map[string]any) map[string]any {
		return map[string]any{"success": true}
	},
}

var Metadata = map[string]map[string]any{
	"stray_op": {"category": "nowhere"},
}
`)
	report, err := loader.LoadAll()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(report.Loaded) != 1 {
		t.Fatalf("plugin must load despite unknown category: %+v", report)
	}
	found := false
	for _, d := range report.Diagnostics {
		if strings.Contains(d, "unknown category") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unknown-category warning: %v", report.Diagnostics)
	}
	if _, ok := reg.Lookup("stray_op"); !ok {
		t.Fatal("intent not registered")
	}
}

func TestInactiveMarkerSeedsDisabled(t *testing.T) {
	loader, reg, dir := newTestLoader(t)
	writePlugin(t, dir, "_beta.go", betaSource)

	report, err := loader.LoadAll()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(report.Loaded) != 0 || !reflect.DeepEqual(report.Disabled, []string{"beta"}) {
		t.Fatalf("marked plugin must stay disabled: %+v", report)
	}

	if err := loader.Enable("beta"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, ok := reg.Lookup("beta_echo"); !ok {
		t.Fatal("enabled plugin not loaded")
	}
}

func TestDisablePersistsAcrossBatchLoads(t *testing.T) {
	loader, reg, dir := newTestLoader(t)
	writePlugin(t, dir, "beta.go", betaSource)

	if _, err := loader.LoadAll(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := loader.Disable("beta"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, ok := reg.Lookup("beta_echo"); ok {
		t.Fatal("disabled plugin still registered")
	}

	report, err := loader.LoadAll()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(report.Loaded) != 0 {
		t.Fatalf("disabled plugin reloaded: %v", report.Loaded)
	}
}

func TestEnableMissingSource(t *testing.T) {
	loader, _, _ := newTestLoader(t)
	if err := loader.Enable("ghost"); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if err := loader.Disable("ghost"); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestUnloadUnknownPlugin(t *testing.T) {
	loader, _, _ := newTestLoader(t)
	if err := loader.Unload("ghost"); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}
