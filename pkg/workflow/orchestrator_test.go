package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/pcanales/ensemble/pkg/core"
	"github.com/pcanales/ensemble/pkg/errors"
	"github.com/pcanales/ensemble/pkg/registry"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	return NewOrchestrator(reg, nil, nil), reg
}

func TestInvokeMapsParameters(t *testing.T) {
	o, reg := newTestOrchestrator(t)

	var captured core.Payload
	reg.Register("web_search", func(p core.Payload) core.Result {
		captured = p
		return core.Ok("results")
	}, core.Metadata{})

	reg.AddWorkflow(core.Workflow{
		Name: "research",
		Steps: []core.WorkflowStep{
			{Intent: "web_search", ParamMap: map[string]string{"query": "topic"}},
		},
	})

	run, err := o.Invoke(context.Background(), "research", map[string]any{"topic": "rust"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !run.Success || run.Output != "results" {
		t.Fatalf("unexpected result: %+v", run.Result)
	}
	if captured["query"] != "rust" {
		t.Fatalf("parameter not mapped: %v", captured)
	}
	if captured[core.KeyAutoConfirm] != true {
		t.Fatal("step must run auto-confirmed")
	}
	if captured[core.KeyIntent] != "web_search" {
		t.Fatal("payload must carry the intent name")
	}
	if run.RunID == "" {
		t.Fatal("run id missing")
	}
}

func TestInvokeSkipsAbsentSources(t *testing.T) {
	o, reg := newTestOrchestrator(t)

	var captured core.Payload
	reg.Register("step", func(p core.Payload) core.Result {
		captured = p
		return core.Ok("")
	}, core.Metadata{})
	reg.AddWorkflow(core.Workflow{
		Name: "sparse",
		Steps: []core.WorkflowStep{
			{Intent: "step", ParamMap: map[string]string{"query": "topic", "limit": "max"}},
		},
	})

	o.Invoke(context.Background(), "sparse", map[string]any{"topic": "go"})
	if _, present := captured["limit"]; present {
		t.Fatalf("absent source must not produce a key: %v", captured)
	}
	if captured["query"] != "go" {
		t.Fatalf("present source not mapped: %v", captured)
	}
}

func TestInvokeAppliesTransform(t *testing.T) {
	o, reg := newTestOrchestrator(t)

	var captured core.Payload
	reg.Register("shout", func(p core.Payload) core.Result {
		captured = p
		return core.Ok("")
	}, core.Metadata{})
	reg.AddWorkflow(core.Workflow{
		Name: "loud",
		Steps: []core.WorkflowStep{
			{
				Intent:   "shout",
				ParamMap: map[string]string{"text": "message"},
				Transform: func(v any) any {
					return strings.ToUpper(v.(string))
				},
			},
		},
	})

	o.Invoke(context.Background(), "loud", map[string]any{"message": "quiet"})
	if captured["text"] != "QUIET" {
		t.Fatalf("transform not applied: %v", captured)
	}
}

func TestInvokeShortCircuits(t *testing.T) {
	o, reg := newTestOrchestrator(t)

	var thirdRan bool
	reg.Register("first", func(core.Payload) core.Result { return core.Ok("one") }, core.Metadata{})
	reg.Register("second", func(core.Payload) core.Result { return core.Fail("broken") }, core.Metadata{})
	reg.Register("third", func(core.Payload) core.Result {
		thirdRan = true
		return core.Ok("")
	}, core.Metadata{})
	reg.AddWorkflow(core.Workflow{
		Name: "fragile",
		Steps: []core.WorkflowStep{
			{Intent: "first"}, {Intent: "second"}, {Intent: "third"},
		},
	})

	run, err := o.Invoke(context.Background(), "fragile", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if run.Success {
		t.Fatalf("expected failure: %+v", run.Result)
	}
	if !strings.Contains(run.Error, "step 2") || !strings.Contains(run.Error, "second") {
		t.Fatalf("failure must name step 2 and its intent: %s", run.Error)
	}
	if len(run.Steps) != 2 {
		t.Fatalf("run must carry results up to the failed step: %d", len(run.Steps))
	}
	if thirdRan {
		t.Fatal("step 3 ran after step 2 failed")
	}
}

func TestInvokeUnknownWorkflow(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.Invoke(context.Background(), "ghost", nil)
	if !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestInvokeConcatenatesOutputs(t *testing.T) {
	o, reg := newTestOrchestrator(t)
	reg.Register("a", func(core.Payload) core.Result { return core.Ok("alpha") }, core.Metadata{})
	reg.Register("b", func(core.Payload) core.Result { return core.Ok("") }, core.Metadata{})
	reg.Register("c", func(core.Payload) core.Result { return core.Ok("gamma") }, core.Metadata{})
	reg.AddWorkflow(core.Workflow{
		Name:  "collect",
		Steps: []core.WorkflowStep{{Intent: "a"}, {Intent: "b"}, {Intent: "c"}},
	})

	run, _ := o.Invoke(context.Background(), "collect", nil)
	if run.Output != "alpha\ngamma" {
		t.Fatalf("output = %q", run.Output)
	}
}

func TestParseAndBuild(t *testing.T) {
	doc := `
workflows:
  research:
    display_name: Research topic
    steps:
      - intent: web_search
        params:
          query: topic
        transform: trim
      - intent: summarize
        params:
          text: topic
`
	f, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	wf, err := Build("research", f.Workflows["research"])
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if wf.DisplayName != "Research topic" || len(wf.Steps) != 2 {
		t.Fatalf("workflow not built: %+v", wf)
	}
	if wf.Steps[0].Transform == nil {
		t.Fatal("named transform not resolved")
	}
	if got := wf.Steps[0].Transform("  x  "); got != "x" {
		t.Fatalf("trim transform = %q", got)
	}
}

func TestBuildRejectsBadDefinitions(t *testing.T) {
	if _, err := Build("empty", Definition{}); !errors.HasCode(err, errors.CodeValidation) {
		t.Fatalf("zero-step workflow must be rejected: %v", err)
	}
	def := Definition{Steps: []StepDef{{Intent: "x", Transform: "reverse"}}}
	if _, err := Build("bad", def); !errors.HasCode(err, errors.CodeValidation) {
		t.Fatalf("unknown transform must be rejected: %v", err)
	}
}

func TestRegisterAllIsolatesBadEntries(t *testing.T) {
	reg := registry.New()
	f := &File{Workflows: map[string]Definition{
		"good": {Steps: []StepDef{{Intent: "x"}}},
		"bad":  {},
	}}
	registered, diagnostics := RegisterAll(reg, f)
	if len(registered) != 1 || registered[0] != "good" {
		t.Fatalf("registered = %v", registered)
	}
	if len(diagnostics) != 1 || !strings.Contains(diagnostics[0], "bad") {
		t.Fatalf("diagnostics = %v", diagnostics)
	}
	if _, ok := reg.Workflow("good"); !ok {
		t.Fatal("good workflow not stored")
	}
}
