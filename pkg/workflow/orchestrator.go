// SPDX-License-Identifier: Apache-2.0

// Package workflow runs static, ordered compositions of registered intents.
// A workflow never captures handlers; every step is resolved against the
// live registry at invocation time, so plugin reloads take effect
// immediately.
package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pcanales/ensemble/pkg/core"
	"github.com/pcanales/ensemble/pkg/errors"
	"github.com/pcanales/ensemble/pkg/registry"
	"github.com/pcanales/ensemble/pkg/telemetry"
)

// RunResult is the outcome of one workflow invocation: the overall Result
// plus the ordered per-step Results of every step that executed.
type RunResult struct {
	core.Result
	RunID string
	Steps []core.Result
}

// Orchestrator invokes workflows against one registry.
type Orchestrator struct {
	reg     *registry.Registry
	logger  *slog.Logger
	metrics *telemetry.DispatchMetrics
	tracer  trace.Tracer
}

// NewOrchestrator creates a workflow orchestrator. metrics may be nil.
func NewOrchestrator(reg *registry.Registry, logger *slog.Logger, metrics *telemetry.DispatchMetrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		reg:     reg,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer("ensemble/workflow"),
	}
}

// Invoke runs the named workflow with the given parameters. Steps run
// strictly in order and the first unsuccessful step aborts the run; the
// returned RunResult carries every step Result produced up to that point.
func (o *Orchestrator) Invoke(ctx context.Context, name string, params map[string]any) (*RunResult, error) {
	wf, ok := o.reg.Workflow(name)
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "unknown workflow %q", name)
	}

	run := &RunResult{RunID: uuid.NewString()}
	o.logger.Info("workflow run started",
		"workflow", name, "run_id", run.RunID, "steps", len(wf.Steps))

	var outputs []string
	for i, step := range wf.Steps {
		stepCtx, span := o.tracer.Start(ctx, "Workflow.Step",
			trace.WithAttributes(
				attribute.String("workflow.name", name),
				attribute.String("workflow.run_id", run.RunID),
				attribute.Int("step.index", i+1),
				attribute.String("step.intent", step.Intent),
			),
		)
		res := o.reg.Dispatch(step.Intent, buildPayload(step, params))
		span.End()

		run.Steps = append(run.Steps, res)
		if o.metrics != nil {
			o.metrics.RecordWorkflowStep(stepCtx, name, res.Success)
		}
		if !res.Success {
			run.Result = core.Fail(fmt.Sprintf(
				"workflow %q aborted at step %d (intent %s): %s",
				name, i+1, step.Intent, res.Error))
			o.logger.Warn("workflow run aborted",
				"workflow", name, "run_id", run.RunID, "step", i+1, "error", res.Error)
			return run, nil
		}
		if res.Output != "" {
			outputs = append(outputs, res.Output)
		}
	}

	run.Result = core.Ok(joinOutputs(name, outputs))
	o.logger.Info("workflow run complete", "workflow", name, "run_id", run.RunID)
	return run, nil
}

// buildPayload seeds a step payload with the intent name and auto-confirm,
// then maps caller parameters into it. A mapping whose source parameter is
// absent is skipped rather than set to nil.
func buildPayload(step core.WorkflowStep, params map[string]any) core.Payload {
	payload := core.Payload{
		core.KeyIntent:      step.Intent,
		core.KeyAutoConfirm: true,
	}
	for target, source := range step.ParamMap {
		value, present := params[source]
		if !present {
			continue
		}
		if step.Transform != nil {
			value = step.Transform(value)
		}
		payload[target] = value
	}
	return payload
}

func joinOutputs(name string, outputs []string) string {
	if len(outputs) == 0 {
		return fmt.Sprintf("workflow %q completed", name)
	}
	out := outputs[0]
	for _, s := range outputs[1:] {
		out += "\n" + s
	}
	return out
}
