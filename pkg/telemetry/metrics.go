// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DispatchMetrics tracks intent invocations, step failures and plugin load
// times for production monitoring.
type DispatchMetrics struct {
	invocations  metric.Int64Counter
	failures     metric.Int64Counter
	stepCounter  metric.Int64Counter
	loadDuration metric.Float64Histogram
}

// NewDispatchMetrics creates a dispatch metrics tracker with OTEL meters.
func NewDispatchMetrics() (*DispatchMetrics, error) {
	meter := otel.Meter("ensemble/dispatch")

	invocations, err := meter.Int64Counter(
		"ensemble.intents.invocations",
		metric.WithDescription("Total intent invocations by name and outcome"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"ensemble.intents.failures",
		metric.WithDescription("Failed intent invocations by name"),
	)
	if err != nil {
		return nil, err
	}

	stepCounter, err := meter.Int64Counter(
		"ensemble.workflow.steps",
		metric.WithDescription("Workflow steps executed by workflow and outcome"),
	)
	if err != nil {
		return nil, err
	}

	loadDuration, err := meter.Float64Histogram(
		"ensemble.plugins.load_duration_ms",
		metric.WithDescription("Plugin load duration in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	return &DispatchMetrics{
		invocations:  invocations,
		failures:     failures,
		stepCounter:  stepCounter,
		loadDuration: loadDuration,
	}, nil
}

// RecordInvocation counts one intent invocation.
func (m *DispatchMetrics) RecordInvocation(ctx context.Context, intent string, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("intent", intent),
		attribute.Bool("success", success),
	)
	m.invocations.Add(ctx, 1, attrs)
	if !success {
		m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("intent", intent)))
	}
}

// RecordWorkflowStep counts one executed workflow step.
func (m *DispatchMetrics) RecordWorkflowStep(ctx context.Context, workflow string, success bool) {
	if m == nil {
		return
	}
	m.stepCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.Bool("success", success),
	))
}

// RecordPluginLoad records how long a plugin took to load.
func (m *DispatchMetrics) RecordPluginLoad(ctx context.Context, plugin string, d time.Duration) {
	if m == nil {
		return
	}
	m.loadDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("plugin", plugin),
	))
}
