// Package observe carries Nova's telemetry: process-wide OpenTelemetry
// metrics exposed through a Prometheus exporter, and the per-turn latency
// recorder whose snapshot lands on the run summary.
package observe

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics bundles the instruments the dispatcher, engine, and dev log
// record into. One instance per process, created by the composition root.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	TurnsTotal       metric.Int64Counter
	TurnErrors       metric.Int64Counter
	Fallbacks        metric.Int64Counter
	GuardrailBreach  metric.Int64Counter
	ToolCalls        metric.Int64Counter
	StageDuration    metric.Float64Histogram
	PromptTokens     metric.Int64Histogram
	CompletionTokens metric.Int64Histogram
}

// NewMetrics builds the meter provider with a Prometheus exporter and
// registers every instrument. The returned registry backs the /metrics
// handler.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("nova")

	m := &Metrics{registry: registry, provider: provider}
	if m.TurnsTotal, err = meter.Int64Counter("nova_turns_total",
		metric.WithDescription("Completed turns by route")); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if m.TurnErrors, err = meter.Int64Counter("nova_turn_errors_total",
		metric.WithDescription("Turns that surfaced an error")); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if m.Fallbacks, err = meter.Int64Counter("nova_fallbacks_total",
		metric.WithDescription("Replies produced by the fallback ladder, by stage")); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if m.GuardrailBreach, err = meter.Int64Counter("nova_guardrail_breaches_total",
		metric.WithDescription("Tool-loop guardrail breaches by kind")); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if m.ToolCalls, err = meter.Int64Counter("nova_tool_calls_total",
		metric.WithDescription("Tool invocations by tool name and outcome")); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if m.StageDuration, err = meter.Float64Histogram("nova_stage_duration_seconds",
		metric.WithDescription("Per-turn stage durations")); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if m.PromptTokens, err = meter.Int64Histogram("nova_prompt_tokens",
		metric.WithDescription("Prompt tokens per provider call")); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if m.CompletionTokens, err = meter.Int64Histogram("nova_completion_tokens",
		metric.WithDescription("Completion tokens per provider call")); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	return m, nil
}

// Registry exposes the backing Prometheus registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
