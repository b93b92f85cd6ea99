// Package metrics exposes Prometheus instrumentation for workflow execution.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/pkg/schema"
)

const namespace = "stepwise"

// Hook records step and session metrics. It implements engine.StepHook and
// engine.SessionHook and is safe for concurrent use.
type Hook struct {
	registry *prometheus.Registry

	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepFailures *prometheus.CounterVec
	sessions     *prometheus.CounterVec
	active       *prometheus.GaugeVec
}

// New registers the stepwise collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Hook {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Hook{
		registry: reg,
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Workflow steps finished, by workflow, tool and outcome",
		}, []string{"workflow", "tool", "outcome"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Tool invocation latency per workflow step",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"workflow", "tool"}),
		stepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_failures_total",
			Help:      "Failed workflow steps by tool and cause code",
		}, []string{"tool", "code"}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished workflow sessions by mode and final status",
		}, []string{"mode", "status"}),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Workflow sessions currently running",
		}, []string{"mode"}),
	}
}

// Registry returns the registry the collectors live on.
func (h *Hook) Registry() *prometheus.Registry { return h.registry }

// Handler serves the registry in the Prometheus exposition format.
func (h *Hook) Handler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{Registry: h.registry})
}

func (h *Hook) BeforeStep(context.Context, *engine.StepContext) error { return nil }

func (h *Hook) AfterStep(_ context.Context, sc *engine.StepContext, out *engine.StepOutcome) {
	if out.Skipped {
		h.steps.WithLabelValues(sc.Workflow, sc.Step.Tool, "skipped").Inc()
		return
	}
	h.steps.WithLabelValues(sc.Workflow, sc.Step.Tool, "completed").Inc()
	h.stepDuration.WithLabelValues(sc.Workflow, sc.Step.Tool).Observe(out.Duration.Seconds())
}

func (h *Hook) OnStepFailure(_ context.Context, sc *engine.StepContext, err error) {
	h.steps.WithLabelValues(sc.Workflow, sc.Step.Tool, "failed").Inc()
	code := causeCode(err)
	h.stepFailures.WithLabelValues(sc.Step.Tool, code).Inc()
}

func (h *Hook) SessionStarted(_ context.Context, _, _, mode string) {
	h.active.WithLabelValues(mode).Inc()
}

func (h *Hook) SessionFinished(_ context.Context, _, _, mode, status string) {
	h.active.WithLabelValues(mode).Dec()
	h.sessions.WithLabelValues(mode, status).Inc()
}

// causeCode picks the most specific code: the wrapped cause when the step
// error carries one.
func causeCode(err error) string {
	var se *schema.Error
	if !errors.As(err, &se) {
		return "unknown"
	}
	if c, ok := se.Details["cause_code"].(string); ok && c != "" {
		return c
	}
	if se.Code != "" {
		return se.Code
	}
	return "unknown"
}

var (
	_ engine.StepHook    = (*Hook)(nil)
	_ engine.SessionHook = (*Hook)(nil)
)
