package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine captures executor-level counters and timings.
type Engine interface {
	IncStepExecuted(workflowKind, stepKind, outcome string)
	IncStepConflict(workflowKind string)
	IncWorkflowCompleted(workflowKind, status string)
	ObserveHandlerDuration(workflowKind, stepKind string, durationSeconds float64)
}

// Tracker captures pending-reconciliation counters.
type Tracker interface {
	IncPendingResolved(workflowKind string)
	IncRetryDispatched(workflowKind string)
}

// Noop implements both interfaces without emitting anything.
type Noop struct{}

func (Noop) IncStepExecuted(string, string, string)         {}
func (Noop) IncStepConflict(string)                         {}
func (Noop) IncWorkflowCompleted(string, string)            {}
func (Noop) ObserveHandlerDuration(string, string, float64) {}
func (Noop) IncPendingResolved(string)                      {}
func (Noop) IncRetryDispatched(string)                      {}

// Prom implements Engine and Tracker backed by Prometheus collectors.
type Prom struct {
	stepsExecuted      *prometheus.CounterVec
	stepConflicts      *prometheus.CounterVec
	workflowsCompleted *prometheus.CounterVec
	handlerDuration    *prometheus.HistogramVec
	pendingResolved    *prometheus.CounterVec
	retryDispatched    *prometheus.CounterVec
	once               sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Step handler invocations by workflow kind, step kind and outcome",
		}, []string{"workflow_kind", "step_kind", "outcome"}),
		stepConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_conflicts_total",
			Help:      "Lost compare-and-set races by workflow kind",
		}, []string{"workflow_kind"}),
		workflowsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_completed_total",
			Help:      "Workflows finished by kind and terminal status",
		}, []string{"workflow_kind", "status"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler latency by workflow kind and step kind",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow_kind", "step_kind"}),
		pendingResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_steps_resolved_total",
			Help:      "Pending steps handed to their check step by workflow kind",
		}, []string{"workflow_kind"}),
		retryDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_steps_dispatched_total",
			Help:      "Due retry steps re-dispatched by workflow kind",
		}, []string{"workflow_kind"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.stepsExecuted,
			p.stepConflicts,
			p.workflowsCompleted,
			p.handlerDuration,
			p.pendingResolved,
			p.retryDispatched,
		)
	})
}

func (p *Prom) IncStepExecuted(workflowKind, stepKind, outcome string) {
	p.stepsExecuted.WithLabelValues(workflowKind, stepKind, outcome).Inc()
}

func (p *Prom) IncStepConflict(workflowKind string) {
	p.stepConflicts.WithLabelValues(workflowKind).Inc()
}

func (p *Prom) IncWorkflowCompleted(workflowKind, status string) {
	p.workflowsCompleted.WithLabelValues(workflowKind, status).Inc()
}

func (p *Prom) ObserveHandlerDuration(workflowKind, stepKind string, durationSeconds float64) {
	p.handlerDuration.WithLabelValues(workflowKind, stepKind).Observe(durationSeconds)
}

func (p *Prom) IncPendingResolved(workflowKind string) {
	p.pendingResolved.WithLabelValues(workflowKind).Inc()
}

func (p *Prom) IncRetryDispatched(workflowKind string) {
	p.retryDispatched.WithLabelValues(workflowKind).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
