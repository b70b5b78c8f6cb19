package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/stepflow/internal/workflow"
)

const namespace = "stepflow"

// Prometheus records workflow measurements as Prometheus metrics.
type Prometheus struct {
	gatherer prometheus.Gatherer

	stepsTotal          *prometheus.CounterVec
	stepDuration        *prometheus.HistogramVec
	externalCallsTotal  *prometheus.CounterVec
	externalCallSeconds *prometheus.HistogramVec
	transitionsTotal    *prometheus.CounterVec
	exceptionsTotal     *prometheus.CounterVec
}

// NewPrometheus registers the workflow metrics with reg. A nil reg uses a
// fresh registry, so tests and multiple engines never collide.
func NewPrometheus(reg *prometheus.Registry) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Prometheus{
		gatherer: reg,
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of step executions",
			},
			[]string{"step_type", "outcome"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Step handler duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"step_type"},
		),
		externalCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "external_calls_total",
				Help:      "Total number of external call attempts",
			},
			[]string{"method", "host", "status"},
		),
		externalCallSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "external_call_duration_seconds",
				Help:      "External call duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "host"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instance_transitions_total",
				Help:      "Total number of instance status transitions",
			},
			[]string{"from", "to"},
		),
		exceptionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exceptions_total",
				Help:      "Errors handled without reaching a caller",
			},
			[]string{"code", "step_type"},
		),
	}
}

// StepExecuted implements workflow.Telemetry.
func (p *Prometheus) StepExecuted(stepType workflow.StepType, outcome string, d time.Duration) {
	p.stepsTotal.WithLabelValues(string(stepType), outcome).Inc()
	p.stepDuration.WithLabelValues(string(stepType)).Observe(d.Seconds())
}

// ExternalCall implements workflow.Telemetry.
func (p *Prometheus) ExternalCall(method, host string, status int, d time.Duration, err error) {
	p.externalCallsTotal.WithLabelValues(method, host, statusClass(status, err)).Inc()
	p.externalCallSeconds.WithLabelValues(method, host).Observe(d.Seconds())
}

// InstanceTransition implements workflow.Telemetry.
func (p *Prometheus) InstanceTransition(from, to workflow.Status) {
	p.transitionsTotal.WithLabelValues(statusLabel(from), string(to)).Inc()
}

// Exception implements workflow.Telemetry.
func (p *Prometheus) Exception(code workflow.ErrorCode, stepType workflow.StepType) {
	p.exceptionsTotal.WithLabelValues(string(code), string(stepType)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

// statusClass buckets an HTTP status as 2xx..5xx, or "error" when no
// response arrived.
func statusClass(status int, err error) string {
	if status == 0 {
		if err != nil {
			return "error"
		}
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

func statusLabel(s workflow.Status) string {
	if s == "" {
		return "none"
	}
	return string(s)
}
