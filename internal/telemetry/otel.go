package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/stepflow/internal/workflow"
)

const meterName = "github.com/roach88/stepflow"

// OTel records workflow measurements through an OpenTelemetry meter.
type OTel struct {
	steps        metric.Int64Counter
	stepDuration metric.Float64Histogram
	calls        metric.Int64Counter
	callDuration metric.Float64Histogram
	transitions  metric.Int64Counter
	exceptions   metric.Int64Counter
}

// NewOTel creates the instruments on mp. A nil mp uses the global
// provider.
func NewOTel(mp metric.MeterProvider) (*OTel, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(meterName)

	var o OTel
	var err error
	if o.steps, err = m.Int64Counter("stepflow.steps",
		metric.WithDescription("Step executions")); err != nil {
		return nil, err
	}
	if o.stepDuration, err = m.Float64Histogram("stepflow.step.duration",
		metric.WithDescription("Step handler duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if o.calls, err = m.Int64Counter("stepflow.external_calls",
		metric.WithDescription("External call attempts")); err != nil {
		return nil, err
	}
	if o.callDuration, err = m.Float64Histogram("stepflow.external_call.duration",
		metric.WithDescription("External call duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if o.transitions, err = m.Int64Counter("stepflow.instance.transitions",
		metric.WithDescription("Instance status transitions")); err != nil {
		return nil, err
	}
	if o.exceptions, err = m.Int64Counter("stepflow.exceptions",
		metric.WithDescription("Errors handled without reaching a caller")); err != nil {
		return nil, err
	}
	return &o, nil
}

// StepExecuted implements workflow.Telemetry.
func (o *OTel) StepExecuted(stepType workflow.StepType, outcome string, d time.Duration) {
	ctx := context.Background()
	typ := attribute.String("step.type", string(stepType))
	o.steps.Add(ctx, 1, metric.WithAttributes(typ, attribute.String("step.outcome", outcome)))
	o.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(typ))
}

// ExternalCall implements workflow.Telemetry.
func (o *OTel) ExternalCall(method, host string, status int, d time.Duration, err error) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("server.address", host),
		attribute.Int("http.response.status_code", status),
		attribute.Bool("error", err != nil),
	)
	o.calls.Add(ctx, 1, attrs)
	o.callDuration.Record(ctx, d.Seconds(), attrs)
}

// InstanceTransition implements workflow.Telemetry.
func (o *OTel) InstanceTransition(from, to workflow.Status) {
	o.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", statusLabel(from)),
		attribute.String("to", string(to)),
	))
}

// Exception implements workflow.Telemetry.
func (o *OTel) Exception(code workflow.ErrorCode, stepType workflow.StepType) {
	o.exceptions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("error.code", string(code)),
		attribute.String("step.type", string(stepType)),
	))
}
