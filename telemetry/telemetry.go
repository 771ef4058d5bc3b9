// Package telemetry holds the OpenTelemetry instruments shared by the
// listener registry and the RabbitMQ listener containers.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the meter and tracer name used by this module.
const InstrumentationName = "github.com/glimte/mmate-listeners"

// Instruments bundles the meters and tracer. A nil *Instruments is valid and
// records nothing.
type Instruments struct {
	tracer trace.Tracer

	containersBound   metric.Int64UpDownCounter
	lifecycleFailures metric.Int64Counter
	messagesReceived  metric.Int64Counter
	messagesFailed    metric.Int64Counter
	handlerDuration   metric.Float64Histogram
}

// Option configures Instruments.
type Option func(*options)

type options struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// New creates the instrument bundle.
func New(opts ...Option) (*Instruments, error) {
	o := &options{
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	meter := o.meterProvider.Meter(InstrumentationName)
	in := &Instruments{
		tracer: o.tracerProvider.Tracer(InstrumentationName),
	}

	var err error

	in.containersBound, err = meter.Int64UpDownCounter(
		"listener.containers.bound",
		metric.WithDescription("Number of listener containers held by the registry"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create containersBound counter: %w", err)
	}

	in.lifecycleFailures, err = meter.Int64Counter(
		"listener.lifecycle.failures",
		metric.WithDescription("Container start, stop and destroy failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lifecycleFailures counter: %w", err)
	}

	in.messagesReceived, err = meter.Int64Counter(
		"listener.messages.received",
		metric.WithDescription("Deliveries dispatched to listeners"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	in.messagesFailed, err = meter.Int64Counter(
		"listener.messages.failed",
		metric.WithDescription("Deliveries whose listener returned an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesFailed counter: %w", err)
	}

	in.handlerDuration, err = meter.Float64Histogram(
		"listener.handler.duration",
		metric.WithDescription("Listener invocation time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handlerDuration histogram: %w", err)
	}

	return in, nil
}

// ContainerBound records a container entering (+1) or leaving (-1) a registry.
func (in *Instruments) ContainerBound(ctx context.Context, delta int64) {
	if in == nil {
		return
	}
	in.containersBound.Add(ctx, delta)
}

// LifecycleFailure records a failed lifecycle operation for one container.
func (in *Instruments) LifecycleFailure(ctx context.Context, op, endpointID string) {
	if in == nil {
		return
	}
	in.lifecycleFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("endpoint.id", endpointID),
	))
}

// StartDispatch opens a consumer span for one delivery. The returned func
// must be called with the listener's result.
func (in *Instruments) StartDispatch(ctx context.Context, endpointID, queue string) (context.Context, func(error)) {
	if in == nil {
		return ctx, func(error) {}
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint.id", endpointID),
		attribute.String("messaging.destination.name", queue),
	}
	ctx, span := in.tracer.Start(ctx, "listener.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
	in.messagesReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
	started := time.Now()

	return ctx, func(err error) {
		in.handlerDuration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(attrs...))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			in.messagesFailed.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		span.End()
	}
}
