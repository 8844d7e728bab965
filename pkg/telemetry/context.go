package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of a node.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if cfg.NodeID != "" {
		logger = logger.WithNodeID(cfg.NodeID)
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.NodeID)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that logs nothing, exports nothing and delivers
// events synchronously. It is meant for tests and CLI one-shots.
func Nop() *Telemetry {
	events, _ := NewEventPublisher(EventsConfig{Enabled: true})
	metrics, _ := NewMetrics(MetricsConfig{Enabled: false})
	tracer, _ := NewTracer(TracingConfig{Enabled: false}, "cosmic", "dev", "")

	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  DefaultConfig(),
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown exports pending spans, then stops every component in reverse
// order of initialization.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Tracer.ForceFlush(ctx),
		t.Events.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// Operation is an in-flight traced operation with its own logger.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
}

// StartOperation begins a traced operation using the telemetry in ctx.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *Operation {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		spanCtx, span := (*Tracer)(nil).StartSpan(ctx, operation, attrs...)
		return &Operation{Ctx: spanCtx, Span: span, Logger: FromContext(ctx)}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := tel.Logger.WithField("operation", operation)
	if id := TraceID(spanCtx); id != "" {
		logger = logger.WithField("trace_id", id)
	}

	return &Operation{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
	}
}

// End finishes the operation, recording success or failure on its span.
func (o *Operation) End(err error) {
	if err != nil {
		RecordError(o.Span, err)
	} else {
		RecordSuccess(o.Span)
	}
	o.Span.End()
}
