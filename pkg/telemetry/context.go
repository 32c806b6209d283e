package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics, and events for one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
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

// Shutdown drains events and flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	if t == nil {
		return nil
	}
	return t.Metrics.StartMetricsServer()
}

// InstrumentCall runs fn inside an adapter span and records its duration and
// result. A nil Telemetry runs fn unobserved.
func (t *Telemetry) InstrumentCall(ctx context.Context, adapter, operation string, fn func(context.Context) error) error {
	if t == nil {
		return fn(ctx)
	}

	var span trace.Span
	if t.Tracer != nil {
		ctx, span = t.Tracer.StartAdapterSpan(ctx, adapter, operation)
		defer span.End()
	}

	timer := NewTimer()
	err := fn(ctx)
	t.Metrics.RecordAdapterCall(adapter, operation, timer.Duration(), err)

	if span != nil {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}
	return err
}
