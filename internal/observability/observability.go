// Package observability wires an OpenTelemetry meter provider for the
// engine's operational metrics: executions started/finished/failed,
// tick-processing latency, and the active-worker gauge. The exporter is
// selectable between stdout (local development) and OTLP/HTTP (a collector
// endpoint), matching config.ObservabilityConfig.Exporter.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MeterName is the instrumentation scope name for engine metrics.
const MeterName = "forextaskengine"

// Config selects whether metrics are exported and where.
type Config struct {
	Enabled      bool
	Exporter     string // "stdout" or "otlp"
	OTLPEndpoint string
	ServiceName  string
}

// Metrics holds every instrument the engine reports.
type Metrics struct {
	ExecutionsStarted    metric.Int64Counter
	ExecutionsFinished   metric.Int64Counter
	ExecutionsFailed     metric.Int64Counter
	TickProcessingLatency metric.Float64Histogram
	ActiveWorkers         metric.Int64UpDownCounter
}

// Provider wraps the meter provider and its instruments, plus a shutdown
// hook that flushes and releases the exporter.
type Provider struct {
	Metrics  *Metrics
	shutdown func(context.Context) error
}

// Init builds a Provider from cfg. If cfg.Enabled is false, every
// instrument is backed by the no-op meter provider, so call sites never
// need to check whether observability is on.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		m, err := newMetrics(noop.NewMeterProvider().Meter(MeterName))
		if err != nil {
			return nil, err
		}
		return &Provider{Metrics: m, shutdown: func(context.Context) error { return nil }}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "forextaskengine"
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	reader, err := newReader(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("observability: build reader: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	m, err := newMetrics(mp.Meter(MeterName))
	if err != nil {
		return nil, err
	}

	return &Provider{Metrics: m, shutdown: mp.Shutdown}, nil
}

// Shutdown flushes and releases the underlying exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ExecutionsStarted, err = meter.Int64Counter("taskengine.executions.started",
		metric.WithDescription("Executions picked up by a worker"))
	if err != nil {
		return nil, err
	}
	m.ExecutionsFinished, err = meter.Int64Counter("taskengine.executions.finished",
		metric.WithDescription("Executions that reached a terminal success state"))
	if err != nil {
		return nil, err
	}
	m.ExecutionsFailed, err = meter.Int64Counter("taskengine.executions.failed",
		metric.WithDescription("Executions that reached a terminal error state"))
	if err != nil {
		return nil, err
	}
	m.TickProcessingLatency, err = meter.Float64Histogram("taskengine.tick.processing_latency",
		metric.WithDescription("Time from tick receipt to strategy callback completion"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	m.ActiveWorkers, err = meter.Int64UpDownCounter("taskengine.workers.active",
		metric.WithDescription("Number of executions currently being driven by a worker"))
	if err != nil {
		return nil, err
	}
	return m, nil
}
