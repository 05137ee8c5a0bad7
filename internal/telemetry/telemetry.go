// Package telemetry wires OpenTelemetry tracing and metrics the way the
// teacher service's telemetry.Client does, scaled to this module's needs:
// a tracer, a meter, and a handful of named counters for job, queue-depth
// and CRDT update events. The instruments are only constructed here; no
// other package of this module records to them.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Client bundles the providers and derived instruments used across the service.
type Client struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider

	Tracer trace.Tracer
	Meter  metric.Meter

	JobsSubmitted  metric.Int64Counter
	JobsCompleted  metric.Int64Counter
	JobsFailed     metric.Int64Counter
	QueueDepth     metric.Int64UpDownCounter
	CRDTUpdatesIn  metric.Int64Counter
	CRDTBroadcasts metric.Int64Counter
}

// New constructs a Client with an in-process (non-exporting) SDK pipeline.
// A deployment wires real exporters (OTLP) over these providers; this
// module exposes only the construction and instrument surface the spec's
// components use to record events.
func New(serviceName string) (*Client, error) {
	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider()

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	tracer := tp.Tracer(serviceName)
	meter := mp.Meter(serviceName)

	jobsSubmitted, err := meter.Int64Counter("jobs_submitted_total")
	if err != nil {
		return nil, err
	}
	jobsCompleted, err := meter.Int64Counter("jobs_completed_total")
	if err != nil {
		return nil, err
	}
	jobsFailed, err := meter.Int64Counter("jobs_failed_total")
	if err != nil {
		return nil, err
	}
	queueDepth, err := meter.Int64UpDownCounter("queue_depth")
	if err != nil {
		return nil, err
	}
	crdtIn, err := meter.Int64Counter("crdt_updates_applied_total")
	if err != nil {
		return nil, err
	}
	crdtOut, err := meter.Int64Counter("crdt_updates_broadcast_total")
	if err != nil {
		return nil, err
	}

	return &Client{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tracer,
		Meter:          meter,
		JobsSubmitted:  jobsSubmitted,
		JobsCompleted:  jobsCompleted,
		JobsFailed:     jobsFailed,
		QueueDepth:     queueDepth,
		CRDTUpdatesIn:  crdtIn,
		CRDTBroadcasts: crdtOut,
	}, nil
}

// Shutdown drains and stops the providers.
func (c *Client) Shutdown(ctx context.Context) error {
	if err := c.TracerProvider.Shutdown(ctx); err != nil {
		return err
	}
	return c.MeterProvider.Shutdown(ctx)
}
