// Package metrics holds the OpenTelemetry instruments for poplog.
//
// Instruments are created from a metric.MeterProvider; when none is given the
// global provider is used, which is a no-op until cmd/server installs an
// SDK provider. Every Record method is safe on a nil *Metrics so components
// can treat metrics as optional.
//
// # Instrument naming
//
//	poplog.operations.total         {queue, kind, outcome}
//	poplog.stream.operation.time    {operation, stream}   ns histogram
//	poplog.recovery.duration        {queue}               s histogram
//	poplog.snapshots.total          {queue, outcome}
//	poplog.messages.published.total {topic}
//	poplog.messages.dlq.total       {topic}
//	poplog.http.requests.total      {method, route, status}
//	poplog.http.request.duration    {method, route}       ms histogram
//	poplog.webhook.deliveries.total {topic, outcome}
package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/sneh-joshi/poplog"

// Outcome labels for RecordOperation and RecordSnapshot.
const (
	OutcomeOK        = "ok"
	OutcomeStale     = "stale"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// StreamOperationBuckets are the bucket boundaries, in nanoseconds, of the
// stream operation cost histogram: 100ns up to 3s.
var StreamOperationBuckets = []float64{
	float64(100 * time.Nanosecond),
	float64(time.Microsecond),
	float64(10 * time.Microsecond),
	float64(100 * time.Microsecond),
	float64(time.Millisecond),
	float64(2 * time.Millisecond),
	float64(3 * time.Millisecond),
	float64(5 * time.Millisecond),
	float64(7 * time.Millisecond),
	float64(10 * time.Millisecond),
	float64(15 * time.Millisecond),
	float64(30 * time.Millisecond),
	float64(50 * time.Millisecond),
	float64(100 * time.Millisecond),
	float64(time.Second),
	float64(2 * time.Second),
	float64(3 * time.Second),
}

// Metrics holds every poplog instrument.
type Metrics struct {
	operations   metric.Int64Counter
	streamOpTime metric.Float64Histogram
	recovery     metric.Float64Histogram
	snapshots    metric.Int64Counter
	published    metric.Int64Counter
	dlqRouted    metric.Int64Counter
	httpRequests metric.Int64Counter
	httpDuration metric.Float64Histogram
	webhooks     metric.Int64Counter
}

// New creates all instruments from mp, or from the global provider when mp is
// nil.
func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &Metrics{}

	var err error
	if m.operations, err = meter.Int64Counter(
		"poplog.operations.total",
		metric.WithDescription("Operations submitted to queue operation logs"),
	); err != nil {
		return nil, fmt.Errorf("metrics: operations counter: %w", err)
	}
	if m.streamOpTime, err = meter.Float64Histogram(
		"poplog.stream.operation.time",
		metric.WithDescription("Cost of durable stream operations"),
		metric.WithUnit("ns"),
		metric.WithExplicitBucketBoundaries(StreamOperationBuckets...),
	); err != nil {
		return nil, fmt.Errorf("metrics: stream operation histogram: %w", err)
	}
	if m.recovery, err = meter.Float64Histogram(
		"poplog.recovery.duration",
		metric.WithDescription("Time to recover a queue from snapshot and replay"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("metrics: recovery histogram: %w", err)
	}
	if m.snapshots, err = meter.Int64Counter(
		"poplog.snapshots.total",
		metric.WithDescription("Snapshot persistence attempts"),
	); err != nil {
		return nil, fmt.Errorf("metrics: snapshots counter: %w", err)
	}
	if m.published, err = meter.Int64Counter(
		"poplog.messages.published.total",
		metric.WithDescription("Messages appended to topic message logs"),
	); err != nil {
		return nil, fmt.Errorf("metrics: published counter: %w", err)
	}
	if m.dlqRouted, err = meter.Int64Counter(
		"poplog.messages.dlq.total",
		metric.WithDescription("Dead messages routed to a dead-letter topic"),
	); err != nil {
		return nil, fmt.Errorf("metrics: dlq counter: %w", err)
	}
	if m.httpRequests, err = meter.Int64Counter(
		"poplog.http.requests.total",
		metric.WithDescription("HTTP requests by method, route and status"),
	); err != nil {
		return nil, fmt.Errorf("metrics: http counter: %w", err)
	}
	if m.httpDuration, err = meter.Float64Histogram(
		"poplog.http.request.duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("metrics: http histogram: %w", err)
	}
	if m.webhooks, err = meter.Int64Counter(
		"poplog.webhook.deliveries.total",
		metric.WithDescription("Webhook deliveries by outcome"),
	); err != nil {
		return nil, fmt.Errorf("metrics: webhook counter: %w", err)
	}
	return m, nil
}

// RecordOperation counts one Pop / Ack / ChangeInvisibleDuration submission.
func (m *Metrics) RecordOperation(queue, kind, outcome string) {
	if m == nil {
		return
	}
	m.operations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordStreamOperation records the cost of one append, read or trim on a
// stream of the given kind (operation, snapshot, message).
func (m *Metrics) RecordStreamOperation(operation, stream string, d time.Duration) {
	if m == nil {
		return
	}
	m.streamOpTime.Record(context.Background(), float64(d.Nanoseconds()), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("stream", stream),
	))
}

// RecordRecovery records how long a queue took to become ready.
func (m *Metrics) RecordRecovery(queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.recovery.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// RecordSnapshot counts one snapshot persistence attempt.
func (m *Metrics) RecordSnapshot(queue string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFailed
	}
	m.snapshots.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	))
}

// RecordPublish counts n messages appended to topic.
func (m *Metrics) RecordPublish(topic string, n int) {
	if m == nil {
		return
	}
	m.published.Add(context.Background(), int64(n), metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

// RecordDLQ counts n dead messages routed out of topic.
func (m *Metrics) RecordDLQ(topic string, n int) {
	if m == nil {
		return
	}
	m.dlqRouted.Add(context.Background(), int64(n), metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

// RecordHTTP records one served HTTP request.
func (m *Metrics) RecordHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(status)),
	))
	m.httpDuration.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
	))
}

// RecordWebhook counts one webhook delivery attempt for topic.
func (m *Metrics) RecordWebhook(topic, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("outcome", outcome),
	))
}
