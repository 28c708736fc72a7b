package dispatch

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// DispatchMetrics defines metrics operations needed by the dispatcher.
type DispatchMetrics interface {
	IncPagesSubmitted(ctx context.Context)
	IncPagesCompleted(ctx context.Context)
	IncPagesFailed(ctx context.Context)
	AddInFlight(ctx context.Context, delta int64)
	AddWorkers(ctx context.Context, delta int64)
	RecordWatermark(ctx context.Context, boundary int64, pending int)
}

// dispatchMetrics implements DispatchMetrics.
type dispatchMetrics struct {
	pagesSubmitted metric.Int64Counter
	pagesCompleted metric.Int64Counter
	pagesFailed    metric.Int64Counter
	inFlight       metric.Int64UpDownCounter
	workers        metric.Int64UpDownCounter
	watermark      metric.Int64Gauge
	pending        metric.Int64Gauge
}

const namespace = "dispatch"

// NewDispatchMetrics creates a new dispatcher metrics instance.
func NewDispatchMetrics(mp metric.MeterProvider) (*dispatchMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(dispatchMetrics)
	var err error

	if m.pagesSubmitted, err = meter.Int64Counter(
		"pages_submitted_total",
		metric.WithDescription("Total number of pages submitted to the worker pool"),
	); err != nil {
		return nil, err
	}

	if m.pagesCompleted, err = meter.Int64Counter(
		"pages_completed_total",
		metric.WithDescription("Total number of pages that committed"),
	); err != nil {
		return nil, err
	}

	if m.pagesFailed, err = meter.Int64Counter(
		"pages_failed_total",
		metric.WithDescription("Total number of pages that failed"),
	); err != nil {
		return nil, err
	}

	if m.inFlight, err = meter.Int64UpDownCounter(
		"in_flight_pages",
		metric.WithDescription("Number of submitted pages the checkpoint has not yet passed"),
	); err != nil {
		return nil, err
	}

	if m.workers, err = meter.Int64UpDownCounter(
		"workers",
		metric.WithDescription("Number of live workers"),
	); err != nil {
		return nil, err
	}

	if m.watermark, err = meter.Int64Gauge(
		"watermark_id",
		metric.WithDescription("Highest id below which every page has committed"),
	); err != nil {
		return nil, err
	}

	if m.pending, err = meter.Int64Gauge(
		"pending_completions",
		metric.WithDescription("Completed pages held behind an unfinished page"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *dispatchMetrics) IncPagesSubmitted(ctx context.Context) { m.pagesSubmitted.Add(ctx, 1) }
func (m *dispatchMetrics) IncPagesCompleted(ctx context.Context) { m.pagesCompleted.Add(ctx, 1) }
func (m *dispatchMetrics) IncPagesFailed(ctx context.Context)    { m.pagesFailed.Add(ctx, 1) }

func (m *dispatchMetrics) AddInFlight(ctx context.Context, delta int64) { m.inFlight.Add(ctx, delta) }
func (m *dispatchMetrics) AddWorkers(ctx context.Context, delta int64)  { m.workers.Add(ctx, delta) }

func (m *dispatchMetrics) RecordWatermark(ctx context.Context, boundary int64, pending int) {
	m.watermark.Record(ctx, boundary)
	m.pending.Record(ctx, int64(pending))
}
