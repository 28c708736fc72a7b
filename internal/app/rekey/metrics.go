package rekey

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// RekeyMetrics defines metrics operations needed by the rekey workflow.
type RekeyMetrics interface {
	IncPagesCommitted(ctx context.Context)
	AddRecordsRekeyed(ctx context.Context, n int)
	IncPageErrors(ctx context.Context)
	ObservePageDuration(ctx context.Context, d time.Duration)
	RecordProgress(ctx context.Context, p Progress)
}

// rekeyMetrics implements RekeyMetrics.
type rekeyMetrics struct {
	pagesCommitted metric.Int64Counter
	recordsRekeyed metric.Int64Counter
	pageErrors     metric.Int64Counter
	pageDuration   metric.Float64Histogram

	progressPercent metric.Float64Gauge
	etaSeconds      metric.Float64Gauge
	elapsedSeconds  metric.Float64Gauge
}

const namespace = "rekey"

// NewRekeyMetrics creates a new rekey metrics instance.
func NewRekeyMetrics(mp metric.MeterProvider) (*rekeyMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(rekeyMetrics)
	var err error

	if m.pagesCommitted, err = meter.Int64Counter(
		"pages_committed_total",
		metric.WithDescription("Total number of pages whose tokens were committed"),
	); err != nil {
		return nil, err
	}

	if m.recordsRekeyed, err = meter.Int64Counter(
		"records_rekeyed_total",
		metric.WithDescription("Total number of records that received a new token"),
	); err != nil {
		return nil, err
	}

	if m.pageErrors, err = meter.Int64Counter(
		"page_errors_total",
		metric.WithDescription("Total number of pages that failed to commit"),
	); err != nil {
		return nil, err
	}

	if m.pageDuration, err = meter.Float64Histogram(
		"page_duration_seconds",
		metric.WithDescription("Time taken to rekey and commit one page"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.progressPercent, err = meter.Float64Gauge(
		"progress_percent",
		metric.WithDescription("Share of the table processed so far"),
	); err != nil {
		return nil, err
	}

	if m.etaSeconds, err = meter.Float64Gauge(
		"eta_seconds",
		metric.WithDescription("Estimated time remaining"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.elapsedSeconds, err = meter.Float64Gauge(
		"elapsed_seconds",
		metric.WithDescription("Cumulative elapsed time across all runs"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *rekeyMetrics) IncPagesCommitted(ctx context.Context) { m.pagesCommitted.Add(ctx, 1) }

func (m *rekeyMetrics) AddRecordsRekeyed(ctx context.Context, n int) {
	m.recordsRekeyed.Add(ctx, int64(n))
}

func (m *rekeyMetrics) IncPageErrors(ctx context.Context) { m.pageErrors.Add(ctx, 1) }

func (m *rekeyMetrics) ObservePageDuration(ctx context.Context, d time.Duration) {
	m.pageDuration.Record(ctx, d.Seconds())
}

func (m *rekeyMetrics) RecordProgress(ctx context.Context, p Progress) {
	m.progressPercent.Record(ctx, p.Percent)
	m.elapsedSeconds.Record(ctx, p.Elapsed.Seconds())
	if p.HasETA {
		m.etaSeconds.Record(ctx, p.ETA.Seconds())
	}
}
