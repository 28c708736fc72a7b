package rekey

import (
	"context"
	"fmt"
	"io"

	"github.com/ahrav/rekey/internal/domain/rekey"
	"github.com/ahrav/rekey/pkg/common/logger"
)

// Progress is re-exported so callers of this package need not import the
// domain package for reporting.
type Progress = rekey.Progress

// Reporter prints operator-facing progress lines and mirrors them as
// structured logs and metrics.
type Reporter struct {
	out     io.Writer
	counter rekey.RecordCounter
	metrics RekeyMetrics
	logger  *logger.Logger
}

// NewReporter creates a reporter that writes progress lines to out.
func NewReporter(out io.Writer, counter rekey.RecordCounter, metrics RekeyMetrics, logger *logger.Logger) *Reporter {
	return &Reporter{
		out:     out,
		counter: counter,
		metrics: metrics,
		logger:  logger.With("component", "progress_reporter"),
	}
}

// Start announces the total record count sampled for this run.
func (r *Reporter) Start(ctx context.Context, state rekey.RunState) {
	r.println("Total records: %d", state.TotalRecords)
	r.logger.Info(ctx, "run started",
		"total_records", state.TotalRecords,
		"resume_after_id", state.Baseline.LastProcessedID,
		"prior_elapsed_seconds", state.Baseline.ElapsedSeconds(),
	)
}

// Report computes progress for the just-persisted checkpoint. The processed
// count is a fresh count of ids at or below the checkpoint rather than an
// accumulator, so it stays correct across resumed runs.
func (r *Reporter) Report(ctx context.Context, state rekey.RunState, cp rekey.Checkpoint) (rekey.Progress, error) {
	processed, err := r.counter.CountUpTo(ctx, cp.LastProcessedID)
	if err != nil {
		return rekey.Progress{}, fmt.Errorf("failed to count processed records: %w", err)
	}

	p := rekey.ComputeProgress(processed, state.TotalRecords, cp.CumulativeElapsed)
	r.println("%s", p.Line())
	r.metrics.RecordProgress(ctx, p)
	r.logger.Debug(ctx, "progress",
		"processed", p.Processed,
		"total", p.Total,
		"percent", p.Percent,
		"elapsed_seconds", p.Elapsed.Seconds(),
		"eta_seconds", p.ETA.Seconds(),
		"last_processed_id", cp.LastProcessedID,
	)
	return p, nil
}

// Empty announces that there is nothing to process.
func (r *Reporter) Empty(ctx context.Context) {
	r.println("No records found to process.")
	r.logger.Info(ctx, "no records found")
}

// Reset announces that the checkpoint was cleared.
func (r *Reporter) Reset(ctx context.Context) {
	r.println("Checkpoint has been reset.")
	r.logger.Info(ctx, "checkpoint reset")
}

// Complete announces the end of the walk with the cumulative runtime.
func (r *Reporter) Complete(ctx context.Context, state rekey.RunState, cp rekey.Checkpoint) {
	r.println("All records have been processed.")
	r.println("Total runtime: %.2f seconds", cp.ElapsedSeconds())
	r.logger.Info(ctx, "run completed",
		"total_records", state.TotalRecords,
		"last_processed_id", cp.LastProcessedID,
		"total_runtime_seconds", cp.ElapsedSeconds(),
	)
}

func (r *Reporter) println(format string, args ...any) {
	fmt.Fprintf(r.out, format+"\n", args...)
}
