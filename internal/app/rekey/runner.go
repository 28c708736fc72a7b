package rekey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/rekey/internal/app/dispatch"
	"github.com/ahrav/rekey/internal/domain/rekey"
	"github.com/ahrav/rekey/pkg/common/logger"
)

// RunnerConfig controls a single run.
type RunnerConfig struct {
	BatchSize int
	// Reset clears the checkpoint before starting so the whole table is
	// processed again.
	Reset bool
}

// AsyncConfig switches the runner to concurrent page execution.
type AsyncConfig struct {
	Executor dispatch.Executor
	Pool     dispatch.Config
	Metrics  dispatch.DispatchMetrics
}

// Result summarizes a finished run.
type Result struct {
	Pages      int
	Records    int64
	Checkpoint rekey.Checkpoint
}

// Runner drives the walk: read a page, rekey it, persist the checkpoint,
// report progress, until the walker returns an empty page.
type Runner struct {
	repo     rekey.RecordRepository
	store    rekey.CheckpointStore
	mutator  *Mutator
	reporter *Reporter
	metrics  RekeyMetrics
	cfg      RunnerConfig
	async    *AsyncConfig
	now      func() time.Time

	logger *logger.Logger
	tracer trace.Tracer
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithAsync dispatches pages to a worker pool instead of applying them
// inline.
func WithAsync(cfg AsyncConfig) RunnerOption {
	return func(r *Runner) { r.async = &cfg }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner.
func NewRunner(
	repo rekey.RecordRepository,
	store rekey.CheckpointStore,
	mutator *Mutator,
	reporter *Reporter,
	metrics RekeyMetrics,
	cfg RunnerConfig,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...RunnerOption,
) (*Runner, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: %d", rekey.ErrInvalidBatchSize, cfg.BatchSize)
	}

	r := &Runner{
		repo:     repo,
		store:    store,
		mutator:  mutator,
		reporter: reporter,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With("component", "runner"),
		tracer:   tracer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run processes every record after the persisted checkpoint. A failed run
// leaves the checkpoint at the last safely committed page; running again
// resumes from there.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "runner.run",
		trace.WithAttributes(
			attribute.Int("batch_size", r.cfg.BatchSize),
			attribute.Bool("async", r.async != nil),
		))
	defer span.End()

	res, err := r.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
	}
	return res, err
}

func (r *Runner) run(ctx context.Context) (Result, error) {
	if r.cfg.Reset {
		if err := r.store.Reset(ctx); err != nil {
			return Result{}, fmt.Errorf("failed to reset checkpoint: %w", err)
		}
		r.reporter.Reset(ctx)
	}

	baseline, err := r.store.Load(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	total, err := r.repo.CountAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to count records: %w", err)
	}
	if total == 0 {
		r.reporter.Empty(ctx)
		return Result{Checkpoint: baseline}, nil
	}

	state := rekey.NewRunState(total, r.now(), baseline)
	r.reporter.Start(ctx, state)

	walker, err := NewWalker(r.repo, r.cfg.BatchSize, baseline.LastProcessedID, r.tracer)
	if err != nil {
		return Result{}, err
	}

	var res Result
	if r.async != nil {
		res, err = r.runAsync(ctx, state, walker)
	} else {
		res, err = r.runSync(ctx, state, walker)
	}
	if err != nil {
		return res, err
	}

	r.reporter.Complete(ctx, state, res.Checkpoint)
	return res, nil
}

// runSync processes one page at a time: commit, save, report.
func (r *Runner) runSync(ctx context.Context, state rekey.RunState, walker *Walker) (Result, error) {
	res := Result{Checkpoint: state.Baseline}

	for page, err := range walker.Pages(ctx) {
		if err != nil {
			return res, err
		}

		start := r.now()
		if err := r.mutator.Apply(ctx, page); err != nil {
			r.metrics.IncPageErrors(ctx)
			return res, err
		}
		r.metrics.IncPagesCommitted(ctx)
		r.metrics.AddRecordsRekeyed(ctx, page.Len())
		r.metrics.ObservePageDuration(ctx, r.now().Sub(start))

		cp, err := r.persist(ctx, state, page.EndID())
		if err != nil {
			return res, err
		}
		res.Pages++
		res.Records += int64(page.Len())
		res.Checkpoint = cp
	}

	return r.finalize(ctx, state, res)
}

// runAsync submits pages without waiting for them. The checkpoint advances
// from the dispatcher's reconciliation callback, only across the contiguous
// prefix of committed pages. Submission stops at the first failed page.
func (r *Runner) runAsync(ctx context.Context, state rekey.RunState, walker *Walker) (Result, error) {
	res := Result{Checkpoint: state.Baseline}

	// Pages that finish while the run is shutting down are still
	// checkpointed.
	commit := func(ctx context.Context, boundary int64) error {
		cp, err := r.persist(context.WithoutCancel(ctx), state, boundary)
		if err != nil {
			return err
		}
		res.Checkpoint = cp
		return nil
	}

	dm := r.async.Metrics
	if dm == nil {
		var err error
		if dm, err = dispatch.NewDispatchMetrics(metricnoop.NewMeterProvider()); err != nil {
			return res, err
		}
	}

	d, err := dispatch.New(
		ctx,
		r.instrumented(r.async.Executor),
		state.Baseline.LastProcessedID,
		commit,
		r.async.Pool,
		dm,
		r.logger,
		r.tracer,
	)
	if err != nil {
		return res, err
	}

	var submitErr error
	for page, err := range walker.Pages(ctx) {
		if err != nil {
			submitErr = err
			break
		}
		if _, err := d.Submit(ctx, page); err != nil {
			// Wait reports the failed pages themselves.
			if !errors.Is(err, dispatch.ErrPagesFailed) {
				submitErr = fmt.Errorf("failed to submit %s: %w", page, err)
			}
			break
		}
		res.Pages++
		res.Records += int64(page.Len())
	}

	// Pages already submitted still run to completion so the checkpoint
	// gets as far as it safely can. The pool is drained even when ctx is
	// cancelled so no commit outlives the run.
	waitErr := d.Wait(context.WithoutCancel(ctx))
	if err := errors.Join(submitErr, waitErr); err != nil {
		return res, err
	}

	return r.finalize(ctx, state, res)
}

// instrumented wraps an executor with page metrics.
func (r *Runner) instrumented(exec dispatch.Executor) dispatch.Executor {
	return dispatch.ExecutorFunc(func(ctx context.Context, job dispatch.Job) error {
		start := r.now()
		if err := exec.Execute(ctx, job); err != nil {
			r.metrics.IncPageErrors(ctx)
			return err
		}
		r.metrics.IncPagesCommitted(ctx)
		r.metrics.AddRecordsRekeyed(ctx, job.Page.Len())
		r.metrics.ObservePageDuration(ctx, r.now().Sub(start))
		return nil
	})
}

// persist saves the checkpoint for boundary with the cumulative elapsed
// time and reports progress against it.
func (r *Runner) persist(ctx context.Context, state rekey.RunState, boundary int64) (rekey.Checkpoint, error) {
	cp, err := state.CheckpointAt(boundary, r.now())
	if err != nil {
		return rekey.Checkpoint{}, err
	}
	if err := r.store.Save(ctx, cp); err != nil {
		return rekey.Checkpoint{}, fmt.Errorf("failed to save checkpoint at id %d: %w", boundary, err)
	}
	if _, err := r.reporter.Report(ctx, state, cp); err != nil {
		// Progress is best effort once the checkpoint is saved.
		r.logger.Warn(ctx, "failed to report progress", "error", err)
	}
	return cp, nil
}

// finalize stamps the final elapsed time onto the checkpoint so the total
// runtime survives a later resume.
func (r *Runner) finalize(ctx context.Context, state rekey.RunState, res Result) (Result, error) {
	cp, err := state.CheckpointAt(res.Checkpoint.LastProcessedID, r.now())
	if err != nil {
		return res, err
	}
	if err := r.store.Save(ctx, cp); err != nil {
		return res, fmt.Errorf("failed to save final checkpoint: %w", err)
	}
	res.Checkpoint = cp
	return res, nil
}
