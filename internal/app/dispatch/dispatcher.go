// Package dispatch hands pages to a bounded, autoscaling worker pool and
// persists the resume checkpoint only up to the highest boundary below which
// every page has committed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/rekey/internal/domain/rekey"
	"github.com/ahrav/rekey/pkg/common"
	"github.com/ahrav/rekey/pkg/common/logger"
)

// Config bounds the worker pool.
type Config struct {
	// MinWorkers are kept alive for the whole run; must be at least 1.
	MinWorkers int
	// MaxWorkers caps scale-out while work is queued.
	MaxWorkers int
	// QueueDepth caps pages the checkpoint has not yet passed: queued,
	// running, or finished behind a lower page. Submit blocks at the cap.
	QueueDepth int
	// IdleTimeout retires workers above MinWorkers that found no work.
	IdleTimeout time.Duration
	// SubmitRate limits submissions per second; zero means unlimited.
	SubmitRate  float64
	SubmitBurst int
}

// DefaultConfig returns a small pool suitable for a single database.
func DefaultConfig() Config {
	return Config{
		MinWorkers:  1,
		MaxWorkers:  4,
		QueueDepth:  8,
		IdleTimeout: 30 * time.Second,
	}
}

func (c Config) validate() error {
	switch {
	case c.MinWorkers < 1:
		return fmt.Errorf("min workers must be at least 1, got %d", c.MinWorkers)
	case c.MaxWorkers < c.MinWorkers:
		return fmt.Errorf("max workers (%d) must be >= min workers (%d)", c.MaxWorkers, c.MinWorkers)
	case c.QueueDepth < 1:
		return fmt.Errorf("queue depth must be at least 1, got %d", c.QueueDepth)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("idle timeout must be positive, got %s", c.IdleTimeout)
	}
	return nil
}

// CheckpointFunc persists a new safe boundary. The dispatcher calls it with
// its reconciliation lock held, so calls never overlap and boundaries are
// strictly increasing.
type CheckpointFunc func(ctx context.Context, boundary int64) error

// JobHandle lets a submitter observe a single page.
type JobHandle struct {
	Seq     uint64
	StartID int64
	EndID   int64

	done chan struct{}
	err  error
}

// Done is closed once the page has finished, successfully or not.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Err returns the page's error after Done is closed.
func (h *JobHandle) Err() error {
	<-h.done
	return h.err
}

type job struct {
	Job
	handle *JobHandle
}

// Dispatcher runs page jobs concurrently and reconciles their out-of-order
// completions into a monotonic checkpoint.
type Dispatcher struct {
	ctx      context.Context
	cfg      Config
	exec     Executor
	commit   CheckpointFunc
	limiter  *common.RateLimiter
	// inFlight holds one slot per page from Submit until the watermark
	// passes it.
	inFlight chan struct{}
	queue    chan *job
	// halted is closed on the first page failure.
	halted chan struct{}

	submitMu  sync.Mutex
	closed    bool
	seq       uint64
	lastEndID int64

	poolMu   sync.Mutex
	workers  int
	idle     int
	workerWg sync.WaitGroup

	// mu is the single-writer lock around reconciliation and persistence.
	mu        sync.Mutex
	watermark *Watermark
	failures  []*PageError
	commitErr error
	halting   bool

	metrics DispatchMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// New creates a dispatcher whose watermark starts at start, normally the
// resumed checkpoint id. Jobs run with ctx; cancelling it fails pending work.
func New(
	ctx context.Context,
	exec Executor,
	start int64,
	commit CheckpointFunc,
	cfg Config,
	metrics DispatchMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*Dispatcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}

	d := &Dispatcher{
		ctx:       ctx,
		cfg:       cfg,
		exec:      exec,
		commit:    commit,
		limiter:   common.NewRateLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		inFlight:  make(chan struct{}, cfg.QueueDepth),
		queue:     make(chan *job, cfg.QueueDepth),
		halted:    make(chan struct{}),
		lastEndID: start,
		watermark: NewWatermark(start),
		metrics:   metrics,
		logger:    logger.With("component", "dispatcher"),
		tracer:    tracer,
	}

	d.poolMu.Lock()
	for range cfg.MinWorkers {
		d.spawnLocked()
	}
	d.poolMu.Unlock()

	return d, nil
}

// Submit enqueues a page. It blocks while QueueDepth pages are ahead of the
// checkpoint, which keeps the walker from outrunning the slowest page. Once
// any page has failed the checkpoint cannot pass it, so Submit stops
// accepting work and returns ErrPagesFailed. Pages must be submitted in
// ascending id order.
func (d *Dispatcher) Submit(ctx context.Context, page rekey.Page) (*JobHandle, error) {
	if page.IsEmpty() {
		return nil, errors.New("cannot submit an empty page")
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	select {
	case d.inFlight <- struct{}{}:
	case <-d.halted:
		return nil, errHalted
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	if d.closed {
		<-d.inFlight
		return nil, ErrDispatcherClosed
	}
	select {
	case <-d.halted:
		<-d.inFlight
		return nil, errHalted
	default:
	}
	if page.StartID() <= d.lastEndID {
		<-d.inFlight
		return nil, fmt.Errorf("%w: page starts at %d, previous page ended at %d",
			rekey.ErrPageNotAscending, page.StartID(), d.lastEndID)
	}

	d.seq++
	d.lastEndID = page.EndID()
	h := &JobHandle{Seq: d.seq, StartID: page.StartID(), EndID: page.EndID(), done: make(chan struct{})}
	d.queue <- &job{Job: Job{Seq: d.seq, Page: page}, handle: h}

	d.metrics.IncPagesSubmitted(ctx)
	d.metrics.AddInFlight(ctx, 1)
	d.maybeScaleUp()

	return h, nil
}

// maybeScaleUp adds a worker when more pages are queued than there are idle
// workers to take them and the pool is below its cap.
func (d *Dispatcher) maybeScaleUp() {
	d.poolMu.Lock()
	defer d.poolMu.Unlock()
	if len(d.queue) > d.idle && d.workers < d.cfg.MaxWorkers {
		d.spawnLocked()
	}
}

func (d *Dispatcher) spawnLocked() {
	d.workers++
	d.workerWg.Add(1)
	d.metrics.AddWorkers(d.ctx, 1)
	go d.worker()
}

// retireLocked removes the calling worker if the pool is above its floor.
func (d *Dispatcher) retireLocked(force bool) bool {
	if !force && d.workers <= d.cfg.MinWorkers {
		return false
	}
	d.workers--
	d.metrics.AddWorkers(d.ctx, -1)
	return true
}

func (d *Dispatcher) setIdle(delta int) {
	d.poolMu.Lock()
	d.idle += delta
	d.poolMu.Unlock()
}

func (d *Dispatcher) worker() {
	defer d.workerWg.Done()

	timer := time.NewTimer(d.cfg.IdleTimeout)
	defer timer.Stop()

	for {
		d.setIdle(1)
		select {
		case j, ok := <-d.queue:
			d.setIdle(-1)
			if !ok {
				d.poolMu.Lock()
				d.retireLocked(true)
				d.poolMu.Unlock()
				return
			}
			d.run(j)
			timer.Reset(d.cfg.IdleTimeout)

		case <-timer.C:
			d.poolMu.Lock()
			d.idle--
			retired := d.retireLocked(false)
			d.poolMu.Unlock()
			if retired {
				d.logger.Debug(d.ctx, "idle worker retired")
				return
			}
			timer.Reset(d.cfg.IdleTimeout)
		}
	}
}

func (d *Dispatcher) run(j *job) {
	ctx, span := d.tracer.Start(d.ctx, "dispatcher.run_page",
		trace.WithAttributes(
			attribute.Int64("seq", int64(j.Seq)),
			attribute.Int64("start_id", j.handle.StartID),
			attribute.Int64("end_id", j.handle.EndID),
		))
	defer span.End()

	err := d.exec.Execute(ctx, j.Job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "page failed")
	}
	d.complete(ctx, j, err)
}

// complete folds one outcome into the watermark and, when the safe boundary
// moves, persists it. Slots are released only for the pages the watermark
// passed, so a page finished behind a gap keeps counting against QueueDepth.
func (d *Dispatcher) complete(ctx context.Context, j *job, execErr error) {
	d.mu.Lock()
	before := d.watermark.Passed()
	boundary, advanced := d.watermark.Complete(j.Seq, j.handle.EndID, execErr != nil)
	released := d.watermark.Passed() - before
	if execErr != nil {
		pe := &PageError{Seq: j.Seq, StartID: j.handle.StartID, EndID: j.handle.EndID, Err: execErr}
		d.failures = append(d.failures, pe)
		d.metrics.IncPagesFailed(ctx)
		d.logger.Error(ctx, "page failed; checkpoint will not advance past it",
			"seq", j.Seq, "start_id", pe.StartID, "end_id", pe.EndID, "error", execErr)
		d.haltLocked(ctx)
	} else {
		d.metrics.IncPagesCompleted(ctx)
	}

	if advanced {
		if err := d.commit(ctx, boundary); err != nil {
			if d.commitErr == nil {
				d.commitErr = err
			}
			d.logger.Error(ctx, "failed to persist checkpoint", "boundary", boundary, "error", err)
		}
	}
	d.metrics.RecordWatermark(ctx, boundary, d.watermark.Pending())
	d.mu.Unlock()

	j.handle.err = execErr
	close(j.handle.done)
	for range released {
		<-d.inFlight
	}
	d.metrics.AddInFlight(ctx, -int64(released))
}

// haltLocked stops further submissions. Pages already submitted still run.
func (d *Dispatcher) haltLocked(ctx context.Context) {
	if d.halting {
		return
	}
	d.halting = true
	close(d.halted)
	d.logger.Warn(ctx, "submission halted after page failure", "boundary", d.watermark.Boundary())
}

// Watermark returns the current safe boundary.
func (d *Dispatcher) Watermark() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watermark.Boundary()
}

// Wait stops accepting pages and blocks until every submitted page has
// finished. It reports failed pages with ErrPagesFailed and checkpoint
// persistence failures as-is. If ctx ends first Wait returns early while
// workers may still be running and committing; callers that need the pool
// drained pass a context without cancellation.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.submitMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.submitMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	if d.commitErr != nil {
		errs = append(errs, fmt.Errorf("failed to persist checkpoint: %w", d.commitErr))
	}
	if n := len(d.failures); n > 0 {
		pageErrs := make([]error, n)
		for i, f := range d.failures {
			pageErrs[i] = f
		}
		errs = append(errs, fmt.Errorf("%w (%d pages): %w", ErrPagesFailed, n, errors.Join(pageErrs...)))
	}
	return errors.Join(errs...)
}
