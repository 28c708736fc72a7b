package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/rekey/internal/domain/rekey"
	"github.com/ahrav/rekey/pkg/common/logger"
)

func newTestDispatcher(t *testing.T, exec Executor, start int64, commit CheckpointFunc, cfg Config) *Dispatcher {
	t.Helper()
	m, err := NewDispatchMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	d, err := New(context.Background(), exec, start, commit, cfg, m, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return d
}

func page(t *testing.T, after int64, ids ...int64) rekey.Page {
	t.Helper()
	recs := make([]rekey.Record, len(ids))
	for i, id := range ids {
		recs[i] = rekey.Record{ID: id}
	}
	p, err := rekey.NewPage(after, recs)
	require.NoError(t, err)
	return p
}

// gatedExecutor blocks each page until the test releases it.
type gatedExecutor struct {
	mu    sync.Mutex
	gates map[uint64]chan error
}

func newGatedExecutor() *gatedExecutor { return &gatedExecutor{gates: make(map[uint64]chan error)} }

func (g *gatedExecutor) gate(seq uint64) chan error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[seq]
	if !ok {
		ch = make(chan error, 1)
		g.gates[seq] = ch
	}
	return ch
}

func (g *gatedExecutor) Execute(ctx context.Context, job Job) error {
	select {
	case err := <-g.gate(job.Seq):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedExecutor) release(seq uint64, err error) { g.gate(seq) <- err }

type recordingCommit struct {
	mu    sync.Mutex
	saved []int64
}

func (r *recordingCommit) commit(_ context.Context, b int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, b)
	return nil
}

func (r *recordingCommit) snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.saved...)
}

func TestDispatcher_CompletionOrder213(t *testing.T) {
	exec := newGatedExecutor()
	rec := new(recordingCommit)
	d := newTestDispatcher(t, exec, 0, rec.commit, Config{
		MinWorkers: 3, MaxWorkers: 3, QueueDepth: 3, IdleTimeout: time.Second,
	})
	ctx := context.Background()

	h1, err := d.Submit(ctx, page(t, 0, 1, 2))
	require.NoError(t, err)
	h2, err := d.Submit(ctx, page(t, 2, 3, 4))
	require.NoError(t, err)
	h3, err := d.Submit(ctx, page(t, 4, 5))
	require.NoError(t, err)

	exec.release(2, nil)
	<-h2.Done()
	assert.Empty(t, rec.snapshot(), "page 2 must not be persisted before page 1")
	assert.Equal(t, int64(0), d.Watermark())

	exec.release(1, nil)
	<-h1.Done()
	assert.Equal(t, []int64{4}, rec.snapshot())

	exec.release(3, nil)
	<-h3.Done()
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, []int64{4, 5}, rec.snapshot())
	assert.Equal(t, int64(5), d.Watermark())
}

func TestDispatcher_FailedPageHoldsCheckpoint(t *testing.T) {
	exec := newGatedExecutor()
	rec := new(recordingCommit)
	d := newTestDispatcher(t, exec, 10, rec.commit, Config{
		MinWorkers: 2, MaxWorkers: 2, QueueDepth: 4, IdleTimeout: time.Second,
	})
	ctx := context.Background()

	_, err := d.Submit(ctx, page(t, 10, 11))
	require.NoError(t, err)
	_, err = d.Submit(ctx, page(t, 11, 12))
	require.NoError(t, err)
	_, err = d.Submit(ctx, page(t, 12, 13))
	require.NoError(t, err)

	boom := errors.New("write timeout")
	exec.release(1, nil)
	exec.release(2, boom)
	exec.release(3, nil)

	err = d.Wait(ctx)
	require.ErrorIs(t, err, ErrPagesFailed)
	require.ErrorIs(t, err, boom)

	var pe *PageError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uint64(2), pe.Seq)
	assert.Equal(t, int64(12), pe.StartID)

	assert.Equal(t, []int64{11}, rec.snapshot())
	assert.Equal(t, int64(11), d.Watermark())
}

func TestDispatcher_Backpressure(t *testing.T) {
	exec := newGatedExecutor()
	rec := new(recordingCommit)
	d := newTestDispatcher(t, exec, 0, rec.commit, Config{
		MinWorkers: 1, MaxWorkers: 1, QueueDepth: 2, IdleTimeout: time.Second,
	})
	ctx := context.Background()

	_, err := d.Submit(ctx, page(t, 0, 1))
	require.NoError(t, err)
	_, err = d.Submit(ctx, page(t, 1, 2))
	require.NoError(t, err)

	var third atomic.Bool
	submitted := make(chan struct{})
	go func() {
		_, err := d.Submit(ctx, page(t, 2, 3))
		assert.NoError(t, err)
		third.Store(true)
		close(submitted)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, third.Load(), "submit must block while queue depth pages are in flight")

	exec.release(1, nil)
	select {
	case <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not resume after a page completed")
	}

	exec.release(2, nil)
	exec.release(3, nil)
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, int64(3), d.Watermark())
}

func TestDispatcher_FinishedPagesBehindGapCountAgainstDepth(t *testing.T) {
	exec := newGatedExecutor()
	rec := new(recordingCommit)
	d := newTestDispatcher(t, exec, 0, rec.commit, Config{
		MinWorkers: 2, MaxWorkers: 2, QueueDepth: 2, IdleTimeout: time.Second,
	})
	ctx := context.Background()

	_, err := d.Submit(ctx, page(t, 0, 1))
	require.NoError(t, err)
	h2, err := d.Submit(ctx, page(t, 1, 2))
	require.NoError(t, err)

	exec.release(2, nil)
	<-h2.Done()

	submitted := make(chan struct{})
	go func() {
		_, err := d.Submit(ctx, page(t, 2, 3))
		assert.NoError(t, err)
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("submit must block while page 1 holds the checkpoint back")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, rec.snapshot())

	exec.release(1, nil)
	select {
	case <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not resume after the checkpoint advanced")
	}

	exec.release(3, nil)
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, []int64{2, 3}, rec.snapshot())
}

func TestDispatcher_StopsAcceptingAfterFailure(t *testing.T) {
	exec := newGatedExecutor()
	var executed atomic.Int32
	counting := ExecutorFunc(func(ctx context.Context, job Job) error {
		executed.Add(1)
		return exec.Execute(ctx, job)
	})
	d := newTestDispatcher(t, counting, 0, new(recordingCommit).commit, Config{
		MinWorkers: 1, MaxWorkers: 1, QueueDepth: 2, IdleTimeout: time.Second,
	})
	ctx := context.Background()

	_, err := d.Submit(ctx, page(t, 0, 1))
	require.NoError(t, err)
	_, err = d.Submit(ctx, page(t, 1, 2))
	require.NoError(t, err)

	blocked := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, page(t, 2, 3))
		blocked <- err
	}()

	boom := errors.New("connection reset")
	exec.release(1, boom)
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrPagesFailed, "a waiting submit is woken by the failure")
	case <-time.After(2 * time.Second):
		t.Fatal("submit stayed blocked after a page failed")
	}

	_, err = d.Submit(ctx, page(t, 3, 4))
	assert.ErrorIs(t, err, ErrPagesFailed)

	exec.release(2, nil)
	err = d.Wait(ctx)
	require.ErrorIs(t, err, ErrPagesFailed)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), executed.Load())
	assert.Equal(t, int64(0), d.Watermark())
}

func TestDispatcher_SubmitRespectsContext(t *testing.T) {
	exec := newGatedExecutor()
	d := newTestDispatcher(t, exec, 0, new(recordingCommit).commit, Config{
		MinWorkers: 1, MaxWorkers: 1, QueueDepth: 1, IdleTimeout: time.Second,
	})

	_, err := d.Submit(context.Background(), page(t, 0, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Submit(ctx, page(t, 1, 2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	exec.release(1, nil)
	require.NoError(t, d.Wait(context.Background()))
}

func TestDispatcher_RejectsAfterWaitAndOutOfOrderPages(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, Job) error { return nil })
	d := newTestDispatcher(t, exec, 5, new(recordingCommit).commit, DefaultConfig())
	ctx := context.Background()

	_, err := d.Submit(ctx, page(t, 0, 3))
	assert.ErrorIs(t, err, rekey.ErrPageNotAscending)

	require.NoError(t, d.Wait(ctx))
	_, err = d.Submit(ctx, page(t, 5, 6))
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestDispatcher_ScalesBetweenBounds(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, _ Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	})

	d := newTestDispatcher(t, exec, 0, new(recordingCommit).commit, Config{
		MinWorkers: 1, MaxWorkers: 3, QueueDepth: 10, IdleTimeout: 20 * time.Millisecond,
	})
	ctx := context.Background()

	for i := int64(1); i <= 6; i++ {
		_, err := d.Submit(ctx, page(t, i-1, i))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return running.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, d.Wait(ctx))

	assert.Equal(t, int32(3), peak.Load(), "pool must grow to, and not beyond, max workers")
	assert.Equal(t, int64(6), d.Watermark())
}

func TestDispatcher_RandomCompletionNeverPersistsPastGap(t *testing.T) {
	const pages = 40
	var (
		mu        sync.Mutex
		committed = make(map[int64]bool)
	)
	exec := ExecutorFunc(func(_ context.Context, job Job) error {
		time.Sleep(time.Duration(job.Seq*7%11) * time.Millisecond)
		mu.Lock()
		committed[job.Page.EndID()] = true
		mu.Unlock()
		return nil
	})

	var violations atomic.Int32
	commit := func(_ context.Context, b int64) error {
		mu.Lock()
		defer mu.Unlock()
		for id := int64(1); id <= b; id++ {
			if !committed[id] {
				violations.Add(1)
			}
		}
		return nil
	}

	d := newTestDispatcher(t, exec, 0, commit, Config{
		MinWorkers: 2, MaxWorkers: 8, QueueDepth: 8, IdleTimeout: time.Second,
	})
	ctx := context.Background()
	for i := int64(1); i <= pages; i++ {
		_, err := d.Submit(ctx, page(t, i-1, i))
		require.NoError(t, err)
	}
	require.NoError(t, d.Wait(ctx))

	assert.Zero(t, violations.Load())
	assert.Equal(t, int64(pages), d.Watermark())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().validate())
	assert.Error(t, Config{MinWorkers: 0, MaxWorkers: 1, QueueDepth: 1, IdleTimeout: time.Second}.validate())
	assert.Error(t, Config{MinWorkers: 2, MaxWorkers: 1, QueueDepth: 1, IdleTimeout: time.Second}.validate())
	assert.Error(t, Config{MinWorkers: 1, MaxWorkers: 1, QueueDepth: 0, IdleTimeout: time.Second}.validate())
}
