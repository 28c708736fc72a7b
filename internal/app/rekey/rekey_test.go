package rekey

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/rekey/internal/app/dispatch"
	"github.com/ahrav/rekey/internal/domain/rekey"
	"github.com/ahrav/rekey/internal/infra/storage/memory"
	"github.com/ahrav/rekey/pkg/common/logger"
)

var tracer = noop.NewTracerProvider().Tracer("test")

// observedRepo records every keyset query and can fail a chosen page write.
type observedRepo struct {
	*memory.RecordStore

	mu          sync.Mutex
	cursors     []int64
	pageSizes   []int
	emptyPages  int
	failWriteAt int64 // fail the write whose first id equals this
}

func newObservedRepo(n int) *observedRepo {
	return &observedRepo{RecordStore: memory.NewRecordStore(n)}
}

func (r *observedRepo) ListAfter(ctx context.Context, afterID int64, limit int) ([]rekey.Record, error) {
	recs, err := r.RecordStore.ListAfter(ctx, afterID, limit)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors = append(r.cursors, afterID)
	if len(recs) == 0 {
		r.emptyPages++
	} else {
		r.pageSizes = append(r.pageSizes, len(recs))
	}
	return recs, err
}

func (r *observedRepo) fail(assignments []rekey.TokenAssignment) error {
	if r.failWriteAt != 0 && len(assignments) > 0 && assignments[0].ID == r.failWriteAt {
		return errors.New("connection reset")
	}
	return nil
}

func (r *observedRepo) UpdateTokensBulk(ctx context.Context, a []rekey.TokenAssignment) error {
	if err := r.fail(a); err != nil {
		return err
	}
	return r.RecordStore.UpdateTokensBulk(ctx, a)
}

func (r *observedRepo) UpdateTokensRowWise(ctx context.Context, a []rekey.TokenAssignment) error {
	if err := r.fail(a); err != nil {
		return err
	}
	return r.RecordStore.UpdateTokensRowWise(ctx, a)
}

// crashingStore fails the nth Save, simulating a crash between page commit
// and checkpoint persistence.
type crashingStore struct {
	*memory.CheckpointStore
	failOn int
	saves  int
}

func (s *crashingStore) Save(ctx context.Context, cp rekey.Checkpoint) error {
	s.saves++
	if s.saves == s.failOn {
		return errors.New("process killed")
	}
	return s.CheckpointStore.Save(ctx, cp)
}

type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

type harness struct {
	repo  *observedRepo
	store rekey.CheckpointStore
	out   *bytes.Buffer
}

func newRunner(t *testing.T, h harness, cfg RunnerConfig, opts ...RunnerOption) *Runner {
	t.Helper()
	m, err := NewRekeyMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	log := logger.Noop()
	mut := NewMutator(h.repo, StrategyBulk, log, tracer)
	rep := NewReporter(h.out, h.repo, m, log)
	r, err := NewRunner(h.repo, h.store, mut, rep, m, cfg, log, tracer, opts...)
	require.NoError(t, err)
	return r
}

func checkpointIDs(history []rekey.Checkpoint) []int64 {
	ids := make([]int64, len(history))
	for i, cp := range history {
		ids[i] = cp.LastProcessedID
	}
	return ids
}

func tokensByID(recs []rekey.Record) map[int64]uuid.UUID {
	m := make(map[int64]uuid.UUID, len(recs))
	for _, r := range recs {
		m[r.ID] = r.Token
	}
	return m
}

func TestRunner_TwentyFiveHundredRows(t *testing.T) {
	store := memory.NewCheckpointStore()
	h := harness{repo: newObservedRepo(2500), store: store, out: new(bytes.Buffer)}
	before := tokensByID(h.repo.Snapshot())

	res, err := newRunner(t, h, RunnerConfig{BatchSize: 1000}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1000, 1000, 500}, h.repo.pageSizes)
	assert.Equal(t, 1, h.repo.emptyPages, "terminal empty page observed exactly once")
	assert.Equal(t, []int64{0, 1000, 2000, 2500}, h.repo.cursors)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, int64(2500), res.Records)
	assert.Equal(t, int64(2500), res.Checkpoint.LastProcessedID)
	assert.Equal(t, []int64{1000, 2000, 2500, 2500}, checkpointIDs(store.History()))

	for _, rec := range h.repo.Snapshot() {
		assert.NotEqual(t, before[rec.ID], rec.Token, "record %d kept its token", rec.ID)
	}

	out := h.out.String()
	assert.Contains(t, out, "Total records: 2500")
	assert.Contains(t, out, "Processed 1000/2500 records (40.00% complete).")
	assert.Contains(t, out, "Processed 2500/2500 records (100.00% complete).")
	assert.Contains(t, out, "All records have been processed.")
	assert.Contains(t, out, "Total runtime:")
}

func TestRunner_CrashBeforeCheckpointSave(t *testing.T) {
	mem := memory.NewCheckpointStore()
	repo := newObservedRepo(2500)
	original := tokensByID(repo.Snapshot())

	crashed := harness{repo: repo, store: &crashingStore{CheckpointStore: mem, failOn: 1}, out: new(bytes.Buffer)}
	_, err := newRunner(t, crashed, RunnerConfig{BatchSize: 1000}).Run(context.Background())
	require.Error(t, err)

	afterCrash := tokensByID(repo.Snapshot())
	for id := int64(1); id <= 2500; id++ {
		if id <= 1000 {
			assert.NotEqual(t, original[id], afterCrash[id])
		} else {
			assert.Equal(t, original[id], afterCrash[id])
		}
	}
	cp, err := mem.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, cp.IsZero(), "checkpoint must not advance past an unsaved page")

	repo.cursors = nil
	rerun := harness{repo: repo, store: mem, out: new(bytes.Buffer)}
	res, err := newRunner(t, rerun, RunnerConfig{BatchSize: 1000}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 1000, 2000, 2500}, repo.cursors, "rerun starts at page 1 and has no gaps")
	final := tokensByID(repo.Snapshot())
	for id := int64(1); id <= 1000; id++ {
		assert.NotEqual(t, afterCrash[id], final[id], "page 1 is reprocessed with new tokens")
	}
	for id := int64(1001); id <= 2500; id++ {
		assert.NotEqual(t, original[id], final[id])
	}
	assert.Equal(t, int64(2500), res.Checkpoint.LastProcessedID)
}

func TestRunner_ResumeNeverRevisitsProcessedIDs(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCheckpointStore()
	require.NoError(t, store.Save(ctx, rekey.Checkpoint{LastProcessedID: 1500, CumulativeElapsed: time.Minute}))

	h := harness{repo: newObservedRepo(2500), store: store, out: new(bytes.Buffer)}
	before := tokensByID(h.repo.Snapshot())

	_, err := newRunner(t, h, RunnerConfig{BatchSize: 1000}).Run(ctx)
	require.NoError(t, err)

	for _, c := range h.repo.cursors {
		assert.GreaterOrEqual(t, c, int64(1500))
	}
	for _, rec := range h.repo.Snapshot() {
		if rec.ID <= 1500 {
			assert.Equal(t, before[rec.ID], rec.Token)
		} else {
			assert.NotEqual(t, before[rec.ID], rec.Token)
		}
	}
	assert.Contains(t, h.out.String(), "Processed 2500/2500 records")
}

func TestRunner_CheckpointIsMonotonicAcrossRuns(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCheckpointStore()
	repo := newObservedRepo(3000)

	repo.failWriteAt = 1201
	_, err := newRunner(t, harness{repo: repo, store: store, out: new(bytes.Buffer)}, RunnerConfig{BatchSize: 400}).Run(ctx)
	require.Error(t, err)

	repo.failWriteAt = 0
	_, err = newRunner(t, harness{repo: repo, store: store, out: new(bytes.Buffer)}, RunnerConfig{BatchSize: 700}).Run(ctx)
	require.NoError(t, err)

	ids := checkpointIDs(store.History())
	require.NotEmpty(t, ids)
	for i := 1; i < len(ids); i++ {
		assert.GreaterOrEqual(t, ids[i], ids[i-1])
	}
	assert.Equal(t, int64(3000), ids[len(ids)-1])
}

func TestRunner_ElapsedSurvivesResume(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCheckpointStore()
	repo := newObservedRepo(3000)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	repo.failWriteAt = 2001
	clock := &fakeClock{t: start, step: time.Second}
	_, err := newRunner(t, harness{repo: repo, store: store, out: new(bytes.Buffer)},
		RunnerConfig{BatchSize: 1000}, WithClock(clock.now)).Run(ctx)
	require.Error(t, err)

	stopped, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2000), stopped.LastProcessedID)
	require.Positive(t, stopped.CumulativeElapsed)

	repo.failWriteAt = 0
	later := &fakeClock{t: start.Add(time.Hour), step: time.Second}
	res, err := newRunner(t, harness{repo: repo, store: store, out: new(bytes.Buffer)},
		RunnerConfig{BatchSize: 1000}, WithClock(later.now)).Run(ctx)
	require.NoError(t, err)

	history := store.History()
	resumed := history[len(history)-2]
	assert.Equal(t, int64(3000), resumed.LastProcessedID)
	assert.GreaterOrEqual(t, resumed.CumulativeElapsed, stopped.CumulativeElapsed)
	assert.Greater(t, res.Checkpoint.CumulativeElapsed, stopped.CumulativeElapsed)
}

func TestRunner_EmptyTable(t *testing.T) {
	store := memory.NewCheckpointStore()
	h := harness{repo: newObservedRepo(0), store: store, out: new(bytes.Buffer)}

	res, err := newRunner(t, h, RunnerConfig{BatchSize: 10}).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Pages)
	assert.Equal(t, "No records found to process.\n", h.out.String())
	assert.Empty(t, store.History())
}

func TestRunner_ResetReprocessesEverything(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCheckpointStore()
	require.NoError(t, store.Save(ctx, rekey.Checkpoint{LastProcessedID: 50}))

	h := harness{repo: newObservedRepo(50), store: store, out: new(bytes.Buffer)}
	res, err := newRunner(t, h, RunnerConfig{BatchSize: 20, Reset: true}).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, int64(0), h.repo.cursors[0])
	assert.Contains(t, h.out.String(), "Checkpoint has been reset.\nTotal records: 50\n")
}

func TestRunner_InvalidBatchSize(t *testing.T) {
	_, err := NewRunner(nil, nil, nil, nil, nil, RunnerConfig{BatchSize: 0}, logger.Noop(), tracer)
	assert.ErrorIs(t, err, rekey.ErrInvalidBatchSize)
}

func asyncOption(t *testing.T, repo *observedRepo, pool dispatch.Config) RunnerOption {
	t.Helper()
	dm, err := dispatch.NewDispatchMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	mut := NewMutator(repo, StrategyRowWise, logger.Noop(), tracer)
	return WithAsync(AsyncConfig{
		Executor: dispatch.NewLocalExecutor(mut),
		Pool:     pool,
		Metrics:  dm,
	})
}

func TestRunner_AsyncProcessesAllPages(t *testing.T) {
	store := memory.NewCheckpointStore()
	h := harness{repo: newObservedRepo(2500), store: store, out: new(bytes.Buffer)}
	before := tokensByID(h.repo.Snapshot())
	pool := dispatch.Config{MinWorkers: 2, MaxWorkers: 4, QueueDepth: 3, IdleTimeout: time.Second}

	res, err := newRunner(t, h, RunnerConfig{BatchSize: 100}, asyncOption(t, h.repo, pool)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 25, res.Pages)
	assert.Equal(t, int64(2500), res.Checkpoint.LastProcessedID)
	ids := checkpointIDs(store.History())
	for i := 1; i < len(ids); i++ {
		assert.GreaterOrEqual(t, ids[i], ids[i-1])
	}
	for _, rec := range h.repo.Snapshot() {
		assert.NotEqual(t, before[rec.ID], rec.Token)
	}
	assert.Contains(t, h.out.String(), "All records have been processed.")
}

func TestRunner_AsyncFailedPageStopsCheckpoint(t *testing.T) {
	store := memory.NewCheckpointStore()
	repo := newObservedRepo(3000)
	repo.failWriteAt = 201
	before := tokensByID(repo.Snapshot())
	h := harness{repo: repo, store: store, out: new(bytes.Buffer)}
	pool := dispatch.Config{MinWorkers: 3, MaxWorkers: 3, QueueDepth: 5, IdleTimeout: time.Second}

	_, err := newRunner(t, h, RunnerConfig{BatchSize: 100}, asyncOption(t, repo, pool)).Run(context.Background())
	require.ErrorIs(t, err, dispatch.ErrPagesFailed)

	cp, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(200), cp.LastProcessedID)
	assert.NotContains(t, h.out.String(), "All records have been processed.")

	// The failed page holds one of the five slots, so nothing past page 7
	// is ever submitted.
	for _, rec := range repo.Snapshot() {
		if rec.ID > 700 {
			assert.Equal(t, before[rec.ID], rec.Token, "record %d past the failure was rewritten", rec.ID)
		}
	}
}

func TestRunner_AsyncCancelDrainsBeforeReturning(t *testing.T) {
	store := memory.NewCheckpointStore()
	h := harness{repo: newObservedRepo(1000), store: store, out: new(bytes.Buffer)}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := dispatch.ExecutorFunc(func(context.Context, dispatch.Job) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	r := newRunner(t, h, RunnerConfig{BatchSize: 100}, WithAsync(AsyncConfig{
		Executor: exec,
		Pool:     dispatch.Config{MinWorkers: 1, MaxWorkers: 1, QueueDepth: 2, IdleTimeout: time.Second},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx)
		done <- err
	}()

	<-started
	cancel()
	select {
	case <-done:
		t.Fatal("run returned while a page was still executing")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after its pages drained")
	}

	saves := len(store.History())
	cp, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cp.LastProcessedID, int64(100), "pages finished during shutdown are checkpointed")

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, store.History(), saves, "no checkpoint is written after Run returns")
}
