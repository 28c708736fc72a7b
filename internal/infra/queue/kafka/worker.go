package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/rekey/pkg/common/logger"
	"github.com/ahrav/rekey/pkg/metrics"
)

// RangeApplier rekeys every record with an id in [startID, endID] and
// returns how many it touched.
type RangeApplier interface {
	ApplyRange(ctx context.Context, startID, endID int64) (int, error)
}

// WorkerConfig configures a PageWorker.
type WorkerConfig struct {
	TaskTopic   string
	ResultTopic string
	ClientID    string
}

// PageWorker consumes page tasks, commits them through a RangeApplier and
// publishes the outcome.
type PageWorker struct {
	cfg      WorkerConfig
	producer sarama.SyncProducer
	applier  RangeApplier
	metrics  metrics.WorkerMetrics

	logger *logger.Logger
	tracer trace.Tracer
}

// NewPageWorker creates a worker.
func NewPageWorker(
	cfg WorkerConfig,
	producer sarama.SyncProducer,
	applier RangeApplier,
	metrics metrics.WorkerMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *PageWorker {
	return &PageWorker{
		cfg:      cfg,
		producer: producer,
		applier:  applier,
		metrics:  metrics,
		logger:   logger.With("component", "page_worker"),
		tracer:   tracer,
	}
}

// Run consumes the task topic until ctx is canceled.
func (w *PageWorker) Run(ctx context.Context, cg sarama.ConsumerGroup) error {
	w.logger.Info(ctx, "Page worker started", "task_topic", w.cfg.TaskTopic)
	go drainErrors(ctx, cg, w.logger)
	h := newGroupHandler(w.cfg.ClientID, w.HandleTask, w.logger, w.tracer)
	return consumeLoop(ctx, cg, []string{w.cfg.TaskTopic}, h, w.logger)
}

// HandleTask commits one page and publishes its result. A failed page is
// still answered, with the error in the result.
func (w *PageWorker) HandleTask(ctx context.Context, msg *sarama.ConsumerMessage) error {
	w.metrics.IncTasksDequeued()

	task, err := decodeTask(msg.Value)
	if err != nil {
		w.metrics.IncTaskFailures()
		return fmt.Errorf("dropping undecodable task: %w", err)
	}

	ctx, span := w.tracer.Start(ctx, "page_worker.handle_task",
		trace.WithAttributes(
			attribute.String("task_id", task.TaskID),
			attribute.Int64("start_id", task.StartID),
			attribute.Int64("end_id", task.EndID),
		))
	defer span.End()

	lc := logger.NewLoggerContext(w.logger)
	lc.Add("task_id", task.TaskID, "seq", task.Seq, "start_id", task.StartID, "end_id", task.EndID)

	var n int
	applyErr := w.metrics.TrackTask(func() error {
		var err error
		n, err = w.applier.ApplyRange(ctx, task.StartID, task.EndID)
		return err
	})

	res := Result{TaskID: task.TaskID, Records: n}
	if applyErr != nil {
		w.metrics.IncTaskFailures()
		span.RecordError(applyErr)
		res.Error = applyErr.Error()
		lc.Error(ctx, "Failed to rekey page", "error", applyErr)
	} else {
		w.metrics.AddRecordsRekeyed(n)
		lc.Debug(ctx, "Rekeyed page", "records", n)
	}

	data, err := encodeResult(res)
	if err != nil {
		return err
	}
	if err := publish(ctx, w.producer, w.tracer, w.cfg.ResultTopic, task.TaskID, data); err != nil {
		// The coordinator will time the task out; the page stays uncheckpointed.
		lc.Warn(ctx, "Failed to publish result", "error", err)
		return err
	}
	return nil
}
