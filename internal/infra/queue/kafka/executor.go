package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/rekey/internal/app/dispatch"
	"github.com/ahrav/rekey/internal/infra/queue/acktracking"
	"github.com/ahrav/rekey/pkg/common/logger"
)

// RemoteError is a page failure reported by a worker.
type RemoteError struct {
	TaskID string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("task %s failed on worker: %s", e.TaskID, e.Msg)
}

// ExecutorConfig configures a RemoteExecutor.
type ExecutorConfig struct {
	TaskTopic   string
	ResultTopic string
	ClientID    string
	// TaskTimeout bounds the wait for a page's result. A page that times out
	// counts as failed even if a worker later commits it.
	TaskTimeout time.Duration
}

// RemoteExecutor publishes pages as tasks and blocks until a worker reports
// the outcome.
type RemoteExecutor struct {
	cfg      ExecutorConfig
	runID    string
	producer sarama.SyncProducer
	tracker  acktracking.AckTracker
	handler  *groupHandler

	logger *logger.Logger
	tracer trace.Tracer
}

var _ dispatch.Executor = (*RemoteExecutor)(nil)

// NewRemoteExecutor creates an executor publishing through producer.
func NewRemoteExecutor(
	cfg ExecutorConfig,
	producer sarama.SyncProducer,
	tracker acktracking.AckTracker,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*RemoteExecutor, error) {
	if cfg.TaskTopic == "" || cfg.ResultTopic == "" {
		return nil, errors.New("task and result topics are required")
	}
	if cfg.TaskTimeout <= 0 {
		return nil, fmt.Errorf("task timeout must be positive, got %s", cfg.TaskTimeout)
	}

	e := &RemoteExecutor{
		cfg:      cfg,
		runID:    uuid.NewString(),
		producer: producer,
		tracker:  tracker,
		logger:   logger.With("component", "remote_executor"),
		tracer:   tracer,
	}
	e.handler = newGroupHandler(cfg.ClientID, e.HandleResult, e.logger, tracer)
	return e, nil
}

// ResultGroupID returns a consumer group unique to this run, so every
// coordinator sees every result.
func (e *RemoteExecutor) ResultGroupID(base string) string {
	return fmt.Sprintf("%s.results.%s", base, e.runID)
}

func (e *RemoteExecutor) taskID(seq uint64) string {
	return fmt.Sprintf("%s-%d", e.runID, seq)
}

// Execute publishes job's bounds and waits for its result.
func (e *RemoteExecutor) Execute(ctx context.Context, job dispatch.Job) error {
	task := Task{
		TaskID:  e.taskID(job.Seq),
		Seq:     job.Seq,
		StartID: job.Page.StartID(),
		EndID:   job.Page.EndID(),
	}

	ctx, span := e.tracer.Start(ctx, "remote_executor.execute",
		trace.WithAttributes(
			attribute.String("task_id", task.TaskID),
			attribute.Int64("start_id", task.StartID),
			attribute.Int64("end_id", task.EndID),
		))
	defer span.End()

	data, err := encodeTask(task)
	if err != nil {
		return err
	}

	// Track before publishing; a fast worker can answer before SendMessage
	// returns.
	ackCh := e.tracker.TrackMessage(task.TaskID)
	if err := publish(ctx, e.producer, e.tracer, e.cfg.TaskTopic, task.TaskID, data); err != nil {
		e.tracker.StopTracking(task.TaskID)
		return err
	}

	if err := e.tracker.WaitForAcknowledgment(ctx, task.TaskID, ackCh, e.cfg.TaskTimeout); err != nil {
		return fmt.Errorf("page [%d, %d]: %w", task.StartID, task.EndID, err)
	}
	return nil
}

// HandleResult resolves the task named by a result message. Results for
// other runs are ignored.
func (e *RemoteExecutor) HandleResult(ctx context.Context, msg *sarama.ConsumerMessage) error {
	res, err := decodeResult(msg.Value)
	if err != nil {
		return err
	}

	var resultErr error
	if res.Error != "" {
		resultErr = &RemoteError{TaskID: res.TaskID, Msg: res.Error}
	}
	if !e.tracker.ResolveAcknowledgment(ctx, res.TaskID, resultErr) {
		e.logger.Debug(ctx, "Ignoring result for untracked task", "task_id", res.TaskID)
	}
	return nil
}

// Listen consumes the result topic until ctx is canceled. Pending tasks are
// failed when it returns.
func (e *RemoteExecutor) Listen(ctx context.Context, cg sarama.ConsumerGroup) error {
	go drainErrors(ctx, cg, e.logger)
	defer e.tracker.CleanupAll(context.WithoutCancel(ctx), errors.New("result listener stopped"))
	return consumeLoop(ctx, cg, []string{e.cfg.ResultTopic}, e.handler, e.logger)
}

// Ready is closed once the result consumer has joined its group. Tasks
// published before then may have their results missed.
func (e *RemoteExecutor) Ready() <-chan struct{} { return e.handler.ready }
