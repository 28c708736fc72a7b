package cli

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/rekey/internal/app/dispatch"
	"github.com/ahrav/rekey/internal/config"
	"github.com/ahrav/rekey/internal/infra/queue/acktracking"
	"github.com/ahrav/rekey/internal/infra/queue/kafka"
	"github.com/ahrav/rekey/pkg/common"
	"github.com/ahrav/rekey/pkg/common/logger"
)

// newExecutor returns the page executor for async runs. The kafka executor
// starts its result listener on g and returns once it has joined its group.
func newExecutor(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	applier dispatch.PageApplier,
	log *logger.Logger,
	tracer trace.Tracer,
) (dispatch.Executor, error) {
	if cfg.Rekey.Executor != "kafka" {
		return dispatch.NewLocalExecutor(applier), nil
	}

	client, err := common.ConnectWithRetry(ctx, log, "kafka", common.DefaultRetryConfig(),
		func(context.Context) (sarama.Client, error) {
			return kafka.NewClient(kafka.ClientConfig{
				Brokers:       cfg.Kafka.Brokers,
				ClientID:      cfg.Kafka.ClientID,
				InitialOffset: sarama.OffsetNewest,
			})
		})
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	exec, err := kafka.NewRemoteExecutor(
		kafka.ExecutorConfig{
			TaskTopic:   cfg.Kafka.TaskTopic,
			ResultTopic: cfg.Kafka.ResultTopic,
			ClientID:    cfg.Kafka.ClientID,
			TaskTimeout: cfg.Kafka.TaskTimeout,
		},
		producer,
		acktracking.NewTracker(log),
		log,
		tracer,
	)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, err
	}

	cg, err := sarama.NewConsumerGroupFromClient(exec.ResultGroupID(cfg.Kafka.GroupID), client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, fmt.Errorf("failed to create result consumer group: %w", err)
	}

	g.Go(func() error {
		defer client.Close()
		defer producer.Close()
		defer cg.Close()
		return exec.Listen(ctx, cg)
	})

	select {
	case <-exec.Ready():
		log.Info(ctx, "Result listener joined", "topic", cfg.Kafka.ResultTopic)
		return exec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
