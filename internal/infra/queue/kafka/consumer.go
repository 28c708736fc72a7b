package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/rekey/pkg/common/logger"
)

// messageHandler processes one consumed message.
type messageHandler func(ctx context.Context, msg *sarama.ConsumerMessage) error

// groupHandler adapts a messageHandler to sarama.ConsumerGroupHandler. Every
// message is marked once handled, whether or not the handler failed; a failed
// page is reported through the result topic rather than redelivery.
type groupHandler struct {
	clientID string
	handle   messageHandler
	ready    chan struct{}
	once     sync.Once

	logger *logger.Logger
	tracer trace.Tracer
}

func newGroupHandler(clientID string, handle messageHandler, logger *logger.Logger, tracer trace.Tracer) *groupHandler {
	return &groupHandler{
		clientID: clientID,
		handle:   handle,
		ready:    make(chan struct{}),
		logger:   logger,
		tracer:   tracer,
	}
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session setup",
		"client_id", h.clientID,
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	h.once.Do(func() { close(h.ready) })
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session cleanup",
		"client_id", h.clientID,
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.logger.Info(sess.Context(), "Starting to consume from partition",
		"client_id", h.clientID,
		"topic", claim.Topic(),
		"partition", claim.Partition(),
		"member_id", sess.MemberID(),
	)

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.process(sess.Context(), msg)
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

func (h *groupHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) {
	ctx = extractTraceContext(ctx, msg)
	ctx, span := startConsumerSpan(ctx, msg, h.tracer)
	defer span.End()

	if err := h.handle(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to handle message")
		h.logger.Error(ctx, "Failed to handle message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	}
}

// consumeLoop consumes topics until ctx is canceled, rejoining the group
// after every rebalance.
func consumeLoop(
	ctx context.Context,
	cg sarama.ConsumerGroup,
	topics []string,
	handler sarama.ConsumerGroupHandler,
	logger *logger.Logger,
) error {
	for {
		if err := cg.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			logger.Warn(ctx, "Consumer group session ended with error", "topics", topics, "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// drainErrors logs consumer group errors until the group is closed.
func drainErrors(ctx context.Context, cg sarama.ConsumerGroup, logger *logger.Logger) {
	for err := range cg.Errors() {
		logger.Warn(ctx, "Consumer group error", "error", err)
	}
}

// publish sends one message with the caller's trace context attached.
func publish(
	ctx context.Context,
	producer sarama.SyncProducer,
	tracer trace.Tracer,
	topic, key string,
	value []byte,
) error {
	ctx, span := startProducerSpan(ctx, topic, tracer)
	defer span.End()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	injectTraceContext(ctx, msg)

	if _, _, err := producer.SendMessage(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish")
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}
