// Package acktracking matches asynchronous page results to the callers
// waiting on them.
package acktracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/rekey/pkg/common/logger"
)

// ErrAckTimeout is returned when no result arrives within the wait timeout.
var ErrAckTimeout = errors.New("timed out waiting for task result")

// AckTracker tracks tasks published to remote workers until their result
// comes back on the result topic.
type AckTracker interface {
	// TrackMessage begins tracking a task by its ID and returns a channel
	// that receives the task's error, or nil on success.
	TrackMessage(messageID string) <-chan error

	// ResolveAcknowledgment delivers a result for a tracked task. It returns
	// false if the task is unknown or already resolved.
	ResolveAcknowledgment(ctx context.Context, messageID string, err error) bool

	// StopTracking forgets a task, typically after its waiter gave up.
	StopTracking(messageID string)

	// CleanupAll resolves every pending task with err.
	CleanupAll(ctx context.Context, err error)

	// WaitForAcknowledgment blocks until the task resolves, the timeout
	// passes, or ctx is done.
	WaitForAcknowledgment(ctx context.Context, messageID string, ackCh <-chan error, timeout time.Duration) error

	// Pending returns the number of tasks awaiting a result.
	Pending() int
}

// Tracker is the in-memory AckTracker.
//
// Results can arrive long after the task was published, and for tasks this
// process has stopped caring about (a timed-out wait, or a result redelivered
// after a restart). Unknown IDs are dropped.
type Tracker struct {
	mu      sync.RWMutex
	pending map[string]chan error
	logger  *logger.Logger
}

var _ AckTracker = (*Tracker)(nil)

// NewTracker creates an empty tracker.
func NewTracker(logger *logger.Logger) *Tracker {
	return &Tracker{pending: make(map[string]chan error), logger: logger}
}

// TrackMessage starts tracking a task. The returned channel is buffered so
// resolving never blocks.
func (t *Tracker) TrackMessage(messageID string) <-chan error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan error, 1)
	t.pending[messageID] = ch
	return ch
}

// ResolveAcknowledgment resolves a pending task.
func (t *Tracker) ResolveAcknowledgment(ctx context.Context, messageID string, err error) bool {
	t.mu.Lock()
	ch, exists := t.pending[messageID]
	if exists {
		delete(t.pending, messageID)
	}
	t.mu.Unlock()

	if !exists {
		t.logger.Debug(ctx, "No pending task found for result", "task_id", messageID)
		return false
	}

	select {
	case ch <- err:
	default:
		t.logger.Warn(ctx, "Failed to deliver task result", "task_id", messageID, "error", err)
		return false
	}
	return true
}

// StopTracking stops tracking a task.
func (t *Tracker) StopTracking(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, messageID)
}

// CleanupAll resolves all pending tasks with err. Used on shutdown so no
// waiter is left to time out on its own.
func (t *Tracker) CleanupAll(ctx context.Context, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := len(t.pending)
	if count == 0 {
		return
	}

	t.logger.Info(ctx, "Cleaning up pending tasks", "count", count, "error", err)

	for messageID, ch := range t.pending {
		select {
		case ch <- err:
		default:
		}
		delete(t.pending, messageID)
	}
}

// WaitForAcknowledgment waits for the task's result.
func (t *Tracker) WaitForAcknowledgment(
	ctx context.Context,
	messageID string,
	ackCh <-chan error,
	timeout time.Duration,
) error {
	span := trace.SpanFromContext(ctx)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-ackCh:
		span.AddEvent("result_received")
		return err
	case <-timer.C:
		span.AddEvent("timeout_waiting_for_result")
		t.logger.Warn(ctx, "Timed out waiting for task result", "task_id", messageID, "timeout", timeout)
		t.StopTracking(messageID)
		return ErrAckTimeout
	case <-ctx.Done():
		span.AddEvent("context_canceled_while_waiting_for_result")
		t.logger.Warn(ctx, "Context canceled while waiting for task result", "task_id", messageID)
		t.StopTracking(messageID)
		return ctx.Err()
	}
}

// Pending returns the number of tracked tasks.
func (t *Tracker) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}
