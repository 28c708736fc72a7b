package acktracking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/rekey/internal/infra/queue/acktracking"
	"github.com/ahrav/rekey/pkg/common/logger"
)

func TestTrackMessageReceivesNilAck(t *testing.T) {
	tracker := acktracking.NewTracker(logger.Noop())

	ackCh := tracker.TrackMessage("task-1")
	assert.Equal(t, 1, tracker.Pending())

	ok := tracker.ResolveAcknowledgment(context.Background(), "task-1", nil)
	assert.True(t, ok)
	assert.NoError(t, <-ackCh)
	assert.Equal(t, 0, tracker.Pending())
}

func TestTrackMessageReceivesErrorAck(t *testing.T) {
	tracker := acktracking.NewTracker(logger.Noop())

	ackCh := tracker.TrackMessage("task-1")
	resolveErr := errors.New("write failed")

	require.True(t, tracker.ResolveAcknowledgment(context.Background(), "task-1", resolveErr))
	assert.EqualError(t, <-ackCh, resolveErr.Error())
}

func TestResolveAcknowledgmentUnknown(t *testing.T) {
	tracker := acktracking.NewTracker(logger.Noop())
	assert.False(t, tracker.ResolveAcknowledgment(context.Background(), "unknown", nil))
}

func TestResolveTwice(t *testing.T) {
	tracker := acktracking.NewTracker(logger.Noop())
	tracker.TrackMessage("task-1")

	assert.True(t, tracker.ResolveAcknowledgment(context.Background(), "task-1", nil))
	assert.False(t, tracker.ResolveAcknowledgment(context.Background(), "task-1", nil))
}

func TestStopTracking(t *testing.T) {
	tracker := acktracking.NewTracker(logger.Noop())

	ackCh := tracker.TrackMessage("task-1")
	tracker.StopTracking("task-1")

	assert.False(t, tracker.ResolveAcknowledgment(context.Background(), "task-1", nil))
	select {
	case err := <-ackCh:
		t.Fatalf("expected no result, got %v", err)
	default:
	}
}

func TestCleanupAll(t *testing.T) {
	tracker := acktracking.NewTracker(logger.Noop())

	ch1 := tracker.TrackMessage("task-1")
	ch2 := tracker.TrackMessage("task-2")

	cleanupErr := errors.New("shutting down")
	tracker.CleanupAll(context.Background(), cleanupErr)

	assert.EqualError(t, <-ch1, cleanupErr.Error())
	assert.EqualError(t, <-ch2, cleanupErr.Error())
	assert.Equal(t, 0, tracker.Pending())
}

func TestWaitForAcknowledgment(t *testing.T) {
	tracker := acktracking.NewTracker(logger.Noop())
	ctx := context.Background()

	ackCh := tracker.TrackMessage("task-1")
	resolveErr := errors.New("processing failed")
	go tracker.ResolveAcknowledgment(ctx, "task-1", resolveErr)

	err := tracker.WaitForAcknowledgment(ctx, "task-1", ackCh, time.Second)
	assert.EqualError(t, err, resolveErr.Error())
}

func TestWaitForAcknowledgmentTimesOut(t *testing.T) {
	tracker := acktracking.NewTracker(logger.Noop())

	ackCh := tracker.TrackMessage("task-1")
	err := tracker.WaitForAcknowledgment(context.Background(), "task-1", ackCh, 5*time.Millisecond)

	assert.ErrorIs(t, err, acktracking.ErrAckTimeout)
	assert.Equal(t, 0, tracker.Pending(), "timed out task is no longer tracked")
}

func TestWaitForAcknowledgmentContextCancel(t *testing.T) {
	tracker := acktracking.NewTracker(logger.Noop())

	ackCh := tracker.TrackMessage("task-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tracker.WaitForAcknowledgment(ctx, "task-1", ackCh, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentResolvesDeliverOnce(t *testing.T) {
	tracker := acktracking.NewTracker(logger.Noop())
	ackCh := tracker.TrackMessage("task-1")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		resolved int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tracker.ResolveAcknowledgment(context.Background(), "task-1", nil) {
				mu.Lock()
				resolved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, resolved)
	assert.NoError(t, <-ackCh)
}
