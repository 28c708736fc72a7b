package memory

import (
	"context"
	"sync"

	"github.com/ahrav/rekey/internal/domain/rekey"
)

var _ rekey.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore keeps the checkpoint in memory and records every save so
// tests can inspect the sequence of persisted values.
type CheckpointStore struct {
	mu      sync.Mutex
	current rekey.Checkpoint
	history []rekey.Checkpoint
}

func NewCheckpointStore() *CheckpointStore { return new(CheckpointStore) }

func (s *CheckpointStore) Load(ctx context.Context) (rekey.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, ctx.Err()
}

func (s *CheckpointStore) Save(ctx context.Context, cp rekey.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cp
	s.history = append(s.history, cp)
	return nil
}

func (s *CheckpointStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = rekey.ZeroCheckpoint()
	return ctx.Err()
}

// History returns every checkpoint saved so far, oldest first.
func (s *CheckpointStore) History() []rekey.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rekey.Checkpoint, len(s.history))
	copy(out, s.history)
	return out
}
