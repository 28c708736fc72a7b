package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/rekey/internal/domain/rekey"
	"github.com/ahrav/rekey/internal/infra/storage"
)

var _ rekey.CheckpointStore = (*CheckpointStore)(nil)

// DefaultCheckpointName identifies the checkpoint row when none is
// configured.
const DefaultCheckpointName = "tickets"

// CheckpointStore keeps a named checkpoint in the rekey_checkpoints table.
// The upsert refuses to lower last_processed_id, so a stale writer cannot
// move the checkpoint backwards.
type CheckpointStore struct {
	pool   *pgxpool.Pool
	name   string
	tracer trace.Tracer
}

// NewCheckpointStore creates a PostgreSQL-backed checkpoint store.
func NewCheckpointStore(pool *pgxpool.Pool, name string, tracer trace.Tracer) *CheckpointStore {
	if name == "" {
		name = DefaultCheckpointName
	}
	return &CheckpointStore{pool: pool, name: name, tracer: tracer}
}

const loadCheckpointSQL = `
SELECT last_processed_id, elapsed_seconds
FROM rekey_checkpoints
WHERE name = $1`

const saveCheckpointSQL = `
INSERT INTO rekey_checkpoints (name, last_processed_id, elapsed_seconds, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (name) DO UPDATE
SET last_processed_id = EXCLUDED.last_processed_id,
    elapsed_seconds = EXCLUDED.elapsed_seconds,
    updated_at = NOW()
WHERE rekey_checkpoints.last_processed_id <= EXCLUDED.last_processed_id`

const resetCheckpointSQL = `DELETE FROM rekey_checkpoints WHERE name = $1`

// Load returns the zero checkpoint if none has been saved.
func (s *CheckpointStore) Load(ctx context.Context) (rekey.Checkpoint, error) {
	var cp rekey.Checkpoint
	attrs := dbAttrs(attribute.String("checkpoint_name", s.name))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_checkpoint", attrs, func(ctx context.Context) error {
		var (
			id      int64
			elapsed float64
		)
		err := s.pool.QueryRow(ctx, loadCheckpointSQL, s.name).Scan(&id, &elapsed)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		cp = rekey.Checkpoint{LastProcessedID: id, CumulativeElapsed: rekey.DurationFromSeconds(elapsed)}
		return nil
	})
	return cp, err
}

func (s *CheckpointStore) Save(ctx context.Context, cp rekey.Checkpoint) error {
	attrs := dbAttrs(
		attribute.String("checkpoint_name", s.name),
		attribute.Int64("last_processed_id", cp.LastProcessedID),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_checkpoint", attrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, saveCheckpointSQL, s.name, cp.LastProcessedID, cp.ElapsedSeconds())
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: stored checkpoint is beyond %d", rekey.ErrCheckpointRegression, cp.LastProcessedID)
		}
		return nil
	})
}

func (s *CheckpointStore) Reset(ctx context.Context) error {
	attrs := dbAttrs(attribute.String("checkpoint_name", s.name))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.reset_checkpoint", attrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, resetCheckpointSQL, s.name); err != nil {
			return fmt.Errorf("failed to reset checkpoint: %w", err)
		}
		return nil
	})
}
