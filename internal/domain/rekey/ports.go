package rekey

import (
	"context"

	"github.com/google/uuid"
)

// CheckpointStore persists a single checkpoint. Implementations must make
// Save atomic from the caller's point of view, and Load must return the zero
// checkpoint with a nil error when nothing has been saved yet.
type CheckpointStore interface {
	Load(ctx context.Context) (Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
	Reset(ctx context.Context) error
}

// RecordReader reads records by keyset pagination on the primary key.
type RecordReader interface {
	// ListAfter returns up to limit records with id > afterID in ascending
	// id order.
	ListAfter(ctx context.Context, afterID int64, limit int) ([]Record, error)
	// ListRange returns every record with startID <= id <= endID in
	// ascending id order.
	ListRange(ctx context.Context, startID, endID int64) ([]Record, error)
}

// RecordCounter answers the counting questions progress reporting needs.
type RecordCounter interface {
	CountAll(ctx context.Context) (int64, error)
	CountUpTo(ctx context.Context, id int64) (int64, error)
}

// TokenWriter persists a page of token assignments atomically.
type TokenWriter interface {
	// UpdateTokensRowWise issues one write per assignment inside a single
	// transaction.
	UpdateTokensRowWise(ctx context.Context, assignments []TokenAssignment) error
	// UpdateTokensBulk issues one multi-row write for all assignments.
	UpdateTokensBulk(ctx context.Context, assignments []TokenAssignment) error
}

// RecordRepository is the full record-store collaborator.
type RecordRepository interface {
	RecordReader
	RecordCounter
	TokenWriter
}

// TokenGenerator produces a fresh collision-resistant token.
type TokenGenerator func() (uuid.UUID, error)

// RandomToken generates a random (version 4) UUID.
func RandomToken() (uuid.UUID, error) { return uuid.NewRandom() }
