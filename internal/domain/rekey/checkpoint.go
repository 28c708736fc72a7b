package rekey

import (
	"fmt"
	"time"
)

// Checkpoint is the durable marker of resumable progress. LastProcessedID is
// the highest id whose page has been committed (0 before any page), and
// CumulativeElapsed is the wall time spent across every run so far.
type Checkpoint struct {
	LastProcessedID   int64
	CumulativeElapsed time.Duration
}

// ZeroCheckpoint is the state of a table that has never been processed.
func ZeroCheckpoint() Checkpoint { return Checkpoint{} }

// IsZero reports whether no record has ever been processed.
func (c Checkpoint) IsZero() bool { return c.LastProcessedID == 0 && c.CumulativeElapsed == 0 }

// Advance returns a checkpoint moved to lastID with the given cumulative
// elapsed time. Moving to a lower id is rejected; elapsed time never shrinks.
func (c Checkpoint) Advance(lastID int64, elapsed time.Duration) (Checkpoint, error) {
	if lastID < c.LastProcessedID {
		return c, fmt.Errorf("%w: %d -> %d", ErrCheckpointRegression, c.LastProcessedID, lastID)
	}
	return Checkpoint{LastProcessedID: lastID, CumulativeElapsed: max(elapsed, c.CumulativeElapsed)}, nil
}

// ElapsedSeconds returns the cumulative elapsed time in fractional seconds,
// the unit every checkpoint backend persists.
func (c Checkpoint) ElapsedSeconds() float64 { return c.CumulativeElapsed.Seconds() }

// DurationFromSeconds converts persisted fractional seconds back into a
// duration. Negative input is treated as zero.
func DurationFromSeconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("last_processed_id=%d elapsed=%.3fs", c.LastProcessedID, c.ElapsedSeconds())
}
