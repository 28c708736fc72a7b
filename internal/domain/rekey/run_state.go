package rekey

import "time"

// RunState is the process-lifetime state of one run. It is passed through the
// walk loop by value; nothing about it is global.
type RunState struct {
	// TotalRecords is sampled once at start and may go stale if the table is
	// modified concurrently.
	TotalRecords int64
	StartedAt    time.Time
	// Baseline is the checkpoint loaded at start.
	Baseline Checkpoint
}

// NewRunState captures the start of a run.
func NewRunState(total int64, startedAt time.Time, baseline Checkpoint) RunState {
	return RunState{TotalRecords: total, StartedAt: startedAt, Baseline: baseline}
}

// Elapsed returns the wall time spent across all runs, including the
// time recorded by previous runs in the baseline checkpoint.
func (s RunState) Elapsed(now time.Time) time.Duration {
	run := now.Sub(s.StartedAt)
	if run < 0 {
		run = 0
	}
	return s.Baseline.CumulativeElapsed + run
}

// CheckpointAt builds the checkpoint to persist after committing through
// lastID at time now.
func (s RunState) CheckpointAt(lastID int64, now time.Time) (Checkpoint, error) {
	return s.Baseline.Advance(lastID, s.Elapsed(now))
}
