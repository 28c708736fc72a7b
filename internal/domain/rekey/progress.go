package rekey

import (
	"fmt"
	"time"
)

// Progress is a point-in-time view of a run's completion.
type Progress struct {
	Processed int64
	Total     int64
	Percent   float64
	Elapsed   time.Duration
	// ETA is only meaningful when HasETA is true; nothing can be estimated
	// before the first record is processed.
	ETA    time.Duration
	HasETA bool
}

// ComputeProgress derives percentage and remaining time from an
// authoritative processed count and the cumulative elapsed time. The ETA
// extrapolates the average per-record rate over every run so far.
func ComputeProgress(processed, total int64, elapsed time.Duration) Progress {
	p := Progress{Processed: processed, Total: total, Elapsed: elapsed}
	if total > 0 {
		p.Percent = float64(processed) / float64(total) * 100
	}
	if processed > 0 {
		estimatedTotal := elapsed.Seconds() / float64(processed) * float64(total)
		remaining := estimatedTotal - elapsed.Seconds()
		p.ETA = DurationFromSeconds(remaining)
		p.HasETA = true
	}
	return p
}

// Line renders the operator-facing progress line.
func (p Progress) Line() string {
	if !p.HasETA {
		return fmt.Sprintf("Processed %d/%d records (%.2f%% complete).", p.Processed, p.Total, p.Percent)
	}
	return fmt.Sprintf(
		"Processed %d/%d records (%.2f%% complete). Estimated remaining time: %.2f seconds.",
		p.Processed, p.Total, p.Percent, p.ETA.Seconds(),
	)
}
