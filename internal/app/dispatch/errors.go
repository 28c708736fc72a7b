package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrPagesFailed is returned by Wait when at least one page failed. The
	// persisted checkpoint stops before the first failed page.
	ErrPagesFailed = errors.New("one or more pages failed")

	// ErrDispatcherClosed is returned by Submit after Wait has been called.
	ErrDispatcherClosed = errors.New("dispatcher is closed")

	errHalted = fmt.Errorf("%w: submission stopped", ErrPagesFailed)
)

// PageError describes a page that failed to commit.
type PageError struct {
	Seq     uint64
	StartID int64
	EndID   int64
	Err     error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %d [%d, %d] failed: %v", e.Seq, e.StartID, e.EndID, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }
