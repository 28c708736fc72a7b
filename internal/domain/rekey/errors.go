package rekey

import "errors"

var (
	// ErrInvalidBatchSize is returned when a walker is built with a
	// non-positive page size.
	ErrInvalidBatchSize = errors.New("batch size must be greater than zero")

	// ErrCheckpointRegression is returned when a checkpoint would move to a
	// lower id than the one it already records.
	ErrCheckpointRegression = errors.New("checkpoint cannot move backwards")

	// ErrPageNotAscending is returned when a page's records are not strictly
	// ascending by id or do not start after the cursor they were read from.
	ErrPageNotAscending = errors.New("page records must be strictly ascending by id")
)
