package rekey

import "github.com/google/uuid"

// Record is a row of the rekeyed table. Only the primary key and the token
// column are ever read or written.
type Record struct {
	ID    int64
	Token uuid.UUID
}

// TokenAssignment pairs a record id with the token that replaces its current
// one. A page's assignments are persisted together or not at all.
type TokenAssignment struct {
	ID    int64
	Token uuid.UUID
}
