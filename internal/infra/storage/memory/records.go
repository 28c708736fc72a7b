// Package memory provides in-process record and checkpoint stores. They back
// dry runs and tests; their semantics match the Postgres stores.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/rekey/internal/domain/rekey"
)

var _ rekey.RecordRepository = (*RecordStore)(nil)

// RecordStore holds records sorted by id.
type RecordStore struct {
	mu      sync.RWMutex
	records []rekey.Record
	writes  int
}

// NewRecordStore creates a store seeded with n records with ids 1..n and
// random tokens.
func NewRecordStore(n int) *RecordStore {
	recs := make([]rekey.Record, n)
	for i := range recs {
		recs[i] = rekey.Record{ID: int64(i + 1), Token: uuid.New()}
	}
	return &RecordStore{records: recs}
}

// NewRecordStoreFrom creates a store from arbitrary records. Ids must be
// unique; they are sorted on insert.
func NewRecordStoreFrom(recs []rekey.Record) *RecordStore {
	cp := slices.Clone(recs)
	slices.SortFunc(cp, func(a, b rekey.Record) int { return cmpInt64(a.ID, b.ID) })
	return &RecordStore{records: cp}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// search returns the index of the first record with id > after.
func (s *RecordStore) search(after int64) int {
	return sort.Search(len(s.records), func(i int) bool { return s.records[i].ID > after })
}

func (s *RecordStore) ListAfter(ctx context.Context, afterID int64, limit int) ([]rekey.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.search(afterID)
	end := min(i+limit, len(s.records))
	return slices.Clone(s.records[i:end]), nil
}

func (s *RecordStore) ListRange(ctx context.Context, startID, endID int64) ([]rekey.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.search(startID - 1)
	j := s.search(endID)
	return slices.Clone(s.records[i:j]), nil
}

func (s *RecordStore) CountAll(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), ctx.Err()
}

func (s *RecordStore) CountUpTo(ctx context.Context, id int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(s.search(id)), ctx.Err()
}

func (s *RecordStore) UpdateTokensRowWise(ctx context.Context, assignments []rekey.TokenAssignment) error {
	return s.apply(ctx, assignments)
}

func (s *RecordStore) UpdateTokensBulk(ctx context.Context, assignments []rekey.TokenAssignment) error {
	return s.apply(ctx, assignments)
}

// apply validates every assignment before changing anything so that a page
// is either fully applied or untouched.
func (s *RecordStore) apply(ctx context.Context, assignments []rekey.TokenAssignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := make([]int, len(assignments))
	for n, a := range assignments {
		i := s.search(a.ID - 1)
		if i == len(s.records) || s.records[i].ID != a.ID {
			return fmt.Errorf("record %d not found", a.ID)
		}
		idx[n] = i
	}
	for n, a := range assignments {
		s.records[idx[n]].Token = a.Token
	}
	s.writes++
	return nil
}

// Snapshot returns a copy of every record.
func (s *RecordStore) Snapshot() []rekey.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records)
}

// Writes returns the number of committed page writes.
func (s *RecordStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
