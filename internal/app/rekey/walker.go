// Package rekey implements the batched token regeneration workflow: walking
// the table by keyset pagination, assigning new tokens page by page,
// persisting the resume checkpoint and reporting progress.
package rekey

import (
	"context"
	"fmt"
	"iter"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/rekey/internal/domain/rekey"
)

// Walker produces consecutive pages of records in ascending id order. Each
// query filters strictly on the last id seen, never on an offset, so rows
// consumed or inserted behind the cursor cannot shift later pages.
type Walker struct {
	reader    rekey.RecordReader
	batchSize int
	cursor    int64
	tracer    trace.Tracer
}

// NewWalker creates a walker that resumes after the given cursor.
func NewWalker(reader rekey.RecordReader, batchSize int, cursor int64, tracer trace.Tracer) (*Walker, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: %d", rekey.ErrInvalidBatchSize, batchSize)
	}
	return &Walker{reader: reader, batchSize: batchSize, cursor: cursor, tracer: tracer}, nil
}

// Cursor returns the id after which the next page starts.
func (w *Walker) Cursor() int64 { return w.cursor }

// Next reads the next page and moves the cursor to its last id. An empty page
// means the table is exhausted.
func (w *Walker) Next(ctx context.Context) (rekey.Page, error) {
	ctx, span := w.tracer.Start(ctx, "walker.next",
		trace.WithAttributes(
			attribute.Int64("cursor", w.cursor),
			attribute.Int("batch_size", w.batchSize),
		))
	defer span.End()

	recs, err := w.reader.ListAfter(ctx, w.cursor, w.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read page")
		return rekey.Page{}, fmt.Errorf("failed to read page after id %d: %w", w.cursor, err)
	}

	page, err := rekey.NewPage(w.cursor, recs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid page")
		return rekey.Page{}, err
	}
	w.cursor = page.EndID()
	span.SetAttributes(attribute.Int("page_size", page.Len()))

	return page, nil
}

// Pages walks the remaining table as an iterator. Iteration ends after the
// last non-empty page or after yielding the first error.
func (w *Walker) Pages(ctx context.Context) iter.Seq2[rekey.Page, error] {
	return func(yield func(rekey.Page, error) bool) {
		for {
			page, err := w.Next(ctx)
			if err != nil {
				yield(rekey.Page{}, err)
				return
			}
			if page.IsEmpty() {
				return
			}
			if !yield(page, nil) {
				return
			}
		}
	}
}
