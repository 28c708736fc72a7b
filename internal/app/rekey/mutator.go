package rekey

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/rekey/internal/domain/rekey"
	"github.com/ahrav/rekey/pkg/common/logger"
)

// Strategy selects how a page's new tokens are persisted.
type Strategy string

const (
	// StrategyRowWise issues one update per record inside a transaction
	// spanning the page.
	StrategyRowWise Strategy = "row"
	// StrategyBulk issues a single multi-row update per page. Very large
	// pages can make this slower rather than faster; tune batch size.
	StrategyBulk Strategy = "bulk"
)

// ParseStrategy converts a configuration value into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRowWise, StrategyBulk:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown write strategy %q", s)
	}
}

// PageStore is the part of the record store the mutator needs.
type PageStore interface {
	rekey.RecordReader
	rekey.TokenWriter
}

// Mutator assigns a fresh token to every record of a page and persists the
// page atomically.
type Mutator struct {
	store        PageStore
	strategy     Strategy
	writeTimeout time.Duration
	newToken     rekey.TokenGenerator

	logger *logger.Logger
	tracer trace.Tracer
}

// MutatorOption configures a Mutator.
type MutatorOption func(*Mutator)

// WithTokenGenerator replaces the random UUID generator.
func WithTokenGenerator(gen rekey.TokenGenerator) MutatorOption {
	return func(m *Mutator) { m.newToken = gen }
}

// WithWriteTimeout bounds each page write. Zero disables the bound.
func WithWriteTimeout(d time.Duration) MutatorOption {
	return func(m *Mutator) { m.writeTimeout = d }
}

// NewMutator creates a Mutator writing with the given strategy.
func NewMutator(
	store PageStore,
	strategy Strategy,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...MutatorOption,
) *Mutator {
	m := &Mutator{
		store:    store,
		strategy: strategy,
		newToken: rekey.RandomToken,
		logger:   logger.With("component", "mutator"),
		tracer:   tracer,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply generates and persists new tokens for every record in the page. On
// error nothing from the page is visible.
func (m *Mutator) Apply(ctx context.Context, page rekey.Page) error {
	if page.IsEmpty() {
		return nil
	}

	ctx, span := m.tracer.Start(ctx, "mutator.apply",
		trace.WithAttributes(
			attribute.String("strategy", string(m.strategy)),
			attribute.Int64("start_id", page.StartID()),
			attribute.Int64("end_id", page.EndID()),
			attribute.Int("page_size", page.Len()),
		))
	defer span.End()

	assignments := make([]rekey.TokenAssignment, 0, page.Len())
	for _, rec := range page.Records() {
		tok, err := m.newToken()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to generate token")
			return fmt.Errorf("failed to generate token for record %d: %w", rec.ID, err)
		}
		assignments = append(assignments, rekey.TokenAssignment{ID: rec.ID, Token: tok})
	}

	if m.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.writeTimeout)
		defer cancel()
	}

	var err error
	switch m.strategy {
	case StrategyRowWise:
		err = m.store.UpdateTokensRowWise(ctx, assignments)
	default:
		err = m.store.UpdateTokensBulk(ctx, assignments)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist tokens")
		return fmt.Errorf("failed to persist tokens for %s: %w", page, err)
	}

	m.logger.Debug(ctx, "page committed",
		"start_id", page.StartID(),
		"end_id", page.EndID(),
		"records", page.Len(),
	)
	return nil
}

// ApplyRange re-reads the records in [startID, endID] and applies them as one
// page. Remote workers only receive page bounds, so they rebuild the page
// from the store. It returns the number of records rekeyed.
func (m *Mutator) ApplyRange(ctx context.Context, startID, endID int64) (int, error) {
	recs, err := m.store.ListRange(ctx, startID, endID)
	if err != nil {
		return 0, fmt.Errorf("failed to read range [%d, %d]: %w", startID, endID, err)
	}

	page, err := rekey.NewPage(startID-1, recs)
	if err != nil {
		return 0, err
	}
	if err := m.Apply(ctx, page); err != nil {
		return 0, err
	}
	return page.Len(), nil
}
