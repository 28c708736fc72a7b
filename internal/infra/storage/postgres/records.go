// Package postgres implements the record store and a checkpoint store on
// PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/rekey/internal/domain/rekey"
	"github.com/ahrav/rekey/internal/infra/storage"
)

var _ rekey.RecordRepository = (*RecordStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

func dbAttrs(extra ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+len(extra))
	out = append(out, defaultDBAttributes...)
	return append(out, extra...)
}

// RecordStore reads and rewrites the token column of one table. The table
// needs a unique, increasing bigint id and a uuid token column.
type RecordStore struct {
	pool   *pgxpool.Pool
	table  string
	tracer trace.Tracer

	listAfterSQL string
	listRangeSQL string
	countAllSQL  string
	countUpToSQL string
	updateRowSQL string
	updateBulk   string
}

// NewRecordStore creates a store over table, which may be schema-qualified
// ("schema.table"). The name is quoted, never interpolated raw.
func NewRecordStore(pool *pgxpool.Pool, table string, tracer trace.Tracer) *RecordStore {
	t := pgx.Identifier(strings.Split(table, ".")).Sanitize()
	return &RecordStore{
		pool:   pool,
		table:  table,
		tracer: tracer,

		listAfterSQL: fmt.Sprintf(`SELECT id, token FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, t),
		listRangeSQL: fmt.Sprintf(`SELECT id, token FROM %s WHERE id BETWEEN $1 AND $2 ORDER BY id`, t),
		countAllSQL:  fmt.Sprintf(`SELECT count(*) FROM %s`, t),
		countUpToSQL: fmt.Sprintf(`SELECT count(*) FROM %s WHERE id <= $1`, t),
		updateRowSQL: fmt.Sprintf(`UPDATE %s SET token = $2::uuid, updated = TRUE WHERE id = $1`, t),
		updateBulk: fmt.Sprintf(`UPDATE %[1]s AS t SET token = v.token::uuid, updated = TRUE
FROM unnest($1::bigint[], $2::text[]) AS v(id, token)
WHERE t.id = v.id`, t),
	}
}

func scanRecord(row pgx.CollectableRow) (rekey.Record, error) {
	var (
		id  int64
		tok pgtype.UUID
	)
	if err := row.Scan(&id, &tok); err != nil {
		return rekey.Record{}, err
	}
	return rekey.Record{ID: id, Token: uuid.UUID(tok.Bytes)}, nil
}

// ListAfter pages by primary key: the filter is on the last id seen, so
// cost stays constant per page however far into the table the cursor is.
func (s *RecordStore) ListAfter(ctx context.Context, afterID int64, limit int) ([]rekey.Record, error) {
	var recs []rekey.Record
	attrs := dbAttrs(
		attribute.String("table", s.table),
		attribute.Int64("after_id", afterID),
		attribute.Int("limit", limit),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_records_after", attrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, s.listAfterSQL, afterID, limit)
		if err != nil {
			return fmt.Errorf("failed to query records: %w", err)
		}
		if recs, err = pgx.CollectRows(rows, scanRecord); err != nil {
			return fmt.Errorf("failed to scan records: %w", err)
		}
		return nil
	})
	return recs, err
}

func (s *RecordStore) ListRange(ctx context.Context, startID, endID int64) ([]rekey.Record, error) {
	var recs []rekey.Record
	attrs := dbAttrs(
		attribute.String("table", s.table),
		attribute.Int64("start_id", startID),
		attribute.Int64("end_id", endID),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_records_range", attrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, s.listRangeSQL, startID, endID)
		if err != nil {
			return fmt.Errorf("failed to query record range: %w", err)
		}
		if recs, err = pgx.CollectRows(rows, scanRecord); err != nil {
			return fmt.Errorf("failed to scan records: %w", err)
		}
		return nil
	})
	return recs, err
}

func (s *RecordStore) CountAll(ctx context.Context) (int64, error) {
	var n int64
	attrs := dbAttrs(attribute.String("table", s.table))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.count_records", attrs, func(ctx context.Context) error {
		if err := s.pool.QueryRow(ctx, s.countAllSQL).Scan(&n); err != nil {
			return fmt.Errorf("failed to count records: %w", err)
		}
		return nil
	})
	return n, err
}

func (s *RecordStore) CountUpTo(ctx context.Context, id int64) (int64, error) {
	var n int64
	attrs := dbAttrs(attribute.String("table", s.table), attribute.Int64("up_to_id", id))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.count_records_up_to", attrs, func(ctx context.Context) error {
		if err := s.pool.QueryRow(ctx, s.countUpToSQL, id).Scan(&n); err != nil {
			return fmt.Errorf("failed to count records up to %d: %w", id, err)
		}
		return nil
	})
	return n, err
}

// UpdateTokensRowWise writes each token with its own UPDATE, all inside one
// transaction.
func (s *RecordStore) UpdateTokensRowWise(ctx context.Context, assignments []rekey.TokenAssignment) error {
	attrs := dbAttrs(attribute.String("table", s.table), attribute.Int("rows", len(assignments)))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_tokens_row_wise", attrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for _, a := range assignments {
				tag, err := tx.Exec(ctx, s.updateRowSQL, a.ID, a.Token.String())
				if err != nil {
					return fmt.Errorf("failed to update token for record %d: %w", a.ID, err)
				}
				if tag.RowsAffected() != 1 {
					return fmt.Errorf("record %d not found", a.ID)
				}
			}
			return nil
		})
	})
}

// UpdateTokensBulk writes every token with a single UPDATE joined against
// unnested id and token arrays. A row-count mismatch rolls the page back.
func (s *RecordStore) UpdateTokensBulk(ctx context.Context, assignments []rekey.TokenAssignment) error {
	ids := make([]int64, len(assignments))
	toks := make([]string, len(assignments))
	for i, a := range assignments {
		ids[i] = a.ID
		toks[i] = a.Token.String()
	}

	attrs := dbAttrs(attribute.String("table", s.table), attribute.Int("rows", len(assignments)))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_tokens_bulk", attrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, s.updateBulk, ids, toks)
			if err != nil {
				return fmt.Errorf("failed to bulk update tokens: %w", err)
			}
			if got := tag.RowsAffected(); got != int64(len(assignments)) {
				return fmt.Errorf("bulk update touched %d of %d records", got, len(assignments))
			}
			return nil
		})
	})
}
