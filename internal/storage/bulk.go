package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ConflictMode selects how InsertMany reacts to a unique-constraint clash.
type ConflictMode int

const (
	ConflictNone ConflictMode = iota
	ConflictDoNothing
	ConflictUpdate
	ConflictReturning
)

// paramLimit is the conservative default parameter ceiling from §4.H.
const paramLimit = 30000

// InsertManySpec describes one bulk insert: the target table, its columns
// in row order, the conflict target, and (for ConflictUpdate) the columns
// to overwrite from EXCLUDED.
type InsertManySpec struct {
	Table          string
	Columns        []string
	ConflictTarget []string
	UpdateColumns  []string
	Mode           ConflictMode
}

// InsertMany performs insert_many(table, rows) (§4.H): a single logical
// insert, chunked so that rows_per_chunk * len(columns) <= PARAM_LIMIT, run
// across chunks inside the given querier (typically a transaction, so that
// all chunks commit atomically with the caller's other writes — the
// ingestor's outer transaction makes partial failure moot for killmail
// children).
func InsertMany(ctx context.Context, q Querier, spec InsertManySpec, rows [][]any) ([]int64, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	chunkSize := paramLimit / len(spec.Columns)
	if chunkSize < 1 {
		chunkSize = 1
	}

	var ids []int64
	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		chunkIDs, err := insertChunk(ctx, q, spec, rows[start:end])
		if err != nil {
			return nil, fmt.Errorf("insert chunk [%d:%d] into %s: %w", start, end, spec.Table, err)
		}
		ids = append(ids, chunkIDs...)
	}
	return ids, nil
}

func insertChunk(ctx context.Context, q Querier, spec InsertManySpec, rows [][]any) ([]int64, error) {
	sql := buildInsertSQL(spec, len(rows))
	args := make([]any, 0, len(rows)*len(spec.Columns))
	for _, row := range rows {
		args = append(args, row...)
	}

	if spec.Mode != ConflictReturning {
		_, err := q.Exec(ctx, sql, args...)
		return nil, err
	}

	result, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	var ids []int64
	for result.Next() {
		var id int64
		if err := result.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, result.Err()
}

func buildInsertSQL(spec InsertManySpec, rowCount int) string {
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", spec.Table, columnList(spec.Columns), valuePlaceholders(len(spec.Columns), rowCount))

	switch spec.Mode {
	case ConflictDoNothing:
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", columnList(spec.ConflictTarget))
	case ConflictUpdate:
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", columnList(spec.ConflictTarget), excludedAssignments(spec.UpdateColumns))
	case ConflictReturning:
		sql += " RETURNING id"
	}
	return sql
}

func columnList(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func valuePlaceholders(cols, rows int) string {
	out := ""
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			out += ", "
		}
		out += "("
		for c := 0; c < cols; c++ {
			if c > 0 {
				out += ", "
			}
			out += fmt.Sprintf("$%d", n)
			n++
		}
		out += ")"
	}
	return out
}

func excludedAssignments(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}
	return out
}

// Querier is satisfied by *pgxpool.Pool, pgx.Tx, and pgxpool.Conn — whatever
// handle the caller is already operating inside.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}
