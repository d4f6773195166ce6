package storage

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnList(t *testing.T) {
	assert.Equal(t, "a, b, c", columnList([]string{"a", "b", "c"}))
	assert.Equal(t, "", columnList(nil))
}

func TestValuePlaceholders(t *testing.T) {
	assert.Equal(t, "($1, $2), ($3, $4)", valuePlaceholders(2, 2))
}

func TestExcludedAssignments(t *testing.T) {
	assert.Equal(t, "x = EXCLUDED.x, y = EXCLUDED.y", excludedAssignments([]string{"x", "y"}))
}

func TestBuildInsertSQLConflictModes(t *testing.T) {
	base := InsertManySpec{Table: "items", Columns: []string{"a", "b"}}

	none := buildInsertSQL(base, 1)
	assert.NotContains(t, none, "ON CONFLICT")

	doNothing := base
	doNothing.Mode = ConflictDoNothing
	doNothing.ConflictTarget = []string{"a"}
	assert.Contains(t, buildInsertSQL(doNothing, 1), "ON CONFLICT (a) DO NOTHING")

	update := base
	update.Mode = ConflictUpdate
	update.ConflictTarget = []string{"a"}
	update.UpdateColumns = []string{"b"}
	assert.Contains(t, buildInsertSQL(update, 1), "ON CONFLICT (a) DO UPDATE SET b = EXCLUDED.b")

	returning := base
	returning.Mode = ConflictReturning
	assert.Contains(t, buildInsertSQL(returning, 1), "RETURNING id")
}

// fakeQuerier records every Exec and Query call; Query returns no rows.
type fakeQuerier struct {
	execCalls []execCall
}

type execCall struct {
	sql  string
	args []any
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execCalls = append(f.execCalls, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, nil
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.execCalls = append(f.execCalls, execCall{sql: sql, args: args})
	return nil, nil
}

func TestInsertManyEmptyRowsIsNoop(t *testing.T) {
	q := &fakeQuerier{}
	ids, err := InsertMany(context.Background(), q, InsertManySpec{Table: "x", Columns: []string{"a"}}, nil)
	require.NoError(t, err)
	assert.Nil(t, ids)
	assert.Empty(t, q.execCalls)
}

func TestInsertManyChunksWhenOverParamLimit(t *testing.T) {
	q := &fakeQuerier{}
	columns := []string{"a", "b"}
	chunkRows := paramLimit / len(columns)
	rows := make([][]any, chunkRows+5)
	for i := range rows {
		rows[i] = []any{i, i}
	}

	_, err := InsertMany(context.Background(), q, InsertManySpec{Table: "t", Columns: columns}, rows)
	require.NoError(t, err)
	assert.Len(t, q.execCalls, 2)
}
