package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/findertool/deployctl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()

	a, err := Open(Config{URL: filepath.Join(t.TempDir(), "bot.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	return a
}

func TestOpen_SQLite(t *testing.T) {
	a := openTestAdapter(t)
	assert.Equal(t, deployctl.DialectSQLite, a.Dialect())
	assert.NoError(t, a.Ping(context.Background()))
}

func TestAdapter_ExecuteAndQuery(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	_, err := a.Execute(ctx, `CREATE TABLE users (
		user_id INTEGER PRIMARY KEY,
		username TEXT,
		is_subscribed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT
	)`)
	require.NoError(t, err)

	affected, err := a.Execute(ctx,
		"INSERT INTO users (user_id, username, is_subscribed, created_at) VALUES (?, ?, ?, ?)",
		int64(42), "finder", 1, "2026-08-25 10:30:00")
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	rows, err := a.Query(ctx, "SELECT user_id, username, is_subscribed, created_at FROM users WHERE user_id = ?", int64(42))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, int64(42), row.Int64("user_id"))
	assert.Equal(t, "finder", row.String("username"))
	assert.True(t, row.Bool("is_subscribed"))
	assert.Equal(t, time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC), row.Time("created_at"))
}

func TestAdapter_QueryOne(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	_, err := a.Execute(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	_, found, err := a.QueryOne(ctx, "SELECT id FROM t WHERE id = ?", 1)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = a.Execute(ctx, "INSERT INTO t (id) VALUES (?)", 7)
	require.NoError(t, err)

	row, found, err := a.QueryOne(ctx, "SELECT id FROM t WHERE id = ?", 7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(7), row.Int64("id"))
}

func TestAdapter_ConstraintViolationClassified(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	_, err := a.Execute(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	_, err = a.Execute(ctx, "INSERT INTO t (id) VALUES (?)", 1)
	require.NoError(t, err)

	_, err = a.Execute(ctx, "INSERT INTO t (id) VALUES (?)", 1)
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestAdapter_StatementErrorClassified(t *testing.T) {
	a := openTestAdapter(t)

	_, err := a.Execute(context.Background(), "SELEKT broken FROM nowhere")
	assert.ErrorIs(t, err, ErrStatement)
}

func TestHandle_TransactionCommitAndRollback(t *testing.T) {
	a := openTestAdapter(t)
	ctx := context.Background()

	_, err := a.Execute(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	h, err := a.Acquire(ctx)
	require.NoError(t, err)
	defer func() { _ = h.Release() }()

	tx, err := h.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, "INSERT INTO t (id) VALUES (?)", 1)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx, err = h.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, "INSERT INTO t (id) VALUES (?)", 2)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	rows, err := a.Query(ctx, "SELECT id FROM t ORDER BY id")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].Int64("id"))
}

func TestRow_Coercions(t *testing.T) {
	row := Row{
		"flag_bool":  true,
		"flag_int":   int64(1),
		"flag_off":   int64(0),
		"count":      int64(9),
		"ratio":      3.5,
		"name":       "finder",
		"maybe":      nil,
		"ts_native":  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		"ts_text":    "2026-01-02 03:04:05",
		"ts_garbage": "not a time",
	}

	assert.True(t, row.Bool("flag_bool"))
	assert.True(t, row.Bool("flag_int"))
	assert.False(t, row.Bool("flag_off"))
	assert.Equal(t, int64(9), row.Int64("count"))
	assert.Equal(t, 3.5, row.Float64("ratio"))
	assert.Equal(t, "finder", row.String("name"))
	assert.True(t, row.IsNull("maybe"))
	assert.True(t, row.IsNull("absent"))
	assert.Equal(t, row.Time("ts_native"), row.Time("ts_text"))
	assert.True(t, row.Time("ts_garbage").IsZero())
}
