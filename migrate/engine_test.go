package migrate

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/findertool/deployctl"
	"github.com/findertool/deployctl/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAdapter(t *testing.T) *db.Adapter {
	t.Helper()

	a, err := db.Open(db.Config{URL: filepath.Join(t.TempDir(), "bot.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	return a
}

func testSource() fstest.MapFS {
	return fstest.MapFS{
		"001_create_users.up.sql":      {Data: []byte("CREATE TABLE users (user_id INTEGER PRIMARY KEY, username TEXT)")},
		"001_create_users.down.sql":    {Data: []byte("DROP TABLE users")},
		"002_add_requests.up.sql":      {Data: []byte("CREATE TABLE requests (id INTEGER PRIMARY KEY, user_id INTEGER)")},
		"002_add_requests.down.sql":    {Data: []byte("DROP TABLE requests")},
		"003_add_payments.up.sql":      {Data: []byte("CREATE TABLE payments (id INTEGER PRIMARY KEY, amount INTEGER)")},
		"003_add_payments.down.sql":    {Data: []byte("DROP TABLE payments")},
		"004_add_blocked.up.sql":       {Data: []byte("ALTER TABLE users ADD COLUMN blocked INTEGER NOT NULL DEFAULT 0")},
		"004_add_blocked.down.sql":     {Data: []byte("ALTER TABLE users DROP COLUMN blocked")},
		"005_add_broadcasts.up.sql":    {Data: []byte("CREATE TABLE broadcasts (id INTEGER PRIMARY KEY, message TEXT)")},
		"005_add_broadcasts.down.sql":  {Data: []byte("DROP TABLE broadcasts")},
	}
}

func TestEngine_AppliesAllPending(t *testing.T) {
	engine := New(Config{Adapter: testAdapter(t), Source: testSource(), Logger: deployctl.NopLogger{}})
	ctx := context.Background()

	applied, err := engine.Apply(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 5)

	current, err := engine.MaxApplied(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), current)
}

func TestEngine_ApplyTwiceIsIdempotent(t *testing.T) {
	engine := New(Config{Adapter: testAdapter(t), Source: testSource(), Logger: deployctl.NopLogger{}})
	ctx := context.Background()

	_, err := engine.Apply(ctx)
	require.NoError(t, err)

	first, err := engine.Status(ctx)
	require.NoError(t, err)

	applied, err := engine.Apply(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)

	second, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEngine_AppliesOnlyVersionsAboveCurrentMax(t *testing.T) {
	adapter := testAdapter(t)
	source := testSource()
	ctx := context.Background()

	engine := New(Config{Adapter: adapter, Source: source, Logger: deployctl.NopLogger{}})
	_, err := engine.ApplyTo(ctx, 3)
	require.NoError(t, err)

	current, err := engine.MaxApplied(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), current)

	applied, err := engine.Apply(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, int64(4), applied[0].Version)
	assert.Equal(t, int64(5), applied[1].Version)
}

func TestEngine_ChecksumDriftIsFatal(t *testing.T) {
	adapter := testAdapter(t)
	source := testSource()
	ctx := context.Background()

	engine := New(Config{Adapter: adapter, Source: source, Logger: deployctl.NopLogger{}})
	_, err := engine.Apply(ctx)
	require.NoError(t, err)

	// Mutate an applied unit's content and re-run.
	source["002_add_requests.up.sql"] = &fstest.MapFile{
		Data: []byte("CREATE TABLE requests (id INTEGER PRIMARY KEY, user_id INTEGER, sneaky TEXT)"),
	}
	drifted := New(Config{Adapter: adapter, Source: source, Logger: deployctl.NopLogger{}})

	_, err = drifted.Apply(ctx)
	assert.ErrorIs(t, err, deployctl.ErrChecksumDrift)
}

func TestEngine_AppliedVersionUnknownToCodeIsDrift(t *testing.T) {
	adapter := testAdapter(t)
	source := testSource()
	ctx := context.Background()

	engine := New(Config{Adapter: adapter, Source: source, Logger: deployctl.NopLogger{}})
	_, err := engine.Apply(ctx)
	require.NoError(t, err)

	// Drop an applied unit from the discovered set while keeping later ones.
	delete(source, "002_add_requests.up.sql")
	delete(source, "002_add_requests.down.sql")
	missing := New(Config{Adapter: adapter, Source: source, Logger: deployctl.NopLogger{}})

	_, err = missing.Apply(ctx)
	assert.ErrorIs(t, err, deployctl.ErrChecksumDrift)
}

func TestEngine_StoreAheadOfCodeRejected(t *testing.T) {
	adapter := testAdapter(t)
	ctx := context.Background()

	full := New(Config{Adapter: adapter, Source: testSource(), Logger: deployctl.NopLogger{}})
	_, err := full.Apply(ctx)
	require.NoError(t, err)

	// Old code only knows versions 1-3.
	oldSource := fstest.MapFS{}
	for name, file := range testSource() {
		if name[:3] <= "003" {
			oldSource[name] = file
		}
	}
	old := New(Config{Adapter: adapter, Source: oldSource, Logger: deployctl.NopLogger{}})

	_, err = old.Apply(ctx)
	assert.ErrorIs(t, err, deployctl.ErrCodeBehindStore)
}

func TestEngine_FailedUnitAbortsRun(t *testing.T) {
	adapter := testAdapter(t)
	source := testSource()
	source["004_add_blocked.up.sql"] = &fstest.MapFile{Data: []byte("ALTER TABLE no_such_table ADD COLUMN x INTEGER")}
	ctx := context.Background()

	engine := New(Config{Adapter: adapter, Source: source, Logger: deployctl.NopLogger{}})

	applied, err := engine.Apply(ctx)
	require.Error(t, err)
	assert.Len(t, applied, 3)

	// Version 5 must not have been attempted.
	current, maxErr := engine.MaxApplied(ctx)
	require.NoError(t, maxErr)
	assert.Equal(t, int64(3), current)

	statuses, err := engine.Status(ctx)
	require.NoError(t, err)
	for _, status := range statuses {
		if status.Unit.Version == 4 {
			assert.False(t, status.Applied)
			assert.Equal(t, StatusFailed, status.Record.Status)
		}
		if status.Unit.Version == 5 {
			assert.False(t, status.Applied)
			assert.Empty(t, status.Record.Status)
		}
	}
}

func TestEngine_FailedUnitLeavesSchemaUntouched(t *testing.T) {
	adapter := testAdapter(t)
	source := fstest.MapFS{
		// Second statement fails; the first must be rolled back with it.
		"001_bad.up.sql": {Data: []byte("CREATE TABLE half (id INTEGER); ALTER TABLE no_such ADD COLUMN x INTEGER")},
	}
	ctx := context.Background()

	engine := New(Config{Adapter: adapter, Source: source, Logger: deployctl.NopLogger{}})
	_, err := engine.Apply(ctx)
	require.Error(t, err)

	_, err = adapter.Query(ctx, "SELECT * FROM half")
	assert.ErrorIs(t, err, db.ErrStatement)
}

func TestEngine_ReapplyAfterFailureSucceeds(t *testing.T) {
	adapter := testAdapter(t)
	source := testSource()
	source["004_add_blocked.up.sql"] = &fstest.MapFile{Data: []byte("ALTER TABLE no_such_table ADD COLUMN x INTEGER")}
	ctx := context.Background()

	engine := New(Config{Adapter: adapter, Source: source, Logger: deployctl.NopLogger{}})
	_, err := engine.Apply(ctx)
	require.Error(t, err)

	// Operator fixes the unit; same version, new content, no success record.
	source["004_add_blocked.up.sql"] = &fstest.MapFile{Data: []byte("ALTER TABLE users ADD COLUMN blocked INTEGER NOT NULL DEFAULT 0")}
	fixed := New(Config{Adapter: adapter, Source: source, Logger: deployctl.NopLogger{}})

	applied, err := fixed.Apply(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 2)

	current, err := fixed.MaxApplied(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), current)
}

func TestEngine_RevertRunsInReverseOrder(t *testing.T) {
	adapter := testAdapter(t)
	ctx := context.Background()

	engine := New(Config{Adapter: adapter, Source: testSource(), Logger: deployctl.NopLogger{}})
	_, err := engine.Apply(ctx)
	require.NoError(t, err)

	reverted, err := engine.Revert(ctx, 3)
	require.NoError(t, err)
	require.Len(t, reverted, 2)
	assert.Equal(t, int64(5), reverted[0].Version)
	assert.Equal(t, int64(4), reverted[1].Version)

	current, err := engine.MaxApplied(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), current)
}

func TestEngine_RevertWithoutAppliedRecordFails(t *testing.T) {
	engine := New(Config{Adapter: testAdapter(t), Source: testSource(), Logger: deployctl.NopLogger{}})
	ctx := context.Background()

	_, err := engine.Revert(ctx, 0)
	assert.ErrorIs(t, err, deployctl.ErrNothingToRevert)
}

func TestEngine_RevertOneRequiresLatestVersion(t *testing.T) {
	adapter := testAdapter(t)
	ctx := context.Background()

	engine := New(Config{Adapter: adapter, Source: testSource(), Logger: deployctl.NopLogger{}})
	_, err := engine.Apply(ctx)
	require.NoError(t, err)

	err = engine.RevertOne(ctx, 3)
	assert.Error(t, err)

	err = engine.RevertOne(ctx, 5)
	require.NoError(t, err)

	current, err := engine.MaxApplied(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), current)
}

func TestEngine_StatusListsAppliedAndPending(t *testing.T) {
	adapter := testAdapter(t)
	ctx := context.Background()

	engine := New(Config{Adapter: adapter, Source: testSource(), Logger: deployctl.NopLogger{}})
	_, err := engine.ApplyTo(ctx, 2)
	require.NoError(t, err)

	statuses, err := engine.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 5)

	assert.True(t, statuses[0].Applied)
	assert.True(t, statuses[1].Applied)
	assert.False(t, statuses[2].Applied)
	assert.Equal(t, statuses[0].Unit.Checksum, statuses[0].Record.Checksum)
}
