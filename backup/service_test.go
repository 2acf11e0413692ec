package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/findertool/deployctl"
	"github.com/findertool/deployctl/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService(t *testing.T, retention time.Duration) (*Service, *db.Adapter) {
	t.Helper()

	adapter, err := db.Open(db.Config{URL: filepath.Join(t.TempDir(), "bot.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	store, err := NewLocalStore(filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)

	svc := New(Config{
		Adapter:   adapter,
		Store:     store,
		Retention: retention,
		Logger:    deployctl.NopLogger{},
	})
	return svc, adapter
}

func seed(t *testing.T, adapter *db.Adapter, usernames ...string) {
	t.Helper()
	ctx := context.Background()

	_, err := adapter.Execute(ctx, "CREATE TABLE IF NOT EXISTS users (user_id INTEGER PRIMARY KEY, username TEXT)")
	require.NoError(t, err)
	for i, username := range usernames {
		_, err := adapter.Execute(ctx, "INSERT INTO users (user_id, username) VALUES (?, ?)", i+1, username)
		require.NoError(t, err)
	}
}

func countUsers(t *testing.T, adapter *db.Adapter) int64 {
	t.Helper()

	row, found, err := adapter.QueryOne(context.Background(), "SELECT COUNT(*) AS n FROM users")
	require.NoError(t, err)
	require.True(t, found)
	return row.Int64("n")
}

func TestService_CreateProducesVerifiableSnapshot(t *testing.T) {
	svc, adapter := testService(t, time.Hour)
	seed(t, adapter, "alice", "bob")
	ctx := context.Background()

	snap, err := svc.Create(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, snap.ID)
	assert.Len(t, snap.BackendChecksum, 64)
	assert.Greater(t, snap.SizeBytes, int64(0))
	assert.Equal(t, snap.CreatedAt.Add(time.Hour), snap.RetentionExpiry)

	require.NoError(t, svc.Verify(ctx, snap.ID))

	got, err := svc.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.BackendChecksum, got.BackendChecksum)
	assert.Equal(t, snap.SizeBytes, got.SizeBytes)
}

func TestService_RestoreRoundTrip(t *testing.T) {
	svc, adapter := testService(t, time.Hour)
	seed(t, adapter, "alice", "bob")
	ctx := context.Background()

	snap, err := svc.Create(ctx)
	require.NoError(t, err)

	// Mutate after the snapshot; restore must undo all of it.
	_, err = adapter.Execute(ctx, "INSERT INTO users (user_id, username) VALUES (?, ?)", 3, "mallory")
	require.NoError(t, err)
	_, err = adapter.Execute(ctx, "CREATE TABLE stray (id INTEGER)")
	require.NoError(t, err)
	require.Equal(t, int64(3), countUsers(t, adapter))

	require.NoError(t, svc.Restore(ctx, snap.ID))

	assert.Equal(t, int64(2), countUsers(t, adapter))
	_, err = adapter.Query(ctx, "SELECT * FROM stray")
	assert.ErrorIs(t, err, db.ErrStatement)
}

func TestService_RestoreUnknownSnapshot(t *testing.T) {
	svc, _ := testService(t, time.Hour)

	err := svc.Restore(context.Background(), "20240101T000000Z_deadbeef")
	assert.ErrorIs(t, err, deployctl.ErrSnapshotNotFound)
}

func TestService_RestoreRefusesCorruptedArtifact(t *testing.T) {
	svc, adapter := testService(t, time.Hour)
	seed(t, adapter, "alice")
	ctx := context.Background()

	snap, err := svc.Create(ctx)
	require.NoError(t, err)

	// Flip bytes in the stored artifact.
	local := svc.config.Store.(*LocalStore)
	path := filepath.Join(local.Dir(), snap.ID+artifactSuffix)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	err = svc.Restore(ctx, snap.ID)
	assert.ErrorIs(t, err, deployctl.ErrSnapshotNotVerified)

	// The datastore must be untouched.
	assert.Equal(t, int64(1), countUsers(t, adapter))
}

func TestService_VerifyRejectsNonGzipArtifact(t *testing.T) {
	svc, adapter := testService(t, time.Hour)
	seed(t, adapter, "alice")
	ctx := context.Background()

	snap, err := svc.Create(ctx)
	require.NoError(t, err)

	local := svc.config.Store.(*LocalStore)
	path := filepath.Join(local.Dir(), snap.ID+artifactSuffix)
	require.NoError(t, os.WriteFile(path, []byte("not a gzip stream"), 0o644))

	err = svc.Verify(ctx, snap.ID)
	assert.ErrorIs(t, err, deployctl.ErrSnapshotNotVerified)
}

func TestService_ListOrdersByCreation(t *testing.T) {
	svc, adapter := testService(t, time.Hour)
	seed(t, adapter, "alice")
	ctx := context.Background()

	first, err := svc.Create(ctx)
	require.NoError(t, err)

	// Distinct content so the IDs differ even within the same second.
	_, err = adapter.Execute(ctx, "INSERT INTO users (user_id, username) VALUES (?, ?)", 2, "bob")
	require.NoError(t, err)
	second, err := svc.Create(ctx)
	require.NoError(t, err)

	snaps, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	ids := []string{snaps[0].ID, snaps[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)
	assert.False(t, snaps[1].CreatedAt.Before(snaps[0].CreatedAt))
}

func TestService_PruneDeletesExpired(t *testing.T) {
	svc, adapter := testService(t, -time.Hour)
	seed(t, adapter, "alice")
	ctx := context.Background()

	snap, err := svc.Create(ctx)
	require.NoError(t, err)

	pruned, err := svc.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{snap.ID}, pruned)

	_, err = svc.Get(ctx, snap.ID)
	assert.ErrorIs(t, err, deployctl.ErrSnapshotNotFound)
}

func TestService_PruneSparesHeldSnapshots(t *testing.T) {
	svc, adapter := testService(t, -time.Hour)
	seed(t, adapter, "alice")
	ctx := context.Background()

	held, err := svc.Create(ctx)
	require.NoError(t, err)

	_, err = adapter.Execute(ctx, "INSERT INTO users (user_id, username) VALUES (?, ?)", 2, "bob")
	require.NoError(t, err)
	expired, err := svc.Create(ctx)
	require.NoError(t, err)

	svc.Hold(held.ID)
	pruned, err := svc.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{expired.ID}, pruned)

	require.NoError(t, svc.Verify(ctx, held.ID))

	// Once released, the hold no longer protects it.
	svc.Unhold(held.ID)
	pruned, err = svc.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{held.ID}, pruned)
}

func TestService_PruneKeepsUnexpired(t *testing.T) {
	svc, adapter := testService(t, time.Hour)
	seed(t, adapter, "alice")
	ctx := context.Background()

	snap, err := svc.Create(ctx)
	require.NoError(t, err)

	pruned, err := svc.Prune(ctx)
	require.NoError(t, err)
	assert.Empty(t, pruned)
	require.NoError(t, svc.Verify(ctx, snap.ID))
}
