// Package backup implements point-in-time snapshots of the datastore:
// creation, integrity verification, restore, and retention pruning.
// Artifacts are gzip-compressed backend dumps stored alongside a JSON
// manifest in an ArtifactStore.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/findertool/deployctl"
	"github.com/findertool/deployctl/db"
	"github.com/findertool/deployctl/metrics"
)

const (
	artifactSuffix = ".dump.gz"
	manifestSuffix = ".json"

	idTimeFormat = "20060102T150405Z"
)

// Content headers of the raw (decompressed) dump per backend variant.
var (
	sqliteHeader = []byte("SQLite format 3\x00")
	pgdumpHeader = []byte("PGDMP")
)

// Config holds configuration for the Service.
type Config struct {
	// Adapter is the connection to the datastore being snapshotted (required).
	Adapter *db.Adapter

	// Store persists snapshot artifacts and manifests (required).
	Store ArtifactStore

	// Retention is how long a snapshot is kept before it becomes eligible
	// for pruning (default: 168h).
	Retention time.Duration

	// PgDumpPath is the pg_dump binary used for the PostgreSQL variant
	// (default: "pg_dump").
	PgDumpPath string

	// PgRestorePath is the pg_restore binary used for the PostgreSQL
	// variant (default: "pg_restore").
	PgRestorePath string

	// VerifyQuery is run against the datastore after a restore to confirm
	// it is usable (default: "SELECT 1").
	VerifyQuery string

	// Logger is for observability (optional).
	Logger deployctl.Logger

	// MetricsEnabled enables Prometheus metrics collection (default: true).
	// Set to false explicitly to disable metrics.
	MetricsEnabled *bool
}

// Service creates, verifies, restores, and prunes snapshots.
type Service struct {
	config    Config
	logger    deployctl.Logger
	collector *metrics.Collector

	mu   sync.Mutex
	held map[string]struct{}
}

// New creates a Service with defaults applied.
func New(cfg Config) *Service {
	if cfg.Retention == 0 {
		cfg.Retention = 168 * time.Hour
	}
	if cfg.PgDumpPath == "" {
		cfg.PgDumpPath = "pg_dump"
	}
	if cfg.PgRestorePath == "" {
		cfg.PgRestorePath = "pg_restore"
	}
	if cfg.VerifyQuery == "" {
		cfg.VerifyQuery = "SELECT 1"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = deployctl.NopLogger{}
	}

	var collector *metrics.Collector
	metricsEnabled := true
	if cfg.MetricsEnabled != nil {
		metricsEnabled = *cfg.MetricsEnabled
	}
	if metricsEnabled {
		collector = metrics.NewCollector(string(cfg.Adapter.Dialect()))
	}

	return &Service{
		config:    cfg,
		logger:    logger,
		collector: collector,
		held:      make(map[string]struct{}),
	}
}

// Hold marks a snapshot as referenced by an in-flight release. Held
// snapshots are never pruned, regardless of retention expiry.
func (s *Service) Hold(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held[id] = struct{}{}
}

// Unhold releases a hold placed by Hold.
func (s *Service) Unhold(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, id)
}

func (s *Service) isHeld(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[id]
	return ok
}

// Create takes a snapshot of the datastore and publishes the compressed
// artifact plus its manifest. The returned snapshot is write-once.
func (s *Service) Create(ctx context.Context) (deployctl.Snapshot, error) {
	snap, err := s.create(ctx)
	if err != nil {
		if s.collector != nil {
			s.collector.IncSnapshot("failure")
		}
		return deployctl.Snapshot{}, err
	}

	if s.collector != nil {
		s.collector.IncSnapshot("success")
		s.collector.SetSnapshotSize(snap.SizeBytes)
	}

	s.logger.Info(ctx, "snapshot created",
		"snapshot_id", snap.ID,
		"size_bytes", snap.SizeBytes,
		"checksum", snap.BackendChecksum)
	return snap, nil
}

func (s *Service) create(ctx context.Context) (deployctl.Snapshot, error) {
	workDir, err := os.MkdirTemp("", "deployctl-snapshot-*")
	if err != nil {
		return deployctl.Snapshot{}, fmt.Errorf("failed to create snapshot workspace: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	rawPath := filepath.Join(workDir, "raw.dump")
	if err := s.dump(ctx, rawPath); err != nil {
		return deployctl.Snapshot{}, err
	}

	createdAt := time.Now().UTC()
	artifactPath := filepath.Join(workDir, "artifact.gz")
	checksum, size, err := compress(rawPath, artifactPath)
	if err != nil {
		return deployctl.Snapshot{}, err
	}

	snap := deployctl.Snapshot{
		ID:              fmt.Sprintf("%s_%s", createdAt.Format(idTimeFormat), checksum[:8]),
		CreatedAt:       createdAt,
		BackendChecksum: checksum,
		SizeBytes:       size,
		RetentionExpiry: createdAt.Add(s.config.Retention),
	}

	artifact, err := os.Open(artifactPath)
	if err != nil {
		return deployctl.Snapshot{}, fmt.Errorf("failed to reopen snapshot artifact: %w", err)
	}
	defer func() { _ = artifact.Close() }()

	if err := s.config.Store.Put(ctx, snap.ID+artifactSuffix, artifact, size); err != nil {
		return deployctl.Snapshot{}, fmt.Errorf("failed to store snapshot artifact: %w", err)
	}

	manifest, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return deployctl.Snapshot{}, fmt.Errorf("failed to encode snapshot manifest: %w", err)
	}
	if err := s.config.Store.Put(ctx, snap.ID+manifestSuffix, bytes.NewReader(manifest), int64(len(manifest))); err != nil {
		return deployctl.Snapshot{}, fmt.Errorf("failed to store snapshot manifest: %w", err)
	}

	return snap, nil
}

// dump writes a raw backend dump to path. SQLite uses VACUUM INTO, which
// produces a consistent copy of a live database; PostgreSQL shells out to
// pg_dump in custom format.
func (s *Service) dump(ctx context.Context, path string) error {
	switch s.config.Adapter.Dialect() {
	case deployctl.DialectSQLite:
		if _, err := s.config.Adapter.Execute(ctx, "VACUUM INTO ?", path); err != nil {
			return fmt.Errorf("failed to dump database: %w", err)
		}
		return nil

	case deployctl.DialectPostgres:
		cmd := exec.CommandContext(ctx, s.config.PgDumpPath,
			"--format=custom",
			"--file="+path,
			"--dbname="+s.config.Adapter.DSN())
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to dump database: %w: %s", err, bytes.TrimSpace(out))
		}
		return nil

	default:
		return fmt.Errorf("unsupported backend variant %q", s.config.Adapter.Dialect())
	}
}

// compress gzips src into dst and returns the SHA-256 of the compressed
// bytes along with the compressed size.
func compress(src, dst string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open dump: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create snapshot artifact: %w", err)
	}
	defer func() { _ = out.Close() }()

	hasher := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(out, hasher))
	if _, err := io.Copy(gz, in); err != nil {
		return "", 0, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	if err := out.Sync(); err != nil {
		return "", 0, fmt.Errorf("failed to flush snapshot: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), info.Size(), nil
}

// Get returns the manifest of one snapshot.
func (s *Service) Get(ctx context.Context, id string) (deployctl.Snapshot, error) {
	rc, err := s.config.Store.Get(ctx, id+manifestSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return deployctl.Snapshot{}, fmt.Errorf("snapshot %s: %w", id, deployctl.ErrSnapshotNotFound)
		}
		return deployctl.Snapshot{}, fmt.Errorf("failed to read snapshot manifest: %w", err)
	}
	defer func() { _ = rc.Close() }()

	var snap deployctl.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return deployctl.Snapshot{}, fmt.Errorf("failed to decode snapshot manifest: %w", err)
	}
	return snap, nil
}

// List returns all snapshots ordered by creation time ascending.
func (s *Service) List(ctx context.Context) ([]deployctl.Snapshot, error) {
	names, err := s.config.Store.List(ctx)
	if err != nil {
		return nil, err
	}

	var snaps []deployctl.Snapshot
	for _, name := range names {
		id, ok := idFromManifest(name)
		if !ok {
			continue
		}
		snap, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	return snaps, nil
}

func idFromManifest(name string) (string, bool) {
	if len(name) <= len(manifestSuffix) || name[len(name)-len(manifestSuffix):] != manifestSuffix {
		return "", false
	}
	return name[:len(name)-len(manifestSuffix)], true
}

// Verify checks a snapshot's integrity without touching the datastore:
// the artifact must exist, its SHA-256 and size must match the manifest,
// and the decompressed content must carry the expected dump header.
func (s *Service) Verify(ctx context.Context, id string) error {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	rc, err := s.config.Store.Get(ctx, id+artifactSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("snapshot %s artifact missing: %w", id, deployctl.ErrSnapshotNotFound)
		}
		return fmt.Errorf("failed to read snapshot artifact: %w", err)
	}
	defer func() { _ = rc.Close() }()

	hasher := sha256.New()
	counted := &countingReader{r: io.TeeReader(rc, hasher)}

	gz, err := gzip.NewReader(counted)
	if err != nil {
		return fmt.Errorf("snapshot %s is not a gzip artifact: %w", id, deployctl.ErrSnapshotNotVerified)
	}

	header := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(gz, header); err != nil {
		return fmt.Errorf("snapshot %s content unreadable: %w", id, deployctl.ErrSnapshotNotVerified)
	}
	if !s.headerMatches(header) {
		return fmt.Errorf("snapshot %s content header mismatch: %w", id, deployctl.ErrSnapshotNotVerified)
	}

	// Drain the rest so the hash covers the whole artifact.
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return fmt.Errorf("snapshot %s content corrupt: %w", id, deployctl.ErrSnapshotNotVerified)
	}

	if sum := hex.EncodeToString(hasher.Sum(nil)); sum != snap.BackendChecksum {
		return fmt.Errorf("snapshot %s checksum mismatch: %w", id, deployctl.ErrSnapshotNotVerified)
	}
	if counted.n != snap.SizeBytes {
		return fmt.Errorf("snapshot %s size mismatch: %w", id, deployctl.ErrSnapshotNotVerified)
	}

	return nil
}

func (s *Service) headerMatches(header []byte) bool {
	switch s.config.Adapter.Dialect() {
	case deployctl.DialectSQLite:
		return bytes.Equal(header, sqliteHeader)
	case deployctl.DialectPostgres:
		return bytes.HasPrefix(header, pgdumpHeader)
	}
	return false
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Restore replaces the datastore contents with the snapshot's. The snapshot
// is verified first; an unverifiable snapshot is never restored. Callers
// must have stopped all other writers before calling.
func (s *Service) Restore(ctx context.Context, id string) error {
	if err := s.restore(ctx, id); err != nil {
		if s.collector != nil {
			s.collector.IncRestore("failure")
		}
		return err
	}

	if s.collector != nil {
		s.collector.IncRestore("success")
	}
	s.logger.Info(ctx, "snapshot restored", "snapshot_id", id)
	return nil
}

func (s *Service) restore(ctx context.Context, id string) error {
	if err := s.Verify(ctx, id); err != nil {
		return err
	}

	workDir, err := os.MkdirTemp("", "deployctl-restore-*")
	if err != nil {
		return fmt.Errorf("failed to create restore workspace: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	rawPath := filepath.Join(workDir, "raw.dump")
	if err := s.decompress(ctx, id, rawPath); err != nil {
		return err
	}

	if err := s.load(ctx, rawPath); err != nil {
		return err
	}

	if err := s.config.Adapter.Reconnect(ctx); err != nil {
		return fmt.Errorf("failed to reconnect after restore: %w", err)
	}
	if _, err := s.config.Adapter.Query(ctx, s.config.VerifyQuery); err != nil {
		return fmt.Errorf("post-restore verification failed: %w", err)
	}

	return nil
}

func (s *Service) decompress(ctx context.Context, id, dst string) error {
	rc, err := s.config.Store.Get(ctx, id+artifactSuffix)
	if err != nil {
		return fmt.Errorf("failed to read snapshot artifact: %w", err)
	}
	defer func() { _ = rc.Close() }()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	defer func() { _ = gz.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to stage restore: %w", err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, gz); err != nil {
		return fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	return out.Sync()
}

// load replaces the live datastore with the raw dump. SQLite swaps the
// database file in place (stale -wal/-shm sidecars are removed so the
// restored file is authoritative); PostgreSQL shells out to pg_restore
// with --clean.
func (s *Service) load(ctx context.Context, rawPath string) error {
	switch s.config.Adapter.Dialect() {
	case deployctl.DialectSQLite:
		dbPath := s.config.Adapter.DSN()

		staged := dbPath + ".restore"
		if err := copyFile(rawPath, staged); err != nil {
			return fmt.Errorf("failed to stage restored database: %w", err)
		}
		for _, sidecar := range []string{dbPath + "-wal", dbPath + "-shm"} {
			if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to clear database sidecar: %w", err)
			}
		}
		if err := os.Rename(staged, dbPath); err != nil {
			return fmt.Errorf("failed to swap restored database: %w", err)
		}
		return nil

	case deployctl.DialectPostgres:
		cmd := exec.CommandContext(ctx, s.config.PgRestorePath,
			"--clean",
			"--if-exists",
			"--dbname="+s.config.Adapter.DSN(),
			rawPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to load database dump: %w: %s", err, bytes.TrimSpace(out))
		}
		return nil

	default:
		return fmt.Errorf("unsupported backend variant %q", s.config.Adapter.Dialect())
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// Prune deletes snapshots whose retention has expired, skipping any that
// are held by an in-flight release. Returns the IDs it deleted.
func (s *Service) Prune(ctx context.Context) ([]string, error) {
	snaps, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var pruned []string
	for _, snap := range snaps {
		if now.Before(snap.RetentionExpiry) {
			continue
		}
		if s.isHeld(snap.ID) {
			s.logger.Debug(ctx, "skipping held snapshot", "snapshot_id", snap.ID)
			continue
		}

		if err := s.config.Store.Delete(ctx, snap.ID+artifactSuffix); err != nil {
			return pruned, err
		}
		if err := s.config.Store.Delete(ctx, snap.ID+manifestSuffix); err != nil {
			return pruned, err
		}

		if s.collector != nil {
			s.collector.IncSnapshotsPruned()
		}
		s.logger.Info(ctx, "snapshot pruned", "snapshot_id", snap.ID, "expired_at", snap.RetentionExpiry)
		pruned = append(pruned, snap.ID)
	}

	return pruned, nil
}
