package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/findertool/deployctl/db"
)

// Record status values in the version store.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Record is one row in the version store: the persisted outcome of a
// migration attempt. Written once per attempt.
type Record struct {
	Version    int64
	Name       string
	Checksum   string
	AppliedAt  time.Time
	DurationMS int64
	Status     string
}

// versionStore persists applied-migration records in a single append-mostly
// table keyed by version. The DDL is portable across both backend variants.
type versionStore struct {
	adapter *db.Adapter
	table   string
}

func newVersionStore(adapter *db.Adapter, table string) *versionStore {
	return &versionStore{adapter: adapter, table: table}
}

// ensure creates the version store table if it does not exist.
func (s *versionStore) ensure(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			duration_ms BIGINT NOT NULL,
			status TEXT NOT NULL
		)
	`, s.table)

	if _, err := s.adapter.Execute(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure version store: %w", err)
	}
	return nil
}

// records returns all records ordered by version ascending.
func (s *versionStore) records(ctx context.Context) ([]Record, error) {
	query := fmt.Sprintf(`
		SELECT version, name, checksum, applied_at, duration_ms, status
		FROM %s
		ORDER BY version
	`, s.table)

	rows, err := s.adapter.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read version store: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{
			Version:    row.Int64("version"),
			Name:       row.String("name"),
			Checksum:   row.String("checksum"),
			AppliedAt:  row.Time("applied_at"),
			DurationMS: row.Int64("duration_ms"),
			Status:     row.String("status"),
		})
	}

	return records, nil
}

// maxApplied returns the highest successfully applied version, 0 when none.
func (s *versionStore) maxApplied(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(MAX(version), 0) AS max_version
		FROM %s
		WHERE status = ?
	`, s.table)

	row, found, err := s.adapter.QueryOne(ctx, query, StatusSuccess)
	if err != nil {
		return 0, fmt.Errorf("failed to read max applied version: %w", err)
	}
	if !found {
		return 0, nil
	}
	return row.Int64("max_version"), nil
}

// insertTx writes a record inside an open transaction scope.
func (s *versionStore) insertTx(ctx context.Context, tx *db.Tx, rec Record) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (version, name, checksum, applied_at, duration_ms, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.table)

	_, err := tx.Execute(ctx, stmt, rec.Version, rec.Name, rec.Checksum, rec.AppliedAt, rec.DurationMS, rec.Status)
	if err != nil {
		return fmt.Errorf("failed to write migration record: %w", err)
	}
	return nil
}

// insert writes a record outside any transaction. Used to persist failed
// attempts after the unit's own transaction has been rolled back.
func (s *versionStore) insert(ctx context.Context, rec Record) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (version, name, checksum, applied_at, duration_ms, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.table)

	_, err := s.adapter.Execute(ctx, stmt, rec.Version, rec.Name, rec.Checksum, rec.AppliedAt, rec.DurationMS, rec.Status)
	if err != nil {
		return fmt.Errorf("failed to write migration record: %w", err)
	}
	return nil
}

// deleteTx removes the record for a version inside an open transaction.
func (s *versionStore) deleteTx(ctx context.Context, tx *db.Tx, version int64) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE version = ?`, s.table)

	if _, err := tx.Execute(ctx, stmt, version); err != nil {
		return fmt.Errorf("failed to delete migration record: %w", err)
	}
	return nil
}

// deleteFailed removes a leftover failed record so the version can be
// re-attempted by an operator-driven run.
func (s *versionStore) deleteFailed(ctx context.Context, version int64) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE version = ? AND status = ?`, s.table)

	if _, err := s.adapter.Execute(ctx, stmt, version, StatusFailed); err != nil {
		return fmt.Errorf("failed to clear failed migration record: %w", err)
	}
	return nil
}
