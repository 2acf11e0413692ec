// Package db implements the data access adapter: one execute/query contract
// over the PostgreSQL and SQLite backend variants. Statements are written
// with canonical `?` placeholders and rewritten per dialect before
// submission; parameter values are always passed as typed bind parameters.
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/findertool/deployctl"
	"github.com/findertool/deployctl/retry"

	// Backend variant drivers.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Config holds configuration for the Adapter.
type Config struct {
	// URL is the backend connection string (required).
	// postgres:// and postgresql:// URLs select the PostgreSQL variant;
	// anything else is treated as a SQLite database path.
	URL string

	// MaxOpenConns limits the underlying pool (default: 5).
	MaxOpenConns int

	// MaxIdleConns limits idle pooled connections (default: 2).
	MaxIdleConns int

	// ConnMaxLifetime bounds how long a pooled connection is reused
	// (default: 1h).
	ConnMaxLifetime time.Duration

	// AcquireRetry controls retry-with-backoff when checking out a handle
	// fails with a connection error (default: 3 attempts, 100ms/500ms/2s).
	AcquireRetry retry.Config

	// Logger is for observability (optional).
	Logger deployctl.Logger
}

// Adapter presents a uniform query/execute interface over one backend
// variant. The zero value is not usable; construct with Open.
type Adapter struct {
	config  Config
	db      *sql.DB
	dialect deployctl.Dialect
	dsn     string
}

// Open connects to the backend named by cfg.URL and verifies the connection.
// Applies defaults for pool and retry settings if unset.
func Open(cfg Config) (*Adapter, error) {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 5
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	if cfg.AcquireRetry.MaxAttempts == 0 {
		cfg.AcquireRetry = retry.Config{
			MaxAttempts: 3,
			Delays:      []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second},
		}
	}

	dialect, dsn, err := ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	driver, err := driverName(dialect)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, Classify(err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	a := &Adapter{
		config:  cfg,
		db:      sqlDB,
		dialect: dialect,
		dsn:     dsn,
	}

	if err := a.Ping(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return a, nil
}

// Dialect returns the backend variant tag this adapter is bound to.
func (a *Adapter) Dialect() deployctl.Dialect {
	return a.dialect
}

// DSN returns the driver-level connection string. For SQLite this is the
// database file path, which the backup service needs for restore.
func (a *Adapter) DSN() string {
	return a.dsn
}

// Ping verifies the backend is reachable, retrying transient failures.
func (a *Adapter) Ping(ctx context.Context) error {
	return retry.Do(ctx, a.config.AcquireRetry, IsRetryable, func() error {
		return Classify(a.db.PingContext(ctx))
	})
}

// Acquire checks out a dedicated connection from the pool. The returned
// handle is single-owner: it must not be shared across concurrent callers
// and must be released on every exit path.
func (a *Adapter) Acquire(ctx context.Context) (*Handle, error) {
	var conn *sql.Conn
	err := retry.Do(ctx, a.config.AcquireRetry, IsRetryable, func() error {
		c, err := a.db.Conn(ctx)
		if err != nil {
			return Classify(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Handle{conn: conn, dialect: a.dialect}, nil
}

// Execute runs a mutating statement on a freshly acquired handle and
// returns the number of rows affected. The handle is released
// unconditionally.
func (a *Adapter) Execute(ctx context.Context, statement string, args ...any) (int64, error) {
	h, err := a.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = h.Release() }()

	return h.Execute(ctx, statement, args...)
}

// Query runs a read statement on a freshly acquired handle and returns all
// rows. The handle is released unconditionally.
func (a *Adapter) Query(ctx context.Context, statement string, args ...any) ([]Row, error) {
	h, err := a.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = h.Release() }()

	return h.Query(ctx, statement, args...)
}

// QueryOne runs a read statement and returns the first row, or found=false
// when the result set is empty.
func (a *Adapter) QueryOne(ctx context.Context, statement string, args ...any) (Row, bool, error) {
	rows, err := a.Query(ctx, statement, args...)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// Reconnect discards the underlying pool and dials a fresh one. Required
// after the datastore has been replaced underneath the adapter (restore from
// snapshot): pooled connections keep file handles and sessions bound to the
// pre-restore state. Callers must quiesce all other use of the adapter for
// the duration of the call.
func (a *Adapter) Reconnect(ctx context.Context) error {
	driver, err := driverName(a.dialect)
	if err != nil {
		return err
	}

	_ = a.db.Close()

	sqlDB, err := sql.Open(driver, a.dsn)
	if err != nil {
		return Classify(err)
	}
	sqlDB.SetMaxOpenConns(a.config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(a.config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(a.config.ConnMaxLifetime)

	a.db = sqlDB
	return a.Ping(ctx)
}

// Close releases the underlying pool.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// Handle wraps one live connection to exactly one backend variant.
// It carries the active dialect tag used to select placeholder syntax.
type Handle struct {
	conn    *sql.Conn
	dialect deployctl.Dialect
}

// Dialect returns the backend variant tag of the wrapped connection.
func (h *Handle) Dialect() deployctl.Dialect {
	return h.dialect
}

// Execute runs a mutating statement and returns the rows affected.
func (h *Handle) Execute(ctx context.Context, statement string, args ...any) (int64, error) {
	result, err := h.conn.ExecContext(ctx, Rewrite(h.dialect, statement), args...)
	if err != nil {
		return 0, Classify(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, Classify(err)
	}
	return n, nil
}

// Query runs a read statement and returns all rows with normalized scalars.
func (h *Handle) Query(ctx context.Context, statement string, args ...any) ([]Row, error) {
	rows, err := h.conn.QueryContext(ctx, Rewrite(h.dialect, statement), args...)
	if err != nil {
		return nil, Classify(err)
	}
	return collectRows(rows)
}

// Begin starts a transaction on this handle. Not all statements are
// transactional on every backend; DDL on SQLite is, on PostgreSQL too.
func (h *Handle) Begin(ctx context.Context) (*Tx, error) {
	tx, err := h.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, Classify(err)
	}
	return &Tx{tx: tx, dialect: h.dialect}, nil
}

// Release returns the connection to the pool. Safe to call once per handle;
// always call it, including on error paths.
func (h *Handle) Release() error {
	return h.conn.Close()
}

// Tx is a transaction scope bound to a single handle.
type Tx struct {
	tx      *sql.Tx
	dialect deployctl.Dialect
}

// Execute runs a mutating statement inside the transaction.
func (t *Tx) Execute(ctx context.Context, statement string, args ...any) (int64, error) {
	result, err := t.tx.ExecContext(ctx, Rewrite(t.dialect, statement), args...)
	if err != nil {
		return 0, Classify(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, Classify(err)
	}
	return n, nil
}

// Query runs a read statement inside the transaction.
func (t *Tx) Query(ctx context.Context, statement string, args ...any) ([]Row, error) {
	rows, err := t.tx.QueryContext(ctx, Rewrite(t.dialect, statement), args...)
	if err != nil {
		return nil, Classify(err)
	}
	return collectRows(rows)
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return Classify(t.tx.Commit())
}

// Rollback aborts the transaction. Calling it after Commit is a no-op error
// that callers may ignore.
func (t *Tx) Rollback() error {
	return Classify(t.tx.Rollback())
}
