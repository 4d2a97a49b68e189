package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/openuds/engine/pkg/types"
)

// DB wraps the engine database connection. All scheduling decisions use
// Now(), which reads the database clock, never the local host clock, so
// every replica of the engine sees the same time line.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (and creates if needed) the engine database at path.
func Open(path string) (*DB, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", connectionString(absPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writers queue on each other; a single connection keeps the write
	// transactions honest while WAL keeps readers unblocked.
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, path: absPath}
	if err := db.Migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// connectionString builds the DSN with the PRAGMAs the engine needs.
// _txlock=immediate makes every transaction take the write lock at
// BEGIN, which is what gives claim queries their SELECT FOR UPDATE
// semantics on SQLite.
func connectionString(path string) string {
	connStr := path + "?_txlock=immediate"
	connStr += "&_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(NORMAL)"
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=busy_timeout(5000)"
	connStr += "&_pragma=wal_autocheckpoint(1000)"
	connStr += "&_pragma=cache_size(-64000)"
	return connStr
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Now returns the database server time, truncated to seconds. The whole
// engine keys scheduling decisions off this single clock.
func (db *DB) Now() (time.Time, error) {
	var epoch int64
	if err := db.conn.QueryRow("SELECT CAST(strftime('%s','now') AS INTEGER)").Scan(&epoch); err != nil {
		return time.Time{}, Wrap(err)
	}
	return time.Unix(epoch, 0).UTC(), nil
}

// Atomic executes fn inside one write transaction. It handles begin,
// commit, rollback and panic recovery; retries on deadlock are the
// caller's responsibility, signalled through types.RetryableError.
func (db *DB) Atomic(fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Wrap(fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			_ = tx.Rollback()
			err = Wrap(err)
		} else {
			if commitErr := tx.Commit(); commitErr != nil {
				err = Wrap(fmt.Errorf("failed to commit transaction: %w", commitErr))
			}
		}
	}()

	err = fn(tx)
	return err
}

// Wrap translates driver errors into the engine taxonomy: lock
// contention becomes RetryableError so job loops back off and retry
// instead of failing the tick.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if types.IsRetryable(err) || types.IsNotFound(err) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") {
		return types.Retryable(err)
	}
	return err
}

// IsUniqueViolation reports whether err is a uniqueness constraint
// failure. The unique-ID allocator uses this to detect lost races.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT_UNIQUE")
}

// Migrate applies the engine schema. The DDL is idempotent.
func (db *DB) Migrate() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	if _, err := tx.Exec(schema); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database and runs an integrity check.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	var result string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// WALCheckpoint forces a WAL checkpoint to keep the log file bounded.
func (db *DB) WALCheckpoint() error {
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("WAL checkpoint failed: %w", err)
	}
	return nil
}
