package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned by operations on a closed database
var ErrClosed = errors.New("database store is closed")

// UpgradeFunc migrates the schema from oldVersion to newVersion inside tx
type UpgradeFunc func(tx *sql.Tx, oldVersion, newVersion int) error

// Options configures Open
type Options struct {
	Version int
	Upgrade UpgradeFunc
}

// DB is a SQLite database opened by name and schema version
type DB struct {
	db      *sql.DB
	name    string
	closed  bool
	mu      sync.RWMutex
	writeMu sync.Mutex
}

// Open opens (or creates) the database file at path and runs the upgrade
// callback when the stored schema version is lower than opts.Version.
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if opts.Version <= 0 {
		return nil, fmt.Errorf("database version must be positive")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(60000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &DB{db: db, name: path}
	if err := store.upgrade(ctx, opts); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade schema: %w", err)
	}

	return store, nil
}

func (d *DB) upgrade(ctx context.Context, opts Options) error {
	var current int
	if err := d.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if current > opts.Version {
		return fmt.Errorf("schema version %d is newer than supported version %d", current, opts.Version)
	}
	if current == opts.Version {
		return nil
	}

	return d.Update(ctx, func(tx *sql.Tx) error {
		if opts.Upgrade != nil {
			if err := opts.Upgrade(tx, current, opts.Version); err != nil {
				return err
			}
		}
		// PRAGMA does not accept bound parameters
		_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", opts.Version))
		return err
	})
}

// Version returns the stored schema version
func (d *DB) Version(ctx context.Context) (int, error) {
	var v int
	err := d.View(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	})
	return v, err
}

// View runs a read-only operation, retrying while SQLite reports busy
func (d *DB) View(ctx context.Context, fn func(db *sql.DB) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	return retryOnBusy(ctx, func() error {
		return fn(d.db)
	})
}

// Update runs fn in a write transaction. Writes are serialized to avoid
// SQLITE_BUSY from concurrent writers.
func (d *DB) Update(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	return retryOnBusy(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback() // ignored once Commit succeeds

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Name returns the path the database was opened with
func (d *DB) Name() string {
	return d.name
}

// Close closes the database connection
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

// retryOnBusy retries the operation with exponential backoff while SQLite is busy
func retryOnBusy(ctx context.Context, operation func() error) error {
	const maxRetries = 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isBusyError(err) {
			return err
		}

		delay := baseDelay*time.Duration(1<<uint(attempt)) + time.Duration(attempt*10)*time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
