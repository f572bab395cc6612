package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"cloudfs/internal/database"
)

const schemaVersion = 1

// Store persists the tasks of every queue in one SQLite database
type Store struct {
	db *database.DB
}

// record is the queue-agnostic row form of a Task
type record struct {
	Seq        int64
	ID         string
	Queue      string
	Status     Status
	Payload    json.RawMessage
	RetryCount int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OpenStore opens the task database at path
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := database.Open(ctx, path, database.Options{
		Version: schemaVersion,
		Upgrade: upgrade,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	return &Store{db: db}, nil
}

func upgrade(tx *sql.Tx, oldVersion, _ int) error {
	if oldVersion < 1 {
		_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			queue TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_queue_status ON tasks(queue, status);
		`)
		if err != nil {
			return fmt.Errorf("failed to create tasks table: %w", err)
		}
	}
	return nil
}

func (s *Store) insert(ctx context.Context, r *record) error {
	return s.db.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
		INSERT INTO tasks (id, queue, status, payload, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			r.ID,
			r.Queue,
			string(r.Status),
			string(r.Payload),
			r.RetryCount,
			r.LastError,
			r.CreatedAt.UnixNano(),
			r.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", r.ID, err)
		}
		r.Seq, err = res.LastInsertId()
		return err
	})
}

// save persists the mutable state of a task
func (s *Store) save(ctx context.Context, id string, status Status, retryCount int, lastError string, updatedAt time.Time) error {
	return s.db.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
		UPDATE tasks SET status = ?, retry_count = ?, last_error = ?, updated_at = ?
		WHERE id = ?
		`, string(status), retryCount, lastError, updatedAt.UnixNano(), id)
		if err != nil {
			return fmt.Errorf("failed to update task %s: %w", id, err)
		}
		return nil
	})
}

// load returns every task of queue in enqueue order
func (s *Store) load(ctx context.Context, queue string) ([]record, error) {
	var records []record
	err := s.db.View(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
		SELECT seq, id, queue, status, payload, retry_count, last_error, created_at, updated_at
		FROM tasks
		WHERE queue = ?
		ORDER BY seq
		`, queue)
		if err != nil {
			return err
		}
		defer rows.Close()

		records = records[:0]
		for rows.Next() {
			var (
				r                  record
				status, payload    string
				created, modified int64
			)
			err := rows.Scan(&r.Seq, &r.ID, &r.Queue, &status, &payload, &r.RetryCount, &r.LastError, &created, &modified)
			if err != nil {
				return err
			}
			r.Status = Status(status)
			r.Payload = json.RawMessage(payload)
			r.CreatedAt = time.Unix(0, created)
			r.UpdatedAt = time.Unix(0, modified)
			records = append(records, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks of queue %s: %w", queue, err)
	}
	return records, nil
}

// deleteByStatus removes the tasks of queue in the given status, or every
// task of queue when status is empty.
func (s *Store) deleteByStatus(ctx context.Context, queue string, status Status) (int64, error) {
	var deleted int64
	err := s.db.Update(ctx, func(tx *sql.Tx) error {
		var (
			res sql.Result
			err error
		)
		if status == "" {
			res, err = tx.Exec(`DELETE FROM tasks WHERE queue = ?`, queue)
		} else {
			res, err = tx.Exec(`DELETE FROM tasks WHERE queue = ? AND status = ?`, queue, string(status))
		}
		if err != nil {
			return fmt.Errorf("failed to delete tasks of queue %s: %w", queue, err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
