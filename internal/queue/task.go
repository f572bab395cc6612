package queue

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task
type Status string

const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is a unit of work persisted on a named queue
type Task[T any] struct {
	ID         string    `json:"id"`
	Queue      string    `json:"queue"`
	Payload    T         `json:"payload"`
	Status     Status    `json:"status"`
	RetryCount int       `json:"retryCount"`
	LastError  string    `json:"lastError,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`

	seq int64
}

// TaskExecutionError reports a task that ended failed
type TaskExecutionError struct {
	TaskID           string
	Queue            string
	Retries          int
	RetriesExhausted bool
	Err              error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s on queue %s failed after %d retries: %v", e.TaskID, e.Queue, e.Retries, e.Err)
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}
