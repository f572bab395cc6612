// Package queue runs persisted tasks one at a time per named queue.
//
// Every queue keeps its working set in memory and mirrors each state change
// into a shared SQLite Store, so idle and interrupted tasks survive a restart.
// Different queues drain concurrently; tasks of one queue never overlap.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRetryAttempts is the number of re-runs granted to a failing task
const DefaultRetryAttempts = 3

// Executor performs one task. A returned error triggers a retry.
type Executor[T any] func(ctx context.Context, task Task[T]) error

// Observer is notified about task outcomes and queue depth
type Observer interface {
	TaskFinished(queue, status string, elapsed time.Duration)
	QueueDepth(queue string, depth int)
}

// Option configures a Queue
type Option func(*options)

type options struct {
	retryAttempts int
	logger        *zap.Logger
	observer      Observer
}

// WithRetryAttempts sets how many times a failing task is re-run
func WithRetryAttempts(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.retryAttempts = n
		}
	}
}

// WithLogger sets the queue logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver registers a metrics observer
func WithObserver(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// Queue is a durable FIFO of tasks carrying payloads of type T
type Queue[T any] struct {
	name          string
	store         *Store
	exec          Executor[T]
	retryAttempts int
	logger        *zap.Logger
	observer      Observer
	now           func() time.Time

	mu    sync.Mutex
	tasks []*Task[T]

	drainMu   sync.Mutex
	loopErrs  []error // failures of background drains, guarded by drainMu
	kick      chan struct{}
	startOnce sync.Once
}

// New creates the queue name and pulls its persisted tasks. Tasks found
// pending were interrupted and go back to idle; completed ones are dropped.
func New[T any](ctx context.Context, name string, store *Store, exec Executor[T], opts ...Option) (*Queue[T], error) {
	o := options{
		retryAttempts: DefaultRetryAttempts,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	q := &Queue[T]{
		name:          name,
		store:         store,
		exec:          exec,
		retryAttempts: o.retryAttempts,
		logger:        o.logger.With(zap.String("queue", name)),
		observer:      o.observer,
		now:           time.Now,
		kick:          make(chan struct{}, 1),
	}

	if err := q.pullTasks(ctx); err != nil {
		return nil, err
	}
	if err := q.ClearCompletedTasks(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Name returns the queue name
func (q *Queue[T]) Name() string {
	return q.name
}

func (q *Queue[T]) pullTasks(ctx context.Context) error {
	records, err := q.store.load(ctx, q.name)
	if err != nil {
		return err
	}

	tasks := make([]*Task[T], 0, len(records))
	for _, r := range records {
		task := &Task[T]{
			ID:         r.ID,
			Queue:      r.Queue,
			Status:     r.Status,
			RetryCount: r.RetryCount,
			LastError:  r.LastError,
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
			seq:        r.Seq,
		}
		if err := json.Unmarshal(r.Payload, &task.Payload); err != nil {
			q.logger.Warn("Skipping task with unreadable payload",
				zap.String("task_id", r.ID),
				zap.Error(err),
			)
			continue
		}

		if task.Status == StatusPending {
			task.Status = StatusIdle
			task.UpdatedAt = q.now()
			if err := q.persist(ctx, task); err != nil {
				return err
			}
		}
		tasks = append(tasks, task)
	}

	q.mu.Lock()
	q.tasks = tasks
	q.mu.Unlock()

	q.logger.Info("Pulled tasks", zap.Int("count", len(tasks)))
	q.reportDepth()
	return nil
}

// AddTask persists a new idle task and wakes the drain loop
func (q *Queue[T]) AddTask(ctx context.Context, payload T) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate task id: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode task payload: %w", err)
	}

	now := q.now()
	r := record{
		ID:        id.String(),
		Queue:     q.name,
		Status:    StatusIdle,
		Payload:   raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.insert(ctx, &r); err != nil {
		return "", err
	}

	q.mu.Lock()
	q.tasks = append(q.tasks, &Task[T]{
		ID:        r.ID,
		Queue:     q.name,
		Payload:   payload,
		Status:    StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
		seq:       r.Seq,
	})
	q.mu.Unlock()

	q.logger.Debug("Added task", zap.String("task_id", r.ID))
	q.reportDepth()
	q.signal()
	return r.ID, nil
}

func (q *Queue[T]) signal() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Start runs the background drain loop until ctx is done. Tasks pulled at
// construction are drained right away.
func (q *Queue[T]) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		go q.loop(ctx)
		q.signal()
	})
}

func (q *Queue[T]) loop(ctx context.Context) {
	q.logger.Info("Queue started")
	for {
		select {
		case <-q.kick:
			q.drainMu.Lock()
			if err := q.drain(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("Drain finished with failed tasks", zap.Error(err))
				q.loopErrs = append(q.loopErrs, err)
			}
			q.drainMu.Unlock()
		case <-ctx.Done():
			q.logger.Info("Queue stopped - context cancelled")
			return
		}
	}
}

// RunTasks drains idle tasks in enqueue order, one at a time, and returns
// the joined errors of the tasks that ended failed, including those failed by
// the background loop since the last call. Concurrent calls are serialized.
func (q *Queue[T]) RunTasks(ctx context.Context) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	errs := q.loopErrs
	q.loopErrs = nil
	return errors.Join(append(errs, q.drain(ctx))...)
}

// drain runs idle tasks until none is left; drainMu must be held
func (q *Queue[T]) drain(ctx context.Context) error {
	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		task := q.nextIdle()
		if task == nil {
			break
		}
		if err := q.run(ctx, task); err != nil {
			errs = append(errs, err)
		}
	}

	if err := q.ClearCompletedTasks(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (q *Queue[T]) nextIdle() *Task[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Status == StatusIdle {
			return t
		}
	}
	return nil
}

// run executes task until it completes or its retries are exhausted
func (q *Queue[T]) run(ctx context.Context, task *Task[T]) error {
	logger := q.logger.With(zap.String("task_id", task.ID))
	start := q.now()

	if err := q.transition(ctx, task, StatusPending, ""); err != nil {
		return err
	}

	for {
		err := q.exec(ctx, q.snapshot(task))
		if err == nil {
			if err := q.transition(ctx, task, StatusCompleted, ""); err != nil {
				return err
			}
			if err := q.ClearCompletedTasks(ctx); err != nil {
				return err
			}
			logger.Debug("Task completed", zap.Int("retries", task.RetryCount))
			q.finished(StatusCompleted, start)
			return nil
		}

		if ctx.Err() != nil {
			// interrupted, resume on the next drain
			if perr := q.transition(context.WithoutCancel(ctx), task, StatusIdle, err.Error()); perr != nil {
				logger.Warn("Failed to release interrupted task", zap.Error(perr))
			}
			// RunTasks reports the cancellation
			return nil
		}

		q.mu.Lock()
		retry := task.RetryCount < q.retryAttempts
		if retry {
			task.RetryCount++
		}
		q.mu.Unlock()

		if retry {
			logger.Warn("Task failed, retrying",
				zap.Int("retry", task.RetryCount),
				zap.Int("max_retries", q.retryAttempts),
				zap.Error(err),
			)
			if perr := q.transition(ctx, task, StatusPending, err.Error()); perr != nil {
				return perr
			}
			continue
		}

		if perr := q.transition(ctx, task, StatusFailed, err.Error()); perr != nil {
			return perr
		}
		logger.Error("Task failed", zap.Int("retries", task.RetryCount), zap.Error(err))
		q.finished(StatusFailed, start)
		return &TaskExecutionError{
			TaskID:           task.ID,
			Queue:            q.name,
			Retries:          task.RetryCount,
			RetriesExhausted: true,
			Err:              err,
		}
	}
}

func (q *Queue[T]) transition(ctx context.Context, task *Task[T], status Status, lastError string) error {
	q.mu.Lock()
	task.Status = status
	task.LastError = lastError
	task.UpdatedAt = q.now()
	q.mu.Unlock()

	return q.persist(ctx, task)
}

func (q *Queue[T]) persist(ctx context.Context, task *Task[T]) error {
	q.mu.Lock()
	id, status, retries, lastError, updated := task.ID, task.Status, task.RetryCount, task.LastError, task.UpdatedAt
	q.mu.Unlock()
	return q.store.save(ctx, id, status, retries, lastError, updated)
}

func (q *Queue[T]) finished(status Status, start time.Time) {
	if q.observer != nil {
		q.observer.TaskFinished(q.name, string(status), q.now().Sub(start))
	}
	q.reportDepth()
}

func (q *Queue[T]) reportDepth() {
	if q.observer == nil {
		return
	}
	q.mu.Lock()
	depth := 0
	for _, t := range q.tasks {
		if t.Status == StatusIdle || t.Status == StatusPending {
			depth++
		}
	}
	q.mu.Unlock()
	q.observer.QueueDepth(q.name, depth)
}

// RetryFailedTasks returns failed tasks that still have retries left to the
// idle state, counting the retry, and drains the queue.
func (q *Queue[T]) RetryFailedTasks(ctx context.Context) error {
	q.mu.Lock()
	var retried []*Task[T]
	for _, t := range q.tasks {
		if t.Status == StatusFailed && t.RetryCount < q.retryAttempts {
			t.RetryCount++
			t.Status = StatusIdle
			t.UpdatedAt = q.now()
			retried = append(retried, t)
		}
	}
	q.mu.Unlock()

	for _, t := range retried {
		if err := q.persist(ctx, t); err != nil {
			return err
		}
	}

	q.logger.Info("Retrying failed tasks", zap.Int("count", len(retried)))
	q.reportDepth()
	return q.RunTasks(ctx)
}

// ClearCompletedTasks drops completed tasks from memory and storage
func (q *Queue[T]) ClearCompletedTasks(ctx context.Context) error {
	deleted, err := q.store.deleteByStatus(ctx, q.name, StatusCompleted)
	if err != nil {
		return err
	}

	q.mu.Lock()
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if t.Status != StatusCompleted {
			kept = append(kept, t)
		}
	}
	q.tasks = kept
	q.mu.Unlock()

	if deleted > 0 {
		q.logger.Debug("Cleared completed tasks", zap.Int64("count", deleted))
	}
	return nil
}

// Clear removes every task of the queue
func (q *Queue[T]) Clear(ctx context.Context) error {
	if _, err := q.store.deleteByStatus(ctx, q.name, ""); err != nil {
		return err
	}

	q.mu.Lock()
	q.tasks = nil
	q.mu.Unlock()

	q.reportDepth()
	return nil
}

// Tasks returns a snapshot of the working set in enqueue order
func (q *Queue[T]) Tasks() []Task[T] {
	q.mu.Lock()
	out := make([]Task[T], 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	q.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len returns the number of tasks in the working set
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue[T]) snapshot(task *Task[T]) Task[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *task
}
