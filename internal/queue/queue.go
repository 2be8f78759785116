// Package queue runs the worker pool for queue-managed task types.
//
// Tasks are claimed from the ledger one at a time; the claim transaction
// moves a record from pending to processing, so with any number of workers
// a record is executed by at most one of them. A task type is
// queue-managed when a handler is registered for it; the independent
// storage_sync type is dispatched elsewhere and never claimed here.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/kalambet/pictag/internal/storage"
	"github.com/kalambet/pictag/internal/telemetry"
)

// TaskStore abstracts the ledger operations the queue needs.
// Implemented by storage.Store.
type TaskStore interface {
	ClaimNextTask(types []string) (*storage.Task, error)
	CompleteTask(id string) error
	FailTask(id string, errMsg string) error
	RequeueInterrupted(types []string) (int, error)
}

// Handler executes one claimed task.
type Handler func(ctx context.Context, task *storage.Task) error

// Queue dispatches queue-managed tasks to registered handlers.
type Queue struct {
	store    TaskStore
	handlers map[string]Handler
	workers  int
	poll     time.Duration
	logger   *slog.Logger

	started atomic.Bool
}

// New creates a Queue. If workers is <= 0 it defaults to 2; if
// pollInterval is <= 0 it defaults to 500ms.
func New(store TaskStore, workers int, pollInterval time.Duration) *Queue {
	if workers <= 0 {
		workers = 2
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Queue{
		store:    store,
		handlers: make(map[string]Handler),
		workers:  workers,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Register binds a handler to a task type. Must be called before
// StartProcessing.
func (q *Queue) Register(taskType string, h Handler) {
	q.handlers[taskType] = h
}

// Types returns the sorted list of task types with a registered handler.
func (q *Queue) Types() []string {
	types := make([]string, 0, len(q.handlers))
	for t := range q.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Started reports whether the worker pool is running.
func (q *Queue) Started() bool {
	return q.started.Load()
}

// StartProcessing requeues interrupted records of the managed types and
// starts the worker pool. Idempotent: only the first call has any effect,
// so recovery and later enqueues can both call it unconditionally.
func (q *Queue) StartProcessing(ctx context.Context) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}

	n, err := q.store.RequeueInterrupted(q.Types())
	if err != nil {
		q.logger.Error("requeueing interrupted tasks", "error", err)
	} else if n > 0 {
		telemetry.TasksRequeuedTotal.Add(float64(n))
		q.logger.Info("requeued interrupted tasks", "count", n)
	}

	for i := 0; i < q.workers; i++ {
		go q.run(ctx)
	}
	q.logger.Info("task processing started", "workers", q.workers, "types", q.Types())
}

// run polls for tasks until ctx is cancelled.
func (q *Queue) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := q.RunOnce(ctx)
		if err != nil {
			q.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(q.poll):
		}
	}
}

// RunOnce claims and executes a single task. Returns true if a task was
// claimed, regardless of the execution outcome.
func (q *Queue) RunOnce(ctx context.Context) (bool, error) {
	task, err := q.store.ClaimNextTask(q.Types())
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	handler, ok := q.handlers[task.Type]
	if !ok {
		err := fmt.Errorf("no handler for task type %q", task.Type)
		q.fail(task, err)
		return true, nil
	}

	if err := handler(ctx, task); err != nil {
		q.fail(task, err)
		return true, nil
	}

	if err := q.store.CompleteTask(task.ID); err != nil {
		return true, fmt.Errorf("completing task %s: %w", task.ID, err)
	}
	telemetry.TasksProcessedTotal.WithLabelValues(task.Type, "done").Inc()
	return true, nil
}

func (q *Queue) fail(task *storage.Task, err error) {
	q.logger.Warn("task failed", "task_id", task.ID, "type", task.Type, "error", err)
	telemetry.TasksProcessedTotal.WithLabelValues(task.Type, "failed").Inc()
	if failErr := q.store.FailTask(task.ID, err.Error()); failErr != nil {
		q.logger.Error("failed to record task failure", "task_id", task.ID, "error", failErr)
	}
}
