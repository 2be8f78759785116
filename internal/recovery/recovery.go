package recovery

import (
	"context"
	"log/slog"

	"github.com/kalambet/pictag/internal/storage"
	"github.com/kalambet/pictag/internal/telemetry"
)

// TaskSource yields the unfinished ledger snapshot.
type TaskSource interface {
	UnfinishedTasks(ctx context.Context) ([]storage.Task, error)
}

// QueueStarter wakes the shared task queue.
type QueueStarter interface {
	StartProcessing(ctx context.Context)
	Types() []string
}

// SyncDispatcher drives a single storage_sync task to a terminal status.
type SyncDispatcher interface {
	ProcessTask(ctx context.Context, taskID string) error
}

// maxConcurrentSyncs caps how many recovered sync walks run at once.
// Dispatch stays fire-and-forget; the cap only delays the excess.
const maxConcurrentSyncs = 4

// Stats summarizes one recovery pass.
type Stats struct {
	Managed int
	Sync    int
	Skipped int
}

// Orchestrator resumes interrupted background work after a restart.
type Orchestrator struct {
	store  TaskSource
	queue  QueueStarter
	syncer SyncDispatcher
	logger *slog.Logger
}

// New creates an Orchestrator over the given collaborators.
func New(store TaskSource, queue QueueStarter, syncer SyncDispatcher) *Orchestrator {
	return &Orchestrator{
		store:  store,
		queue:  queue,
		syncer: syncer,
		logger: slog.Default(),
	}
}

// Recover reads one consistent snapshot of unfinished tasks and resumes
// them. Queue-managed types wake the queue at most once per pass.
// Each storage_sync record gets its own goroutine, with at most
// maxConcurrentSyncs running at a time. Unknown types are logged and
// skipped. Nothing here aborts startup: every failure is logged and
// the server keeps going.
func (o *Orchestrator) Recover(ctx context.Context) Stats {
	var stats Stats

	tasks, err := o.store.UnfinishedTasks(ctx)
	if err != nil {
		o.logger.Error("recovery: reading unfinished tasks", "error", err)
		return stats
	}

	managed := make(map[string]bool)
	for _, typ := range o.queue.Types() {
		managed[typ] = true
	}

	var syncIDs []string
	for _, task := range tasks {
		switch {
		case managed[task.Type]:
			stats.Managed++
		case task.Type == storage.TaskStorageSync:
			stats.Sync++
			syncIDs = append(syncIDs, task.ID)
		default:
			stats.Skipped++
			o.logger.Warn("recovery: unknown task type", "task_id", task.ID, "type", task.Type)
		}
	}

	if stats.Managed > 0 {
		o.queue.StartProcessing(ctx)
	}

	sem := make(chan struct{}, maxConcurrentSyncs)
	for _, id := range syncIDs {
		telemetry.SyncDispatchesTotal.Inc()
		go func() {
			sem <- struct{}{}
			defer func() {
				<-sem
				if r := recover(); r != nil {
					o.logger.Error("recovery: sync dispatch panicked", "task_id", id, "panic", r)
				}
			}()
			if err := o.syncer.ProcessTask(ctx, id); err != nil {
				o.logger.Warn("recovery: sync dispatch failed", "task_id", id, "error", err)
			}
		}()
	}

	o.logger.Info("recovery complete",
		"managed", stats.Managed, "sync", stats.Sync, "skipped", stats.Skipped)
	return stats
}
