package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/pictag/internal/gateway"
	"github.com/kalambet/pictag/internal/storage"
	"github.com/kalambet/pictag/internal/telemetry"
)

// SyncStore is the subset of storage a sync run needs.
type SyncStore interface {
	GetTask(id string) (storage.Task, error)
	MarkTaskProcessing(id string) (bool, error)
	CompleteTask(id string) error
	FailTask(id string, errMsg string) error
	GetEndpoint(id string) (storage.StorageEndpoint, error)
	GetMediaByPath(endpointID, path string) (storage.MediaFile, error)
	CreateMediaFile(m storage.MediaFile) error
}

// Syncer imports files found under an endpoint root into the media
// library. Each storage_sync task runs independently, one goroutine per
// record, and ends in done or failed. There are no retries: the task
// type is created with max_attempts=1.
type Syncer struct {
	store   SyncStore
	dataDir string
	tempDir string
	logger  *slog.Logger
}

// New creates a Syncer. tempDir, when under an endpoint root, is skipped
// during the walk so half-written uploads are never imported.
func New(store SyncStore, dataDir, tempDir string) *Syncer {
	return &Syncer{
		store:   store,
		dataDir: dataDir,
		tempDir: tempDir,
		logger:  slog.Default(),
	}
}

type syncPayload struct {
	EndpointID string `json:"endpoint_id"`
}

// ProcessTask drives one storage_sync task to a terminal status. A task
// already done or failed is left untouched. The processing transition is
// guarded by the task's current status, so a record dispatched twice
// runs once.
func (s *Syncer) ProcessTask(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if task.Status == storage.TaskDone || task.Status == storage.TaskFailed {
		return nil
	}

	claimed, err := s.store.MarkTaskProcessing(taskID)
	if err != nil {
		return fmt.Errorf("claiming task %s: %w", taskID, err)
	}
	if !claimed {
		return nil
	}

	imported, err := s.run(ctx, task)
	if err != nil {
		s.logger.Warn("storage sync failed", "task_id", taskID, "error", err)
		telemetry.TasksProcessedTotal.WithLabelValues(storage.TaskStorageSync, "failed").Inc()
		if failErr := s.store.FailTask(taskID, err.Error()); failErr != nil {
			return fmt.Errorf("failing task %s: %w", taskID, failErr)
		}
		return nil
	}

	s.logger.Info("storage sync finished", "task_id", taskID, "imported", imported)
	telemetry.TasksProcessedTotal.WithLabelValues(storage.TaskStorageSync, "done").Inc()
	if err := s.store.CompleteTask(taskID); err != nil {
		return fmt.Errorf("completing task %s: %w", taskID, err)
	}
	return nil
}

func (s *Syncer) run(ctx context.Context, task storage.Task) (int, error) {
	var payload syncPayload
	if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		return 0, fmt.Errorf("parsing payload: %w", err)
	}
	ep, err := s.store.GetEndpoint(payload.EndpointID)
	if err != nil {
		return 0, fmt.Errorf("loading endpoint %s: %w", payload.EndpointID, err)
	}

	root := ep.Root(s.dataDir)
	imported := 0
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		name := d.Name()
		if d.IsDir() {
			if path == root {
				return nil
			}
			if strings.HasPrefix(name, ".") || samePath(path, s.tempDir) {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		_, err = s.store.GetMediaByPath(ep.ID, rel)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		m := storage.MediaFile{
			ID:         uuid.New().String(),
			EndpointID: ep.ID,
			Path:       rel,
			Title:      strings.TrimSuffix(name, filepath.Ext(name)),
			Kind:       gateway.KindForName(name),
			SizeBytes:  info.Size(),
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.store.CreateMediaFile(m); err != nil {
			return fmt.Errorf("importing %s: %w", rel, err)
		}
		imported++
		return nil
	})
	if walkErr != nil {
		return imported, walkErr
	}
	return imported, nil
}

func samePath(a, b string) bool {
	if b == "" {
		return false
	}
	ap, err := filepath.Abs(a)
	if err != nil {
		return false
	}
	bp, err := filepath.Abs(b)
	if err != nil {
		return false
	}
	return ap == bp
}
