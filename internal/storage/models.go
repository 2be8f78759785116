package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert collides with a unique index.
var ErrConflict = errors.New("already exists")

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Storage endpoint providers. Only local endpoints are served by the
// gateway; other providers are registered for bookkeeping and sync.
const (
	ProviderLocal = "local"
	ProviderS3    = "s3"
)

// Task statuses. A task found in "processing" at startup was interrupted
// by a crash or restart and is re-driven by recovery.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskDone       = "done"
	TaskFailed     = "failed"
)

// Task types. The analyze and rebuild types run on the shared queue;
// storage_sync tasks are dispatched one goroutine per record and have
// max_attempts=1, so a failure is terminal.
const (
	TaskAnalyzeImage    = "analyze_image"
	TaskAnalyzeDocument = "analyze_document"
	TaskRebuildVector   = "rebuild_vector"
	TaskStorageSync     = "storage_sync"
)

// StorageEndpoint maps a client-facing bucket name to a physical root.
// RootPath is never exposed through the serving API.
type StorageEndpoint struct {
	ID         string
	Provider   string
	BucketName string
	RootPath   string
	CreatedAt  time.Time
}

// Root resolves the endpoint's physical directory. An empty RootPath
// falls back to a directory named after the bucket under dataDir, and a
// relative RootPath is anchored there too.
func (ep StorageEndpoint) Root(dataDir string) string {
	root := ep.RootPath
	if root == "" {
		root = ep.BucketName
	}
	if filepath.IsAbs(root) {
		return root
	}
	return filepath.Join(dataDir, root)
}

// Task is a durable record of a background job.
type Task struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Setting is a runtime-editable configuration row. DefaultValue records
// what the bootstrap seeded so resets don't need a code lookup.
type Setting struct {
	Key          string
	Value        string
	DefaultValue string
	UpdatedAt    time.Time
}

// User is an account that can authenticate against the admin API.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

// Media kinds, derived from the file extension at upload or sync time.
const (
	MediaImage    = "image"
	MediaDocument = "document"
	MediaOther    = "other"
)

// MediaFile is a library entry. Path is relative to the owning endpoint's
// root. Width/Height/Pages/Excerpt are filled in by the analyzers.
type MediaFile struct {
	ID         string
	EndpointID string
	Path       string
	Title      string
	Kind       string
	SizeBytes  int64
	Width      int
	Height     int
	Pages      int
	Excerpt    string
	Tags       string // JSON array stored as text
	CreatedAt  time.Time
}
