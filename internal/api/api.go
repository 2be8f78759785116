package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/pictag/internal/auth"
	"github.com/kalambet/pictag/internal/settings"
	"github.com/kalambet/pictag/internal/storage"
	"github.com/kalambet/pictag/internal/telemetry"
	"github.com/kalambet/pictag/internal/vectors"
)

const maxRequestBodySize = 1 << 20 // 1MB

// SyncDispatcher runs one storage_sync task to a terminal status.
type SyncDispatcher interface {
	ProcessTask(ctx context.Context, taskID string) error
}

// TaskQueue is the queue surface handlers need after enqueueing work.
type TaskQueue interface {
	StartProcessing(ctx context.Context)
}

// TextEmbedder turns a search query into a vector.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the vector store surface for search and cleanup.
type VectorIndex interface {
	Search(vector []float32, topK int) ([]vectors.ScoredRecord, error)
	DeleteByMedia(mediaID string) error
}

type AppDeps struct {
	Store    *storage.Store
	Settings *settings.Cache
	Auth     *auth.Service
	Queue    TaskQueue
	Syncer   SyncDispatcher
	Gateway  http.Handler
	Embedder TextEmbedder // optional; if nil, /search reports the embedder as unavailable
	Vectors  VectorIndex  // optional; if nil, search returns nothing and vector cleanup is skipped
	DataDir  string
	TempDir  string

	// BaseCtx outlives individual requests. Background work started
	// from a handler (queue workers, sync dispatches) runs under it
	// and stops at shutdown.
	BaseCtx context.Context

	RateLimit float64 // gateway requests per second per client IP; 0 disables limiting
	RateBurst int
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.BaseCtx == nil {
		deps.BaseCtx = context.Background()
	}

	r := chi.NewRouter()
	r.Use(RequestMetrics)

	r.Get("/health", handleHealth())
	r.Post("/auth/login", handleLogin(deps))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if deps.Gateway != nil {
		gw := deps.Gateway
		if deps.RateLimit > 0 {
			gw = NewRateLimiter(deps.RateLimit, deps.RateBurst).Middleware(gw)
		}
		r.Mount("/data", gw)
	}

	r.Group(func(admin chi.Router) {
		admin.Use(JWTAuth(deps.Auth))

		admin.Get("/endpoints", handleListEndpoints(deps))
		admin.Post("/endpoints", handleCreateEndpoint(deps))
		admin.Delete("/endpoints/{id}", handleDeleteEndpoint(deps))
		admin.Post("/endpoints/{id}/sync", handleSyncEndpoint(deps))

		admin.Get("/tasks", handleListTasks(deps))
		admin.Post("/tasks/{id}/sync", handleDispatchSyncTask(deps))

		admin.Get("/settings", handleListSettings(deps))
		admin.Get("/settings/{key}", handleGetSetting(deps))
		admin.Put("/settings/{key}", handlePutSetting(deps))

		admin.Post("/media", handleUploadMedia(deps))
		admin.Get("/media", handleListMedia(deps))
		admin.Get("/media/{id}", handleGetMedia(deps))
		admin.Put("/media/{id}/tags", handleUpdateTags(deps))
		admin.Delete("/media/{id}", handleDeleteMedia(deps))

		admin.Get("/search", handleSearch(deps))
	})

	return r
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func handleLogin(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Username == "" || req.Password == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "username and password are required")
			return
		}

		token, err := deps.Auth.Login(req.Username, req.Password)
		if errors.Is(err, auth.ErrInvalidCredentials) {
			httpError(w, http.StatusUnauthorized, "authentication_error", "invalid credentials")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "login failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	}
}

type endpointResponse struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	BucketName string    `json:"bucket_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// toEndpointResponse converts a storage record for the wire. RootPath
// never leaves the server.
func toEndpointResponse(ep storage.StorageEndpoint) endpointResponse {
	return endpointResponse{
		ID:         ep.ID,
		Provider:   ep.Provider,
		BucketName: ep.BucketName,
		CreatedAt:  ep.CreatedAt,
	}
}

func handleListEndpoints(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eps, err := deps.Store.ListEndpoints(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list endpoints: %v", err)
			return
		}

		out := make([]endpointResponse, 0, len(eps))
		for _, ep := range eps {
			out = append(out, toEndpointResponse(ep))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

type createEndpointRequest struct {
	Provider   string `json:"provider"`
	BucketName string `json:"bucket_name"`
	RootPath   string `json:"root_path"`
}

func handleCreateEndpoint(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req createEndpointRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.Provider == "" {
			req.Provider = storage.ProviderLocal
		}
		if req.Provider != storage.ProviderLocal && req.Provider != storage.ProviderS3 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown provider %q", req.Provider)
			return
		}
		if !validBucketName(req.BucketName) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid bucket name")
			return
		}

		ep := storage.StorageEndpoint{
			ID:         uuid.New().String(),
			Provider:   req.Provider,
			BucketName: req.BucketName,
			RootPath:   req.RootPath,
			CreatedAt:  time.Now().UTC(),
		}
		if err := deps.Store.CreateEndpoint(ep); errors.Is(err, storage.ErrConflict) {
			httpError(w, http.StatusConflict, "conflict", "bucket %q already registered for provider %q", req.BucketName, req.Provider)
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create endpoint: %v", err)
			return
		}

		resp := map[string]any{"endpoint": toEndpointResponse(ep)}
		if ep.Provider == storage.ProviderLocal {
			taskID, err := createSyncTask(deps, ep.ID)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue sync task: %v", err)
				return
			}
			dispatchSync(deps, taskID)
			resp["sync_task_id"] = taskID
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleDeleteEndpoint(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteEndpoint(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "endpoint not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete endpoint: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

// handleSyncEndpoint creates a fresh storage_sync task for an endpoint
// and dispatches it. This is the "sync now" path, and the way to retry
// after a terminally failed sync.
func handleSyncEndpoint(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetEndpoint(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "endpoint not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load endpoint: %v", err)
			return
		}

		taskID, err := createSyncTask(deps, id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue sync task: %v", err)
			return
		}
		dispatchSync(deps, taskID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"sync_task_id": taskID,
			"status":       "dispatched",
		})
	}
}

type taskResponse struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	RunAfter    time.Time       `json:"run_after"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toTaskResponse(t storage.Task) taskResponse {
	resp := taskResponse{
		ID:          t.ID,
		Type:        t.Type,
		Status:      t.Status,
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		LastError:   t.LastError,
		RunAfter:    t.RunAfter,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if json.Valid([]byte(t.PayloadJSON)) {
		resp.Payload = json.RawMessage(t.PayloadJSON)
	}
	return resp
}

func handleListTasks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 200)

		tasks, err := deps.Store.ListRecentTasks(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks: %v", err)
			return
		}

		out := make([]taskResponse, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, toTaskResponse(t))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

// handleDispatchSyncTask re-dispatches an existing storage_sync task,
// typically one left pending by a crash. Finished tasks are not rerun;
// use the endpoint sync route to start over.
func handleDispatchSyncTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		task, err := deps.Store.GetTask(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load task: %v", err)
			return
		}
		if task.Type != storage.TaskStorageSync {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "task %s is not a storage_sync task", id)
			return
		}
		if task.Status == storage.TaskDone || task.Status == storage.TaskFailed {
			httpError(w, http.StatusConflict, "conflict", "task %s already finished", id)
			return
		}

		dispatchSync(deps, id)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "dispatched"})
	}
}

type settingResponse struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Default string `json:"default"`
}

func handleListSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := deps.Settings.All()
		out := make([]settingResponse, 0, len(all))
		for key, value := range all {
			out = append(out, settingResponse{Key: key, Value: value, Default: settings.Default(key)})
		}
		sortSettings(out)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleGetSetting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")

		value, known := deps.Settings.Lookup(key)
		if !known {
			httpError(w, http.StatusNotFound, "not_found", "unknown setting %q", key)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(settingResponse{Key: key, Value: value, Default: settings.Default(key)})
	}
}

type putSettingRequest struct {
	Value string `json:"value"`
}

// handlePutSetting is the write-through path: the row is committed and
// the in-process cache updated before the response goes out.
func handlePutSetting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req putSettingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if _, known := deps.Settings.Lookup(key); !known {
			httpError(w, http.StatusNotFound, "not_found", "unknown setting %q", key)
			return
		}
		if key == settings.KeyBackupSchedule {
			if _, err := cronexpr.Parse(req.Value); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid cron expression: %v", err)
				return
			}
		}

		err := deps.Settings.Set(key, req.Value)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "unknown setting %q", key)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update setting: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(settingResponse{Key: key, Value: req.Value, Default: settings.Default(key)})
	}
}

// createSyncTask records a storage_sync task for the endpoint. The task
// is created with max_attempts=1: sync failures are terminal.
func createSyncTask(deps AppDeps, endpointID string) (string, error) {
	payload, err := json.Marshal(map[string]string{"endpoint_id": endpointID})
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	task := storage.Task{
		ID:          uuid.New().String(),
		Type:        storage.TaskStorageSync,
		PayloadJSON: string(payload),
		MaxAttempts: 1,
	}
	if err := deps.Store.CreateTask(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// dispatchSync runs one sync task in its own goroutine under BaseCtx.
func dispatchSync(deps AppDeps, taskID string) {
	telemetry.SyncDispatchesTotal.Inc()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("sync dispatch panicked", "task_id", taskID, "panic", r)
			}
		}()
		if err := deps.Syncer.ProcessTask(deps.BaseCtx, taskID); err != nil {
			slog.Warn("sync dispatch failed", "task_id", taskID, "error", err)
		}
	}()
}

// validBucketName accepts names that are safe as a URL segment and as a
// directory name under the data dir: ASCII letters, digits, ".", "-",
// "_", not starting with a dot.
func validBucketName(name string) bool {
	if name == "" || len(name) > 64 || name[0] == '.' {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

func sortSettings(out []settingResponse) {
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
