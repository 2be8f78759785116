package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/pictag/internal/gateway"
	"github.com/kalambet/pictag/internal/settings"
	"github.com/kalambet/pictag/internal/storage"
)

type mediaResponse struct {
	ID         string    `json:"id"`
	EndpointID string    `json:"endpoint_id"`
	Bucket     string    `json:"bucket,omitempty"`
	Path       string    `json:"path"`
	Title      string    `json:"title"`
	Kind       string    `json:"kind"`
	SizeBytes  int64     `json:"size_bytes"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	Pages      int       `json:"pages,omitempty"`
	Excerpt    string    `json:"excerpt,omitempty"`
	Tags       []string  `json:"tags"`
	URL        string    `json:"url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func toMediaResponse(m storage.MediaFile, bucket string) mediaResponse {
	tags := []string{}
	if m.Tags != "" {
		_ = json.Unmarshal([]byte(m.Tags), &tags)
	}
	resp := mediaResponse{
		ID:         m.ID,
		EndpointID: m.EndpointID,
		Bucket:     bucket,
		Path:       m.Path,
		Title:      m.Title,
		Kind:       m.Kind,
		SizeBytes:  m.SizeBytes,
		Width:      m.Width,
		Height:     m.Height,
		Pages:      m.Pages,
		Excerpt:    m.Excerpt,
		Tags:       tags,
		CreatedAt:  m.CreatedAt,
	}
	if bucket != "" {
		resp.URL = "/data/" + bucket + "/" + m.Path
	}
	return resp
}

// handleUploadMedia accepts a multipart upload and files it into a
// bucket. The file lands in the temp dir first and is moved into the
// endpoint root once fully written, so the gateway and syncer never see
// a partial file. Images and documents get an analyze task.
func handleUploadMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxMB := deps.Settings.GetInt(settings.KeyUploadMaxMB)
		if maxMB <= 0 {
			maxMB = 512
		}
		r.Body = http.MaxBytesReader(w, r.Body, int64(maxMB)<<20)

		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d MB", maxMB)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file field is required: %v", err)
			return
		}
		defer file.Close()

		bucket := r.FormValue("bucket")
		if bucket == "" {
			bucket = deps.Settings.GetString(settings.KeyDefaultBucket)
		}
		ep, err := findLocalEndpoint(deps, r, bucket)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "storage bucket not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to resolve bucket: %v", err)
			return
		}

		filename := filepath.Base(header.Filename)
		if filename == "" || filename == "." || filename == string(filepath.Separator) || strings.HasPrefix(filename, ".") {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid filename")
			return
		}

		tagsJSON, err := normalizeTags(r.FormValue("tags"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "tags must be a JSON array of strings")
			return
		}

		root := ep.Root(deps.DataDir)
		if err := os.MkdirAll(root, 0o755); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to prepare bucket root: %v", err)
			return
		}
		target, filename := uniqueTarget(root, filename)

		size, err := stageAndMove(deps.TempDir, file, target)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d MB", maxMB)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store upload: %v", err)
			return
		}

		title := r.FormValue("title")
		if title == "" {
			title = strings.TrimSuffix(filename, filepath.Ext(filename))
		}
		m := storage.MediaFile{
			ID:         uuid.New().String(),
			EndpointID: ep.ID,
			Path:       filename,
			Title:      title,
			Kind:       gateway.KindForName(filename),
			SizeBytes:  size,
			Tags:       tagsJSON,
			CreatedAt:  time.Now().UTC(),
		}
		if err := deps.Store.CreateMediaFile(m); err != nil {
			os.Remove(target)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save media: %v", err)
			return
		}

		resp := map[string]any{"media": toMediaResponse(m, bucket)}
		if deps.Settings.GetBool(settings.KeyAutoAnalyze) {
			taskID, err := enqueueAnalyze(deps, m)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue analyze task: %v", err)
				return
			}
			if taskID != "" {
				resp["analyze_task_id"] = taskID
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleListMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 200)

		files, err := deps.Store.ListMediaFiles(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list media: %v", err)
			return
		}
		buckets, err := endpointBuckets(r.Context(), deps.Store)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list endpoints: %v", err)
			return
		}

		out := make([]mediaResponse, 0, len(files))
		for _, m := range files {
			out = append(out, toMediaResponse(m, buckets[m.EndpointID]))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleGetMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		m, err := deps.Store.GetMediaFile(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "media not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get media: %v", err)
			return
		}

		bucket := ""
		if ep, err := deps.Store.GetEndpoint(m.EndpointID); err == nil {
			bucket = ep.BucketName
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toMediaResponse(m, bucket))
	}
}

type updateTagsRequest struct {
	Tags []string `json:"tags"`
}

// handleUpdateTags replaces the tag list of a media file and queues a
// vector rebuild so search reflects the new tags.
func handleUpdateTags(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req updateTagsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Tags == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "tags array is required")
			return
		}

		m, err := deps.Store.GetMediaFile(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "media not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get media: %v", err)
			return
		}

		tagsJSON, err := json.Marshal(req.Tags)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to marshal tags: %v", err)
			return
		}
		if err := deps.Store.UpdateMediaTags(id, string(tagsJSON)); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update tags: %v", err)
			return
		}
		m.Tags = string(tagsJSON)

		taskID, err := createMediaTask(deps, storage.TaskRebuildVector, m.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue vector rebuild: %v", err)
			return
		}
		deps.Queue.StartProcessing(deps.BaseCtx)

		bucket := ""
		if ep, err := deps.Store.GetEndpoint(m.EndpointID); err == nil {
			bucket = ep.BucketName
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"media":           toMediaResponse(m, bucket),
			"rebuild_task_id": taskID,
		})
	}
}

// handleDeleteMedia removes the library entry, its vectors, and the
// file on disk. The file removal is best effort; a row without a file
// is worse than a file without a row.
func handleDeleteMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		m, err := deps.Store.GetMediaFile(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "media not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get media: %v", err)
			return
		}

		if deps.Vectors != nil {
			if err := deps.Vectors.DeleteByMedia(id); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to delete vectors: %v", err)
				return
			}
		}
		if err := deps.Store.DeleteMediaFile(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete media: %v", err)
			return
		}

		if ep, err := deps.Store.GetEndpoint(m.EndpointID); err == nil {
			os.Remove(filepath.Join(ep.Root(deps.DataDir), filepath.FromSlash(m.Path)))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

type searchResult struct {
	Media mediaResponse `json:"media"`
	Score float64       `json:"score"`
	Text  string        `json:"text,omitempty"`
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q parameter is required")
			return
		}
		topK := parseIntParam(r, "limit", 10, 50)

		if deps.Embedder == nil || deps.Vectors == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "search is not available")
			return
		}

		vec, err := deps.Embedder.Embed(r.Context(), query)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "embedding query failed: %v", err)
			return
		}
		// A media file carries up to two vectors (title+tags, excerpt), so
		// fetch twice the limit and keep the best-scoring row per file.
		scored, err := deps.Vectors.Search(vec, topK*2)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		buckets, err := endpointBuckets(r.Context(), deps.Store)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list endpoints: %v", err)
			return
		}

		out := make([]searchResult, 0, topK)
		seen := make(map[string]bool, len(scored))
		for _, rec := range scored {
			if seen[rec.MediaID] || len(out) == topK {
				continue
			}
			m, err := deps.Store.GetMediaFile(rec.MediaID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to load media: %v", err)
				return
			}
			seen[rec.MediaID] = true
			out = append(out, searchResult{
				Media: toMediaResponse(m, buckets[m.EndpointID]),
				Score: float64(rec.Score),
				Text:  rec.Text,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func findLocalEndpoint(deps AppDeps, r *http.Request, bucket string) (storage.StorageEndpoint, error) {
	eps, err := deps.Store.ListEndpoints(r.Context())
	if err != nil {
		return storage.StorageEndpoint{}, err
	}
	for _, ep := range eps {
		if ep.Provider == storage.ProviderLocal && ep.BucketName == bucket {
			return ep, nil
		}
	}
	return storage.StorageEndpoint{}, storage.ErrNotFound
}

// uniqueTarget returns a path under root that does not exist yet,
// suffixing the stem with a short id on collision.
func uniqueTarget(root, filename string) (target, finalName string) {
	target = filepath.Join(root, filename)
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return target, filename
	}
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	finalName = fmt.Sprintf("%s-%s%s", stem, uuid.New().String()[:8], ext)
	return filepath.Join(root, finalName), finalName
}

// stageAndMove copies the upload into tempDir and then moves it to
// target. The rename falls back to a copy when temp dir and target live
// on different filesystems.
func stageAndMove(tempDir string, src io.Reader, target string) (int64, error) {
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return 0, fmt.Errorf("preparing temp dir: %w", err)
	}
	tmp, err := os.CreateTemp(tempDir, "upload-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	size, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, err
	}

	if err := os.Rename(tmpName, target); err != nil {
		if err := copyFile(tmpName, target); err != nil {
			os.Remove(tmpName)
			return 0, err
		}
		os.Remove(tmpName)
	}
	return size, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// normalizeTags validates the optional tags form field and returns the
// canonical JSON encoding, or "" when absent.
func normalizeTags(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return "", err
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// createMediaTask enqueues a queue-managed task for a media file.
func createMediaTask(deps AppDeps, taskType, mediaID string) (string, error) {
	payload, err := json.Marshal(map[string]string{"media_id": mediaID})
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	task := storage.Task{
		ID:          uuid.New().String(),
		Type:        taskType,
		PayloadJSON: string(payload),
	}
	if err := deps.Store.CreateTask(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// enqueueAnalyze queues the analyzer matching the media kind and wakes
// the queue. Kinds without an analyzer return no task.
func enqueueAnalyze(deps AppDeps, m storage.MediaFile) (string, error) {
	var taskType string
	switch m.Kind {
	case storage.MediaImage:
		taskType = storage.TaskAnalyzeImage
	case storage.MediaDocument:
		taskType = storage.TaskAnalyzeDocument
	default:
		return "", nil
	}

	taskID, err := createMediaTask(deps, taskType, m.ID)
	if err != nil {
		return "", err
	}
	deps.Queue.StartProcessing(deps.BaseCtx)
	return taskID, nil
}
