package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/pictag/internal/auth"
	"github.com/kalambet/pictag/internal/settings"
	"github.com/kalambet/pictag/internal/storage"
)

const testAdminPassword = "swordfish"

type mockQueue struct {
	mu     sync.Mutex
	starts int
}

func (q *mockQueue) StartProcessing(ctx context.Context) {
	q.mu.Lock()
	q.starts++
	q.mu.Unlock()
}

func (q *mockQueue) startCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.starts
}

type mockSyncer struct {
	dispatched chan string
}

func (s *mockSyncer) ProcessTask(ctx context.Context, taskID string) error {
	s.dispatched <- taskID
	return nil
}

type apiFixture struct {
	h       http.Handler
	store   *storage.Store
	queue   *mockQueue
	syncer  *mockSyncer
	token   string
	dataDir string
}

func setupAppHandler(t *testing.T) *apiFixture {
	return setupAppHandlerWithSearch(t, nil, nil)
}

func setupAppHandlerWithSearch(t *testing.T, embedder TextEmbedder, index VectorIndex) *apiFixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	cache := settings.NewCache(store)
	if err := cache.EnsureDefaults(); err != nil {
		t.Fatalf("EnsureDefaults failed: %v", err)
	}
	if err := cache.Preload(); err != nil {
		t.Fatalf("Preload failed: %v", err)
	}

	authSvc := auth.NewService(store, "test-secret", time.Hour)
	if err := authSvc.EnsureDefaultAdmin(testAdminPassword); err != nil {
		t.Fatalf("EnsureDefaultAdmin failed: %v", err)
	}
	token, err := authSvc.Login(auth.DefaultAdminUsername, testAdminPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	queue := &mockQueue{}
	syncer := &mockSyncer{dispatched: make(chan string, 8)}
	dataDir := t.TempDir()

	h := NewAppHandler(AppDeps{
		Store:    store,
		Settings: cache,
		Auth:     authSvc,
		Queue:    queue,
		Syncer:   syncer,
		Embedder: embedder,
		Vectors:  index,
		DataDir:  dataDir,
		TempDir:  t.TempDir(),
		BaseCtx:  context.Background(),
	})
	return &apiFixture{h: h, store: store, queue: queue, syncer: syncer, token: token, dataDir: dataDir}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (f *apiFixture) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, authReq(method, url, body, f.token))
	return rr
}

func (f *apiFixture) awaitDispatch(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.syncer.dispatched:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no sync dispatch observed")
		return ""
	}
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return resp.Error.Type
}

func TestHealth(t *testing.T) {
	f := setupAppHandler(t)

	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

func TestLogin_Success(t *testing.T) {
	f := setupAppHandler(t)

	body := `{"username":"admin","password":"` + testAdminPassword + `"}`
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, authReq(http.MethodPost, "/auth/login", body, ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["token"] == "" {
		t.Fatal("response missing token")
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	f := setupAppHandler(t)

	body := `{"username":"admin","password":"nope"}`
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, authReq(http.MethodPost, "/auth/login", body, ""))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if got := errorType(t, rr); got != "authentication_error" {
		t.Errorf("error type = %q, want %q", got, "authentication_error")
	}
}

func TestAuth_MissingToken(t *testing.T) {
	f := setupAppHandler(t)

	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, authReq(http.MethodGet, "/endpoints", "", ""))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestAuth_GarbageToken(t *testing.T) {
	f := setupAppHandler(t)

	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, authReq(http.MethodGet, "/endpoints", "", "not-a-jwt"))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestCreateEndpoint_LocalTriggersSync(t *testing.T) {
	f := setupAppHandler(t)

	rr := f.do(t, http.MethodPost, "/endpoints", `{"bucket_name":"photos"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp struct {
		Endpoint struct {
			ID       string `json:"id"`
			Provider string `json:"provider"`
			Bucket   string `json:"bucket_name"`
		} `json:"endpoint"`
		SyncTaskID string `json:"sync_task_id"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Endpoint.Provider != "local" || resp.Endpoint.Bucket != "photos" {
		t.Errorf("endpoint = %+v", resp.Endpoint)
	}
	if resp.SyncTaskID == "" {
		t.Fatal("response missing sync_task_id")
	}

	task, err := f.store.GetTask(resp.SyncTaskID)
	if err != nil {
		t.Fatalf("GetTask(%q) failed: %v", resp.SyncTaskID, err)
	}
	if task.Type != "storage_sync" || task.MaxAttempts != 1 {
		t.Errorf("task = %+v, want storage_sync with max_attempts 1", task)
	}

	if got := f.awaitDispatch(t); got != resp.SyncTaskID {
		t.Errorf("dispatched task = %q, want %q", got, resp.SyncTaskID)
	}
}

func TestCreateEndpoint_ResponseOmitsRootPath(t *testing.T) {
	f := setupAppHandler(t)

	rr := f.do(t, http.MethodPost, "/endpoints", `{"bucket_name":"photos","root_path":"/mnt/nas/photos"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "root_path") || strings.Contains(rr.Body.String(), "/mnt/nas") {
		t.Errorf("root path leaked in response: %s", rr.Body.String())
	}
	f.awaitDispatch(t)

	rr = f.do(t, http.MethodGet, "/endpoints", "")
	if strings.Contains(rr.Body.String(), "root_path") {
		t.Errorf("root path leaked in listing: %s", rr.Body.String())
	}
}

func TestCreateEndpoint_DuplicateBucket(t *testing.T) {
	f := setupAppHandler(t)

	rr := f.do(t, http.MethodPost, "/endpoints", `{"bucket_name":"photos"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("first create: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	f.awaitDispatch(t)

	rr = f.do(t, http.MethodPost, "/endpoints", `{"bucket_name":"photos"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusConflict)
	}
	if got := errorType(t, rr); got != "conflict" {
		t.Errorf("error type = %q, want %q", got, "conflict")
	}
}

func TestCreateEndpoint_BadBucketName(t *testing.T) {
	f := setupAppHandler(t)

	for _, name := range []string{"", "two words", "../escape", ".hidden", "sla/sh"} {
		rr := f.do(t, http.MethodPost, "/endpoints", `{"bucket_name":"`+name+`"}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("bucket %q: status = %d, want %d", name, rr.Code, http.StatusBadRequest)
		}
	}
}

func TestCreateEndpoint_UnknownProvider(t *testing.T) {
	f := setupAppHandler(t)

	rr := f.do(t, http.MethodPost, "/endpoints", `{"provider":"ftp","bucket_name":"photos"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestCreateEndpoint_S3SkipsSync(t *testing.T) {
	f := setupAppHandler(t)

	rr := f.do(t, http.MethodPost, "/endpoints", `{"provider":"s3","bucket_name":"archive"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "sync_task_id") {
		t.Errorf("s3 endpoint should not trigger a sync: %s", rr.Body.String())
	}

	select {
	case id := <-f.syncer.dispatched:
		t.Errorf("unexpected sync dispatch %q", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeleteEndpoint(t *testing.T) {
	f := setupAppHandler(t)

	if err := f.store.CreateEndpoint(storage.StorageEndpoint{
		ID: "ep-1", Provider: storage.ProviderLocal, BucketName: "photos",
	}); err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}

	rr := f.do(t, http.MethodDelete, "/endpoints/ep-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	rr = f.do(t, http.MethodDelete, "/endpoints/ep-1", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestSyncEndpoint_CreatesFreshTask(t *testing.T) {
	f := setupAppHandler(t)

	if err := f.store.CreateEndpoint(storage.StorageEndpoint{
		ID: "ep-1", Provider: storage.ProviderLocal, BucketName: "photos",
	}); err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}

	rr := f.do(t, http.MethodPost, "/endpoints/ep-1/sync", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["sync_task_id"] == "" {
		t.Fatal("response missing sync_task_id")
	}
	if got := f.awaitDispatch(t); got != resp["sync_task_id"] {
		t.Errorf("dispatched task = %q, want %q", got, resp["sync_task_id"])
	}

	task, err := f.store.GetTask(resp["sync_task_id"])
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !strings.Contains(task.PayloadJSON, "ep-1") {
		t.Errorf("payload = %q, want endpoint id inside", task.PayloadJSON)
	}
}

func TestSyncEndpoint_NotFound(t *testing.T) {
	f := setupAppHandler(t)

	rr := f.do(t, http.MethodPost, "/endpoints/nope/sync", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestListTasks(t *testing.T) {
	f := setupAppHandler(t)

	for _, id := range []string{"t-1", "t-2", "t-3"} {
		if err := f.store.CreateTask(storage.Task{
			ID: id, Type: "analyze_image", PayloadJSON: `{"media_id":"m-1"}`,
		}); err != nil {
			t.Fatalf("CreateTask(%s): %v", id, err)
		}
	}

	rr := f.do(t, http.MethodGet, "/tasks", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var tasks []map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&tasks); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("len(tasks) = %d, want 3", len(tasks))
	}
	if tasks[0]["status"] != "pending" {
		t.Errorf("status = %v, want pending", tasks[0]["status"])
	}

	rr = f.do(t, http.MethodGet, "/tasks?limit=2", "")
	tasks = nil
	json.NewDecoder(rr.Body).Decode(&tasks)
	if len(tasks) != 2 {
		t.Errorf("len(tasks) with limit=2 = %d, want 2", len(tasks))
	}
}

func TestDispatchSyncTask(t *testing.T) {
	f := setupAppHandler(t)

	if err := f.store.CreateTask(storage.Task{
		ID: "t-sync", Type: "storage_sync", PayloadJSON: `{"endpoint_id":"ep-1"}`, MaxAttempts: 1,
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rr := f.do(t, http.MethodPost, "/tasks/t-sync/sync", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if got := f.awaitDispatch(t); got != "t-sync" {
		t.Errorf("dispatched task = %q, want %q", got, "t-sync")
	}
}

func TestDispatchSyncTask_FinishedConflicts(t *testing.T) {
	f := setupAppHandler(t)

	if err := f.store.CreateTask(storage.Task{
		ID: "t-sync", Type: "storage_sync", PayloadJSON: `{"endpoint_id":"ep-1"}`, MaxAttempts: 1,
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := f.store.CompleteTask("t-sync"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	rr := f.do(t, http.MethodPost, "/tasks/t-sync/sync", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusConflict)
	}
	if got := errorType(t, rr); got != "conflict" {
		t.Errorf("error type = %q, want %q", got, "conflict")
	}
}

func TestDispatchSyncTask_WrongType(t *testing.T) {
	f := setupAppHandler(t)

	if err := f.store.CreateTask(storage.Task{
		ID: "t-img", Type: "analyze_image", PayloadJSON: `{"media_id":"m-1"}`,
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	rr := f.do(t, http.MethodPost, "/tasks/t-img/sync", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestSettings_RoundTrip(t *testing.T) {
	f := setupAppHandler(t)

	rr := f.do(t, http.MethodGet, "/settings", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var all []settingResponse
	if err := json.NewDecoder(rr.Body).Decode(&all); err != nil {
		t.Fatalf("decoding settings: %v", err)
	}
	if len(all) == 0 {
		t.Fatal("no settings returned")
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Key > all[i].Key {
			t.Fatalf("settings not sorted: %q before %q", all[i-1].Key, all[i].Key)
		}
	}

	rr = f.do(t, http.MethodPut, "/settings/upload.max_size_mb", `{"value":"128"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("put: status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodGet, "/settings/upload.max_size_mb", "")
	var got settingResponse
	json.NewDecoder(rr.Body).Decode(&got)
	if got.Value != "128" {
		t.Errorf("value = %q, want %q", got.Value, "128")
	}
	if got.Default != "512" {
		t.Errorf("default = %q, want %q", got.Default, "512")
	}
}

func TestSettings_UnknownKey(t *testing.T) {
	f := setupAppHandler(t)

	rr := f.do(t, http.MethodGet, "/settings/no.such.key", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get: status = %d, want %d", rr.Code, http.StatusNotFound)
	}

	rr = f.do(t, http.MethodPut, "/settings/no.such.key", `{"value":"x"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("put: status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestSettings_BackupScheduleValidated(t *testing.T) {
	f := setupAppHandler(t)

	rr := f.do(t, http.MethodPut, "/settings/backup.schedule", `{"value":"not a cron"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusBadRequest, rr.Body.String())
	}

	rr = f.do(t, http.MethodPut, "/settings/backup.schedule", `{"value":"30 2 * * *"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("valid cron rejected: status = %d; body = %s", rr.Code, rr.Body.String())
	}
}
