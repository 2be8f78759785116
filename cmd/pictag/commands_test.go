package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type stubResponse struct {
	status int
	body   string
}

// testServer fakes the pictag REST API. Responses are stubbed per
// "METHOD /path" and every request is recorded with its query string
// and Authorization header.
type testServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []string
	auths    []string
	bodies   []string
	stubs    map[string]stubResponse
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{stubs: map[string]stubResponse{}}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body strings.Builder
		if r.Body != nil {
			buf := make([]byte, 4096)
			for {
				n, err := r.Body.Read(buf)
				body.Write(buf[:n])
				if err != nil {
					break
				}
			}
		}

		routeKey := r.Method + " " + r.URL.Path
		ts.mu.Lock()
		ts.requests = append(ts.requests, r.Method+" "+r.URL.RequestURI())
		ts.auths = append(ts.auths, r.Header.Get("Authorization"))
		ts.bodies = append(ts.bodies, body.String())
		stub, ok := ts.stubs[routeKey]
		ts.mu.Unlock()

		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"message":"no route","type":"not_found"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(stub.status)
		w.Write([]byte(stub.body))
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) stubJSON(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	ts.mu.Lock()
	ts.stubs[key] = stubResponse{status: http.StatusOK, body: string(data)}
	ts.mu.Unlock()
}

func (ts *testServer) stub(key string, status int, body string) {
	ts.mu.Lock()
	ts.stubs[key] = stubResponse{status: status, body: body}
	ts.mu.Unlock()
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.srv.URL,
		token:      "test-token",
		httpClient: ts.srv.Client(),
	}
}

func TestClient_SendsBearerToken(t *testing.T) {
	ts := newTestServer(t)
	ts.stubJSON("GET /endpoints", []endpointRow{})

	if _, err := ts.client().listEndpoints(); err != nil {
		t.Fatalf("listEndpoints: %v", err)
	}

	if got := ts.auths[0]; got != "Bearer test-token" {
		t.Errorf("Authorization = %q, want bearer token", got)
	}
}

func TestClient_ErrorResponse(t *testing.T) {
	ts := newTestServer(t)

	_, err := ts.client().listTasks(10)
	if err == nil {
		t.Fatal("expected error for unstubbed route")
	}
	if !strings.Contains(err.Error(), "server returned 404") {
		t.Errorf("error = %v, want status in message", err)
	}
	if !strings.Contains(err.Error(), "no route") {
		t.Errorf("error = %v, want body in message", err)
	}
}

func TestClient_ListEndpoints(t *testing.T) {
	ts := newTestServer(t)
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ts.stubJSON("GET /endpoints", []endpointRow{
		{ID: "ep-1", Provider: "local", BucketName: "photos", CreatedAt: created},
		{ID: "ep-2", Provider: "s3", BucketName: "archive", CreatedAt: created},
	})

	eps, err := ts.client().listEndpoints()
	if err != nil {
		t.Fatalf("listEndpoints: %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("got %d endpoints, want 2", len(eps))
	}
	if eps[0].BucketName != "photos" || eps[1].Provider != "s3" {
		t.Errorf("unexpected rows: %+v", eps)
	}
}

func TestClient_ListTasksPassesLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.stubJSON("GET /tasks", []taskRow{{ID: "t-1", Type: "storage_sync", Status: "done"}})

	tasks, err := ts.client().listTasks(5)
	if err != nil {
		t.Fatalf("listTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Type != "storage_sync" {
		t.Errorf("unexpected tasks: %+v", tasks)
	}
	if got := ts.requests[0]; got != "GET /tasks?limit=5" {
		t.Errorf("request = %q, want limit in query", got)
	}
}

func TestClient_CreateEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.stubJSON("POST /endpoints", createEndpointResult{
		Endpoint:   endpointRow{ID: "ep-1", Provider: "local", BucketName: "photos"},
		SyncTaskID: "task-1",
	})

	res, err := ts.client().createEndpoint("local", "photos", "")
	if err != nil {
		t.Fatalf("createEndpoint: %v", err)
	}
	if res.Endpoint.ID != "ep-1" || res.SyncTaskID != "task-1" {
		t.Errorf("unexpected result: %+v", res)
	}
	if !strings.Contains(ts.bodies[0], `"bucket_name":"photos"`) {
		t.Errorf("request body = %s, want bucket_name", ts.bodies[0])
	}
	if strings.Contains(ts.bodies[0], "root_path") {
		t.Errorf("request body = %s, empty root should be omitted", ts.bodies[0])
	}
}

func TestClient_SyncEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.stub("POST /endpoints/ep-1/sync", http.StatusOK, `{"sync_task_id":"task-9","status":"dispatched"}`)

	taskID, err := ts.client().syncEndpoint("ep-1")
	if err != nil {
		t.Fatalf("syncEndpoint: %v", err)
	}
	if taskID != "task-9" {
		t.Errorf("taskID = %q, want task-9", taskID)
	}
}

func TestClient_Login(t *testing.T) {
	ts := newTestServer(t)
	ts.stub("POST /auth/login", http.StatusOK, `{"token":"jwt-abc"}`)

	c := &apiClient{baseURL: ts.srv.URL, httpClient: ts.srv.Client()}
	if err := c.login("admin", "swordfish"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if c.token != "jwt-abc" {
		t.Errorf("token = %q, want jwt-abc", c.token)
	}
	if !strings.Contains(ts.bodies[0], `"username":"admin"`) {
		t.Errorf("login body = %s, want username", ts.bodies[0])
	}
}

func TestClient_LoginRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.stub("POST /auth/login", http.StatusUnauthorized, `{"error":{"message":"invalid credentials","type":"authentication_error"}}`)

	c := &apiClient{baseURL: ts.srv.URL, httpClient: ts.srv.Client()}
	err := c.login("admin", "wrong")
	if err == nil {
		t.Fatal("expected login error")
	}
	if !strings.Contains(err.Error(), "login failed") {
		t.Errorf("error = %v, want login failed", err)
	}
}

func TestCountLabel(t *testing.T) {
	cases := []struct {
		count, limit int
		want         string
	}{
		{0, 100, "0"},
		{99, 100, "99"},
		{100, 100, "100+"},
		{150, 100, "150+"},
	}
	for i := 0; i < len(cases); i++ {
		c := cases[i]
		if got := countLabel(c.count, c.limit); got != c.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", c.count, c.limit, got, c.want)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q, want 01234567", got)
	}
	if got := shortID("t-1"); got != "t-1" {
		t.Errorf("shortID = %q, want t-1", got)
	}
}

func TestColorizeRespectsNoColor(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorGreen, "ok"); got != "ok" {
		t.Errorf("colorize with noColor = %q, want plain text", got)
	}

	noColor = false
	if got := colorize(colorGreen, "ok"); !strings.Contains(got, colorGreen) || !strings.Contains(got, colorReset) {
		t.Errorf("colorize = %q, want color codes", got)
	}
}
