package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/pictag/internal/auth"
	"github.com/kalambet/pictag/internal/config"
)

// apiClient talks to a running pictag server over the admin REST API.
// It signs in with the default admin account from the local config, so
// the CLI manages the same instance the config file describes.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	c := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	if err := c.login(auth.DefaultAdminUsername, cfg.Auth.AdminPassword); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *apiClient) login(username, password string) error {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Post(c.baseURL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("server not reachable (is pictag running?): %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	c.token = out.Token
	return nil
}

func (c *apiClient) do(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable (is pictag running?): %w", err)
	}
	return resp, nil
}

func (c *apiClient) get(path string, out any) error {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

func (c *apiClient) post(path string, body, out any) error {
	resp, err := c.do(http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

func (c *apiClient) delete(path string, out any) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

// decodeJSON reads an API response into out, turning 4xx/5xx bodies
// into errors. Error bodies are capped so a misbehaving server cannot
// flood the terminal.
func decodeJSON(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type endpointRow struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	BucketName string    `json:"bucket_name"`
	CreatedAt  time.Time `json:"created_at"`
}

type taskRow struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type mediaRow struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Kind      string   `json:"kind"`
	Path      string   `json:"path"`
	URL       string   `json:"url"`
	Tags      []string `json:"tags"`
	SizeBytes int64    `json:"size_bytes"`
}

func (c *apiClient) listEndpoints() ([]endpointRow, error) {
	var out []endpointRow
	if err := c.get("/endpoints", &out); err != nil {
		return nil, err
	}
	return out, nil
}

type createEndpointResult struct {
	Endpoint   endpointRow `json:"endpoint"`
	SyncTaskID string      `json:"sync_task_id"`
}

func (c *apiClient) createEndpoint(provider, bucket, root string) (createEndpointResult, error) {
	body := map[string]string{
		"provider":    provider,
		"bucket_name": bucket,
	}
	if root != "" {
		body["root_path"] = root
	}
	var out createEndpointResult
	if err := c.post("/endpoints", body, &out); err != nil {
		return createEndpointResult{}, err
	}
	return out, nil
}

func (c *apiClient) deleteEndpoint(id string) error {
	return c.delete("/endpoints/"+id, nil)
}

func (c *apiClient) syncEndpoint(id string) (string, error) {
	var out struct {
		SyncTaskID string `json:"sync_task_id"`
	}
	if err := c.post("/endpoints/"+id+"/sync", nil, &out); err != nil {
		return "", err
	}
	return out.SyncTaskID, nil
}

func (c *apiClient) listTasks(limit int) ([]taskRow, error) {
	var out []taskRow
	if err := c.get(fmt.Sprintf("/tasks?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) listMedia(limit int) ([]mediaRow, error) {
	var out []mediaRow
	if err := c.get(fmt.Sprintf("/media?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}
