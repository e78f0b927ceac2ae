// Package client is a small Go client for the annex HTTP API. It mirrors
// the engine's operations one-to-one and decodes API errors into typed
// values callers can inspect.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/annexdb/annex/pkg/core/types"
)

// Client talks to one annex server. Safe for concurrent use.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithAuthToken sends the bearer token with every request.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the server at baseURL, e.g. "http://localhost:7345".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("annex: server returned %d: %s", e.StatusCode, e.Message)
}

// Vector is one stored record.
type Vector struct {
	ID       uint64         `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata types.Document `json:"metadata,omitempty"`
}

// SearchOptions parameterizes a Search call. Zero values defer to server
// defaults.
type SearchOptions struct {
	Ef         int
	Filter     string
	FilterMode string
	MaxVisits  int
}

// SearchResult is the ranked answer to a Search call.
type SearchResult struct {
	Results   []types.SearchResult `json:"results"`
	Truncated bool                 `json:"truncated"`
}

// Stats summarizes the server's collection.
type Stats struct {
	Vectors   int    `json:"vectors"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
}

// Task is the state of an asynchronous server-side operation.
type Task struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Insert adds one vector with optional metadata.
func (c *Client) Insert(ctx context.Context, id uint64, vector []float32, metadata types.Document) error {
	body := map[string]any{"id": id, "vector": vector}
	if metadata != nil {
		body["metadata"] = metadata
	}
	return c.do(ctx, http.MethodPost, "/vectors", body, nil)
}

// InsertBatch adds many vectors in one call.
func (c *Client) InsertBatch(ctx context.Context, vectors []Vector) error {
	return c.do(ctx, http.MethodPost, "/vectors/batch", map[string]any{"items": vectors}, nil)
}

// Get fetches one stored vector and its metadata.
func (c *Client) Get(ctx context.Context, id uint64) (*Vector, error) {
	var out Vector
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/vectors/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes one vector.
func (c *Client) Delete(ctx context.Context, id uint64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/vectors/%d", id), nil, nil)
}

// Search runs a k-nearest-neighbor query.
func (c *Client) Search(ctx context.Context, vector []float32, k int, opts SearchOptions) (*SearchResult, error) {
	body := map[string]any{
		"vector":      vector,
		"k":           k,
		"ef":          opts.Ef,
		"filter":      opts.Filter,
		"filter_mode": opts.FilterMode,
		"max_visits":  opts.MaxVisits,
	}
	var out SearchResult
	if err := c.do(ctx, http.MethodPost, "/search", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DumpIndex asks the server to write its index artifact. Empty path means
// the server default.
func (c *Client) DumpIndex(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodPost, "/index/dump", map[string]any{"path": path}, nil)
}

// LoadIndex asks the server to replace its index from an artifact.
func (c *Client) LoadIndex(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodPost, "/index/load", map[string]any{"path": path}, nil)
}

// Reindex starts a background rebuild and returns the task id to poll.
func (c *Client) Reindex(ctx context.Context) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/index/reindex", nil, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

// Task fetches the state of an asynchronous operation.
func (c *Client) Task(ctx context.Context, id string) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForTask polls until the task completes or fails, or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, id string, pollInterval time.Duration) (*Task, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	for {
		task, err := c.Task(ctx, id)
		if err != nil {
			return nil, err
		}
		switch task.Status {
		case "completed":
			return task, nil
		case "failed":
			return task, fmt.Errorf("annex: task %s failed: %s", id, task.Error)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Stats fetches collection statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health reports whether the server answers its health probe.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("annex: encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("annex: decoding response: %w", err)
		}
	}
	return nil
}
