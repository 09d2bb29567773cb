package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/antaewoong/stayrender/internal/metrics"
	"github.com/antaewoong/stayrender/pkg/models"
)

// TaskKind is the type of render work delegated to the provider.
type TaskKind string

const (
	TaskKindClip   TaskKind = "clip"
	TaskKindStitch TaskKind = "stitch"
)

// SubmitRequest describes one task for the provider.
type SubmitRequest struct {
	JobID      string            `json:"job_id"`
	Kind       TaskKind          `json:"kind"`
	TemplateID string            `json:"template_id"`
	AssetURLs  []string          `json:"asset_urls"`
	ClipURLs   []string          `json:"clip_urls,omitempty"`
	Prompts    map[string]string `json:"prompts,omitempty"`
}

// Task is the provider's view of delegated work. Task IDs are opaque.
type Task struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RenderStatus maps the provider's status vocabulary onto ours.
func (t *Task) RenderStatus() models.RenderStatus {
	switch t.Status {
	case "completed", "succeeded":
		return models.RenderStatusCompleted
	case "failed", "error":
		return models.RenderStatusFailed
	case "running", "processing":
		return models.RenderStatusRunning
	default:
		return models.RenderStatusPending
	}
}

// Client talks to the external render provider over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a provider client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// SubmitTask submits render work and returns the opaque task handle.
func (c *Client) SubmitTask(ctx context.Context, req SubmitRequest) (*Task, error) {
	var task Task
	err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &task)
	c.count("submit", err)
	if err != nil {
		return nil, fmt.Errorf("failed to submit render task: %w", err)
	}
	return &task, nil
}

// GetTask fetches the current state of a task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+taskID, nil, &task)
	c.count("get", err)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch render task: %w", err)
	}
	return &task, nil
}

// CancelTask asks the provider to stop a task. Callers treat failures as
// best-effort; this just reports them.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/tasks/"+taskID, nil, nil)
	c.count("cancel", err)
	if err != nil {
		return fmt.Errorf("failed to cancel render task: %w", err)
	}
	return nil
}

func (c *Client) count(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ProviderCallsTotal.WithLabelValues(op, status).Inc()
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode provider response: %w", err)
		}
	}
	return nil
}
