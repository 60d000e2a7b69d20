package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fentz26/cineflow/internal/controlplane"
	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/ratelimit"
	"github.com/fentz26/cineflow/internal/relay"
	"github.com/fentz26/cineflow/internal/tasks"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the CineFlow API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// do sends a request and decodes the data field of the response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := sonic.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(raw))
	}
	if resp.StatusCode >= 400 || !env.Success {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, env.Error)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return sonic.Unmarshal(env.Data, out)
}

// CheckHealth checks if the daemon is healthy.
func (c *Client) CheckHealth(ctx context.Context) (*controlplane.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	var health controlplane.HealthResponse
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("health check failed (status %d): %s", resp.StatusCode, health.DB)
	}
	return &health, nil
}

// Stats fetches room, task and limiter counters.
func (c *Client) Stats(ctx context.Context) (*controlplane.StatsResponse, error) {
	var out controlplane.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RoomTasks lists the live tasks of a room.
func (c *Client) RoomTasks(ctx context.Context, room, status string) ([]models.GenerationTask, error) {
	path := "/rooms/" + url.PathEscape(room) + "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out []models.GenerationTask
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History lists persisted tasks.
func (c *Client) History(ctx context.Context, room, status string) ([]models.GenerationTask, error) {
	q := url.Values{}
	if room != "" {
		q.Set("room", room)
	}
	if status != "" {
		q.Set("status", status)
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.GenerationTask
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Task fetches one persisted task.
func (c *Client) Task(ctx context.Context, id string) (*models.GenerationTask, error) {
	var out models.GenerationTask
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskEvents fetches the audit trail of a task.
func (c *Client) TaskEvents(ctx context.Context, id string) ([]models.TaskEvent, error) {
	var out []models.TaskEvent
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id)+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Models fetches the model catalog.
func (c *Client) Models(ctx context.Context) (*controlplane.Catalog, error) {
	var out controlplane.Catalog
	if err := c.do(ctx, http.MethodGet, "/models", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rooms lists open rooms and rooms with a stored snapshot.
func (c *Client) Rooms(ctx context.Context) ([]relay.RoomInfo, error) {
	var out []relay.RoomInfo
	if err := c.do(ctx, http.MethodGet, "/rooms", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateRequest is the body of a generate call.
type GenerateRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	Ratio       string `json:"ratio,omitempty"`
	NodeID      string `json:"node_id"`
	Seed        *int64 `json:"seed,omitempty"`
	Duration    int    `json:"duration,omitempty"`
	BatchCount  int    `json:"batch_count,omitempty"`
	CreateChild *bool  `json:"create_child,omitempty"`
}

// Generate starts a generation in a room.
func (c *Client) Generate(ctx context.Context, room string, req GenerateRequest) (*tasks.BatchResult, error) {
	var out tasks.BatchResult
	if err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(room)+"/generate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EnhancePrompt asks the daemon to rewrite a prompt.
func (c *Client) EnhancePrompt(ctx context.Context, prompt, kind, style string) (string, error) {
	var out struct {
		Prompt string `json:"prompt"`
	}
	in := map[string]string{"prompt": prompt, "type": kind, "style": style}
	if err := c.do(ctx, http.MethodPost, "/enhance-prompt", in, &out); err != nil {
		return "", err
	}
	return out.Prompt, nil
}

// Quota fetches the status of one limiter. An empty name selects the default.
func (c *Client) Quota(ctx context.Context, limiter string) (*ratelimit.Status, error) {
	path := "/quota/status"
	if limiter != "" {
		path += "?limiter=" + url.QueryEscape(limiter)
	}
	var out ratelimit.Status
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
