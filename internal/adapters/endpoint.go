package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/ratelimit"
	"github.com/google/uuid"
)

// maxResponseBytes bounds provider responses read into memory.
const maxResponseBytes = 4 << 20

type endpointRequest struct {
	Model          string                `json:"model"`
	Prompt         string                `json:"prompt"`
	Ratio          string                `json:"ratio"`
	NegativePrompt string                `json:"negative_prompt,omitempty"`
	Seed           *int64                `json:"seed,omitempty"`
	ReferenceImage string                `json:"reference_image,omitempty"`
	Duration       int                   `json:"duration,omitempty"`
	CameraControl  *models.CameraControl `json:"camera_control,omitempty"`
}

type endpointData struct {
	ImageURL      string `json:"image_url"`
	OperationName string `json:"operationName"`
	TaskID        string `json:"taskId"`
	Seed          *int64 `json:"seed"`
}

type endpointResponse struct {
	Success bool          `json:"success"`
	Data    *endpointData `json:"data"`
	Warning string        `json:"warning"`
	Error   string        `json:"error"`
	// Some providers answer long-running requests at the top level.
	OperationName string `json:"operationName"`
	TaskID        string `json:"taskId"`
}

type statusRequest struct {
	OperationName string `json:"operationName,omitempty"`
	TaskID        string `json:"taskId,omitempty"`
}

type statusResponse struct {
	Status   string `json:"status"`
	Progress *int   `json:"progress"`
	VideoURL string `json:"videoUrl"`
	ImageURL string `json:"image_url"`
	Seed     *int64 `json:"seed"`
	Error    string `json:"error"`
}

type endpointTask struct {
	operation bool   // reference is an operationName rather than a taskId
	member    string // pool member that accepted the request
	status    StatusReport
	result    *models.TaskResult
}

// Endpoint talks to a generic generation endpoint. Synchronous answers carry
// an image URL; long-running ones carry an operation or task reference that
// is polled at StatusURL. Every call goes through the limiter. When the
// limiter is a pool, each member may have its own URLs.
type Endpoint struct {
	name      string
	url       string
	statusURL string
	members   map[string]EndpointTarget
	client    *http.Client
	limiter   ratelimit.Scheduler

	mu    sync.Mutex
	tasks map[string]*endpointTask
}

// EndpointTarget is the pair of URLs one pool member answers on.
type EndpointTarget struct {
	URL       string
	StatusURL string
}

// EndpointConfig configures an Endpoint adapter.
type EndpointConfig struct {
	Name      string
	URL       string
	StatusURL string
	// Members overrides URL and StatusURL per pool member.
	Members map[string]EndpointTarget
	Timeout time.Duration
}

// NewEndpoint creates an Endpoint adapter. A nil limiter sends requests
// directly.
func NewEndpoint(cfg EndpointConfig, limiter ratelimit.Scheduler) *Endpoint {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "endpoint"
	}
	return &Endpoint{
		name:      cfg.Name,
		url:       cfg.URL,
		statusURL: cfg.StatusURL,
		members:   cfg.Members,
		client:    &http.Client{Timeout: cfg.Timeout},
		limiter:   limiter,
		tasks:     make(map[string]*endpointTask),
	}
}

func (e *Endpoint) Name() string {
	return e.name
}

// Generate submits params and records the returned reference.
func (e *Endpoint) Generate(ctx context.Context, params models.GenerationParams) (string, error) {
	req := endpointRequest{
		Model:          params.Model,
		Prompt:         params.Prompt,
		Ratio:          params.Ratio,
		NegativePrompt: params.NegativePrompt,
		Seed:           params.Seed,
		ReferenceImage: params.ReferenceImage,
		Duration:       params.Duration,
		CameraControl:  params.CameraControl,
	}
	var resp endpointResponse
	member, err := e.post(ctx, e.generateURL, req, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "request rejected"
		}
		return "", fmt.Errorf("%w: %s: %s", ErrProvider, e.name, msg)
	}

	data := endpointData{OperationName: resp.OperationName, TaskID: resp.TaskID}
	if resp.Data != nil {
		data = *resp.Data
		if data.OperationName == "" {
			data.OperationName = resp.OperationName
		}
		if data.TaskID == "" {
			data.TaskID = resp.TaskID
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case data.ImageURL != "":
		ref := "sync_" + uuid.New().String()
		e.tasks[ref] = &endpointTask{
			member: member,
			status: StatusReport{Status: models.TaskStatusSucceeded, Progress: 100},
			result: &models.TaskResult{URL: data.ImageURL, Seed: data.Seed},
		}
		return ref, nil
	case data.OperationName != "":
		e.tasks[data.OperationName] = &endpointTask{operation: true, member: member, status: StatusReport{Status: models.TaskStatusProcessing}}
		return data.OperationName, nil
	case data.TaskID != "":
		e.tasks[data.TaskID] = &endpointTask{member: member, status: StatusReport{Status: models.TaskStatusProcessing}}
		return data.TaskID, nil
	}
	return "", fmt.Errorf("%w: %s: response carries no result or reference", ErrProvider, e.name)
}

// Status polls the status endpoint for long-running references.
func (e *Endpoint) Status(ctx context.Context, ref string) (StatusReport, error) {
	e.mu.Lock()
	t, ok := e.tasks[ref]
	var cur StatusReport
	var operation bool
	var member string
	if ok {
		cur, operation, member = t.status, t.operation, t.member
	}
	e.mu.Unlock()
	if !ok {
		return StatusReport{}, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	if cur.Status.Terminal() {
		return cur, nil
	}
	statusURL := e.target(member).StatusURL
	if statusURL == "" {
		return StatusReport{}, fmt.Errorf("%w: %s: no status url for long-running reference", ErrProvider, e.name)
	}

	req := statusRequest{TaskID: ref}
	if operation {
		req = statusRequest{OperationName: ref}
	}
	var resp statusResponse
	// Polls stay with the member that accepted the request.
	if _, err := e.post(ctx, func(string) string { return statusURL }, req, &resp); err != nil {
		return StatusReport{}, err
	}

	next := cur
	switch strings.ToLower(resp.Status) {
	case "succeeded", "success", "completed":
		url := resp.VideoURL
		if url == "" {
			url = resp.ImageURL
		}
		next = StatusReport{Status: models.TaskStatusSucceeded, Progress: 100}
		e.mu.Lock()
		t.result = &models.TaskResult{URL: url, Seed: resp.Seed}
		e.mu.Unlock()
	case "failed", "error":
		msg := resp.Error
		if msg == "" {
			msg = "generation failed"
		}
		next = StatusReport{Status: models.TaskStatusFailed, Error: msg}
	default:
		next.Status = models.TaskStatusProcessing
		if resp.Progress != nil {
			next.Progress = *resp.Progress
		} else if next.Progress < 90 {
			next.Progress += 5
		}
	}

	e.mu.Lock()
	t.status = next
	e.mu.Unlock()
	return next, nil
}

// Result returns the stored output of ref.
func (e *Endpoint) Result(ctx context.Context, ref string) (*models.TaskResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	return t.result, nil
}

// Release forgets ref.
func (e *Endpoint) Release(ref string) {
	e.mu.Lock()
	delete(e.tasks, ref)
	e.mu.Unlock()
}

// target returns the URLs of a pool member, falling back to the defaults.
func (e *Endpoint) target(member string) EndpointTarget {
	t := EndpointTarget{URL: e.url, StatusURL: e.statusURL}
	if m, ok := e.members[member]; ok {
		if m.URL != "" {
			t.URL = m.URL
		}
		if m.StatusURL != "" {
			t.StatusURL = m.StatusURL
		}
	}
	return t
}

func (e *Endpoint) generateURL(member string) string {
	return e.target(member).URL
}

// post sends in to the URL chosen for the member running the call and
// decodes the answer into out. It returns that member.
func (e *Endpoint) post(ctx context.Context, urlFor func(member string) string, in, out any) (string, error) {
	body, err := sonic.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	call := func(ctx context.Context) (string, error) {
		member := ratelimit.MemberFrom(ctx)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlFor(member), bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrProvider, e.name, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return "", fmt.Errorf("%w: %s: read response: %v", ErrProvider, e.name, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg := strings.TrimSpace(string(raw))
			if resp.StatusCode == http.StatusTooManyRequests {
				return "", fmt.Errorf("%w: %w: %s: status %d: %s", ErrProvider, ratelimit.ErrQuotaExceeded, e.name, resp.StatusCode, msg)
			}
			return "", fmt.Errorf("%w: %s: status %d: %s", ErrProvider, e.name, resp.StatusCode, msg)
		}
		if err := sonic.Unmarshal(raw, out); err != nil {
			return "", fmt.Errorf("%w: %s: decode response: %v", ErrProvider, e.name, err)
		}
		return member, nil
	}

	if e.limiter == nil {
		return call(ctx)
	}
	return ratelimit.Do(ctx, e.limiter, call)
}
