package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// OpenAIImages generates images with DALL-E 3. The API answers
// synchronously, so references resolve to a stored result immediately.
type OpenAIImages struct {
	client  *openai.Client
	limiter ratelimit.Scheduler

	mu      sync.Mutex
	results map[string]*models.TaskResult
}

// NewOpenAIImages creates the adapter from an API client.
func NewOpenAIImages(client *openai.Client, limiter ratelimit.Scheduler) *OpenAIImages {
	return &OpenAIImages{
		client:  client,
		limiter: limiter,
		results: make(map[string]*models.TaskResult),
	}
}

func (o *OpenAIImages) Name() string {
	return "dall-e-3"
}

// Generate creates the image and stores its URL under a new reference.
func (o *OpenAIImages) Generate(ctx context.Context, params models.GenerationParams) (string, error) {
	req := openai.ImageRequest{
		Prompt:         params.Prompt,
		Model:          openai.CreateImageModelDallE3,
		N:              1,
		Size:           imageSize(params.Ratio),
		Quality:        openai.CreateImageQualityHD,
		Style:          openai.CreateImageStyleVivid,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	}

	create := func(ctx context.Context) (openai.ImageResponse, error) {
		resp, err := o.client.CreateImage(ctx, req)
		if quotaError(err) {
			err = fmt.Errorf("%w: %w", ratelimit.ErrQuotaExceeded, err)
		}
		return resp, err
	}
	var (
		resp openai.ImageResponse
		err  error
	)
	if o.limiter != nil {
		resp, err = ratelimit.Do(ctx, o.limiter, create)
	} else {
		resp, err = create(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrProvider, o.Name(), err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("%w: %s: no image returned", ErrProvider, o.Name())
	}

	ref := "dalle_" + uuid.New().String()
	o.mu.Lock()
	o.results[ref] = &models.TaskResult{URL: resp.Data[0].URL}
	o.mu.Unlock()
	return ref, nil
}

// Status reports every issued reference as succeeded.
func (o *OpenAIImages) Status(ctx context.Context, ref string) (StatusReport, error) {
	o.mu.Lock()
	_, ok := o.results[ref]
	o.mu.Unlock()
	if !ok {
		return StatusReport{}, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	return StatusReport{Status: models.TaskStatusSucceeded, Progress: 100}, nil
}

func (o *OpenAIImages) Result(ctx context.Context, ref string) (*models.TaskResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.results[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	return r, nil
}

// Release forgets ref.
func (o *OpenAIImages) Release(ref string) {
	o.mu.Lock()
	delete(o.results, ref)
	o.mu.Unlock()
}

// quotaError reports whether err is an HTTP 429 from the API.
func quotaError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}

// imageSize maps an aspect ratio to a size DALL-E 3 supports.
func imageSize(ratio string) string {
	switch ratio {
	case "16:9":
		return openai.CreateImageSize1792x1024
	case "9:16":
		return openai.CreateImageSize1024x1792
	default:
		return openai.CreateImageSize1024x1024
	}
}
