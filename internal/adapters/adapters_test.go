package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/ratelimit"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryFallsBackToStub(t *testing.T) {
	stub := NewStub(time.Second)
	r := NewRegistry(stub, nil)
	other := NewStub(time.Minute)
	r.Register("veo-2", other)

	assert.Same(t, other, r.Resolve("veo-2"))
	assert.Same(t, stub, r.Resolve("no-such-model"))
	assert.Equal(t, []string{"veo-2"}, r.Models())
}

func TestRegistryCatalog(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register("veo-2", NewStub(time.Second))
	r.Register("flux-pro", NewStub(time.Second))
	r.Register("motion", NewStub(time.Second), AsKind(models.NodeKindVideo))
	r.Register("jimeng", NewStub(time.Second), Disabled())

	assert.Equal(t, []ModelInfo{
		{Name: "flux-pro", Kind: models.NodeKindImage, Adapter: "stub", Enabled: true},
		{Name: "jimeng", Kind: models.NodeKindImage, Adapter: "stub", Enabled: false},
		{Name: "motion", Kind: models.NodeKindVideo, Adapter: "stub", Enabled: true},
		{Name: "veo-2", Kind: models.NodeKindVideo, Adapter: "stub", Enabled: true},
	}, r.Catalog())

	assert.ErrorIs(t, r.Check("jimeng"), ErrModelDisabled)
	assert.NoError(t, r.Check("flux-pro"))
	assert.NoError(t, r.Check("never-registered"))

	assert.Equal(t, models.NodeKindVideo, r.Kind("motion"))
	assert.Equal(t, models.NodeKindVideo, r.Kind("runway-gen3"))
	assert.Equal(t, models.NodeKindImage, r.Kind("dall-e-3"))
	assert.Equal(t, "stub", r.Fallback())
}

func TestStubProgressAndResult(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewStub(2 * time.Second)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	ref, err := s.Generate(ctx, models.GenerationParams{Model: "x"})
	require.NoError(t, err)

	now = now.Add(time.Second)
	st, err := s.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusProcessing, st.Status)
	assert.Equal(t, 50, st.Progress)

	res, err := s.Result(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, res)

	now = now.Add(2 * time.Second)
	st, err = s.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, st.Status)

	first, err := s.Result(ctx, ref)
	require.NoError(t, err)
	second, err := s.Result(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, first, second, "stub results are deterministic")
	require.NotNil(t, first.Seed)

	_, err = s.Status(ctx, "unknown")
	assert.ErrorIs(t, err, ErrUnknownRef)
}

func TestEndpointSynchronousAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a cat", body["prompt"])
		assert.Equal(t, "16:9", body["ratio"])
		w.Write([]byte(`{"success":true,"data":{"image_url":"https://img/1.png","seed":7}}`))
	}))
	defer srv.Close()

	lim := ratelimit.New("test", &ratelimit.Config{SubmitDelay: 0})
	lim.Start()
	defer lim.Stop()

	e := NewEndpoint(EndpointConfig{Name: "sdxl", URL: srv.URL}, lim)
	ctx := context.Background()
	ref, err := e.Generate(ctx, models.GenerationParams{Model: "sdxl", Prompt: "a cat", Ratio: "16:9"})
	require.NoError(t, err)

	st, err := e.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, st.Status)

	res, err := e.Result(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "https://img/1.png", res.URL)
	assert.Equal(t, int64(7), *res.Seed)
	assert.Equal(t, 1, lim.Status().RequestCount)
}

func TestEndpointLongRunning(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"operationName":"ops/42"}`))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ops/42", body["operationName"])

		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n < 2 {
			w.Write([]byte(`{"status":"processing","progress":40}`))
			return
		}
		w.Write([]byte(`{"status":"succeeded","videoUrl":"https://vid/42.mp4"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := NewEndpoint(EndpointConfig{URL: srv.URL + "/generate", StatusURL: srv.URL + "/status"}, nil)
	ctx := context.Background()
	ref, err := e.Generate(ctx, models.GenerationParams{Prompt: "waves"})
	require.NoError(t, err)
	assert.Equal(t, "ops/42", ref)

	st, err := e.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusProcessing, st.Status)
	assert.Equal(t, 40, st.Progress)

	st, err = e.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, st.Status)

	res, err := e.Result(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "https://vid/42.mp4", res.URL)

	// terminal states are served from memory
	_, err = e.Status(ctx, ref)
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, 2, polls)
	mu.Unlock()
}

func TestEndpointProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/quota" {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"success":false,"error":"bad prompt"}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	_, err := NewEndpoint(EndpointConfig{URL: srv.URL}, nil).Generate(ctx, models.GenerationParams{})
	assert.ErrorIs(t, err, ErrProvider)
	assert.Contains(t, err.Error(), "bad prompt")

	_, err = NewEndpoint(EndpointConfig{URL: srv.URL + "/quota"}, nil).Generate(ctx, models.GenerationParams{})
	assert.ErrorIs(t, err, ErrProvider)
	assert.ErrorIs(t, err, ratelimit.ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "429")
}

func TestEndpointPoolMembers(t *testing.T) {
	newProject := func(name string) (*httptest.Server, *[]string) {
		var (
			mu   sync.Mutex
			seen []string
		)
		mux := http.NewServeMux()
		mux.HandleFunc("/generate", func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			seen = append(seen, "generate")
			mu.Unlock()
			w.Write([]byte(`{"success":true,"operationName":"ops/` + name + `"}`))
		})
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			mu.Lock()
			seen = append(seen, "status "+body["operationName"])
			mu.Unlock()
			w.Write([]byte(`{"status":"succeeded","videoUrl":"https://vid/` + name + `.mp4"}`))
		})
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)
		return srv, &seen
	}
	srvA, seenA := newProject("a")
	srvB, seenB := newProject("b")

	a, b := ratelimit.New("project-a", &ratelimit.Config{}), ratelimit.New("project-b", &ratelimit.Config{})
	for _, l := range []*ratelimit.Limiter{a, b} {
		l.Start()
		defer l.Stop()
	}
	pool, err := ratelimit.NewPool("veo", ratelimit.PoolConfig{}, []*ratelimit.Limiter{a, b})
	require.NoError(t, err)
	defer pool.Stop()

	e := NewEndpoint(EndpointConfig{
		Name: "veo-2",
		Members: map[string]EndpointTarget{
			"project-a": {URL: srvA.URL + "/generate", StatusURL: srvA.URL + "/status"},
			"project-b": {URL: srvB.URL + "/generate", StatusURL: srvB.URL + "/status"},
		},
	}, pool)

	ctx := context.Background()
	refA, err := e.Generate(ctx, models.GenerationParams{Prompt: "one"})
	require.NoError(t, err)
	refB, err := e.Generate(ctx, models.GenerationParams{Prompt: "two"})
	require.NoError(t, err)
	assert.Equal(t, "ops/a", refA)
	assert.Equal(t, "ops/b", refB)

	// Polls go to the project that accepted the request.
	for _, ref := range []string{refB, refA} {
		st, err := e.Status(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusSucceeded, st.Status)
	}
	res, err := e.Result(ctx, refB)
	require.NoError(t, err)
	assert.Equal(t, "https://vid/b.mp4", res.URL)

	assert.Equal(t, []string{"generate", "status ops/a"}, *seenA)
	assert.Equal(t, []string{"generate", "status ops/b"}, *seenB)
}

func TestAdaptersRelease(t *testing.T) {
	ctx := context.Background()

	s := NewStub(time.Millisecond)
	ref, err := s.Generate(ctx, models.GenerationParams{})
	require.NoError(t, err)
	Release(s, ref)
	_, err = s.Status(ctx, ref)
	assert.ErrorIs(t, err, ErrUnknownRef)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"image_url":"https://img/2.png"}}`))
	}))
	defer srv.Close()
	e := NewEndpoint(EndpointConfig{URL: srv.URL}, nil)
	ref, err = e.Generate(ctx, models.GenerationParams{})
	require.NoError(t, err)
	Release(e, ref)
	_, err = e.Result(ctx, ref)
	assert.ErrorIs(t, err, ErrUnknownRef)

	// Adapters without per-reference state ignore it.
	Release(failingAdapter{}, "x")
}

type failingAdapter struct{}

func (failingAdapter) Name() string { return "failing" }
func (failingAdapter) Generate(context.Context, models.GenerationParams) (string, error) {
	return "", ErrProvider
}
func (failingAdapter) Status(context.Context, string) (StatusReport, error) {
	return StatusReport{}, ErrProvider
}
func (failingAdapter) Result(context.Context, string) (*models.TaskResult, error) { return nil, nil }

func newOpenAITestClient(t *testing.T, h http.HandlerFunc) *openai.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func TestOpenAIImages(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		var req openai.ImageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, openai.CreateImageSize1024x1792, req.Size)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"created":1,"data":[{"url":"https://dalle/1.png"}]}`))
	})

	o := NewOpenAIImages(client, nil)
	ctx := context.Background()
	ref, err := o.Generate(ctx, models.GenerationParams{Prompt: "tall tower", Ratio: "9:16"})
	require.NoError(t, err)

	st, err := o.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, st.Status)
	res, err := o.Result(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "https://dalle/1.png", res.URL)

	o.Release(ref)
	_, err = o.Status(ctx, ref)
	assert.ErrorIs(t, err, ErrUnknownRef)
}

func TestOpenAIImagesQuotaError(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
	})

	_, err := NewOpenAIImages(client, nil).Generate(context.Background(), models.GenerationParams{Prompt: "x"})
	assert.ErrorIs(t, err, ErrProvider)
	assert.ErrorIs(t, err, ratelimit.ErrQuotaExceeded)
}

func TestPromptEnhancer(t *testing.T) {
	ctx := context.Background()

	local := NewPromptEnhancer(nil, "", nil)
	out, err := local.Enhance(ctx, "a fox", "image", "anime")
	require.NoError(t, err)
	assert.Contains(t, out, "a fox, anime style")

	_, err = local.Enhance(ctx, "  ", "image", "")
	assert.Error(t, err)

	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":" a red fox at dawn "}}]}`))
	})
	out, err = NewPromptEnhancer(client, "", nil).Enhance(ctx, "a fox", "video", "")
	require.NoError(t, err)
	assert.Equal(t, "a red fox at dawn", out)
}
