package tasks

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/cineflow/internal/adapters"
	"github.com/fentz26/cineflow/internal/bridge"
	"github.com/fentz26/cineflow/internal/document"
	"github.com/fentz26/cineflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newManager(t *testing.T, fallback adapters.Adapter, cfg *Config) (*Manager, *bridge.Bridge, *adapters.Registry) {
	t.Helper()
	b := bridge.New(document.NewReplica("server"), nil)
	reg := adapters.NewRegistry(fallback, quiet)
	if cfg == nil {
		cfg = &Config{PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second}
	}
	m := New("r1", b, reg, WithConfig(cfg), WithLogger(quiet))
	t.Cleanup(func() {
		m.Stop()
		b.Close()
	})
	return m, b, reg
}

func addNode(t *testing.T, b *bridge.Bridge, id string) {
	t.Helper()
	require.NoError(t, b.AddNode(models.Node{
		ID:       id,
		Kind:     models.NodeKindImage,
		Position: models.Position{X: 100, Y: 200},
		Data:     models.NodeData{Status: models.NodeStatusIdle, MediaURL: "https://example.com/parent.png"},
	}))
}

func waitTerminal(t *testing.T, m *Manager, id string) models.GenerationTask {
	t.Helper()
	var task models.GenerationTask
	require.Eventually(t, func() bool {
		var ok bool
		task, ok = m.Task(id)
		return ok && task.Status.Terminal()
	}, 3*time.Second, 5*time.Millisecond)
	return task
}

// failing rejects every poll.
type failing struct{}

func (failing) Name() string { return "failing" }

func (failing) Generate(context.Context, models.GenerationParams) (string, error) {
	return "ref-1", nil
}

func (failing) Status(context.Context, string) (adapters.StatusReport, error) {
	return adapters.StatusReport{Status: models.TaskStatusFailed, Error: "content policy"}, nil
}

func (failing) Result(context.Context, string) (*models.TaskResult, error) { return nil, nil }

// pushed completes only after a notice on its watch channel.
type pushed struct {
	mu    sync.Mutex
	done  bool
	ch    chan struct{}
	polls int
}

func (p *pushed) Name() string { return "pushed" }

func (p *pushed) Generate(context.Context, models.GenerationParams) (string, error) {
	return "push-1", nil
}

func (p *pushed) Status(context.Context, string) (adapters.StatusReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.done {
		return adapters.StatusReport{Status: models.TaskStatusSucceeded, Progress: 100}, nil
	}
	return adapters.StatusReport{Status: models.TaskStatusProcessing, Progress: 10}, nil
}

func (p *pushed) Result(context.Context, string) (*models.TaskResult, error) {
	return &models.TaskResult{URL: "https://example.com/pushed.png"}, nil
}

func (p *pushed) Watch(ctx context.Context, ref string) <-chan struct{} {
	return p.ch
}

// counting finishes after a fixed number of polls and counts every poll it
// receives.
type counting struct {
	mu       sync.Mutex
	after    int
	fail     bool
	polls    int
	released []string
}

func (c *counting) Name() string { return "counting" }

func (c *counting) Generate(context.Context, models.GenerationParams) (string, error) {
	return "count-1", nil
}

func (c *counting) Status(context.Context, string) (adapters.StatusReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	switch {
	case c.polls < c.after:
		return adapters.StatusReport{Status: models.TaskStatusProcessing, Progress: c.polls * 10}, nil
	case c.fail:
		return adapters.StatusReport{Status: models.TaskStatusFailed, Error: "quota"}, nil
	}
	return adapters.StatusReport{Status: models.TaskStatusSucceeded, Progress: 100}, nil
}

func (c *counting) Result(context.Context, string) (*models.TaskResult, error) {
	return &models.TaskResult{URL: "https://example.com/counted.png"}, nil
}

func (c *counting) Release(ref string) {
	c.mu.Lock()
	c.released = append(c.released, ref)
	c.mu.Unlock()
}

func (c *counting) pollCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

func TestStartSucceedsAndWritesResult(t *testing.T) {
	m, b, _ := newManager(t, adapters.NewStub(30*time.Millisecond), nil)
	addNode(t, b, "n1")

	id, err := m.Start(context.Background(), models.GenerationParams{Model: "flux-pro", Prompt: "a fox", Ratio: "1:1", NodeID: "n1"})
	require.NoError(t, err)

	n, _ := b.Node("n1")
	assert.Equal(t, models.NodeStatusGenerating, n.Data.Status)
	assert.Equal(t, "a fox", n.Data.Prompt)

	task := waitTerminal(t, m, id)
	assert.Equal(t, models.TaskStatusSucceeded, task.Status)
	assert.Equal(t, 100, task.Progress)
	require.NotNil(t, task.Result)

	n, _ = b.Node("n1")
	assert.Equal(t, models.NodeStatusSuccess, n.Data.Status)
	assert.Equal(t, 100, n.Data.Progress)
	assert.Equal(t, task.Result.URL, n.Data.MediaURL)
	require.NotNil(t, n.Data.Seed)
}

func TestUnknownModelFallsBackToStub(t *testing.T) {
	m, b, reg := newManager(t, adapters.NewStub(30*time.Millisecond), nil)
	reg.Register("dalle-3", failing{})
	addNode(t, b, "n1")

	id, err := m.Start(context.Background(), models.GenerationParams{Model: "unknown-model", Prompt: "x", NodeID: "n1"})
	require.NoError(t, err)

	start := time.Now()
	task := waitTerminal(t, m, id)
	assert.Equal(t, models.TaskStatusSucceeded, task.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStartErrors(t *testing.T) {
	m, b, _ := newManager(t, adapters.NewStub(time.Second), nil)

	_, err := m.Start(context.Background(), models.GenerationParams{NodeID: "missing"})
	assert.ErrorIs(t, err, ErrNodeNotFound)

	addNode(t, b, "n1")
	_, err = m.Start(context.Background(), models.GenerationParams{NodeID: "n1"})
	require.NoError(t, err)
	_, err = m.Start(context.Background(), models.GenerationParams{NodeID: "n1"})
	assert.ErrorIs(t, err, ErrTaskInFlight)

	m.Stop()
	_, err = m.Start(context.Background(), models.GenerationParams{NodeID: "n1"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestProviderFailureMarksNode(t *testing.T) {
	m, b, _ := newManager(t, failing{}, nil)
	addNode(t, b, "n1")

	id, err := m.Start(context.Background(), models.GenerationParams{Model: "x", NodeID: "n1"})
	require.NoError(t, err)

	task := waitTerminal(t, m, id)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, "content policy", task.Error)

	n, _ := b.Node("n1")
	assert.Equal(t, models.NodeStatusError, n.Data.Status)
	assert.Equal(t, "content policy", n.Data.Error)

	// the node can be regenerated once the task is over
	_, err = m.Start(context.Background(), models.GenerationParams{Model: "x", NodeID: "n1"})
	assert.NoError(t, err)
}

func TestDeletedNodeIsNotRecreated(t *testing.T) {
	m, b, _ := newManager(t, adapters.NewStub(time.Minute), nil)
	addNode(t, b, "n1")

	id, err := m.Start(context.Background(), models.GenerationParams{Model: "flux", NodeID: "n1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		task, _ := m.Task(id)
		return task.Status == models.TaskStatusProcessing
	}, time.Second, 5*time.Millisecond)

	require.True(t, b.DeleteNode("n1"))

	task := waitTerminal(t, m, id)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, "node deleted", task.Error)
	assert.False(t, b.HasNode("n1"))
	assert.Empty(t, b.Nodes())
}

func TestTimeoutFailsTask(t *testing.T) {
	m, b, _ := newManager(t, adapters.NewStub(time.Minute), &Config{PollInterval: 5 * time.Millisecond, Timeout: 50 * time.Millisecond})
	addNode(t, b, "n1")

	id, err := m.Start(context.Background(), models.GenerationParams{NodeID: "n1"})
	require.NoError(t, err)

	task := waitTerminal(t, m, id)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, "generation timed out", task.Error)
}

func TestTerminalStateIsAbsorbing(t *testing.T) {
	m, b, _ := newManager(t, failing{}, nil)
	addNode(t, b, "n1")

	id, err := m.Start(context.Background(), models.GenerationParams{NodeID: "n1"})
	require.NoError(t, err)
	waitTerminal(t, m, id)

	m.finish(id, models.TaskStatusSucceeded, &models.TaskResult{URL: "late"}, "", true)
	task, _ := m.Task(id)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Nil(t, task.Result)

	n, _ := b.Node("n1")
	assert.NotEqual(t, "late", n.Data.MediaURL)
}

func TestPollingStopsAtTerminalState(t *testing.T) {
	for _, fail := range []bool{false, true} {
		name := "succeeded"
		if fail {
			name = "failed"
		}
		t.Run(name, func(t *testing.T) {
			c := &counting{after: 3, fail: fail}
			m, b, _ := newManager(t, c, nil)
			addNode(t, b, "n1")

			id, err := m.Start(context.Background(), models.GenerationParams{NodeID: "n1"})
			require.NoError(t, err)
			task := waitTerminal(t, m, id)
			assert.Equal(t, fail, task.Status == models.TaskStatusFailed)

			// Several poll intervals later the adapter has seen no more polls.
			time.Sleep(20 * m.config.PollInterval)
			assert.Equal(t, 3, c.pollCount())

			require.Eventually(t, func() bool {
				c.mu.Lock()
				defer c.mu.Unlock()
				return len(c.released) == 1
			}, time.Second, 5*time.Millisecond)
		})
	}
}

func TestFinishedTasksAreCapped(t *testing.T) {
	m, b, _ := newManager(t, failing{}, &Config{PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second, MaxFinished: 2})
	addNode(t, b, "n1")

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Start(context.Background(), models.GenerationParams{NodeID: "n1"})
		require.NoError(t, err)
		waitTerminal(t, m, id)
		ids = append(ids, id)
	}

	_, ok := m.Task(ids[0])
	assert.False(t, ok)
	assert.Len(t, m.List(""), 2)
	task, ok := m.TaskByNode("n1")
	require.True(t, ok)
	assert.Equal(t, ids[2], task.ID)
}

func TestFinishedTasksAgeOut(t *testing.T) {
	m, b, _ := newManager(t, failing{}, &Config{PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second, Retention: 20 * time.Millisecond})
	addNode(t, b, "n1")
	addNode(t, b, "n2")

	old, err := m.Start(context.Background(), models.GenerationParams{NodeID: "n1"})
	require.NoError(t, err)
	waitTerminal(t, m, old)
	time.Sleep(50 * time.Millisecond)

	fresh, err := m.Start(context.Background(), models.GenerationParams{NodeID: "n2"})
	require.NoError(t, err)
	waitTerminal(t, m, fresh)

	_, ok := m.Task(old)
	assert.False(t, ok)
	_, ok = m.TaskByNode("n1")
	assert.False(t, ok)
}

func TestWatcherWakesPollLoop(t *testing.T) {
	p := &pushed{ch: make(chan struct{}, 1)}
	// A poll interval this long means only the watcher can finish the task.
	m, b, _ := newManager(t, p, &Config{PollInterval: time.Hour, Timeout: 5 * time.Second})
	addNode(t, b, "n1")

	id, err := m.Start(context.Background(), models.GenerationParams{NodeID: "n1"})
	require.NoError(t, err)

	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
	p.ch <- struct{}{}

	task := waitTerminal(t, m, id)
	assert.Equal(t, models.TaskStatusSucceeded, task.Status)
	assert.Equal(t, "https://example.com/pushed.png", task.Result.URL)
}

func TestBatchCreatesChildren(t *testing.T) {
	m, b, _ := newManager(t, adapters.NewStub(40*time.Millisecond), nil)
	addNode(t, b, "p")

	res, err := m.StartBatch(context.Background(), BatchRequest{
		Params:      models.GenerationParams{Model: "flux-pro", Prompt: "castle", Ratio: "16:9", NodeID: "p"},
		Count:       3,
		CreateChild: true,
	})
	require.NoError(t, err)
	require.Len(t, res.TaskIDs, 3)
	require.Len(t, res.NodeIDs, 3)

	wantY := []float64{200 - 280, 200, 200 + 280}
	for i, id := range res.NodeIDs {
		n, ok := b.Node(id)
		require.True(t, ok)
		assert.Equal(t, "p", n.Data.ParentID)
		assert.Equal(t, models.NodeKindImage, n.Kind)
		assert.Equal(t, 450.0, n.Position.X)
		assert.Equal(t, wantY[i], n.Position.Y)
	}
	for _, e := range b.Edges() {
		assert.Equal(t, "p", e.Source)
	}

	for _, id := range res.TaskIDs {
		assert.Equal(t, models.TaskStatusSucceeded, waitTerminal(t, m, id).Status)
	}
	require.Eventually(t, func() bool {
		for _, e := range b.Edges() {
			if e.Transient {
				return false
			}
		}
		return len(b.Edges()) == 3
	}, time.Second, 5*time.Millisecond)
	for _, id := range res.NodeIDs {
		n, _ := b.Node(id)
		assert.Equal(t, models.NodeStatusSuccess, n.Data.Status)
		assert.NotEmpty(t, n.Data.MediaURL)
	}
	assert.Equal(t, 3, m.Stats().Succeeded)
}

func TestBatchVideoAndValidation(t *testing.T) {
	m, b, _ := newManager(t, adapters.NewStub(time.Minute), nil)
	addNode(t, b, "p")

	_, err := m.StartBatch(context.Background(), BatchRequest{Params: models.GenerationParams{NodeID: "p"}, Count: 11, CreateChild: true})
	assert.ErrorIs(t, err, ErrInvalidBatch)
	_, err = m.StartBatch(context.Background(), BatchRequest{Params: models.GenerationParams{NodeID: "nope"}, Count: 1, CreateChild: true})
	assert.ErrorIs(t, err, ErrNodeNotFound)

	res, err := m.StartBatch(context.Background(), BatchRequest{
		Params:      models.GenerationParams{Model: "veo-2", NodeID: "p"},
		Count:       1,
		CreateChild: true,
	})
	require.NoError(t, err)
	n, _ := b.Node(res.NodeIDs[0])
	assert.Equal(t, models.NodeKindVideo, n.Kind)
	assert.Equal(t, 200.0, n.Position.Y)
	assert.Equal(t, "Generation 1/1", n.Data.Label)
}

func TestBatchWithoutChildRegeneratesParent(t *testing.T) {
	m, b, _ := newManager(t, adapters.NewStub(20*time.Millisecond), nil)
	addNode(t, b, "p")

	res, err := m.StartBatch(context.Background(), BatchRequest{Params: models.GenerationParams{NodeID: "p"}, Count: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, res.NodeIDs)
	assert.Len(t, b.Nodes(), 1)
	waitTerminal(t, m, res.TaskIDs[0])

	// Several tasks cannot regenerate one node.
	_, err = m.StartBatch(context.Background(), BatchRequest{Params: models.GenerationParams{NodeID: "p"}, Count: 3})
	assert.ErrorIs(t, err, ErrInvalidBatch)
	assert.Len(t, b.Nodes(), 1)
	assert.Len(t, m.List(""), 1)
}

func TestListAndTaskByNode(t *testing.T) {
	m, b, _ := newManager(t, failing{}, nil)
	addNode(t, b, "n1")

	first, err := m.Start(context.Background(), models.GenerationParams{NodeID: "n1"})
	require.NoError(t, err)
	waitTerminal(t, m, first)
	second, err := m.Start(context.Background(), models.GenerationParams{NodeID: "n1"})
	require.NoError(t, err)
	waitTerminal(t, m, second)

	task, ok := m.TaskByNode("n1")
	require.True(t, ok)
	assert.Equal(t, second, task.ID)
	assert.Len(t, m.List(models.TaskStatusFailed), 2)
	assert.Empty(t, m.List(models.TaskStatusSucceeded))

	_, ok = m.TaskByNode("other")
	assert.False(t, ok)
}
