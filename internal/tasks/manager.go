package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/cineflow/internal/adapters"
	"github.com/fentz26/cineflow/internal/audit"
	"github.com/fentz26/cineflow/internal/bridge"
	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/observability"
	"github.com/google/uuid"
)

// TaskStore persists task history.
type TaskStore interface {
	SaveTask(ctx context.Context, t models.GenerationTask) error
}

// Stats summarizes the tasks of a manager.
type Stats struct {
	Room       string `json:"room"`
	Queued     int    `json:"queued"`
	Processing int    `json:"processing"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
}

// Option configures a Manager.
type Option func(*Manager)

func WithConfig(cfg *Config) Option {
	return func(m *Manager) {
		if cfg != nil {
			m.config = cfg.withDefaults()
		}
	}
}

func WithStore(s TaskStore) Option {
	return func(m *Manager) { m.store = s }
}

func WithRecorder(r *audit.Recorder) Option {
	return func(m *Manager) { m.audit = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithMetrics(mt *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager owns the generation tasks of one room. Tasks are never
// replicated; only their effect on nodes is, through the bridge.
type Manager struct {
	room     string
	bridge   *bridge.Bridge
	registry *adapters.Registry
	config   Config
	store    TaskStore
	audit    *audit.Recorder
	log      *slog.Logger
	metrics  *observability.Metrics

	mu     sync.Mutex
	tasks  map[string]*models.GenerationTask
	byNode map[string][]string
	live   map[string]string
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager for room writing through b.
func New(room string, b *bridge.Bridge, reg *adapters.Registry, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		room:     room,
		bridge:   b,
		registry: reg,
		config:   DefaultConfig().withDefaults(),
		log:      slog.Default(),
		tasks:    make(map[string]*models.GenerationTask),
		byNode:   make(map[string][]string),
		live:     make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("room", room)
	return m
}

// Room returns the room the manager serves.
func (m *Manager) Room() string {
	return m.room
}

// Stop cancels every running task and waits for the poll loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// Start begins a generation bound to params.NodeID and returns the task id.
// The node is marked generating at once; submission and polling continue in
// the background.
func (m *Manager) Start(ctx context.Context, params models.GenerationParams) (string, error) {
	return m.start(ctx, params, "")
}

func (m *Manager) start(ctx context.Context, params models.GenerationParams, edgeID string) (string, error) {
	if _, ok := m.bridge.Node(params.NodeID); !ok {
		return "", fmt.Errorf("%w: %s", ErrNodeNotFound, params.NodeID)
	}

	now := time.Now().UTC()
	t := &models.GenerationTask{
		ID:        uuid.New().String(),
		RoomID:    m.room,
		NodeID:    params.NodeID,
		EdgeID:    edgeID,
		Model:     params.Model,
		Status:    models.TaskStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrStopped
	}
	if id, ok := m.live[params.NodeID]; ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: node %s task %s", ErrTaskInFlight, params.NodeID, id)
	}
	m.tasks[t.ID] = t
	m.byNode[t.NodeID] = append(m.byNode[t.NodeID], t.ID)
	m.live[t.NodeID] = t.ID
	snapshot := *t
	m.wg.Add(1)
	m.mu.Unlock()

	ok := m.bridge.UpdateNode(params.NodeID, models.NodePatch{
		Status:      models.Ptr(models.NodeStatusGenerating),
		Progress:    models.Ptr(0),
		Prompt:      models.Ptr(params.Prompt),
		Model:       models.Ptr(params.Model),
		AspectRatio: models.Ptr(params.Ratio),
		Error:       models.Ptr(""),
	})
	if !ok {
		// Deleted between the lookup and the write.
		m.wg.Done()
		m.finish(t.ID, models.TaskStatusFailed, nil, "node deleted", false)
		return "", fmt.Errorf("%w: %s", ErrNodeNotFound, params.NodeID)
	}

	m.persist(snapshot)
	m.record(ctx, "task.start", params, "success", t.ID, fmt.Sprintf("node %s model %s", t.NodeID, t.Model))
	m.log.Info("task started", "task_id", t.ID, "node_id", t.NodeID, "model", t.Model)

	go m.run(t.ID, params)
	return t.ID, nil
}

// run submits the request, then polls until the task is terminal.
func (m *Manager) run(id string, params models.GenerationParams) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.config.Timeout)
	defer cancel()

	adapter := m.registry.Resolve(params.Model)
	ref, err := adapter.Generate(ctx, params)
	if err != nil {
		m.fail(id, err)
		return
	}
	defer adapters.Release(adapter, ref)

	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok || t.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	t.Status = models.TaskStatusProcessing
	t.ProviderRef = ref
	t.UpdatedAt = time.Now().UTC()
	snapshot := *t
	m.mu.Unlock()

	m.persist(snapshot)
	m.record(ctx, "task.processing", map[string]string{"ref": ref}, "success", id, "adapter "+adapter.Name())

	trig := newTrigger(ctx, adapter, ref, m.config.PollInterval)
	for {
		select {
		case <-ctx.Done():
			m.fail(id, ctx.Err())
			return
		case <-trig.C:
		}
		if m.tick(ctx, id, adapter, ref) {
			return
		}
	}
}

// tick performs one poll and reports whether the task reached a terminal
// state.
func (m *Manager) tick(ctx context.Context, id string, a adapters.Adapter, ref string) bool {
	t, ok := m.Task(id)
	if !ok || t.Status.Terminal() {
		return true
	}
	if !m.bridge.HasNode(t.NodeID) {
		m.orphan(id)
		return true
	}

	st, err := a.Status(ctx, ref)
	if err != nil {
		m.fail(id, err)
		return true
	}

	switch st.Status {
	case models.TaskStatusSucceeded:
		res, err := a.Result(ctx, ref)
		if err != nil {
			m.fail(id, err)
			return true
		}
		if res == nil {
			m.fail(id, fmt.Errorf("%w: %s returned no result", adapters.ErrProvider, a.Name()))
			return true
		}
		m.finish(id, models.TaskStatusSucceeded, res, "", true)
		return true

	case models.TaskStatusFailed:
		msg := st.Error
		if msg == "" {
			msg = "generation failed"
		}
		m.finish(id, models.TaskStatusFailed, nil, msg, true)
		return true
	}

	m.mu.Lock()
	changed := t.Progress != st.Progress
	if cur, ok := m.tasks[id]; ok && changed {
		cur.Progress = st.Progress
		cur.UpdatedAt = time.Now().UTC()
	}
	m.mu.Unlock()

	if changed && !m.bridge.UpdateNode(t.NodeID, models.NodePatch{Progress: models.Ptr(st.Progress)}) {
		m.orphan(id)
		return true
	}
	return false
}

func (m *Manager) fail(id string, err error) {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "generation timed out"
	case errors.Is(err, context.Canceled):
		msg = "generation cancelled"
	}
	m.finish(id, models.TaskStatusFailed, nil, msg, true)
}

// orphan ends a task whose node was deleted, without writing to the
// document.
func (m *Manager) orphan(id string) {
	m.finish(id, models.TaskStatusFailed, nil, "node deleted", false)
}

// finish moves a task to a terminal state. Terminal states are absorbing, so
// only the first call has any effect.
func (m *Manager) finish(id string, status models.TaskStatus, res *models.TaskResult, msg string, writeNode bool) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok || t.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	t.Status = status
	t.Result = res
	t.Error = msg
	if status == models.TaskStatusSucceeded {
		t.Progress = 100
	}
	t.UpdatedAt = time.Now().UTC()
	if m.live[t.NodeID] == id {
		delete(m.live, t.NodeID)
	}
	snapshot := *t
	m.pruneLocked(t.UpdatedAt)
	m.mu.Unlock()

	if writeNode {
		patch := models.NodePatch{Status: models.Ptr(models.NodeStatusError), Error: models.Ptr(msg)}
		if status == models.TaskStatusSucceeded {
			patch = models.NodePatch{
				Status:   models.Ptr(models.NodeStatusSuccess),
				Progress: models.Ptr(100),
				MediaURL: models.Ptr(res.URL),
				Error:    models.Ptr(""),
				Seed:     res.Seed,
			}
		}
		if !m.bridge.UpdateNode(snapshot.NodeID, patch) {
			m.log.Debug("task node gone before result write", "task_id", id, "node_id", snapshot.NodeID)
		}
	}
	if snapshot.EdgeID != "" {
		m.bridge.SetEdgeTransient(snapshot.EdgeID, false)
	}

	m.persist(snapshot)
	outcome := "success"
	if status == models.TaskStatusFailed {
		outcome = "failure"
	}
	m.record(context.Background(), "task."+string(status), snapshot.Result, outcome, id, msg)
	m.metrics.TaskFinished(string(status), snapshot.UpdatedAt.Sub(snapshot.CreatedAt).Seconds())

	if status == models.TaskStatusFailed {
		m.log.Warn("task failed", "task_id", id, "node_id", snapshot.NodeID, "error", msg)
	} else {
		m.log.Info("task succeeded", "task_id", id, "node_id", snapshot.NodeID)
	}
}

// pruneLocked drops finished tasks older than the retention period, then
// the oldest ones beyond MaxFinished. Persisted history still has them.
func (m *Manager) pruneLocked(now time.Time) {
	var done []*models.GenerationTask
	for _, t := range m.tasks {
		if t.Status.Terminal() {
			done = append(done, t)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].UpdatedAt.Before(done[j].UpdatedAt) })

	excess := len(done) - m.config.MaxFinished
	for i, t := range done {
		if i >= excess && now.Sub(t.UpdatedAt) <= m.config.Retention {
			continue
		}
		delete(m.tasks, t.ID)
		ids := m.byNode[t.NodeID]
		for j, id := range ids {
			if id == t.ID {
				ids = append(ids[:j], ids[j+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(m.byNode, t.NodeID)
		} else {
			m.byNode[t.NodeID] = ids
		}
	}
}

// persist writes task history. Failures are logged only.
func (m *Manager) persist(t models.GenerationTask) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.SaveTask(ctx, t); err != nil {
		m.log.Error("persist task", "task_id", t.ID, "error", err)
	}
}

func (m *Manager) record(ctx context.Context, action string, inputs any, outcome, taskID, details string) {
	if _, err := m.audit.Record(ctx, action, inputs, outcome, taskID, m.room, details); err != nil {
		m.log.Error("record task event", "task_id", taskID, "action", action, "error", err)
	}
}

// Task returns a copy of the task with the given id.
func (m *Manager) Task(id string) (models.GenerationTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.GenerationTask{}, false
	}
	return *t, true
}

// TaskByNode returns the node's live task, or its newest one.
func (m *Manager) TaskByNode(nodeID string) (models.GenerationTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.live[nodeID]; ok {
		return *m.tasks[id], true
	}
	ids := m.byNode[nodeID]
	if len(ids) == 0 {
		return models.GenerationTask{}, false
	}
	return *m.tasks[ids[len(ids)-1]], true
}

// List returns tasks, newest first, optionally filtered by status.
func (m *Manager) List(status models.TaskStatus) []models.GenerationTask {
	m.mu.Lock()
	out := make([]models.GenerationTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		if status == "" || t.Status == status {
			out = append(out, *t)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats counts tasks by status.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Room: m.room}
	for _, t := range m.tasks {
		switch t.Status {
		case models.TaskStatusQueued:
			s.Queued++
		case models.TaskStatusProcessing:
			s.Processing++
		case models.TaskStatusSucceeded:
			s.Succeeded++
		case models.TaskStatusFailed:
			s.Failed++
		}
	}
	return s
}
