// Package controlplane provides the HTTP API and service layer for CineFlow.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/fentz26/cineflow/internal/adapters"
	"github.com/fentz26/cineflow/internal/audit"
	"github.com/fentz26/cineflow/internal/bridge"
	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/observability"
	"github.com/fentz26/cineflow/internal/ratelimit"
	"github.com/fentz26/cineflow/internal/relay"
	"github.com/fentz26/cineflow/internal/store"
	"github.com/fentz26/cineflow/internal/tasks"
	"github.com/google/uuid"
)

// AllAspectRatios are the ratios the generate endpoint accepts.
var AllAspectRatios = []string{"1:1", "16:9", "9:16", "4:3", "3:4", "21:9"}

// Catalog is the /models body.
type Catalog struct {
	Models       []adapters.ModelInfo `json:"models"`
	AspectRatios []string             `json:"aspectRatios"`
	Fallback     string               `json:"fallback"`
}

// taskOrigin tags document writes made by the generation runtime.
type taskOrigin struct{}

// runtime is the server-side generation machinery of one room.
type runtime struct {
	room   *relay.Room
	bridge *bridge.Bridge
	tasks  *tasks.Manager
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithHistory persists tasks and their audit trail in st.
func WithHistory(st *store.Store) ServiceOption {
	return func(s *Service) {
		s.store = st
		s.recorder = audit.NewRecorder(st)
	}
}

func WithTaskConfig(cfg *tasks.Config) ServiceOption {
	return func(s *Service) { s.taskCfg = cfg }
}

func WithEnhancer(e *adapters.PromptEnhancer) ServiceOption {
	return func(s *Service) { s.enhancer = e }
}

// WithAspectRatios limits generations to the given ratios. An empty list
// allows every ratio the API accepts.
func WithAspectRatios(ratios []string) ServiceOption {
	return func(s *Service) { s.ratios = ratios }
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// Service provides the control plane business logic.
type Service struct {
	rooms    *relay.Manager
	registry *adapters.Registry
	limiters *ratelimit.Set
	store    *store.Store
	recorder *audit.Recorder
	enhancer *adapters.PromptEnhancer
	taskCfg  *tasks.Config
	ratios   []string
	log      *slog.Logger
	metrics  *observability.Metrics

	mu       sync.Mutex
	runtimes map[string]*runtime
	closed   bool
}

// NewService creates a new control plane service.
func NewService(rooms *relay.Manager, reg *adapters.Registry, limiters *ratelimit.Set, opts ...ServiceOption) *Service {
	s := &Service{
		rooms:    rooms,
		registry: reg,
		limiters: limiters,
		log:      slog.Default(),
		runtimes: make(map[string]*runtime),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.enhancer == nil {
		s.enhancer = adapters.NewPromptEnhancer(nil, "", s.log)
	}
	return s
}

// runtimeFor returns the room's runtime, creating the room and its task
// manager on first use. The room is loaded without holding s.mu, so a slow
// snapshot load only delays callers of that room.
func (s *Service) runtimeFor(ctx context.Context, roomID string) (*runtime, error) {
	if roomID == "" {
		roomID = relay.DefaultRoom
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, tasks.ErrStopped
	}
	if rt, ok := s.runtimes[roomID]; ok {
		s.mu.Unlock()
		return rt, nil
	}
	s.mu.Unlock()

	room, err := s.rooms.Room(ctx, roomID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, tasks.ErrStopped
	}
	if rt, ok := s.runtimes[roomID]; ok {
		return rt, nil
	}
	b := bridge.New(room.Doc(), nil, bridge.WithOrigin(taskOrigin{}))
	opts := []tasks.Option{
		tasks.WithConfig(s.taskCfg),
		tasks.WithLogger(s.log),
		tasks.WithMetrics(s.metrics),
		tasks.WithRecorder(s.recorder),
	}
	if s.store != nil {
		opts = append(opts, tasks.WithStore(s.store))
	}
	rt := &runtime{room: room, bridge: b, tasks: tasks.New(roomID, b, s.registry, opts...)}
	s.runtimes[roomID] = rt
	return rt, nil
}

// Close stops every task manager and waits for their tasks to end.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	rts := make([]*runtime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		rts = append(rts, rt)
	}
	s.mu.Unlock()

	for _, rt := range rts {
		rt.tasks.Stop()
		rt.bridge.Close()
	}
}

// --- Room Operations ---

// Rooms lists the open rooms and the rooms that only have a stored
// snapshot. When the store cannot be listed the open rooms are returned.
func (s *Service) Rooms(ctx context.Context) []relay.RoomInfo {
	rooms, err := s.rooms.Catalog(ctx)
	if err != nil {
		s.log.Warn("list stored rooms", "error", err)
	}
	return rooms
}

// Snapshot returns the materialized document of a room.
func (s *Service) Snapshot(ctx context.Context, roomID string) (models.Snapshot, error) {
	room, err := s.rooms.Room(ctx, roomID)
	if err != nil {
		return models.Snapshot{}, err
	}
	return room.Snapshot(), nil
}

// AddNode inserts a node into a room. Missing ids are generated.
func (s *Service) AddNode(ctx context.Context, roomID string, n models.Node) (models.Node, error) {
	rt, err := s.runtimeFor(ctx, roomID)
	if err != nil {
		return models.Node{}, err
	}
	if n.ID == "" {
		n.ID = "node_" + uuid.New().String()
	}
	if n.Kind == "" {
		n.Kind = models.NodeKindImage
	}
	if n.Data.Status == "" {
		n.Data.Status = models.NodeStatusIdle
	}
	if err := rt.bridge.AddNode(n); err != nil {
		return models.Node{}, err
	}
	return n, nil
}

// DeleteNode removes a node and its edges.
func (s *Service) DeleteNode(ctx context.Context, roomID, nodeID string) error {
	rt, err := s.runtimeFor(ctx, roomID)
	if err != nil {
		return err
	}
	if !rt.bridge.DeleteNode(nodeID) {
		return fmt.Errorf("%w: %s", tasks.ErrNodeNotFound, nodeID)
	}
	return nil
}

// --- Generation Operations ---

// Generate starts one or more generations from a node.
func (s *Service) Generate(ctx context.Context, roomID string, req tasks.BatchRequest) (*tasks.BatchResult, error) {
	if err := s.registry.Check(req.Params.Model); err != nil {
		return nil, err
	}
	if r := req.Params.Ratio; r != "" && len(s.ratios) > 0 && !slices.Contains(s.ratios, r) {
		return nil, fmt.Errorf("%w: %s", ErrRatioUnavailable, r)
	}
	rt, err := s.runtimeFor(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return rt.tasks.StartBatch(ctx, req)
}

// RoomTasks lists the live tasks of a room, newest first.
func (s *Service) RoomTasks(ctx context.Context, roomID string, status models.TaskStatus) ([]models.GenerationTask, error) {
	rt, err := s.runtimeFor(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return rt.tasks.List(status), nil
}

// RoomTask returns one task of a room. Tasks no longer held in memory are
// read from history.
func (s *Service) RoomTask(ctx context.Context, roomID, taskID string) (models.GenerationTask, error) {
	rt, err := s.runtimeFor(ctx, roomID)
	if err != nil {
		return models.GenerationTask{}, err
	}
	if t, ok := rt.tasks.Task(taskID); ok {
		return t, nil
	}
	if s.store != nil {
		t, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return models.GenerationTask{}, err
		}
		if t != nil && t.RoomID == rt.tasks.Room() {
			return *t, nil
		}
	}
	return models.GenerationTask{}, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, taskID)
}

// NodeTask returns the live or newest task of a node.
func (s *Service) NodeTask(ctx context.Context, roomID, nodeID string) (models.GenerationTask, error) {
	rt, err := s.runtimeFor(ctx, roomID)
	if err != nil {
		return models.GenerationTask{}, err
	}
	t, ok := rt.tasks.TaskByNode(nodeID)
	if !ok {
		return models.GenerationTask{}, fmt.Errorf("%w: no task for node %s", tasks.ErrTaskNotFound, nodeID)
	}
	return t, nil
}

// TaskStats returns per-room task counts for every open runtime.
func (s *Service) TaskStats() []tasks.Stats {
	s.mu.Lock()
	rts := make([]*runtime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		rts = append(rts, rt)
	}
	s.mu.Unlock()

	out := make([]tasks.Stats, 0, len(rts))
	for _, rt := range rts {
		out = append(out, rt.tasks.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// --- History Operations ---

// History returns persisted tasks across restarts.
func (s *Service) History(ctx context.Context, roomID, status string) ([]models.GenerationTask, error) {
	if s.store == nil {
		return nil, ErrNoHistory
	}
	return s.store.ListTasks(ctx, roomID, status)
}

// HistoryTask returns one persisted task.
func (s *Service) HistoryTask(ctx context.Context, taskID string) (*models.GenerationTask, error) {
	if s.store == nil {
		return nil, ErrNoHistory
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, taskID)
	}
	return t, nil
}

// TaskEvents returns the audit trail of a task.
func (s *Service) TaskEvents(ctx context.Context, taskID string) ([]models.TaskEvent, error) {
	if s.store == nil {
		return nil, ErrNoHistory
	}
	return s.store.ListTaskEvents(ctx, taskID)
}

// --- Quota and Prompt Operations ---

// Quota returns the status of the named limiter (default when empty) and
// the names of all limiters.
func (s *Service) Quota(name string) (ratelimit.Status, []string, error) {
	l, err := s.limiters.Get(name)
	if err != nil {
		return ratelimit.Status{}, nil, err
	}
	return l.Status(), s.limiters.Names(), nil
}

// Pools returns the status of every limiter pool.
func (s *Service) Pools() []ratelimit.PoolStatus {
	return s.limiters.PoolStatuses()
}

// Catalog lists the configured models and the aspect ratios generations
// may use.
func (s *Service) Catalog() Catalog {
	ratios := s.ratios
	if len(ratios) == 0 {
		ratios = AllAspectRatios
	}
	return Catalog{
		Models:       s.registry.Catalog(),
		AspectRatios: ratios,
		Fallback:     s.registry.Fallback(),
	}
}

// EnhancePrompt rewrites a prompt for the given node kind and style.
func (s *Service) EnhancePrompt(ctx context.Context, prompt, kind, style string) (string, error) {
	out, err := s.enhancer.Enhance(ctx, prompt, kind, style)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return out, nil
}
