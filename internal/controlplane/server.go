package controlplane

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fentz26/cineflow/internal/models"
	"github.com/fentz26/cineflow/internal/ratelimit"
	"github.com/fentz26/cineflow/internal/relay"
	"github.com/fentz26/cineflow/internal/store"
	"github.com/fentz26/cineflow/internal/tasks"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is reported by /health. Overridden at link time.
var Version = "0.1.0"

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// Server provides the HTTP API for CineFlow.
type Server struct {
	service  *Service
	rooms    *relay.Manager
	store    *store.Store
	addr     string
	gatherer prometheus.Gatherer
	validate *validator.Validate
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a new HTTP server. st may be nil when no database is
// configured.
func NewServer(service *Service, st *store.Store, addr string, opts ...ServerOption) *Server {
	s := &Server{
		service:  service,
		rooms:    service.rooms,
		store:    st,
		addr:     addr,
		gatherer: prometheus.DefaultGatherer,
		validate: validator.New(),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/quota/status", s.handleQuota)
	r.Get("/stats", s.handleStats)
	r.Get("/models", s.handleModels)
	r.Post("/enhance-prompt", s.handleEnhancePrompt)

	r.Get("/rooms", s.handleRooms)
	r.Route("/rooms/{room}", func(r chi.Router) {
		r.Get("/snapshot", s.handleSnapshot)
		r.Post("/nodes", s.handleAddNode)
		r.Delete("/nodes/{nodeID}", s.handleDeleteNode)
		r.Get("/nodes/{nodeID}/task", s.handleNodeTask)
		r.Post("/generate", s.handleGenerate)
		r.Get("/tasks", s.handleRoomTasks)
		r.Get("/tasks/{taskID}", s.handleRoomTask)
	})

	r.Get("/tasks", s.handleHistory)
	r.Get("/tasks/{taskID}", s.handleHistoryTask)
	r.Get("/tasks/{taskID}/events", s.handleTaskEvents)

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.rooms.ServeWS(w, r, relay.DefaultRoom)
	})
	r.Get("/ws/{room}", func(w http.ResponseWriter, r *http.Request) {
		s.rooms.ServeWS(w, r, chi.URLParam(r, "room"))
	})
	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("starting cineflow daemon", "addr", s.addr, "version", Version)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. Hijacked websocket
// connections are closed by the relay.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- Response helpers ---

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, envelope{Success: false, Error: err.Error()})
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(r *http.Request, dst any) error {
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Join(ErrInvalidRequest, err)
	}
	return s.validate.Struct(dst)
}

// --- Health and Metrics ---

// HealthResponse is the /health body.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	if s.store == nil {
		resp.DB = "disabled"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			resp.OK = false
			resp.DB = "error: " + err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

// --- Quota and Prompt Handlers ---

type quotaResponse struct {
	envelope
	Limiters []string               `json:"limiters"`
	Pools    []ratelimit.PoolStatus `json:"pools"`
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	st, names, err := s.service.Quota(r.URL.Query().Get("limiter"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaResponse{
		envelope: envelope{Success: true, Data: st, Message: "Quota status retrieved"},
		Limiters: names,
		Pools:    s.service.Pools(),
	})
}

// StatsResponse is the /stats body polled by the monitor.
type StatsResponse struct {
	Rooms    []relay.RoomInfo       `json:"rooms"`
	Tasks    []tasks.Stats          `json:"tasks"`
	Limiters []ratelimit.Status     `json:"limiters"`
	Pools    []ratelimit.PoolStatus `json:"pools"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: StatsResponse{
		Rooms:    s.rooms.Rooms(),
		Tasks:    s.service.TaskStats(),
		Limiters: s.service.limiters.Statuses(),
		Pools:    s.service.Pools(),
	}})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: s.service.Catalog()})
}

type enhanceRequest struct {
	Prompt string `json:"prompt" validate:"required,max=4000"`
	Type   string `json:"type" validate:"omitempty,oneof=image video"`
	Style  string `json:"style" validate:"omitempty,max=64"`
}

func (s *Server) handleEnhancePrompt(w http.ResponseWriter, r *http.Request) {
	var req enhanceRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Type == "" {
		req.Type = "image"
	}

	out, err := s.service.EnhancePrompt(r.Context(), req.Prompt, req.Type, req.Style)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{
		"prompt":   out,
		"original": req.Prompt,
	}})
}

// --- Room Handlers ---

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: s.service.Rooms(r.Context())})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Snapshot(r.Context(), chi.URLParam(r, "room"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: snap})
}

type addNodeRequest struct {
	ID          string          `json:"id" validate:"omitempty,max=128"`
	Kind        models.NodeKind `json:"kind" validate:"omitempty,oneof=image video text"`
	Position    models.Position `json:"position"`
	Label       string          `json:"label"`
	Prompt      string          `json:"prompt"`
	Model       string          `json:"model"`
	MediaURL    string          `json:"mediaUrl" validate:"omitempty,url"`
	AspectRatio string          `json:"aspectRatio"`
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	n, err := s.service.AddNode(r.Context(), chi.URLParam(r, "room"), models.Node{
		ID:       req.ID,
		Kind:     req.Kind,
		Position: req.Position,
		Data: models.NodeData{
			Label:       req.Label,
			Prompt:      req.Prompt,
			Model:       req.Model,
			MediaURL:    req.MediaURL,
			AspectRatio: req.AspectRatio,
		},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: n})
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteNode(r.Context(), chi.URLParam(r, "room"), chi.URLParam(r, "nodeID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// --- Generation Handlers ---

type generateRequest struct {
	Model          string                `json:"model" validate:"required,max=128"`
	Prompt         string                `json:"prompt" validate:"required,max=4000"`
	Ratio          string                `json:"ratio" validate:"omitempty,oneof=1:1 16:9 9:16 4:3 3:4 21:9"`
	NodeID         string                `json:"node_id" validate:"required"`
	NegativePrompt string                `json:"negative_prompt" validate:"max=2000"`
	Seed           *int64                `json:"seed"`
	ReferenceImage string                `json:"reference_image" validate:"omitempty,url"`
	Duration       int                   `json:"duration" validate:"omitempty,min=1,max=60"`
	CameraControl  *models.CameraControl `json:"camera_control"`
	BatchCount     int                   `json:"batch_count" validate:"omitempty,min=1,max=10"`
	CreateChild    *bool                 `json:"create_child"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.BatchCount == 0 {
		req.BatchCount = 1
	}
	// Batches always spawn children unless told otherwise.
	createChild := req.BatchCount > 1
	if req.CreateChild != nil {
		createChild = *req.CreateChild
	}
	if !createChild && req.BatchCount > 1 {
		s.writeError(w, r, errors.Join(ErrInvalidRequest, errors.New("a batch needs create_child")))
		return
	}

	res, err := s.service.Generate(r.Context(), chi.URLParam(r, "room"), tasks.BatchRequest{
		Params: models.GenerationParams{
			Model:          req.Model,
			Prompt:         req.Prompt,
			Ratio:          req.Ratio,
			NodeID:         req.NodeID,
			NegativePrompt: req.NegativePrompt,
			Seed:           req.Seed,
			ReferenceImage: req.ReferenceImage,
			Duration:       req.Duration,
			CameraControl:  req.CameraControl,
		},
		Count:       req.BatchCount,
		CreateChild: createChild,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, envelope{Success: true, Data: res})
}

func (s *Server) handleRoomTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.RoomTasks(r.Context(), chi.URLParam(r, "room"), models.TaskStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: list})
}

func (s *Server) handleRoomTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.RoomTask(r.Context(), chi.URLParam(r, "room"), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: t})
}

func (s *Server) handleNodeTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.NodeTask(r.Context(), chi.URLParam(r, "room"), chi.URLParam(r, "nodeID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: t})
}

// --- History Handlers ---

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.service.History(r.Context(), q.Get("room"), q.Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []models.GenerationTask{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: list})
}

func (s *Server) handleHistoryTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.HistoryTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: t})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.service.TaskEvents(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []models.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: events})
}
