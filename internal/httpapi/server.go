// Package httpapi exposes the REST surface: project CRUD over Postgres,
// task enqueueing onto the broker streams, and health reporting.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/taskworks/backend/internal/config"
	"github.com/taskworks/backend/internal/domain"
	"github.com/taskworks/backend/internal/ports"
	"github.com/taskworks/backend/internal/shutdown"
	"github.com/taskworks/backend/internal/storage"
	"github.com/taskworks/backend/pkg/jsonx"
)

// Server hosts the HTTP API beside the consumer pools.
type Server struct {
	cfg      *config.HTTPConfig
	redis    ports.RedisClient
	projects ports.ProjectStore
	metrics  *domain.Metrics
	bus      *shutdown.Bus
	logger   ports.Logger
	srv      *http.Server
}

// NewServer wires the API routes.
func NewServer(
	cfg *config.Config,
	redisClient ports.RedisClient,
	projects ports.ProjectStore,
	metrics *domain.Metrics,
	bus *shutdown.Bus,
	logger ports.Logger,
) *Server {
	s := &Server{
		cfg:      &cfg.HTTP,
		redis:    redisClient,
		projects: projects,
		metrics:  metrics,
		bus:      bus,
		logger:   logger.WithFields(ports.Field{Key: "component", Value: "http-server"}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.handleFindProjects)
			r.Post("/", s.handleCreateProject)
			r.Get("/{id}", s.handleGetProject)
			r.Put("/{id}", s.handleUpdateProject)
			r.Delete("/{id}", s.handleDeleteProject)
		})
		r.Post("/tasks", s.handleEnqueueTask)
	})

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until shutdown is signalled, then drains with the given grace
// period.
func (s *Server) Run(ctx context.Context, gracePeriod time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", ports.Field{Key: "addr", Value: s.srv.Addr})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-s.bus.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return <-errCh
}

// ---------- health ----------

type healthResponse struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Metrics domain.MetricsSnapshot `json:"metrics"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.redis.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:  "unhealthy",
			Message: fmt.Sprintf("redis: %v", err),
			Metrics: s.metrics.Snapshot(),
		})
		return
	}
	if err := s.projects.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:  "unhealthy",
			Message: fmt.Sprintf("postgres: %v", err),
			Metrics: s.metrics.Snapshot(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Metrics: s.metrics.Snapshot()})
}

// ---------- projects ----------

type projectRequest struct {
	ProjectName string  `json:"project_name"`
	Comment     *string `json:"comment,omitempty"`
}

type projectListResponse struct {
	Projects []ports.Project `json:"projects"`
	Total    int64           `json:"total"`
}

func (s *Server) handleFindProjects(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	pageSize := queryInt64(r, "page_size", 20)
	offset := queryInt64(r, "offset", 0)
	if pageSize < 1 || pageSize > 200 {
		s.writeError(w, http.StatusBadRequest, "page_size must be in [1, 200]")
		return
	}
	if offset < 0 {
		s.writeError(w, http.StatusBadRequest, "offset must be >= 0")
		return
	}

	projects, total, err := s.projects.FindProjects(r.Context(), name, pageSize, offset)
	if err != nil {
		s.serverError(w, "find projects", err)
		return
	}
	if projects == nil {
		projects = []ports.Project{}
	}
	s.writeJSON(w, http.StatusOK, projectListResponse{Projects: projects, Total: total})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ProjectName == "" {
		s.writeError(w, http.StatusBadRequest, "project_name is required")
		return
	}

	project, err := s.projects.CreateProject(r.Context(), req.ProjectName, req.Comment)
	if err != nil {
		s.serverError(w, "create project", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	project, err := s.projects.GetProject(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.serverError(w, "get project", err)
		return
	}
	s.writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req projectRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ProjectName == "" {
		s.writeError(w, http.StatusBadRequest, "project_name is required")
		return
	}

	project, err := s.projects.UpdateProject(r.Context(), id, req.ProjectName, req.Comment)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.serverError(w, "update project", err)
		return
	}
	s.writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	err := s.projects.DeleteProject(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.serverError(w, "delete project", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- tasks ----------

type enqueueTaskRequest struct {
	Stream string          `json:"stream"`
	Task   domain.TaskInfo `json:"task"`
}

type enqueueTaskResponse struct {
	ID     string `json:"id"`
	Stream string `json:"stream"`
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueTaskRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Stream == "" {
		req.Stream = "task_type_a"
	}
	if req.Task.Title == "" {
		s.writeError(w, http.StatusBadRequest, "task.title is required")
		return
	}

	payload, err := jsonx.Marshal(req.Task)
	if err != nil {
		s.serverError(w, "encode task", err)
		return
	}

	id, err := s.redis.AddMessage(r.Context(), req.Stream, payload)
	if err != nil {
		s.serverError(w, "enqueue task", err)
		return
	}

	s.logger.Debug("task enqueued",
		ports.Field{Key: "stream", Value: req.Stream},
		ports.Field{Key: "id", Value: id})
	s.writeJSON(w, http.StatusAccepted, enqueueTaskResponse{ID: id, Stream: req.Stream})
}

// ---------- helpers ----------

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := jsonx.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", ports.Field{Key: "error", Value: err})
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.logger.Error("failed to write response", ports.Field{Key: "error", Value: err})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed",
		ports.Field{Key: "op", Value: op},
		ports.Field{Key: "error", Value: err})
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer func() { _ = r.Body.Close() }()
	if err := decodeJSONBody(r, v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func decodeJSONBody(r *http.Request, v any) error {
	buf, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(buf) == 0 {
		return fmt.Errorf("empty request body")
	}
	return jsonx.Unmarshal(buf, v)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		s.writeError(w, http.StatusBadRequest, "invalid project id")
		return 0, false
	}
	return id, true
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}
