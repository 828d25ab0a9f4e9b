// Package api is the REST facade over the controller, the scheduler and the
// runtime flags.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/harvester/internal/config"
	"github.com/ChuLiYu/harvester/internal/controller"
	"github.com/ChuLiYu/harvester/internal/cron"
	"github.com/ChuLiYu/harvester/internal/harvest"
	"github.com/ChuLiYu/harvester/internal/index"
	"github.com/ChuLiYu/harvester/internal/scheduler"
	"github.com/ChuLiYu/harvester/pkg/types"
)

// persistWarning is sent when a schedule change could not be written to disk.
const persistWarning = `299 harvester "schedule change not persisted, it will be lost on restart"`

// Controller is the part of controller.Controller the API drives.
type Controller interface {
	Current() types.State
	RequestHarvest(req types.HarvestRequest) (string, error)
	RequestSave() (string, error)
	RequestSubmit() (string, error)
	RequestAbort() error
	Reset(ctx context.Context) error
}

// Scheduler is the part of scheduler.Scheduler the API drives.
type Scheduler interface {
	AddTask(expr string) (scheduler.TaskInfo, error)
	DeleteTask(expr string) error
	DeleteAll() (int, error)
	Tasks() []scheduler.TaskInfo
}

// Flags holds the auto-chaining switches.
type Flags interface {
	Values() config.FlagValues
	Set(v config.FlagValues)
}

// Documents reads the index.
type Documents interface {
	Count(ctx context.Context) (int, error)
	Get(ctx context.Context, id string) (types.Document, error)
	Search(ctx context.Context, term string, limit int) ([]types.Document, error)
}

// PendingReporter summarizes the batch waiting to be submitted.
type PendingReporter interface {
	Pending() (harvest.PendingInfo, bool)
}

// Deps are the components behind the API. Documents and Pending are
// optional.
type Deps struct {
	Controller Controller
	Scheduler  Scheduler
	Flags      Flags
	Documents  Documents
	Pending    PendingReporter
	Logger     *slog.Logger
}

// Server routes REST requests to the harvester components.
type Server struct {
	deps   Deps
	router *chi.Mux
	logger *slog.Logger
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	State     types.State          `json:"state"`
	Display   string               `json:"display"`
	Pending   *harvest.PendingInfo `json:"pending,omitempty"`
	Documents *int                 `json:"documents,omitempty"`
	Flags     config.FlagValues    `json:"flags"`
}

// RunResponse is returned when a stage was started.
type RunResponse struct {
	RunID string `json:"run_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type cronRequest struct {
	Cron string `json:"cron"`
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()
	s := &Server{
		deps:   deps,
		router: r,
		logger: deps.Logger.With("component", "api"),
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Get("/status", s.handleStatus)
	r.Post("/harvest", s.handleHarvest)
	r.Post("/abort", s.handleAbort)
	r.Post("/save", s.handleSave)
	r.Post("/submit", s.handleSubmit)
	r.Post("/reset", s.handleReset)

	r.Route("/schedule", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleAddTask)
		r.Delete("/", s.handleDeleteAllTasks)
		r.Delete("/{cron}", s.handleDeleteTask)
	})

	r.Get("/config", s.handleGetConfig)
	r.Put("/config", s.handlePutConfig)

	if s.deps.Documents != nil {
		r.Get("/documents", s.handleSearch)
		r.Get("/documents/{id}", s.handleGetDocument)
	}
}

// Start serves on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shut down HTTP server", "error", err)
		}
	}()

	s.logger.Info("HTTP server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Debug("Request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Controller.Current()
	resp := StatusResponse{
		State:   state,
		Display: state.String(),
		Flags:   s.deps.Flags.Values(),
	}
	if s.deps.Pending != nil {
		if info, ok := s.deps.Pending.Pending(); ok {
			resp.Pending = &info
		}
	}
	if s.deps.Documents != nil {
		if n, err := s.deps.Documents.Count(r.Context()); err == nil {
			resp.Documents = &n
		} else {
			s.logger.Warn("Failed to count documents", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHarvest(w http.ResponseWriter, r *http.Request) {
	var req types.HarvestRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	runID, err := s.deps.Controller.RequestHarvest(req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, RunResponse{RunID: runID})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.RequestAbort(); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.deps.Controller.Current())
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	runID, err := s.deps.Controller.RequestSave()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, RunResponse{RunID: runID})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	runID, err := s.deps.Controller.RequestSubmit()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, RunResponse{RunID: runID})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.Reset(r.Context()); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Controller.Current())
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Tasks())
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req cronRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Cron == "" {
		writeError(w, http.StatusBadRequest, "cron is required")
		return
	}
	info, err := s.deps.Scheduler.AddTask(req.Cron)
	if err != nil && !errors.Is(err, scheduler.ErrPersist) {
		s.writeErr(w, err)
		return
	}
	if err != nil {
		s.logger.Error("Task added but not persisted", "cron", info.Cron, "error", err)
		setPersistWarning(w)
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	expr, err := url.PathUnescape(chi.URLParam(r, "cron"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cron")
		return
	}
	if err := s.deps.Scheduler.DeleteTask(expr); err != nil {
		if !errors.Is(err, scheduler.ErrPersist) {
			s.writeErr(w, err)
			return
		}
		s.logger.Error("Task deleted but not persisted", "cron", expr, "error", err)
		setPersistWarning(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAllTasks(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Scheduler.DeleteAll()
	if err != nil {
		if !errors.Is(err, scheduler.ErrPersist) {
			s.writeErr(w, err)
			return
		}
		s.logger.Error("Tasks deleted but not persisted", "deleted", n, "error", err)
		setPersistWarning(w)
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// setPersistWarning marks a schedule change that applies in memory but
// will not survive a restart.
func setPersistWarning(w http.ResponseWriter) {
	w.Header().Set("Warning", persistWarning)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Flags.Values())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var v config.FlagValues
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.deps.Flags.Set(v)
	s.logger.Info("Flags updated", "auto_save", v.AutoSave, "auto_submit", v.AutoSubmit)
	writeJSON(w, http.StatusOK, s.deps.Flags.Values())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	docs, err := s.deps.Documents.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if docs == nil {
		docs = []types.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Documents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrInvalidState),
		errors.Is(err, controller.ErrNothingToAbort),
		errors.Is(err, controller.ErrClosed),
		errors.Is(err, scheduler.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, cron.ErrInvalidExpression),
		errors.Is(err, cron.ErrImpossibleDate):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrTaskNotFound),
		errors.Is(err, index.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
