package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog"
	"github.com/gorilla/websocket"
	"github.com/hochfrequenz/tbench-runner/internal/dispatch"
	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/internal/events"
	"github.com/hochfrequenz/tbench-runner/internal/jobqueue"
	"github.com/hochfrequenz/tbench-runner/internal/logging"
	"github.com/hochfrequenz/tbench-runner/internal/observer"
	"github.com/hochfrequenz/tbench-runner/internal/orchestrator"
	"github.com/hochfrequenz/tbench-runner/internal/taskstore"
	"github.com/rs/zerolog"
)

// Service is the orchestrator surface the API exposes
type Service interface {
	CreateTask(ctx context.Context, req orchestrator.NewTask) (*domain.Task, error)
	GetTask(ctx context.Context, taskID int64) (*domain.Task, error)
	ListTasks(ctx context.Context, opts taskstore.ListOptions) ([]*domain.Task, error)
	DeleteTask(ctx context.Context, taskID int64) error
	StartTask(ctx context.Context, taskID int64) (*orchestrator.StartResult, error)
	RetryTask(ctx context.Context, taskID int64) (*domain.Task, error)
	RedispatchPending(ctx context.Context, taskID int64) (dispatch.Report, error)
	ListRuns(ctx context.Context, taskID int64) ([]*domain.Run, error)
	GetRun(ctx context.Context, taskID, runID int64) (*domain.Run, error)
	Stats(ctx context.Context) (*taskstore.Stats, error)
}

// QueueDepth reports how many jobs are waiting
type QueueDepth interface {
	Depth(ctx context.Context) (jobqueue.Depth, error)
}

// Config configures the HTTP server
type Config struct {
	Addr          string
	MaxUploadSize int64
	JSONLogs      bool
}

// Server is the HTTP API server
type Server struct {
	cfg      Config
	svc      Service
	bus      *events.Bus
	queue    QueueDepth
	observer *observer.Observer
	router   chi.Router
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// Option configures optional Server collaborators
type Option func(*Server)

// WithQueue adds queue depth to /api/stats
func WithQueue(q QueueDepth) Option {
	return func(s *Server) { s.queue = q }
}

// WithObserver adds worker metrics to /api/stats
func WithObserver(obs *observer.Observer) Option {
	return func(s *Server) { s.observer = obs }
}

// NewServer creates a new API server
func NewServer(cfg Config, svc Service, bus *events.Bus, opts ...Option) *Server {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 100 << 20
	}
	s := &Server{
		cfg: cfg,
		svc: svc,
		bus: bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.Component("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(httplog.NewLogger("tbench-runner", httplog.Options{JSON: s.cfg.JSONLogs})))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/models", s.listModelsHandler())
		r.Get("/agents", s.listAgentsHandler())
		r.Get("/stats", s.statsHandler())
		r.Get("/events", s.sseHandler())
		r.Get("/ws", s.wsHandler())

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasksHandler())
			r.Post("/", s.createTaskHandler())

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.getTaskHandler())
				r.Delete("/", s.deleteTaskHandler())
				r.Post("/start", s.startTaskHandler())
				r.Post("/retry", s.retryTaskHandler())
				r.Post("/redispatch", s.redispatchHandler())
				r.Get("/runs", s.listRunsHandler())
				r.Get("/runs/{runID}", s.getRunHandler())
				r.Get("/runs/{runID}/logs", s.runLogsHandler())
			})
		})
	})

	s.router = r
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeDomainError maps domain sentinels to status codes
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAlreadyStarted),
		errors.Is(err, domain.ErrNotRetryable),
		errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
