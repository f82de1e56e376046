// Package api serves the agent's local status endpoints: health, the deployed
// task set, registered plugins and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/arl/statsviz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/internal/infra/serialization"
	"github.com/ahrav/netmon-minion/pkg/common"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
	"github.com/ahrav/netmon-minion/pkg/common/otel"
)

// TaskSetView exposes the currently deployed task definitions.
type TaskSetView interface {
	DeployedTaskSet() []domain.TaskDefinition
}

// ReadinessCheck reports whether a dependency is ready to serve.
type ReadinessCheck func(ctx context.Context) error

// Config holds the status server settings.
type Config struct {
	Addr            string
	Build           string
	SystemID        string
	EnableStatsviz  bool
	ShutdownTimeout time.Duration
}

// Server is the agent's status HTTP server.
type Server struct {
	cfg     Config
	logger  *logger.Logger
	router  *chi.Mux
	tracer  trace.Tracer
	metrics StatusMetrics

	tasks    TaskSetView
	plugins  *plugin.Registries
	gatherer prometheus.Gatherer
	checks   map[string]ReadinessCheck
}

// Option configures optional server behavior.
type Option func(*Server)

// WithReadinessCheck adds a named check consulted by /v1/readiness.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// NewServer builds the router. gatherer may be nil to disable /metrics.
func NewServer(
	cfg Config,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics StatusMetrics,
	tasks TaskSetView,
	plugins *plugin.Registries,
	gatherer prometheus.Gatherer,
	opts ...Option,
) (*Server, error) {
	if tasks == nil || plugins == nil {
		return nil, errors.New("status server requires a task set view and plugin registries")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log, metrics))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:      cfg,
		logger:   log.With("component", "status_server"),
		router:   r,
		tracer:   tracer,
		metrics:  metrics,
		tasks:    tasks,
		plugins:  plugins,
		gatherer: gatherer,
		checks:   make(map[string]ReadinessCheck),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.routes(); err != nil {
		return nil, err
	}
	return s, nil
}

func loggerMiddleware(log *logger.Logger, metrics StatusMetrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				elapsed := time.Since(start)
				if metrics != nil {
					metrics.IncRequestsTotal(ctx, r.Method, r.URL.Path, ww.Status())
					metrics.ObserveRequestDuration(ctx, r.Method, r.URL.Path, elapsed)
				}
				log.Debug(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", elapsed,
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() error {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/liveness", s.handleLiveness)
		r.Get("/readiness", s.handleReadiness)
		r.Get("/tasks", s.handleTasks)
		r.Get("/plugins", s.handlePlugins)
	})

	if s.gatherer != nil {
		s.router.Handle("/metrics", common.MetricsHandler(s.gatherer))
	}

	if s.cfg.EnableStatsviz {
		srv, err := statsviz.NewServer()
		if err != nil {
			return fmt.Errorf("creating statsviz server: %w", err)
		}
		s.router.Get("/debug/statsviz/ws", srv.Ws())
		s.router.Get("/debug/statsviz", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/debug/statsviz/", http.StatusMovedPermanently)
		})
		s.router.Handle("/debug/statsviz/*", srv.Index())
	}
	return nil
}

type healthResponse struct {
	Status   string `json:"status"`
	Build    string `json:"build,omitempty"`
	SystemID string `json:"system_id,omitempty"`
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, healthResponse{Status: "ok", Build: s.cfg.Build, SystemID: s.cfg.SystemID})
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := readyResponse{Status: "ready"}
	status := http.StatusOK

	for name, check := range s.checks {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(s.checks))
		}
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "not ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	s.writeJSON(ctx, w, status, resp)
}

type tasksResponse struct {
	Tasks []serialization.TaskDefinitionWire `json:"tasks"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defs := s.tasks.DeployedTaskSet()

	resp := tasksResponse{Tasks: make([]serialization.TaskDefinitionWire, 0, len(defs))}
	for _, def := range defs {
		wire, err := serialization.TaskDefinitionToWire(def)
		if err != nil {
			s.logger.Error(ctx, "Failed to encode task definition", "task_id", def.ID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		resp.Tasks = append(resp.Tasks, wire)
	}
	s.writeJSON(ctx, w, http.StatusOK, resp)
}

type pluginsResponse struct {
	Monitors   []string `json:"monitors"`
	Collectors []string `json:"collectors"`
	Scanners   []string `json:"scanners"`
	Detectors  []string `json:"detectors"`
	Listeners  []string `json:"listeners"`
	Connectors []string `json:"connectors"`
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, pluginsResponse{
		Monitors:   s.plugins.Monitors.Names(),
		Collectors: s.plugins.Collectors.Names(),
		Scanners:   s.plugins.Scanners.Names(),
		Detectors:  s.plugins.Detectors.Names(),
		Listeners:  s.plugins.Listeners.Names(),
		Connectors: s.plugins.Connectors.Names(),
	})
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn(ctx, "Failed to write response", "error", err)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting status server", "addr", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
