// Package httpapi is the REST front door: thin handlers over the
// repository, queue, engine, scheduler, and task-dev service. Error
// kinds map onto HTTP statuses; no authentication.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/queue"
	"github.com/ratchetd/ratchet/internal/scheduler"
	"github.com/ratchetd/ratchet/internal/storage/sql/repository"
	"github.com/ratchetd/ratchet/internal/taskdev"
)

// Engine is the job pipeline as the API sees it.
type Engine interface {
	Cancel(ctx context.Context, jobID int64) error
}

// HealthChecker reports one subsystem's health.
type HealthChecker interface {
	HealthCheck() error
}

// Server aggregates the dependencies of the REST surface.
type Server struct {
	Store      *repository.Store
	Queue      *queue.Queue
	Engine     Engine
	Scheduler  *scheduler.Scheduler
	TaskDev    *taskdev.Service
	Executor   HealthChecker
	Registry   *prometheus.Registry
	EnableCORS bool
	Workers    func() []domain.WorkerInfo
}

// Router builds the chi mux.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if s.EnableCORS {
		r.Use(allowAllCORS)
	}

	r.Get("/health", s.handleHealth)
	if s.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/{id}", s.handleGetTask)
			r.Delete("/{id}", s.handleDeleteTask)
			r.Post("/{id}/enable", s.handleSetTaskEnabled(true))
			r.Post("/{id}/disable", s.handleSetTaskEnabled(false))
			r.Post("/{id}/validate", s.handleValidateTask)
			r.Post("/{id}/tests", s.handleRunTaskTests)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleEnqueueJob)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/cancel", s.handleCancelJob)
			r.Get("/{id}/deliveries", s.handleJobDeliveries)
		})
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Get("/{id}", s.handleGetExecution)
		})
		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)
			r.Get("/{id}", s.handleGetSchedule)
			r.Delete("/{id}", s.handleDeleteSchedule)
			r.Post("/{id}/enable", s.handleSetScheduleEnabled(true))
			r.Post("/{id}/disable", s.handleSetScheduleEnabled(false))
		})
		r.Get("/workers", s.handleListWorkers)
	})

	return r
}

func allowAllCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"database": "ok", "executor": "ok"}
	healthy := true

	if err := s.Store.HealthCheck(r.Context()); err != nil {
		status["database"] = err.Error()
		healthy = false
	}
	if s.Executor != nil {
		if err := s.Executor.HealthCheck(); err != nil {
			status["executor"] = err.Error()
			healthy = false
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"healthy": healthy, "components": status})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	if s.Workers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"workers": []domain.WorkerInfo{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.Workers()})
}
