package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/starred-export/internal/config"
	"github.com/JakeFAU/starred-export/internal/export"
	"github.com/JakeFAU/starred-export/internal/metrics"
	"github.com/JakeFAU/starred-export/internal/scheduler"
	"github.com/JakeFAU/starred-export/internal/store"
)

const (
	defaultRequestTimeout = 30 * time.Second
	readyTimeout          = 2 * time.Second
)

// JobService is the scheduler surface the handlers drive.
type JobService interface {
	Submit(ctx context.Context, creds export.Credentials) (string, error)
	Resume(ctx context.Context, jobID, code string) error
	Status(ctx context.Context, jobID string) (scheduler.StatusView, error)
	List(ctx context.Context) []scheduler.StatusView
	QueueSummary() scheduler.QueueSummary
	Artifact(ctx context.Context, jobID string) (string, error)
}

// Options configures a Server. Runs and Ready are optional.
type Options struct {
	Auth           config.AuthConfig
	RequestTimeout time.Duration
	// Runs backs /v1/runs; nil makes those routes answer 503.
	Runs store.RunRepository
	// Ready reports whether downstream dependencies are reachable.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// Server wires HTTP handlers to the scheduler and run history.
type Server struct {
	router chi.Router
	jobs   JobService
	runs   *RunHandler
	ready  func(ctx context.Context) error
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs JobService, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		jobs:   jobs,
		runs:   NewRunHandler(opts.Runs, logger.Named("runs")),
		ready:  opts.Ready,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Downloads stream arbitrarily large archives and skip the timeout.
		r.Group(func(r chi.Router) {
			if opts.Auth.Enabled {
				r.Use(apiKeyMiddleware(opts.Auth.APIKey))
			}
			r.Get("/jobs/{job_id}/download", s.downloadArtifact)
		})
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			if opts.Auth.Enabled {
				r.Use(apiKeyMiddleware(opts.Auth.APIKey))
			}
			r.Post("/jobs", s.createJob)
			r.Get("/jobs", s.listJobs)
			r.Get("/jobs/{job_id}", s.getJob)
			r.Post("/jobs/{job_id}/verify", s.submitVerificationCode)
			r.Get("/queue", s.queueSummary)
			r.Get("/runs", s.runs.ListRuns)
			r.Get("/runs/{job_id}", s.runs.GetRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the router wrapped with OpenTelemetry instrumentation for
// use with http.Server.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "exportd")
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		notFound   *export.NotFoundError
		stateErr   *export.StateError
		validation *export.ValidationError
		authErr    *export.AuthError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &stateErr), errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.Is(err, scheduler.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
