// Package api exposes a minimal read-only HTTP surface over the session
// store and job queue: health/readiness probes, Prometheus metrics, and
// plain-JSON inspection endpoints. It is not a dashboard and serves no
// thumbnails or video listings (spec §1 Non-goals) — adapted from the
// teacher's gateway package, trimmed to read-only inspection.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/skylapse/brain/internal/config"
	"github.com/skylapse/brain/internal/queue"
	"github.com/skylapse/brain/internal/store"
	"github.com/skylapse/brain/pkg/metrics"
)

// Server serves the Brain's read-only inspection API.
type Server struct {
	sessions    *store.Store
	jobs        *queue.Queue
	configStore *config.Store
	log         *zap.Logger
	router      *chi.Mux
}

// New builds a Server with its routes registered.
func New(sessions *store.Store, jobs *queue.Queue, configStore *config.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		sessions:    sessions,
		jobs:        jobs,
		configStore: configStore,
		log:         log,
		router:      chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// ServeHTTP lets Server be handed directly to http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggerMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Accept"},
		MaxAge:         300,
	}))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Handle("/metrics", s.metricsHandler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Get("/jobs/dead-letter", s.handleDeadLetterJobs)
	})
}

// metricsHandler refreshes the queue-depth gauge (a cheap Redis LLEN) right
// before handing off to promhttp, since nothing else polls it on a timer.
func (s *Server) metricsHandler() http.Handler {
	next := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if depth, err := s.jobs.Depth(r.Context()); err == nil {
			metrics.QueueDepth.Set(float64(depth))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.sessions.ListActiveSessions(); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "session store not ready")
		return
	}
	if _, err := s.jobs.Depth(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "job queue not ready")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{"message": message},
	})
}
