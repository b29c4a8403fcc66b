// Package api serves the reviewer and operator HTTP surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/config"
	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/monitoring"
	"github.com/sells-group/exchange-feed/internal/pipeline"
	"github.com/sells-group/exchange-feed/internal/queue"
	"github.com/sells-group/exchange-feed/internal/store"
)

// ReviewService is the review workflow exposed over HTTP.
type ReviewService interface {
	ClaimNext(ctx context.Context, reviewer string) (*model.ReviewTask, error)
	Claim(ctx context.Context, taskID, reviewer string) (*model.ReviewTask, error)
	EditField(ctx context.Context, taskID, reviewer, field, value string) (*model.ReviewTask, error)
	Verify(ctx context.Context, taskID, reviewer string, decision model.ReviewStatus, notes string) (*model.ReviewTask, error)
	Release(ctx context.Context, taskID, reviewer string) error
	Reassign(ctx context.Context, taskID, admin, target string) (*model.ReviewTask, error)
	Get(ctx context.Context, taskID string) (*model.ReviewTask, error)
	List(ctx context.Context, filter store.ReviewFilter) ([]model.ReviewTask, error)
}

// DataStore is the slice of the persistent store the API reads directly.
type DataStore interface {
	Ping(ctx context.Context) error
	ListRecords(ctx context.Context, filter store.RecordFilter) ([]model.ClassifiedRecord, error)
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
}

// Deps wires the API to the rest of the system.
type Deps struct {
	Store       DataStore
	Queue       queue.Queue
	Reviews     ReviewService
	Collector   *monitoring.Collector
	Stats       func() []pipeline.StageSnapshot // nil when no pool runs in-process
	MaxAttempts int
}

// Server is the HTTP API server.
type Server struct {
	router chi.Router
	server *http.Server
	deps   Deps
	tokens tokens
	log    *zap.Logger
}

// New builds the router. Identity is resolved from the review section's
// bearer token maps.
func New(cfg config.ServerConfig, rc config.ReviewConfig, deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		tokens: newTokens(rc.ReviewerTokens, rc.AdminTokens),
		log:    zap.L().With(zap.String("component", "api")),
	}
	s.setupMiddleware(cfg.CORSOrigins)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", zap.String("addr", s.server.Addr))
		errc <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return eris.Wrap(err, "api: listen")
	case <-ctx.Done():
	}

	s.log.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	return eris.Wrap(s.server.Shutdown(shutdownCtx), "api: shutdown")
}

func (s *Server) setupMiddleware(origins []string) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.logRequests)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/stats", s.handleStats)
		r.Get("/records", s.handleListRecords)
		r.Post("/submit", s.handleSubmit)

		r.Route("/deadletter/{queue}", func(r chi.Router) {
			r.Get("/", s.handleListDead)
			r.With(requireAdmin).Post("/{jobID}/redrive", s.handleRedrive)
		})

		r.Route("/review", func(r chi.Router) {
			r.Post("/claim", s.handleClaimNext)
			r.Get("/tasks", s.handleListTasks)
			r.Route("/tasks/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleEditTask)
				r.Post("/claim", s.handleClaimTask)
				r.Post("/verify", s.handleVerifyTask)
				r.Post("/release", s.handleReleaseTask)
				r.With(requireAdmin).Post("/reassign", s.handleReassignTask)
			})
		})
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
