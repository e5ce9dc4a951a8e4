package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/coderoom/internal/broadcast"
	"github.com/seantiz/coderoom/internal/engine"
	"github.com/seantiz/coderoom/internal/queue"
	"github.com/seantiz/coderoom/internal/realtime"
	"github.com/seantiz/coderoom/internal/sandbox"
	"github.com/seantiz/coderoom/internal/session"
	"github.com/seantiz/coderoom/internal/status"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Deps are the components the HTTP surface serves.
type Deps struct {
	Queue     queue.Queue
	Pool      *engine.Pool
	Status    *status.Facade
	Sessions  *session.Registry
	Sandboxes *sandbox.Registry
	Bus       broadcast.Bus
	Realtime  *realtime.Handler
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	queue     queue.Queue
	pool      *engine.Pool
	status    *status.Facade
	sessions  *session.Registry
	sandboxes *sandbox.Registry
	bus       broadcast.Bus
	realtime  *realtime.Handler
	logger    *slog.Logger
	addr      string

	// closing is closed when shutdown begins so long-lived streams end.
	closing chan struct{}
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		queue:     deps.Queue,
		pool:      deps.Pool,
		status:    deps.Status,
		sessions:  deps.Sessions,
		sandboxes: deps.Sandboxes,
		bus:       deps.Bus,
		realtime:  deps.Realtime,
		logger:    logger,
		addr:      addr,
		closing:   make(chan struct{}),
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())
	if s.realtime != nil {
		s.router.Get("/ws", s.realtime.ServeHTTP)
	}

	s.router.Get("/v1/sandboxes", s.handleListSandboxes)
	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/rooms/{id}/presence", s.handleGetPresence)

	s.router.Route("/v1/run", func(r chi.Router) {
		r.Post("/", s.handleRun)
		r.Get("/status/{id}", s.handleRunStatus)
	})

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/events", s.handleJobEvents)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully:
// in-flight requests finish, event streams end and WebSocket clients are
// disconnected.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}
	httpServer.RegisterOnShutdown(func() { close(s.closing) })

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if s.realtime != nil {
		s.realtime.Close()
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
