package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/cellsrv/internal/dispatch"
	"github.com/michaelbrown/cellsrv/internal/logger"
	"github.com/michaelbrown/cellsrv/internal/relay"
	"github.com/michaelbrown/cellsrv/internal/supervisor"
	"github.com/michaelbrown/cellsrv/internal/wire"
)

// Runner is the part of the dispatcher the HTTP API needs.
type Runner interface {
	Interrupt(session string) (bool, error)
	Stats() dispatch.Stats
}

// Workers is the admin view of the process supervisor.
type Workers interface {
	Start(ctx context.Context, so supervisor.StartOptions) (string, wire.Connection, error)
	Kill(id string) (bool, error)
	Interrupt(id string) (bool, error)
	Restart(ctx context.Context, id string) (string, wire.Connection, error)
	List() []supervisor.Handle
}

// Server is the HTTP server for the cellsrv relay and admin API.
type Server struct {
	relay   *relay.Service
	runner  Runner
	workers Workers
	router  chi.Router
	http    *http.Server
}

// New creates a new Server.
func New(svc *relay.Service, runner Runner, workers Workers) *Server {
	s := &Server{
		relay:   svc,
		runner:  runner,
		workers: workers,
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(allowAnyOrigin)

	// Relay protocol
	r.Get("/", s.handleRoot)
	r.Post("/eval", s.handleEval)
	r.Get("/output_poll", s.handleOutputPoll)
	r.Get("/output_long_poll", s.handleOutputLongPoll)
	r.Get("/files/{session}/{filename}", s.handleFile)
	r.Get("/service", s.handleService)
	r.Post("/service", s.handleService)
	r.Post("/interrupt", s.handleInterrupt)

	// Worker administration
	r.Route("/workers", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/", s.handleListWorkers)
		r.Post("/", s.handleStartWorker)
		r.Delete("/{id}", s.handleKillWorker)
		r.Post("/{id}/interrupt", s.handleInterruptWorker)
		r.Post("/{id}/restart", s.handleRestartWorker)
	})
	r.Get("/stats", s.handleStats)
}

// jsonContentType sets Content-Type to application/json for admin routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// allowAnyOrigin lets pages on other sites embed cells.
func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.L().Info("cellsrv listening", zap.String("addr", "http://localhost"+addr))
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	logger.L().Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
