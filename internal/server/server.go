package server

import (
	"context"
	"log"
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/windrose-io/dronebridge/internal/config"
	"github.com/windrose-io/dronebridge/internal/middleware"
)

// Server is the local operator control surface's HTTP server.
type Server struct {
	config       *config.Config
	dependencies *Dependencies
	mux          *http.ServeMux
	logger       *log.Logger
	httpServer   *http.Server
}

// New creates a new Server instance.
func New(cfg *config.Config) *Server {
	deps := NewDependencies(cfg)

	return &Server{
		config:       cfg,
		dependencies: deps,
		mux:          http.NewServeMux(),
		logger:       deps.GetLogger(),
	}
}

// RegisterService registers a handler under path.
func (s *Server) RegisterService(path string, handler http.Handler) {
	s.logger.Printf("registering service: %s", path)
	s.mux.Handle(path, handler)
}

// buildHandler builds the final HTTP handler with all middleware.
func (s *Server) buildHandler() http.Handler {
	handler := http.Handler(s.mux)

	handler = middleware.CORS(s.config.Server.CORSOrigins)(handler)
	handler = middleware.Logging(s.logger)(handler)
	handler = middleware.Recovery(s.logger)(handler)

	// h2c lets Connect's unary-over-HTTP/2 protocol run without TLS.
	return h2c.NewHandler(handler, &http2.Server{})
}

// Start starts the HTTP server and blocks until it stops or errors.
func (s *Server) Start() error {
	addr := s.config.ServerAddr()
	s.httpServer = &http.Server{Addr: addr, Handler: s.buildHandler()}

	s.logger.Printf("local operator surface starting on %s", addr)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// GetDependencies returns the shared dependencies.
func (s *Server) GetDependencies() *Dependencies {
	return s.dependencies
}
