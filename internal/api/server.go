// Package api hosts the gin HTTP server exposing the OAuth and batch endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/specflow/specflow/internal/api/handlers"
	"github.com/specflow/specflow/internal/config"
	"github.com/specflow/specflow/internal/logging"
)

// Server owns the gin engine and the underlying http.Server.
type Server struct {
	engine  *gin.Engine
	handler *handlers.Handler
	mu      sync.Mutex
	server  *http.Server
	addr    string
}

// NewServer builds the engine with logging and recovery middleware and registers routes.
func NewServer(cfg *config.Config, handler *handlers.Handler) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(logging.RequestLogger())
	engine.Use(logging.Recovery())
	handler.Register(engine)

	return &Server{
		engine:  engine,
		handler: handler,
		addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
}

// Engine exposes the router, mainly for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves until Stop is called. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return fmt.Errorf("api server is already running")
	}
	s.server = server
	s.mu.Unlock()

	log.Infof("API server listening on %s", s.addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Stop stops accepting requests, cancels running batches and waits for them to settle.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()

	var errs []error
	if server != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := server.Shutdown(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}
	if err := s.handler.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	log.Info("API server stopped")
	return errors.Join(errs...)
}
