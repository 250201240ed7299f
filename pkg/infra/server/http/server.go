// Package http provides a gin based HTTP server.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	options "github.com/kart-io/studymate/pkg/options/server/http"
)

// Server is a gin HTTP server that implements server.Runnable.
type Server struct {
	opts   *options.Options
	engine *gin.Engine
	server *http.Server
	addr   net.Addr
}

// NewServer creates a gin server with the given global middleware.
func NewServer(opts *options.Options, middleware ...gin.HandlerFunc) *Server {
	if opts == nil {
		opts = options.NewOptions()
	}
	gin.SetMode(opts.Mode)

	engine := gin.New()
	engine.Use(middleware...)

	return &Server{
		opts:   opts,
		engine: engine,
		server: &http.Server{
			Addr:         opts.Addr,
			Handler:      engine,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			IdleTimeout:  opts.IdleTimeout,
		},
	}
}

// Name returns the server name.
func (s *Server) Name() string { return "http" }

// Engine returns the gin engine for route registration.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Addr returns the bound listener address once started.
func (s *Server) Addr() net.Addr { return s.addr }

// Start binds the listener and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.addr = ln.Addr()

	go func() {
		logger.Infow("HTTP server listening", "addr", s.addr.String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
