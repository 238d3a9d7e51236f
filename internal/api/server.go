package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/campaign-mailer/internal/config"
)

// Server is the HTTP front of the service.
type Server struct {
	config config.ServerConfig
	server *http.Server
}

// NewServer wires a server over the handler set.
func NewServer(cfg config.ServerConfig, h *Handlers) *Server {
	return &Server{
		config: cfg,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      SetupRoutes(h),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
