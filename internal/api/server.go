package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/neuroclass/ncc/internal/auth"
	"github.com/neuroclass/ncc/internal/clock"
	"github.com/neuroclass/ncc/internal/config"
	"github.com/neuroclass/ncc/internal/device"
	"github.com/neuroclass/ncc/internal/eeg"
)

// Deps are the components the API serves. Hub, Stats and Reports are
// required; the rest may be nil.
type Deps struct {
	Hub     TelemetryPort
	Stats   StatsPort
	Reports ReportPort

	// Ingest receives device events from the streaming endpoint.
	Ingest eeg.Emitter
	// Streams tracks live device streams. Share it with the TCP listener.
	Streams *device.Registry
	Auth    *auth.Middleware
	Audit  AuditPort
	Clock  clock.Clock
}

// Server represents the HTTP API server.
type Server struct {
	mu         sync.Mutex
	httpServer *http.Server

	hub            TelemetryPort
	stats          StatsPort
	reports        ReportPort
	ingest         eeg.Emitter
	streams        *device.Registry
	authMiddleware *auth.Middleware
	audit          AuditPort
	clock          clock.Clock

	serverConfig config.ServerConfig
	deviceConfig config.DeviceConfig
	log          zerolog.Logger
	startTime    time.Time
}

// NewServer creates a new API server. A nil Deps.Auth serves every request as
// auth.DevClaims.
func NewServer(deps Deps, serverConfig config.ServerConfig, deviceConfig config.DeviceConfig, log zerolog.Logger) *Server {
	if deps.Auth == nil {
		deps.Auth = auth.NewMiddleware(nil)
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Streams == nil {
		deps.Streams = device.NewRegistry()
	}
	return &Server{
		hub:            deps.Hub,
		stats:          deps.Stats,
		reports:        deps.Reports,
		ingest:         deps.Ingest,
		streams:        deps.Streams,
		authMiddleware: deps.Auth,
		audit:          deps.Audit,
		clock:          deps.Clock,
		serverConfig:   serverConfig,
		deviceConfig:   deviceConfig,
		log:            log.With().Str("component", "api").Logger(),
		startTime:      deps.Clock.Now(),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Start listens on addr and serves until Stop.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.serverConfig.ReadTimeout,
		WriteTimeout: s.serverConfig.WriteTimeout,
		IdleTimeout:  s.serverConfig.IdleTimeout,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("HTTP API listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	timeout := s.serverConfig.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// GetServer returns the underlying HTTP server for testing.
func (s *Server) GetServer() *http.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpServer
}
