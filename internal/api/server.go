// Package api provides the HTTP control API of the fleet supervisor.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/boardfleet/internal/audit"
	"github.com/nerrad567/boardfleet/internal/infrastructure/config"
	"github.com/nerrad567/boardfleet/internal/infrastructure/logging"
	"github.com/nerrad567/boardfleet/internal/registry"
	"github.com/nerrad567/boardfleet/internal/supervisor"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Services is the supervisor surface the API drives.
type Services interface {
	ListDescriptors() []registry.Descriptor
	Descriptor(id string) (registry.Descriptor, error)
	Statuses() []supervisor.Snapshot
	Status(id string) (supervisor.Snapshot, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, disableAutoRestart bool) error
	Restart(ctx context.Context, id string) error
}

// HealthChecker is a dependency whose health is reported by /api/health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Logger   *logging.Logger
	Services Services

	// Events serves the lifecycle history. Optional.
	Events audit.Repository

	// Checks name optional components reported by /api/health.
	Checks map[string]HealthChecker

	Version string
}

// Server is the HTTP control API.
type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	services Services
	events   audit.Repository
	checks   map[string]HealthChecker
	version  string
	started  time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Services == nil {
		return nil, fmt.Errorf("supervisor is required")
	}

	return &Server{
		cfg:      deps.Config,
		logger:   deps.Logger,
		services: deps.Services,
		events:   deps.Events,
		checks:   deps.Checks,
		version:  deps.Version,
		started:  time.Now(),
	}, nil
}

// Start listens on the configured host and port and serves in the
// background. Listen errors (port in use) are returned here.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server, waiting up to 10 seconds for
// in-flight requests. A restart in progress may hold a request that long.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.Addr() == "" {
		return fmt.Errorf("api server not started")
	}
	return nil
}
