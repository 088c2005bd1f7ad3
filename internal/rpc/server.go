package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/boardfleet/internal/infrastructure/config"
	"github.com/nerrad567/boardfleet/internal/infrastructure/logging"
)

const (
	gracefulShutdownTimeout = 5 * time.Second

	// maxRequestBodySize caps a single RPC body at 1 MB.
	maxRequestBodySize = 1 << 20
)

// Deps holds what the RPC server needs.
type Deps struct {
	Device    Device
	Logger    *logging.Logger
	WebSocket config.WebSocketConfig
	Timeouts  config.APITimeoutConfig
	ServiceID string
	Version   string
}

// Server serves one host's RPC surface.
type Server struct {
	device    Device
	methods   map[string]method
	logger    *logging.Logger
	timeouts  config.APITimeoutConfig
	serviceID string
	version   string
	hub       *Hub
	server    *http.Server
	listener  net.Listener
	cancel    context.CancelFunc
}

// Response is the body of a POST /rpc/{method} reply.
type Response struct {
	Result any    `json:"result"`
	Error  *Error `json:"error,omitempty"`
}

// New creates a server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Device == nil {
		return nil, fmt.Errorf("device is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	s := &Server{
		device:    deps.Device,
		methods:   methodTable(deps.Device),
		logger:    deps.Logger,
		timeouts:  deps.Timeouts,
		serviceID: deps.ServiceID,
		version:   deps.Version,
	}
	s.hub = newHub(deps.WebSocket, deps.Logger, s.invoke)
	return s, nil
}

// Hub returns the event hub. It is a host.EventSink.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAddr turns a service URL such as http://localhost:9001 into a
// listen address.
func ListenAddr(serviceURL string) (string, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return "", fmt.Errorf("parsing service url: %w", err)
	}
	if u.Scheme != "http" || u.Host == "" {
		return "", fmt.Errorf("service url %q must be http://host:port", serviceURL)
	}
	if u.Port() == "" {
		return "", fmt.Errorf("service url %q has no port", serviceURL)
	}
	return u.Host, nil
}

// Start listens on addr and serves in the background. Listen errors such
// as a port in use are returned here.
func (s *Server) Start(ctx context.Context, addr string) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Duration(s.timeouts.Read) * time.Second,
		ReadTimeout:       time.Duration(s.timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.timeouts.Idle) * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("rpc server error", "error", err)
		}
	}()
	s.logger.Info("rpc server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the hub and drains in-flight requests.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down rpc server: %w", err)
	}
	return nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoveryMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/hub", s.hub.serveWS)
	r.Get("/rpc", s.handleListMethods)
	r.Post("/rpc/{method}", s.handleRPC)
	return r
}

func (s *Server) invoke(ctx context.Context, name string, params json.RawMessage) (any, error) {
	m, ok := s.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownMethod, name)
	}
	return m(ctx, params)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "method")

	params, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeRPCError(w, fmt.Errorf("%w: reading body: %w", errBadParams, err))
		return
	}

	result, err := s.invoke(r.Context(), name, params)
	if err != nil {
		s.logger.Debug("rpc call failed", "method", name, "error", err)
		writeRPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Result: result})
}

func (s *Server) handleListMethods(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Result: Methods()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.device.GetStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        s.serviceID,
		"version":        s.version,
		"sdkInitialized": s.device.IsSdkInitialized(),
		"workingStatus":  status.WorkingStatus,
		"hubClients":     s.hub.ClientCount(),
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered in rpc handler", "error", err, "path", r.URL.Path)
				writeJSON(w, http.StatusInternalServerError, Response{Error: &Error{Code: CodeInternal, Message: "internal error"}})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeRPCError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, Response{Error: &Error{Code: code, Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // Best-effort write; the connection may be gone
	json.NewEncoder(w).Encode(v)
}
