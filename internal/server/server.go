// Package server hosts the HTTP API over an object-storage adapter.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusaccess/internal/apperrors"
	"github.com/3leaps/nimbusaccess/internal/server/handlers"
	"github.com/3leaps/nimbusaccess/internal/server/middleware"
)

// Timeouts bound the HTTP server.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// DefaultTimeouts matches the configuration defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Read:     30 * time.Second,
		Write:    30 * time.Second,
		Idle:     120 * time.Second,
		Shutdown: 10 * time.Second,
	}
}

// Server is the HTTP API server.
type Server struct {
	host     string
	port     int
	router   chi.Router
	logger   *zap.Logger
	timeouts Timeouts

	health      *handlers.HealthManager
	version     handlers.VersionInfo
	objects     *handlers.Objects
	adminToken  string
	httpServer  *http.Server
	boundAddr   net.Addr
	listenReady chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and lifecycle logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHealthManager serves health probes from m.
func WithHealthManager(m *handlers.HealthManager) Option {
	return func(s *Server) {
		if m != nil {
			s.health = m
		}
	}
}

// WithVersionInfo sets the /version payload.
func WithVersionInfo(info handlers.VersionInfo) Option {
	return func(s *Server) {
		s.version = info
	}
}

// WithObjects mounts the object API.
func WithObjects(h *handlers.Objects) Option {
	return func(s *Server) {
		s.objects = h
	}
}

// WithAdminToken enables the admin endpoints behind bearer authentication.
func WithAdminToken(token string) Option {
	return func(s *Server) {
		s.adminToken = token
	}
}

// WithTimeouts sets the HTTP server timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) {
		s.timeouts = t
	}
}

// New creates a server listening on host:port. Port 0 picks a free port.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:        host,
		port:        port,
		logger:      zap.NewNop(),
		timeouts:    DefaultTimeouts(),
		version:     handlers.VersionInfo{Version: "dev"},
		listenReady: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = handlers.NewHealthManager(s.version.Version)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, http.StatusNotFound, apperrors.ErrorBody{
			Code:      apperrors.CodeNotFound,
			Message:   "no route for " + r.Method + " " + r.URL.Path,
			RequestID: apperrors.RequestID(w, r),
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, http.StatusMethodNotAllowed, apperrors.ErrorBody{
			Code:      apperrors.CodeMethodNotAllowed,
			Message:   r.Method + " is not allowed on " + r.URL.Path,
			RequestID: apperrors.RequestID(w, r),
		})
	})

	r.Get("/health", s.health.HealthHandler)
	r.Get("/health/live", s.health.LivenessHandler)
	r.Get("/health/ready", s.health.ReadinessHandler)
	r.Get("/health/startup", s.health.StartupHandler)
	r.Get("/version", handlers.VersionHandler(s.version))

	if s.objects != nil {
		s.objects.Routes(r)
		if s.adminToken != "" {
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireBearer(s.adminToken))
				s.objects.AdminRoutes(r)
			})
		}
	}
	return r
}

// Handler returns the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the bound address once Start is listening, or nil.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.listenReady:
		return s.boundAddr
	default:
		return nil
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.listenReady
}

// Start listens and serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
		ErrorLog:     zap.NewStdLog(s.logger),
	}
	s.boundAddr = ln.Addr()
	close(s.listenReady)

	s.logger.Info("Server listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests, up
// to the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.listenReady:
	default:
		return nil
	}
	if s.timeouts.Shutdown > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeouts.Shutdown)
		defer cancel()
	}
	s.logger.Info("Server shutting down")
	return s.httpServer.Shutdown(ctx)
}
