// Package api provides the HTTP server that fronts the flow runtime.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/tcmartin/flowlauncher/pkg/config"
	"github.com/tcmartin/flowlauncher/pkg/logging"
	"github.com/tcmartin/flowlauncher/pkg/middleware"
	"github.com/tcmartin/flowlauncher/pkg/runtime"
	"github.com/tcmartin/flowlauncher/pkg/settings"
)

// HealthPath is served by the launcher itself, ahead of the runtime's routes
const HealthPath = "/_launcher/health"

// StatusFunc reports the launcher's lifecycle state for the health endpoint
type StatusFunc func() string

// Server represents the HTTP server
type Server struct {
	config   *config.Config
	settings *settings.Settings
	runtime  runtime.Runtime
	logger   logging.Logger
	status   StatusFunc
	router   *mux.Router
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// Option customizes a Server
type Option func(*Server)

// WithLogger sets the server's logger
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStatus sets the state reporter used by the health endpoint
func WithStatus(fn StatusFunc) Option {
	return func(s *Server) {
		s.status = fn
	}
}

// NewServer creates the HTTP server and mounts the runtime's handler groups
func NewServer(cfg *config.Config, s *settings.Settings, rt runtime.Runtime, opts ...Option) *Server {
	srv := &Server{
		config:   cfg,
		settings: s,
		runtime:  rt,
		logger:   logging.Nop(),
		router:   mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.setupRoutes()
	srv.server = &http.Server{
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// HTTPServer returns the underlying server, handed to Runtime.Init
func (s *Server) HTTPServer() *http.Server {
	return s.server
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes mounts the node group before the admin group so the more
// specific root wins when the admin root is "/".
func (s *Server) setupRoutes() {
	s.router.HandleFunc(HealthPath, s.handleHealth).Methods(http.MethodGet)

	node := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.runtime.NodeHandler().ServeHTTP(w, r)
	})
	s.router.MatcherFunc(underRoot(s.settings.HTTPNodeRoot)).
		Handler(middleware.CORS(s.settings.NodeCORS())(node))

	admin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.runtime.AdminHandler().ServeHTTP(w, r)
	})
	s.router.MatcherFunc(underRoot(s.settings.HTTPAdminRoot)).
		Handler(middleware.CORS(s.settings.AdminCORS())(admin))

	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.AuthBypass)
}

// underRoot matches root itself and everything below it, but not siblings
// sharing a prefix ("/api" matches "/api/x", not "/apix").
func underRoot(root string) mux.MatcherFunc {
	root = strings.TrimSuffix(root, "/")
	return func(r *http.Request, _ *mux.RouteMatch) bool {
		if root == "" {
			return true
		}
		p := r.URL.Path
		return p == root || strings.HasPrefix(p, root+"/")
	}
}

// handleHealth handles the launcher health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := "unknown"
	if s.status != nil {
		state = s.status()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"state":  state,
		"time":   time.Now().Format(time.RFC3339),
	})
}

// Listen binds the configured address. Bind failures surface here, before
// the runtime is started.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil, errors.New("server is already listening")
	}

	addr := s.config.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.logger.Info("HTTP server listening", logging.F("addr", ln.Addr().String()))
	return ln.Addr(), nil
}

// Serve serves on the bound listener until Stop is called
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln == nil {
		return errors.New("Listen must be called before Serve")
	}

	var err error
	if s.config.Server.TLS.Enabled {
		err = s.server.ServeTLS(ln, s.config.Server.TLS.CertFile, s.config.Server.TLS.KeyFile)
	} else {
		err = s.server.Serve(ln)
	}

	// If the server was shut down gracefully, this error is expected
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// URL returns the address a browser should open for the editor
func (s *Server) URL() string {
	scheme := "http"
	if s.config.Server.TLS.Enabled {
		scheme = "https"
	}

	host := s.config.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}

	port := s.config.Server.Port
	s.mu.Lock()
	if s.listener != nil {
		if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
	}
	s.mu.Unlock()

	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, strconv.Itoa(port)), s.settings.HTTPAdminRoot)
}
