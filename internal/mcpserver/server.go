package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ca-srg/mcpedge/internal/config"
	"github.com/ca-srg/mcpedge/internal/session"
)

// Version is reported in the initialize result and the health check.
var Version = "dev"

// Server is one mcpedge node: HTTP listener, middleware chain, session
// router and tool dispatcher.
type Server struct {
	cfg        *config.Config
	logger     *log.Logger
	tools      *ToolRegistry
	dispatcher *Dispatcher
	router     *Router
	handler    http.Handler

	mutex      sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	isRunning  bool
}

// NewServer wires a node from cfg. locator may be nil for a single node.
func NewServer(cfg *config.Config, locator session.Locator, logger *log.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[MCP Server] ", log.LstdFlags)
	}

	s := &Server{cfg: cfg, logger: logger}
	s.tools = NewToolRegistry(log.New(logger.Writer(), "[ToolRegistry] ", logger.Flags()))
	s.dispatcher = NewDispatcher(DispatcherOptions{
		ServerInfo: mcp.Implementation{Name: cfg.ServerName, Version: Version},
		Tools:      s.tools,
		Logger:     log.New(logger.Writer(), "[Dispatcher] ", logger.Flags()),
	})

	nodeURL := cfg.AdvertiseURL
	if nodeURL == "" {
		nodeURL = "http://" + cfg.Address()
	}
	s.router = NewRouter(RouterOptions{
		NodeURL:           nodeURL,
		Locator:           locator,
		Handler:           s.dispatcher,
		Stateless:         cfg.Stateless,
		JSONResponse:      cfg.JSONResponse,
		HeartbeatInterval: cfg.HeartbeatInterval,
		BufferSize:        cfg.StreamBufferSize,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		Logger:            log.New(logger.Writer(), "[Router] ", logger.Flags()),
	})

	handler, err := s.buildHandler()
	if err != nil {
		return nil, err
	}
	s.handler = handler
	return s, nil
}

func (s *Server) buildHandler() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(accessLog(s.logger, s.cfg.TrustForwardedHeaders, s.cfg.EnableAccessLogging))
	r.Get("/health", s.handleHealthCheck)

	var middlewares []func(http.Handler) http.Handler
	if s.cfg.IPAuthEnabled {
		ipAuth, err := NewIPAuthMiddleware(s.cfg.AllowedIPs, s.cfg.TrustForwardedHeaders,
			log.New(s.logger.Writer(), "[IPAuth] ", s.logger.Flags()))
		if err != nil {
			return nil, fmt.Errorf("failed to create IP authentication middleware: %w", err)
		}
		middlewares = append(middlewares, ipAuth.Middleware)
		s.logger.Printf("IP authentication enabled for IPs: %v", s.cfg.AllowedIPs)
	}
	if s.cfg.RateLimit > 0 {
		limiter := NewRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst, s.cfg.TrustForwardedHeaders,
			log.New(s.logger.Writer(), "[RateLimit] ", s.logger.Flags()))
		middlewares = append(middlewares, limiter.Middleware)
		s.logger.Printf("Rate limiting enabled: %.2f req/s, burst %d", s.cfg.RateLimit, s.cfg.RateBurst)
	}
	if s.cfg.TrustUpstreamIdentity {
		identity := NewIdentityMiddleware(log.New(s.logger.Writer(), "[Identity] ", s.logger.Flags()))
		middlewares = append(middlewares, identity.Middleware)
	}

	r.Group(func(r chi.Router) {
		r.Use(middlewares...)
		r.Handle(routeStreamable, http.HandlerFunc(s.router.ServeStreamable))
		if s.cfg.SSEEnabled {
			r.Get(routeSSE, s.router.ServeSSE)
			r.Post(routeMessages, s.router.ServeSSEMessage)
		}
	})
	return r, nil
}

// Tools returns the registry tools are registered on.
func (s *Server) Tools() *ToolRegistry {
	return s.tools
}

// Router returns the session router.
func (s *Server) Router() *Router {
	return s.router
}

// Handler returns the complete HTTP handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until Stop. It returns
// nil after a clean shutdown.
func (s *Server) Start() error {
	s.mutex.Lock()
	if s.isRunning {
		s.mutex.Unlock()
		return fmt.Errorf("server is already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		s.mutex.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address(), err)
	}
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ServerReadTimeout,
		ReadTimeout:       s.cfg.ServerReadTimeout,
		IdleTimeout:       s.cfg.ServerIdleTimeout,
	}
	s.listener = listener
	s.isRunning = true
	server := s.httpServer
	s.mutex.Unlock()

	s.logger.Printf("Starting MCP server on %s", listener.Addr())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes every session, then drains the HTTP server within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mutex.Lock()
	if !s.isRunning {
		s.mutex.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.isRunning = false
	server := s.httpServer
	s.mutex.Unlock()

	s.logger.Printf("Stopping MCP server...")

	// Open streams never go idle, so end them before the graceful shutdown.
	s.router.CloseAll()
	s.dispatcher.Close()

	if err := server.Shutdown(ctx); err != nil {
		s.logger.Printf("Graceful shutdown failed: %v, forcing immediate shutdown", err)
		if closeErr := server.Close(); closeErr != nil {
			return errors.Join(err, closeErr)
		}
		return err
	}

	s.logger.Printf("MCP server stopped successfully")
	return nil
}

// IsRunning reports whether Start is serving.
func (s *Server) IsRunning() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.isRunning
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	streamable, sse := s.router.Sessions()
	status := map[string]any{
		"status":  "healthy",
		"version": Version,
		"node":    s.router.opts.NodeURL,
		"sessions": map[string]int{
			transportStreamable: streamable,
			transportSSE:        sse,
		},
		"tools":     len(s.tools.List()),
		"in_flight": s.dispatcher.InFlight(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Printf("Failed to write response: %v", err)
	}
}
