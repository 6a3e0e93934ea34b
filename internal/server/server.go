package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tsunagi/internal/auth"
	"github.com/ashita-ai/tsunagi/internal/composio"
	"github.com/ashita-ai/tsunagi/internal/ctxutil"
	"github.com/ashita-ai/tsunagi/internal/orchestrator"
	"github.com/ashita-ai/tsunagi/internal/ratelimit"
	"github.com/ashita-ai/tsunagi/internal/service/ingest"
)

// Server is the tsunagi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Ingest, Toolkits, Index, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Store        Store
	Orchestrator *orchestrator.Orchestrator
	JWTMgr       *auth.JWTManager
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Ingest    *ingest.Service
	Toolkits  composio.AccountReader
	Index     HealthChecker
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	AuthDisabled bool
	StorageName  string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	TurnTimeout         time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		StorageName:         cfg.StorageName,
		Orchestrator:        cfg.Orchestrator,
		Ingest:              cfg.Ingest,
		Toolkits:            cfg.Toolkits,
		Index:               cfg.Index,
		Logger:              logger,
		Version:             cfg.Version,
		TurnTimeout:         cfg.TurnTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}
	chatRL := ratelimit.Middleware(cfg.Limiter, ratelimit.ProjectKey, reqIDFunc, logger)

	project := func(f http.HandlerFunc) http.Handler { return requireProject(f) }

	mux := http.NewServeMux()

	mux.Handle("POST /v1/projects/{project_id}/chat", chatRL(project(h.HandleChat)))

	mux.Handle("POST /v1/projects/{project_id}/sources", project(h.HandleCreateSource))
	mux.Handle("PATCH /v1/projects/{project_id}/sources/{source_id}", project(h.HandleUpdateSource))
	mux.Handle("POST /v1/projects/{project_id}/sources/{source_id}/documents", project(h.HandleAddDocument))

	mux.Handle("POST /v1/projects/{project_id}/toolkits/{toolkit}/account", project(h.HandleUpsertAccount))
	mux.Handle("POST /v1/projects/{project_id}/toolkits/{toolkit}/sync", project(h.HandleSyncAccount))

	// Knowledge search over MCP, scoped to the caller's project.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.AuthDisabled, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
