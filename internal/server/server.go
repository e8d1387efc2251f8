package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kensa/internal/auth"
	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/ratelimit"
	"github.com/ashita-ai/kensa/internal/service/feedback"
	"github.com/ashita-ai/kensa/internal/service/memory"
	"github.com/ashita-ai/kensa/internal/service/orchestrator"
	"github.com/ashita-ai/kensa/internal/service/runs"
	"github.com/ashita-ai/kensa/internal/service/workflow"
)

// Server is the Kensa HTTP server.
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
// Optional fields (nil-safe): Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Store        ProviderStore
	JWTMgr       *auth.JWTManager
	Runs         *runs.Tracker
	Memories     *memory.Store
	Feedback     *feedback.Ledger
	Workflows    *workflow.Executor
	Orchestrator *orchestrator.Orchestrator
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// AdminKeyHash is the Argon2id hash of the admin API key.
	AdminKeyHash string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		Runs:                cfg.Runs,
		Memories:            cfg.Memories,
		Feedback:            cfg.Feedback,
		Workflows:           cfg.Workflows,
		Orchestrator:        cfg.Orchestrator,
		AdminKeyHash:        cfg.AdminKeyHash,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestID(r.Context())
	}
	subjectRL := ratelimit.Middleware(cfg.Limiter, subjectKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	agent := func(hf http.HandlerFunc) http.Handler {
		return subjectRL(requireRole(auth.RoleAgent)(hf))
	}
	admin := func(hf http.HandlerFunc) http.Handler {
		return requireRole(auth.RoleAdmin)(hf)
	}

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Run tracking.
	mux.Handle("POST /v1/runs", agent(h.HandleCreateRun))
	mux.Handle("POST /v1/runs/{run_id}/complete", agent(h.HandleCompleteRun))
	mux.Handle("GET /v1/runs/{run_id}", agent(h.HandleGetRun))

	// Multi-agent orchestration and feedback.
	mux.Handle("POST /v1/agents/provider-lookup", agent(h.HandleProviderLookup))
	mux.Handle("POST /v1/feedback", agent(h.HandleFeedback))

	// Memory.
	mux.Handle("POST /v1/memories", agent(h.HandleStoreMemory))
	mux.Handle("POST /v1/memories/search", agent(h.HandleSearchMemories))
	mux.Handle("GET /v1/memories/recent", agent(h.HandleRecentMemories))
	mux.Handle("GET /v1/memories/important", agent(h.HandleImportantMemories))
	mux.Handle("GET /v1/memories/{memory_id}/content", agent(h.HandleMemoryContent))
	mux.Handle("POST /v1/memories/prune", admin(h.HandlePruneMemories))

	// Workflows and the providers they persist.
	mux.Handle("POST /v1/workflows", agent(h.HandleStartWorkflow))
	mux.Handle("GET /v1/workflows/{execution_id}", agent(h.HandleWorkflowStatus))
	mux.Handle("GET /v1/workflows/{execution_id}/evidence", agent(h.HandleWorkflowEvidence))
	mux.Handle("GET /v1/providers/{npi}", agent(h.HandleGetProvider))

	// MCP StreamableHTTP transport (auth required, agent+).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", subjectRL(requireRole(auth.RoleAgent)(mcpserver.NewStreamableHTTPServer(cfg.MCPServer))))
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// subjectKeyFunc keys rate limits on the token subject. Admin tokens are
// exempt.
func subjectKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil || claims.Role == auth.RoleAdmin {
		return ""
	}
	return "sub:" + claims.Subject
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
