package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hibiki/internal/hub"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/ratelimit"
	"github.com/ashita-ai/hibiki/internal/service/artifacts"
	"github.com/ashita-ai/hibiki/internal/service/ingest"
	"github.com/ashita-ai/hibiki/internal/service/sessions"
	"github.com/ashita-ai/hibiki/internal/storage"
	"github.com/ashita-ai/hibiki/internal/stream"
)

// Server is the Hibiki HTTP server.
type Server struct {
	httpServer   *http.Server
	handler      http.Handler
	logger       *slog.Logger
	closeStreams context.CancelCauseFunc
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, OpenAPISpec, ExtraRoutes, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Store     storage.Store
	Sessions  *sessions.Service
	Gateway   *ingest.Gateway
	Artifacts *artifacts.Registrar
	Hub       *hub.Hub
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter     ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer
	OpenAPISpec []byte

	// ExtraRoutes are called after the built-in routes are registered.
	ExtraRoutes []func(*http.ServeMux)
	// Middlewares wrap the whole handler; the first is outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	HeartbeatInterval   time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	closing, closeStreams := context.WithCancelCause(context.Background())
	h := NewHandlers(HandlersDeps{
		Closing:             closing,
		Store:               cfg.Store,
		Sessions:            cfg.Sessions,
		Gateway:             cfg.Gateway,
		Artifacts:           cfg.Artifacts,
		Hub:                 cfg.Hub,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	reject := func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "rate limit exceeded")
	}
	// Runtime pushes are limited per session so one chatty agent cannot
	// starve the others; viewer writes are limited per client address.
	runtimeRL := ratelimit.Middleware(limiter, ratelimit.PathValueKeyFunc("session", "session_id"), reject, cfg.Logger)
	viewerRL := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, reject, cfg.Logger)

	mux := http.NewServeMux()

	// Viewer API.
	mux.Handle("POST /v1/sessions", viewerRL(http.HandlerFunc(h.HandleCreateSession)))
	mux.HandleFunc("GET /v1/sessions/{session_id}", h.HandleGetSession)
	mux.Handle("POST /v1/sessions/{session_id}/messages", viewerRL(http.HandlerFunc(h.HandlePostMessage)))
	mux.Handle("POST /v1/sessions/{session_id}/cancel", viewerRL(http.HandlerFunc(h.HandleCancelSession)))
	mux.HandleFunc("GET /v1/sessions/{session_id}/transcript", h.HandleTranscript)
	mux.HandleFunc("GET /v1/sessions/{session_id}/late-arrivals", h.HandleLateArrivals)

	// Streams (no rate limit, long-lived connections).
	mux.HandleFunc("GET /v1/sessions/{session_id}/stream", h.HandleStreamSSE)
	mux.HandleFunc("GET /v1/sessions/{session_id}/ws", h.HandleStreamWS)

	// Agent runtime API.
	mux.Handle("POST /v1/runtime/sessions/{session_id}/start", runtimeRL(http.HandlerFunc(h.HandleStartSession)))
	mux.Handle("POST /v1/runtime/sessions/{session_id}/events", runtimeRL(http.HandlerFunc(h.HandlePushEvent)))
	mux.Handle("POST /v1/runtime/sessions/{session_id}/artifacts", runtimeRL(http.HandlerFunc(h.HandlePushArtifact)))
	mux.Handle("POST /v1/runtime/sessions/{session_id}/messages", runtimeRL(http.HandlerFunc(h.HandlePushMessage)))
	mux.Handle("POST /v1/runtime/sessions/{session_id}/complete", runtimeRL(http.HandlerFunc(h.HandleCompleteSession)))

	// MCP StreamableHTTP transport for runtimes that speak MCP.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health and API description (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:      handler,
		logger:       cfg.Logger,
		closeStreams: closeStreams,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server. Open SSE and WebSocket
// streams are told to reconnect and closed first, so they neither hold
// Shutdown until its deadline nor outlive the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	s.closeStreams(stream.ErrShutdown)
	return s.httpServer.Shutdown(ctx)
}
