package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/hub"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/service/artifacts"
	"github.com/ashita-ai/hibiki/internal/service/ingest"
	"github.com/ashita-ai/hibiki/internal/service/sessions"
	"github.com/ashita-ai/hibiki/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	sessions            *sessions.Service
	gateway             *ingest.Gateway
	artifacts           *artifacts.Registrar
	hub                 *hub.Hub
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	heartbeat           time.Duration
	openapiSpec         []byte
	closing             context.Context
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               storage.Store
	Sessions            *sessions.Service
	Gateway             *ingest.Gateway
	Artifacts           *artifacts.Registrar
	Hub                 *hub.Hub
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	HeartbeatInterval   time.Duration
	OpenAPISpec         []byte
	// Closing is cancelled when the server begins shutting down; open
	// streams end with a reconnect notice. Nil means never.
	Closing context.Context
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	heartbeat := d.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	closing := d.Closing
	if closing == nil {
		closing = context.Background()
	}
	return &Handlers{
		store:               d.Store,
		sessions:            d.Sessions,
		gateway:             d.Gateway,
		artifacts:           d.Artifacts,
		hub:                 d.Hub,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		heartbeat:           heartbeat,
		openapiSpec:         d.OpenAPISpec,
		closing:             closing,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:      status,
		Version:     h.version,
		Storage:     storageStatus,
		Topics:      h.hub.Topics(),
		Subscribers: h.hub.Subscribers(),
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	}
	if h.artifacts != nil {
		resp.RetryQueue = h.artifacts.Pending()
		if resp.RetryQueue > 0 && status == "healthy" {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Shared helpers ---

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("session_id")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session_id: %s", raw)
	}
	return id, nil
}

// sessionIDOrError parses the session id, writing a 400 on failure.
func sessionIDOrError(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func queryInt64(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: expected a non-negative integer", key)
	}
	return n, nil
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, storage.MaxItemsPage].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := defaultVal
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		return 1
	}
	if limit > storage.MaxItemsPage {
		return storage.MaxItemsPage
	}
	return limit
}
