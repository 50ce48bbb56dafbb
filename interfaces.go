package hibiki

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Forwarder delivers a viewer's message to the agent runtime.
// When provided via WithForwarder, replaces the HTTP client configured by
// HIBIKI_RUNTIME_URL. A returned error is surfaced to viewers as a
// "message not delivered" event in the transcript.
type Forwarder interface {
	ForwardUserMessage(ctx context.Context, sessionID, messageID uuid.UUID, content string) error
}

// ItemHook receives every item after it is committed and broadcast.
// Multiple hooks may be registered via multiple WithItemHook calls.
// Hook methods run in goroutines and must not block indefinitely.
// Failures are logged but do not affect ingestion.
type ItemHook interface {
	OnItem(ctx context.Context, item Item) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the mux and the OTEL instrumentation with built-in routes.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
