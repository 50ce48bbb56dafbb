package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type failing struct{}

func (failing) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }
func (failing) Close() error                                { return nil }

func reject(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTooManyRequests) }

func ok(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestMiddlewareKeysBySessionPath(t *testing.T) {
	m, _ := newLimiter(t, 1, 1)
	mux := http.NewServeMux()
	mw := Middleware(m, PathValueKeyFunc("session", "session_id"), reject, slog.New(slog.DiscardHandler))
	mux.Handle("POST /sessions/{session_id}/events", mw(http.HandlerFunc(ok)))

	do := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		return rec
	}
	assert.Equal(t, http.StatusOK, do("/sessions/a/events").Code)
	limited := do("/sessions/a/events")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, do("/sessions/b/events").Code)
}

func TestMiddlewareKeysByIP(t *testing.T) {
	m, _ := newLimiter(t, 1, 1)
	h := Middleware(m, IPKeyFunc, reject, slog.New(slog.DiscardHandler))(http.HandlerFunc(ok))

	for i, tc := range []struct {
		addr string
		want int
	}{
		{"10.0.0.1:1000", http.StatusOK},
		{"10.0.0.1:2000", http.StatusTooManyRequests},
		{"10.0.0.2:1000", http.StatusOK},
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = tc.addr
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "request %d", i)
	}
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := Middleware(failing{}, IPKeyFunc, reject, slog.New(slog.DiscardHandler))(http.HandlerFunc(ok))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
