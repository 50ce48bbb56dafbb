package hibiki

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: serverURL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty BaseURL")
	}
}

func TestCreateSession(t *testing.T) {
	id := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/sessions": func(w http.ResponseWriter, r *http.Request) {
			var req CreateSessionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode: %v", err)
			}
			if req.Owner != "viewer-1" {
				t.Errorf("owner = %q", req.Owner)
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": Session{ID: id, Owner: req.Owner, Status: StatusPending},
			})
		},
	})

	s, err := newTestClient(t, srv.URL).CreateSession(context.Background(), CreateSessionRequest{Owner: "viewer-1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.ID != id || s.Status != StatusPending {
		t.Fatalf("unexpected session: %+v", s)
	}
}

func TestRuntimePushes(t *testing.T) {
	id := uuid.New()
	eventID := uuid.New()
	var pushes atomic.Int32

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/runtime/sessions/{id}/events": func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("id") != id.String() {
				t.Errorf("path id = %s", r.PathValue("id"))
			}
			var req EventRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			n := pushes.Add(1)
			status := http.StatusCreated
			if n > 1 {
				status = http.StatusOK
			}
			writeJSON(w, status, map[string]any{
				"data": IngestResult{ID: eventID, Sequence: 1, Duplicate: n > 1},
			})
		},
		"POST /v1/runtime/sessions/{id}/artifacts": func(w http.ResponseWriter, r *http.Request) {
			var req ArtifactRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.StorageRef == "s3://later" {
				writeJSON(w, http.StatusAccepted, map[string]any{"data": map[string]string{"status": "deferred"}})
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": Artifact{ID: uuid.New(), EventID: eventID, StorageRef: req.StorageRef, Sequence: 2},
			})
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	ev := EventRequest{AgentEventID: "e1", Phase: PhaseThinking}
	first, err := c.PushEvent(ctx, id, ev)
	if err != nil {
		t.Fatalf("PushEvent: %v", err)
	}
	if first.Duplicate || first.Sequence != 1 {
		t.Fatalf("unexpected first result: %+v", first)
	}
	second, err := c.PushEvent(ctx, id, ev)
	if err != nil {
		t.Fatalf("PushEvent retry: %v", err)
	}
	if !second.Duplicate || second.ID != first.ID {
		t.Fatalf("retry should report duplicate of %s: %+v", first.ID, second)
	}

	art, err := c.PushArtifact(ctx, id, ArtifactRequest{AgentEventID: "e1", StorageRef: "s3://a", ContentType: "image/png"})
	if err != nil {
		t.Fatalf("PushArtifact: %v", err)
	}
	if art == nil || art.EventID != eventID || art.Sequence != 2 {
		t.Fatalf("unexpected artifact: %+v", art)
	}

	deferred, err := c.PushArtifact(ctx, id, ArtifactRequest{AgentEventID: "e1", StorageRef: "s3://later", ContentType: "image/png"})
	if err != nil {
		t.Fatalf("PushArtifact deferred: %v", err)
	}
	if deferred != nil {
		t.Fatalf("expected nil artifact for deferred registration, got %+v", deferred)
	}
}

func TestErrorHelpers(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/{id}": func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		},
		"POST /v1/runtime/sessions/{id}/messages": func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusConflict, "SESSION_CLOSED", "session is closed")
		},
		"POST /v1/sessions/{id}/messages": func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusTooManyRequests, "RATE_LIMITED", "slow down")
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()
	id := uuid.New()

	_, err := c.GetSession(ctx, id)
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	_, err = c.PushMessage(ctx, id, "assistant", "late")
	if !IsSessionClosed(err) || !IsConflict(err) {
		t.Fatalf("expected session closed conflict, got %v", err)
	}

	_, err = c.PostMessage(ctx, id, "hi")
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	var apiErr *Error
	if e, ok := err.(*Error); ok {
		apiErr = e
	}
	if apiErr == nil || apiErr.Message != "slow down" {
		t.Fatalf("expected *Error with server message, got %#v", err)
	}
}

func TestTranscriptQueryParams(t *testing.T) {
	id := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/{id}/transcript": func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("after"); got != "5" {
				t.Errorf("after = %q", got)
			}
			if got := r.URL.Query().Get("limit"); got != "2" {
				t.Errorf("limit = %q", got)
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": TranscriptPage{
				Items:     []Item{{Kind: KindEvent, SessionID: id, Sequence: 6}, {Kind: KindMessage, SessionID: id, Sequence: 7}},
				HasMore:   true,
				NextAfter: 7,
			}})
		},
	})

	page, err := newTestClient(t, srv.URL).Transcript(context.Background(), id, 5, 2)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(page.Items) != 2 || !page.HasMore || page.NextAfter != 7 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func writeSSE(w http.ResponseWriter, event string, id int64, v any) {
	data, _ := json.Marshal(v)
	if id > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", id)
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.(http.Flusher).Flush()
}

func TestFollowResumesAfterReconnect(t *testing.T) {
	id := uuid.New()
	var calls atomic.Int32

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/{id}/stream": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			switch calls.Add(1) {
			case 1:
				if got := r.Header.Get("Last-Event-ID"); got != "" {
					t.Errorf("first connect sent Last-Event-ID %q", got)
				}
				writeSSE(w, KindEvent, 1, Item{Kind: KindEvent, SessionID: id, Sequence: 1})
				writeSSE(w, KindMessage, 2, Item{Kind: KindMessage, SessionID: id, Sequence: 2})
				writeSSE(w, "reconnect", 0, map[string]int64{"last_sequence": 2})
			default:
				if got := r.Header.Get("Last-Event-ID"); got != "2" {
					t.Errorf("resume Last-Event-ID = %q, want 2", got)
				}
				_, _ = fmt.Fprint(w, ":keepalive\n\n")
				writeSSE(w, KindArtifact, 3, Item{Kind: KindArtifact, SessionID: id, Sequence: 3})
				writeSSE(w, KindTerminal, 0, Item{Kind: KindTerminal, SessionID: id, Status: StatusCompleted})
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seqs []int64
	var terminal Item
	err := newTestClient(t, srv.URL).Follow(ctx, id, 0, func(it Item) error {
		if it.Kind == KindTerminal {
			terminal = it
			return nil
		}
		seqs = append(seqs, it.Sequence)
		return nil
	})
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Fatalf("sequences = %v, want [1 2 3]", seqs)
	}
	if terminal.Status != StatusCompleted {
		t.Fatalf("terminal status = %q", terminal.Status)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 connections, got %d", calls.Load())
	}
}

func TestFollowStopsOnCallbackError(t *testing.T) {
	id := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/{id}/stream": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			writeSSE(w, KindEvent, 1, Item{Kind: KindEvent, SessionID: id, Sequence: 1})
		},
	})

	stop := fmt.Errorf("stop")
	err := newTestClient(t, srv.URL).Follow(context.Background(), id, 0, func(Item) error { return stop })
	if err != stop {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestFollowUnknownSession(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/{id}/stream": func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		},
	})
	err := newTestClient(t, srv.URL).Follow(context.Background(), uuid.New(), 0, func(Item) error { return nil })
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
