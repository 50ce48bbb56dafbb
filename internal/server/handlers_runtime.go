package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/hibiki/internal/model"
)

// HandleStartSession handles POST /v1/runtime/sessions/{session_id}/start.
func (h *Handlers) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDOrError(w, r)
	if !ok {
		return
	}
	var req model.StartSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	sess, err := h.sessions.Start(r.Context(), id, req.Preferences)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to start session", err)
		return
	}
	writeJSON(w, r, http.StatusOK, sess)
}

// HandlePushEvent handles POST /v1/runtime/sessions/{session_id}/events.
// A replayed agent_event_id returns 200 with duplicate=true; a new event
// returns 201.
func (h *Handlers) HandlePushEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDOrError(w, r)
	if !ok {
		return
	}
	var in model.EventInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	in.SessionID = id
	res, err := h.gateway.IngestEvent(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to ingest event", err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, r, status, res)
}

// HandlePushMessage handles POST /v1/runtime/sessions/{session_id}/messages.
func (h *Handlers) HandlePushMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDOrError(w, r)
	if !ok {
		return
	}
	var in model.MessageInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	in.SessionID = id
	res, err := h.gateway.IngestMessage(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to ingest message", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, res)
}

// HandlePushArtifact handles POST /v1/runtime/sessions/{session_id}/artifacts.
// A transient storage failure queues the registration and returns 202.
func (h *Handlers) HandlePushArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDOrError(w, r)
	if !ok {
		return
	}
	var in model.ArtifactInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	in.SessionID = id
	art, err := h.artifacts.Register(r.Context(), in)
	if errors.Is(err, model.ErrStorageDeferred) {
		writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "deferred"})
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to register artifact", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, art)
}

// HandleCompleteSession handles POST /v1/runtime/sessions/{session_id}/complete.
func (h *Handlers) HandleCompleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDOrError(w, r)
	if !ok {
		return
	}
	var req model.CompleteSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	sess, err := h.sessions.Complete(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to complete session", err)
		return
	}
	writeJSON(w, r, http.StatusOK, sess)
}
