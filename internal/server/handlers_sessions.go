package server

import (
	"net/http"

	"github.com/ashita-ai/hibiki/internal/model"
)

// HandleCreateSession handles POST /v1/sessions.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	sess, err := h.sessions.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to create session", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, sess)
}

// HandleGetSession handles GET /v1/sessions/{session_id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDOrError(w, r)
	if !ok {
		return
	}
	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to get session", err)
		return
	}
	writeJSON(w, r, http.StatusOK, sess)
}

// HandlePostMessage handles POST /v1/sessions/{session_id}/messages.
// The viewer's message is persisted as a user message and forwarded to the
// agent runtime in the background.
func (h *Handlers) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDOrError(w, r)
	if !ok {
		return
	}
	var req model.PostMessageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	res, err := h.gateway.IngestMessage(r.Context(), model.MessageInput{
		SessionID: id,
		Role:      model.RoleUser,
		Content:   req.Content,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to post message", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, res)
}

// HandleCancelSession handles POST /v1/sessions/{session_id}/cancel.
func (h *Handlers) HandleCancelSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDOrError(w, r)
	if !ok {
		return
	}
	sess, err := h.sessions.Cancel(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to cancel session", err)
		return
	}
	writeJSON(w, r, http.StatusOK, sess)
}

// HandleTranscript handles GET /v1/sessions/{session_id}/transcript.
// Query params: after (sequence cursor, default 0), limit.
func (h *Handlers) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDOrError(w, r)
	if !ok {
		return
	}
	after, err := queryInt64(r, "after")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	page, err := h.sessions.Transcript(r.Context(), id, after, queryLimit(r, 200))
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to read transcript", err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

// HandleLateArrivals handles GET /v1/sessions/{session_id}/late-arrivals.
func (h *Handlers) HandleLateArrivals(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDOrError(w, r)
	if !ok {
		return
	}
	late, err := h.sessions.LateArrivals(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list late arrivals", err)
		return
	}
	if late == nil {
		late = []model.LateArrival{}
	}
	writeJSON(w, r, http.StatusOK, late)
}
