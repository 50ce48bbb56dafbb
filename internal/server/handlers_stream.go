package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ashita-ai/hibiki/internal/hub"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/stream"
)

// wsWriteTimeout bounds a single WebSocket frame write.
const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamCursor returns the sequence to resume after. Last-Event-ID (sent by
// EventSource on reconnect) wins over the from query parameter.
func streamCursor(r *http.Request) (int64, error) {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid Last-Event-ID: %s", v)
		}
		return n, nil
	}
	return queryInt64(r, "from")
}

// openStream parses the request and subscribes. On failure the error
// response has been written and ok is false.
func (h *Handlers) openStream(w http.ResponseWriter, r *http.Request) (*stream.Stream, uuid.UUID, bool) {
	id, ok := sessionIDOrError(w, r)
	if !ok {
		return nil, uuid.Nil, false
	}
	from, err := streamCursor(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return nil, uuid.Nil, false
	}
	st, err := stream.Open(r.Context(), h.hub, id, from, h.heartbeat, h.logger)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to open stream", err)
		return nil, uuid.Nil, false
	}
	return st, id, true
}

// streamContext is the request context, additionally cancelled with
// stream.ErrShutdown when the server starts shutting down. http.Server does
// not cancel request contexts on Shutdown, and hijacked WebSocket
// connections are not tracked by it at all.
func (h *Handlers) streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(r.Context())
	stop := context.AfterFunc(h.closing, func() { cancel(stream.ErrShutdown) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// HandleStreamSSE handles GET /v1/sessions/{session_id}/stream (SSE).
// Each item is sent with id = sequence so EventSource resumes where it
// left off.
func (h *Handlers) HandleStreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	st, id, ok := h.openStream(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ctx, cancel := h.streamContext(r)
	defer cancel()

	err := st.Serve(ctx, &sseSink{w: w, flusher: flusher})
	if err != nil && !errors.Is(err, hub.ErrSlowConsumer) && !errors.Is(err, stream.ErrShutdown) {
		h.logger.Debug("http: sse stream closed", "session_id", id, "error", err)
	}
}

// sseSink writes items as Server-Sent Events.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(_ context.Context, item model.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("server: marshal item: %w", err)
	}
	// The terminal marker has no sequence; leaving out its id keeps the
	// browser's Last-Event-ID pointing at the last transcript item.
	if item.Sequence > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", item.Sequence); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", item.Kind, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Heartbeat(context.Context) error {
	if _, err := s.w.Write([]byte(":keepalive\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Reconnect(_ context.Context, lastSequence int64) error {
	if _, err := fmt.Fprintf(s.w, "event: reconnect\ndata: {\"last_sequence\":%d}\n\n", lastSequence); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// wsFrame is a server-to-viewer WebSocket frame.
type wsFrame struct {
	Type         string      `json:"type"`
	Item         *model.Item `json:"item,omitempty"`
	LastSequence int64       `json:"last_sequence,omitempty"`
	ID           *uuid.UUID  `json:"id,omitempty"`
	Sequence     int64       `json:"sequence,omitempty"`
	Code         string      `json:"code,omitempty"`
	Message      string      `json:"message,omitempty"`
}

// wsClientMsg is a viewer-to-server WebSocket frame.
type wsClientMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// HandleStreamWS handles GET /v1/sessions/{session_id}/ws. The server
// pushes item, heartbeat and reconnect frames; the viewer may send
// {"type":"message","content":"..."} to post a user message.
func (h *Handlers) HandleStreamWS(w http.ResponseWriter, r *http.Request) {
	st, id, ok := h.openStream(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		st.Close()
		return
	}
	defer conn.Close()

	ctx, cancel := h.streamContext(r)
	defer cancel()

	sink := &wsSink{conn: conn}

	// Read loop: viewer messages. A read error means the viewer is gone.
	go func() {
		defer cancel()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg wsClientMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				_ = sink.write(wsFrame{Type: "error", Code: model.ErrCodeInvalidInput, Message: "malformed frame"})
				continue
			}
			if msg.Type != "message" {
				continue
			}
			h.wsPostMessage(ctx, sink, id, msg.Content)
		}
	}()

	err = st.Serve(ctx, sink)
	if err != nil && !errors.Is(err, hub.ErrSlowConsumer) && !errors.Is(err, stream.ErrShutdown) {
		h.logger.Debug("http: websocket stream closed", "session_id", id, "error", err)
	}
	_ = sink.close()
}

func (h *Handlers) wsPostMessage(ctx context.Context, sink *wsSink, sessionID uuid.UUID, content string) {
	res, err := h.gateway.IngestMessage(ctx, model.MessageInput{
		SessionID: sessionID,
		Role:      model.RoleUser,
		Content:   content,
	})
	if err != nil {
		_, code, ok := classifyError(err)
		msg := err.Error()
		if !ok {
			h.logger.Error("http: websocket message failed", "session_id", sessionID, "error", err)
			msg = "failed to post message"
		}
		_ = sink.write(wsFrame{Type: "error", Code: code, Message: msg})
		return
	}
	_ = sink.write(wsFrame{Type: "ack", ID: &res.ID, Sequence: res.Sequence})
}

// wsSink serialises frame writes; gorilla connections allow one writer.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) write(f wsFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(f)
}

func (s *wsSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

func (s *wsSink) Send(_ context.Context, item model.Item) error {
	return s.write(wsFrame{Type: "item", Item: &item})
}

func (s *wsSink) Heartbeat(context.Context) error {
	return s.write(wsFrame{Type: "heartbeat"})
}

func (s *wsSink) Reconnect(_ context.Context, lastSequence int64) error {
	return s.write(wsFrame{Type: "reconnect", LastSequence: lastSequence})
}
