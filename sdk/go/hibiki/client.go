package hibiki

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Hibiki server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used for requests; streams use a client without a
	// timeout.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Hibiki API, covering both the agent
// runtime calls and the viewer calls. All methods are safe for concurrent use.
type Client struct {
	baseURL      string
	client       *http.Client
	streamClient *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("hibiki: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	streamClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
		streamClient = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		client:       httpClient,
		streamClient: streamClient,
	}, nil
}

// ---------------------------------------------------------------------------
// Viewer API
// ---------------------------------------------------------------------------

// CreateSession creates a pending session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	var s Session
	if err := c.post(ctx, "/v1/sessions", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession returns a session's current state.
func (c *Client) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	var s Session
	if err := c.get(ctx, "/v1/sessions/"+id.String(), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// PostMessage sends a viewer message; the server forwards it to the agent.
func (c *Client) PostMessage(ctx context.Context, id uuid.UUID, content string) (*IngestResult, error) {
	var res IngestResult
	if err := c.post(ctx, "/v1/sessions/"+id.String()+"/messages", map[string]string{"content": content}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelSession ends a session as cancelled.
func (c *Client) CancelSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	var s Session
	if err := c.post(ctx, "/v1/sessions/"+id.String()+"/cancel", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Transcript returns up to limit items with sequence > after.
func (c *Client) Transcript(ctx context.Context, id uuid.UUID, after int64, limit int) (*TranscriptPage, error) {
	params := url.Values{}
	params.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var page TranscriptPage
	if err := c.get(ctx, "/v1/sessions/"+id.String()+"/transcript?"+params.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// errReconnect is returned by streamOnce when the server asks the viewer
// to resume.
var errReconnect = errors.New("hibiki: server requested reconnect")

// Follow streams a session from sequence after, calling fn for every item in
// order. When the server drops a slow viewer it resumes from the last item
// seen, so fn sees every item exactly once. It returns nil after the
// terminal item, or the first error from fn or the transport.
func (c *Client) Follow(ctx context.Context, id uuid.UUID, after int64, fn func(Item) error) error {
	last := after
	for {
		err := c.streamOnce(ctx, id, &last, fn)
		if !errors.Is(err, errReconnect) {
			return err
		}
	}
}

func (c *Client) streamOnce(ctx context.Context, id uuid.UUID, last *int64, fn func(Item) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/sessions/"+id.String()+"/stream", nil)
	if err != nil {
		return fmt.Errorf("hibiki: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if *last > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(*last, 10))
	}
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("hibiki: GET stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp.StatusCode, body)
	}

	var event string
	var data []byte
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: ")...)
		case line == "" && event != "":
			if event == "reconnect" {
				return errReconnect
			}
			var it Item
			if err := json.Unmarshal(data, &it); err != nil {
				return fmt.Errorf("hibiki: decode %s event: %w", event, err)
			}
			if err := fn(it); err != nil {
				return err
			}
			if it.Kind == KindTerminal {
				return nil
			}
			*last = it.Sequence
			event, data = "", data[:0]
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("hibiki: read stream: %w", err)
	}
	return fmt.Errorf("hibiki: stream ended before terminal item: %w", io.ErrUnexpectedEOF)
}

// ---------------------------------------------------------------------------
// Agent runtime API
// ---------------------------------------------------------------------------

// StartSession moves a pending session to running. preferences may be nil.
func (c *Client) StartSession(ctx context.Context, id uuid.UUID, preferences json.RawMessage) (*Session, error) {
	var s Session
	body := map[string]json.RawMessage{}
	if preferences != nil {
		body["preferences"] = preferences
	}
	if err := c.post(ctx, runtimePath(id, "start"), body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// PushEvent records a progress event.
func (c *Client) PushEvent(ctx context.Context, id uuid.UUID, req EventRequest) (*IngestResult, error) {
	var res IngestResult
	if err := c.post(ctx, runtimePath(id, "events"), req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PushMessage records a message from the agent (role "assistant" or "system").
func (c *Client) PushMessage(ctx context.Context, id uuid.UUID, role, content string) (*IngestResult, error) {
	var res IngestResult
	body := map[string]string{"role": role, "content": content}
	if err := c.post(ctx, runtimePath(id, "messages"), body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PushArtifact registers an artifact. A nil Artifact with a nil error means
// the server queued the registration for retry.
func (c *Client) PushArtifact(ctx context.Context, id uuid.UUID, req ArtifactRequest) (*Artifact, error) {
	var raw json.RawMessage
	if err := c.post(ctx, runtimePath(id, "artifacts"), req, &raw); err != nil {
		return nil, err
	}
	var deferred struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(raw, &deferred) == nil && deferred.Status == "deferred" {
		return nil, nil
	}
	var art Artifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("hibiki: decode artifact: %w", err)
	}
	return &art, nil
}

// CompleteSession ends a session as completed or errored.
func (c *Client) CompleteSession(ctx context.Context, id uuid.UUID, outcome, reason string) (*Session, error) {
	var s Session
	body := map[string]string{"outcome": outcome, "reason": reason}
	if err := c.post(ctx, runtimePath(id, "complete"), body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func runtimePath(id uuid.UUID, op string) string {
	return "/v1/runtime/sessions/" + id.String() + "/" + op
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hibiki: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("hibiki: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("hibiki: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("hibiki: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("hibiki: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("hibiki: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
