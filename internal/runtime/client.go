// Package runtime calls back into the external agent runtime.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ashita-ai/hibiki/internal/telemetry"
)

var tracer = telemetry.Tracer("hibiki/runtime")

// tokenTTL bounds how long a signed forwarding request stays valid.
const tokenTTL = time.Minute

// attemptTimeout bounds one POST when no HTTPClient is supplied.
const attemptTimeout = 10 * time.Second

// maxIntervalFactor caps the retry interval at this multiple of BaseDelay.
const maxIntervalFactor = 30

// RetryBudget is the longest ForwardUserMessage can take with the default
// HTTP client: every attempt timing out, plus the largest jittered wait
// between attempts.
func RetryBudget(attempts int, baseDelay time.Duration) time.Duration {
	if attempts <= 0 {
		attempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	total := time.Duration(attempts) * attemptTimeout
	interval := float64(baseDelay)
	ceiling := float64(maxIntervalFactor * baseDelay)
	for range attempts - 1 {
		total += time.Duration(min(interval, ceiling) * (1 + backoff.DefaultRandomizationFactor))
		interval *= backoff.DefaultMultiplier
	}
	return total
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	SigningKey  string // HS256 secret; empty sends unsigned requests.
	MaxAttempts int
	BaseDelay   time.Duration
	HTTPClient  *http.Client
}

// Client forwards viewer messages to the agent runtime over HTTP.
type Client struct {
	baseURL     string
	signingKey  []byte
	maxAttempts uint
	baseDelay   time.Duration
	http        *http.Client
	logger      *slog.Logger
}

// NewClient creates a Client. BaseURL must be set.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: attemptTimeout}
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := cfg.BaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	var key []byte
	if cfg.SigningKey != "" {
		key = []byte(cfg.SigningKey)
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		signingKey:  key,
		maxAttempts: uint(attempts),
		baseDelay:   delay,
		http:        hc,
		logger:      logger,
	}
}

// inputRequest is the body POSTed to {base}/sessions/{id}/input.
type inputRequest struct {
	MessageID uuid.UUID `json:"message_id"`
	Content   string    `json:"content"`
}

// ForwardUserMessage delivers content to the runtime driving sessionID.
// 5xx responses and transport errors are retried with exponential backoff;
// 4xx responses are permanent.
func (c *Client) ForwardUserMessage(ctx context.Context, sessionID, messageID uuid.UUID, content string) (err error) {
	ctx, span := tracer.Start(ctx, "runtime.ForwardUserMessage")
	span.SetAttributes(
		attribute.String("hibiki.session_id", sessionID.String()),
		attribute.String("hibiki.message_id", messageID.String()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	body, err := json.Marshal(inputRequest{MessageID: messageID, Content: content})
	if err != nil {
		return fmt.Errorf("runtime: marshal input: %w", err)
	}
	url := fmt.Sprintf("%s/sessions/%s/input", c.baseURL, sessionID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = maxIntervalFactor * c.baseDelay

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.post(ctx, url, sessionID, body)
		if err != nil {
			c.logger.Debug("runtime: forward attempt failed",
				"session_id", sessionID, "message_id", messageID, "attempt", attempt, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxAttempts))
	span.SetAttributes(attribute.Int("hibiki.forward.attempts", attempt))
	if err != nil {
		return fmt.Errorf("runtime: forward message %s after %d attempt(s): %w", messageID, attempt, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, sessionID uuid.UUID, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if c.signingKey != nil {
		token, err := c.sign(sessionID)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("runtime returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("runtime returned %d", resp.StatusCode))
	}
}

// sign issues a short-lived HS256 token whose subject is the session.
func (c *Client) sign(sessionID uuid.UUID) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "hibiki",
		Subject:   sessionID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("runtime: sign token: %w", err)
	}
	return s, nil
}
