package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(url string, attempts int, key string) *Client {
	return NewClient(Config{
		BaseURL:     url,
		SigningKey:  key,
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
	}, slog.New(slog.DiscardHandler))
}

func TestForwardUserMessageSignsAndPosts(t *testing.T) {
	sessionID, messageID := uuid.New(), uuid.New()
	var got inputRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/"+sessionID.String()+"/input", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newClient(srv.URL+"/", 3, "secret")
	require.NoError(t, c.ForwardUserMessage(context.Background(), sessionID, messageID, "hello"))
	assert.Equal(t, messageID, got.MessageID)
	assert.Equal(t, "hello", got.Content)

	require.True(t, strings.HasPrefix(auth, "Bearer "))
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(*jwt.Token) (any, error) {
		return []byte("secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	assert.Equal(t, sessionID.String(), claims.Subject)
}

func TestForwardUserMessageUnsigned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
	}))
	defer srv.Close()
	require.NoError(t, newClient(srv.URL, 1, "").ForwardUserMessage(context.Background(), uuid.New(), uuid.New(), "x"))
}

func TestForwardUserMessageRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, newClient(srv.URL, 5, "").ForwardUserMessage(context.Background(), uuid.New(), uuid.New(), "x"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestForwardUserMessageGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := newClient(srv.URL, 3, "").ForwardUserMessage(context.Background(), uuid.New(), uuid.New(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, int32(3), calls.Load())
}

func TestForwardUserMessageClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := newClient(srv.URL, 5, "").ForwardUserMessage(context.Background(), uuid.New(), uuid.New(), "x")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryBudget(t *testing.T) {
	assert.Equal(t, 10*time.Second, RetryBudget(1, 200*time.Millisecond))
	assert.Equal(t, RetryBudget(1, 200*time.Millisecond), RetryBudget(0, 0))

	// 4 waits of 200ms, 300ms, 450ms, 675ms, each at most 1.5x with jitter.
	five := RetryBudget(5, 200*time.Millisecond)
	assert.Equal(t, 50*time.Second+2437500*time.Microsecond, five)

	// The interval cap keeps long schedules linear in attempts.
	capped := RetryBudget(40, 10*time.Millisecond)
	assert.Less(t, capped, 40*attemptTimeout+39*450*time.Millisecond+time.Millisecond)
	assert.Greater(t, capped, RetryBudget(39, 10*time.Millisecond))
}
