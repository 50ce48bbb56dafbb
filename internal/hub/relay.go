package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/storage"
)

// Notifier is the LISTEN/NOTIFY surface of the Postgres store.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
	NotifyJSON(ctx context.Context, channel string, v any) error
	ReconnectNotify(ctx context.Context) error
}

// announcement is the NOTIFY payload. Items are never carried inline;
// receivers read them from the store, which keeps payloads far below the
// NOTIFY size limit and makes a lost notification harmless.
type announcement struct {
	Origin    uuid.UUID           `json:"origin"`
	SessionID uuid.UUID           `json:"session_id"`
	Sequence  int64               `json:"sequence,omitempty"`
	Status    model.SessionStatus `json:"status,omitempty"`
}

// Relay connects hubs of several instances through Postgres LISTEN/NOTIFY.
type Relay struct {
	db     Notifier
	hub    *Hub
	logger *slog.Logger
	origin uuid.UUID
}

// NewRelay creates a relay and installs it as h's announcer. Call Start to
// begin receiving.
func NewRelay(db Notifier, h *Hub, logger *slog.Logger) *Relay {
	r := &Relay{db: db, hub: h, logger: logger, origin: uuid.New()}
	h.SetAnnouncer(r)
	return r
}

// AnnounceItem tells other instances that sequence was committed.
func (r *Relay) AnnounceItem(ctx context.Context, sessionID uuid.UUID, sequence int64) error {
	return r.db.NotifyJSON(ctx, storage.ChannelItems, announcement{Origin: r.origin, SessionID: sessionID, Sequence: sequence})
}

// AnnounceTerminal tells other instances that the session ended.
func (r *Relay) AnnounceTerminal(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus) error {
	return r.db.NotifyJSON(ctx, storage.ChannelItems, announcement{Origin: r.origin, SessionID: sessionID, Status: status})
}

// Start listens for announcements until ctx is cancelled. It blocks, so call
// it in a goroutine. A broken notify connection is re-established with
// exponential backoff, after which every local topic catches up from the
// store to cover notifications missed while disconnected.
func (r *Relay) Start(ctx context.Context) {
	if err := r.db.Listen(ctx, storage.ChannelItems); err != nil {
		r.logger.Error("relay: listen", "channel", storage.ChannelItems, "error", err)
		if !r.reconnect(ctx) {
			return
		}
	}
	r.logger.Info("relay: listening for announcements", "channel", storage.ChannelItems, "origin", r.origin)

	for {
		_, payload, err := r.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, storage.ErrNotifyClosed) {
				return
			}
			r.logger.Warn("relay: notification error, reconnecting", "error", err)
			if !r.reconnect(ctx) {
				return
			}
			continue
		}
		r.handle(ctx, payload)
	}
}

func (r *Relay) handle(ctx context.Context, payload string) {
	var a announcement
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		r.logger.Warn("relay: malformed announcement", "error", err)
		return
	}
	if a.Origin == r.origin {
		return
	}
	if a.Status != "" {
		r.hub.terminateLocal(ctx, a.SessionID, a.Status)
		return
	}
	r.hub.CatchUp(ctx, a.SessionID, a.Sequence)
}

// reconnect retries until the notify connection is back and listening.
// Returns false if ctx was cancelled first.
func (r *Relay) reconnect(ctx context.Context) bool {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	for {
		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		if err := r.db.ReconnectNotify(ctx); err != nil {
			r.logger.Warn("relay: reconnect failed", "error", err)
			continue
		}
		if err := r.db.Listen(ctx, storage.ChannelItems); err != nil {
			r.logger.Warn("relay: re-listen failed", "error", err)
			continue
		}
		r.hub.resync(ctx)
		return true
	}
}
