package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelItems carries transcript announcements between instances.
const ChannelItems = "hibiki_items"

// maxNotifyPayload is Postgres's hard limit for a NOTIFY payload, minus one.
const maxNotifyPayload = 7999

var (
	// ErrNotifyUnavailable is returned when no LISTEN/NOTIFY connection is
	// configured or the last reconnect failed.
	ErrNotifyUnavailable = errors.New("storage: notify connection not configured")
	// ErrNotifyClosed is returned once Close has run.
	ErrNotifyClosed = errors.New("storage: notify connection closed")
)

// lockNotify acquires notifyMu and returns the live notify connection.
// The caller must unlock notifyMu even when err is non-nil.
func (db *DB) lockNotify() (*pgx.Conn, error) {
	db.notifyMu.Lock()
	switch {
	case db.notifyClosed:
		return nil, ErrNotifyClosed
	case db.notifyConn == nil:
		return nil, ErrNotifyUnavailable
	}
	return db.notifyConn, nil
}

// Listen starts listening on channel using the dedicated notify connection.
// The notify connection is owned by a single listener goroutine.
func (db *DB) Listen(ctx context.Context, channel string) error {
	conn, err := db.lockNotify()
	defer db.notifyMu.Unlock()
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel and returns its channel and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	conn, err := db.lockNotify()
	defer db.notifyMu.Unlock()
	if err != nil {
		return "", "", err
	}
	notification, err := conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// ReconnectNotify replaces a broken notify connection. Channels must be
// listened to again afterwards.
func (db *DB) ReconnectNotify(ctx context.Context) error {
	if db.notifyDSN == "" {
		return ErrNotifyUnavailable
	}
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyClosed {
		return ErrNotifyClosed
	}
	if db.notifyConn != nil {
		_ = db.notifyConn.Close(ctx)
	}
	conn, err := pgx.Connect(ctx, db.notifyDSN)
	if err != nil {
		db.notifyConn = nil
		return fmt.Errorf("storage: reconnect notify: %w", err)
	}
	db.notifyConn = conn
	return nil
}

// Notify sends a notification on channel through the pool.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("storage: notify %s: payload of %d bytes exceeds limit", channel, len(payload))
	}
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// NotifyJSON marshals v and sends it on channel.
func (db *DB) NotifyJSON(ctx context.Context, channel string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal notification: %w", err)
	}
	return db.Notify(ctx, channel, string(b))
}
