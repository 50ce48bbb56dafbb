package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/storage"
)

const (
	messageColumns  = `id, session_id, role, content, sequence, created_at`
	eventColumns    = `id, session_id, agent_event_id, phase, tool, title, message, payload, content_hash, sequence, created_at`
	artifactColumns = `id, session_id, event_id, storage_ref, content_type, caption, sequence, created_at`
)

// allocateSequence bumps the session counter inside tx, failing with the
// appropriate error when the session is missing or not running.
func allocateSequence(ctx context.Context, tx *sql.Tx, sessionID uuid.UUID, now int64) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`UPDATE sessions SET last_sequence = last_sequence + 1, last_activity_at = ?
		 WHERE id = ? AND status = 'running'
		 RETURNING last_sequence`,
		now, sessionID,
	).Scan(&seq)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sqlite: allocate sequence: %w", err)
	}

	var status model.SessionStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("sqlite: read session status: %w", err)
	}
	return 0, storage.ClosedError(status)
}

func scanMessage(row rowScanner) (model.Message, error) {
	var m model.Message
	var created int64
	if err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Sequence, &created); err != nil {
		return model.Message{}, err
	}
	m.CreatedAt = fromMicros(created)
	return m, nil
}

func scanEvent(row rowScanner) (model.Event, error) {
	var e model.Event
	var payload []byte
	var created int64
	if err := row.Scan(
		&e.ID, &e.SessionID, &e.AgentEventID, &e.Phase, &e.Tool, &e.Title, &e.Message,
		&payload, &e.ContentHash, &e.Sequence, &created,
	); err != nil {
		return model.Event{}, err
	}
	if payload != nil {
		e.Payload = json.RawMessage(payload)
	}
	e.CreatedAt = fromMicros(created)
	return e, nil
}

func scanArtifact(row rowScanner) (model.Artifact, error) {
	var a model.Artifact
	var created int64
	if err := row.Scan(&a.ID, &a.SessionID, &a.EventID, &a.StorageRef, &a.ContentType, &a.Caption, &a.Sequence, &created); err != nil {
		return model.Artifact{}, err
	}
	a.CreatedAt = fromMicros(created)
	return a, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func resolveEvent(ctx context.Context, q queryRower, sessionID, id uuid.UUID, agentEventID string) (model.Event, error) {
	var row *sql.Row
	if id != uuid.Nil {
		row = q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE session_id = ? AND id = ?`, sessionID, id)
	} else {
		row = q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE session_id = ? AND agent_event_id = ?`, sessionID, agentEventID)
	}
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Event{}, storage.ErrNotFound
		}
		return model.Event{}, fmt.Errorf("sqlite: resolve event: %w", err)
	}
	return ev, nil
}

// ResolveEvent finds an event by internal id, or by agent_event_id when id is uuid.Nil.
func (d *DB) ResolveEvent(ctx context.Context, sessionID, id uuid.UUID, agentEventID string) (model.Event, error) {
	return resolveEvent(ctx, d.sql, sessionID, id, agentEventID)
}

// AppendEvent persists an event with the next sequence of its session.
func (d *DB) AppendEvent(ctx context.Context, in model.EventInput) (model.Event, bool, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return model.Event{}, false, fmt.Errorf("sqlite: begin append event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Truncate(time.Microsecond)
	seq, err := allocateSequence(ctx, tx, in.SessionID, toMicros(now))
	if err != nil {
		return model.Event{}, false, err
	}

	existing, err := resolveEvent(ctx, tx, in.SessionID, uuid.Nil, in.AgentEventID)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.Event{}, false, err
	}

	ev := model.Event{
		ID:           uuid.New(),
		SessionID:    in.SessionID,
		AgentEventID: in.AgentEventID,
		Phase:        in.Phase,
		Tool:         in.Tool,
		Title:        in.Title,
		Message:      in.Message,
		Payload:      storage.EmptyJSON(in.Payload),
		ContentHash:  in.ContentHash(),
		Sequence:     seq,
		CreatedAt:    now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, session_id, agent_event_id, phase, tool, title, message, payload, content_hash, sequence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.AgentEventID, string(ev.Phase), ev.Tool, ev.Title, ev.Message,
		nullText(ev.Payload), ev.ContentHash, ev.Sequence, toMicros(now),
	); err != nil {
		return model.Event{}, false, fmt.Errorf("sqlite: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Event{}, false, fmt.Errorf("sqlite: commit event: %w", err)
	}
	return ev, false, nil
}

// AppendMessage persists a message with the next sequence of its session.
func (d *DB) AppendMessage(ctx context.Context, in model.MessageInput) (model.Message, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, fmt.Errorf("sqlite: begin append message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Truncate(time.Microsecond)
	seq, err := allocateSequence(ctx, tx, in.SessionID, toMicros(now))
	if err != nil {
		return model.Message{}, err
	}
	msg := model.Message{
		ID:        uuid.New(),
		SessionID: in.SessionID,
		Role:      in.Role,
		Content:   in.Content,
		Sequence:  seq,
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, sequence, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.Sequence, toMicros(now),
	); err != nil {
		return model.Message{}, fmt.Errorf("sqlite: insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Message{}, fmt.Errorf("sqlite: commit message: %w", err)
	}
	return msg, nil
}

// AppendArtifact registers an artifact against an existing event of the session.
func (d *DB) AppendArtifact(ctx context.Context, in model.ArtifactInput) (model.Artifact, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return model.Artifact{}, fmt.Errorf("sqlite: begin append artifact: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Truncate(time.Microsecond)
	seq, err := allocateSequence(ctx, tx, in.SessionID, toMicros(now))
	if err != nil {
		return model.Artifact{}, err
	}
	ev, err := resolveEvent(ctx, tx, in.SessionID, in.EventID, in.AgentEventID)
	if err != nil {
		return model.Artifact{}, err
	}

	art := model.Artifact{
		ID:          uuid.New(),
		SessionID:   in.SessionID,
		EventID:     ev.ID,
		StorageRef:  in.StorageRef,
		ContentType: in.ContentType,
		Caption:     in.Caption,
		Sequence:    seq,
		CreatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts (id, session_id, event_id, storage_ref, content_type, caption, sequence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		art.ID, art.SessionID, art.EventID, art.StorageRef, art.ContentType, art.Caption, art.Sequence, toMicros(now),
	); err != nil {
		return model.Artifact{}, fmt.Errorf("sqlite: insert artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Artifact{}, fmt.Errorf("sqlite: commit artifact: %w", err)
	}
	return art, nil
}

// ItemsAfter returns transcript items with sequence > after in sequence order.
func (d *DB) ItemsAfter(ctx context.Context, sessionID uuid.UUID, after int64, limit int) ([]model.Item, error) {
	if limit <= 0 || limit > storage.MaxItemsPage {
		limit = storage.MaxItemsPage
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin transcript read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	messages, err := queryItems(ctx, tx, `SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND sequence > ? ORDER BY sequence LIMIT ?`,
		sessionID, after, limit, func(r rowScanner) (model.Item, error) {
			m, err := scanMessage(r)
			return model.MessageItem(m), err
		})
	if err != nil {
		return nil, err
	}
	events, err := queryItems(ctx, tx, `SELECT `+eventColumns+` FROM events WHERE session_id = ? AND sequence > ? ORDER BY sequence LIMIT ?`,
		sessionID, after, limit, func(r rowScanner) (model.Item, error) {
			e, err := scanEvent(r)
			return model.EventItem(e), err
		})
	if err != nil {
		return nil, err
	}
	artifacts, err := queryItems(ctx, tx, `SELECT `+artifactColumns+` FROM artifacts WHERE session_id = ? AND sequence > ? ORDER BY sequence LIMIT ?`,
		sessionID, after, limit, func(r rowScanner) (model.Item, error) {
			a, err := scanArtifact(r)
			return model.ArtifactItem(a), err
		})
	if err != nil {
		return nil, err
	}
	return model.MergeItems(limit, messages, events, artifacts), nil
}

func queryItems(ctx context.Context, tx *sql.Tx, query string, sessionID uuid.UUID, after int64, limit int,
	scan func(rowScanner) (model.Item, error),
) ([]model.Item, error) {
	rows, err := tx.QueryContext(ctx, query, sessionID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query transcript: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.Item
	for rows.Next() {
		it, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan transcript item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// RecordLateArrival stores an item refused because its session was terminal.
func (d *DB) RecordLateArrival(ctx context.Context, la model.LateArrival) error {
	if la.ID == uuid.Nil {
		la.ID = uuid.New()
	}
	if la.ReceivedAt.IsZero() {
		la.ReceivedAt = time.Now().UTC()
	}
	payload := storage.EmptyJSON(la.Payload)
	if payload == nil {
		payload = []byte(`{}`)
	}
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO late_arrivals (id, session_id, kind, payload, session_status, rejected_late, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		la.ID, la.SessionID, string(la.Kind), string(payload), string(la.SessionStatus), la.RejectedLate, toMicros(la.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: record late arrival: %w", err)
	}
	return nil
}

// LateArrivals lists the audit records of a session, oldest first.
func (d *DB) LateArrivals(ctx context.Context, sessionID uuid.UUID) ([]model.LateArrival, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT id, session_id, kind, payload, session_status, rejected_late, received_at
		 FROM late_arrivals WHERE session_id = ? ORDER BY received_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list late arrivals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.LateArrival
	for rows.Next() {
		var la model.LateArrival
		var payload []byte
		var received int64
		if err := rows.Scan(&la.ID, &la.SessionID, &la.Kind, &payload, &la.SessionStatus, &la.RejectedLate, &received); err != nil {
			return nil, fmt.Errorf("sqlite: scan late arrival: %w", err)
		}
		la.Payload = json.RawMessage(payload)
		la.ReceivedAt = fromMicros(received)
		out = append(out, la)
	}
	return out, rows.Err()
}
