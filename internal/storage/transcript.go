package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hibiki/internal/model"
)

// MaxItemsPage caps a single ItemsAfter read.
const MaxItemsPage = 1000

const (
	messageColumns  = `id, session_id, role, content, sequence, created_at`
	eventColumns    = `id, session_id, agent_event_id, phase, tool, title, message, payload, content_hash, sequence, created_at`
	artifactColumns = `id, session_id, event_id, storage_ref, content_type, caption, sequence, created_at`
)

// allocateSequence increments the session's counter inside tx. The UPDATE
// takes the session row lock, which serializes appends per session, makes
// commit order equal sequence order, and blocks behind a concurrent terminal
// transition. A rolled-back tx releases the sequence, so no gap appears.
func allocateSequence(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID, now time.Time) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx,
		`UPDATE sessions SET last_sequence = last_sequence + 1, last_activity_at = $2
		 WHERE id = $1 AND status = 'running'
		 RETURNING last_sequence`,
		sessionID, now,
	).Scan(&seq)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("storage: allocate sequence: %w", err)
	}

	var status model.SessionStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1`, sessionID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("storage: read session status: %w", err)
	}
	return 0, ClosedError(status)
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var m model.Message
	err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Sequence, &m.CreatedAt)
	return m, err
}

func scanEvent(row pgx.Row) (model.Event, error) {
	var e model.Event
	var payload []byte
	err := row.Scan(
		&e.ID, &e.SessionID, &e.AgentEventID, &e.Phase, &e.Tool, &e.Title, &e.Message,
		&payload, &e.ContentHash, &e.Sequence, &e.CreatedAt,
	)
	if payload != nil {
		e.Payload = json.RawMessage(payload)
	}
	return e, err
}

func scanArtifact(row pgx.Row) (model.Artifact, error) {
	var a model.Artifact
	err := row.Scan(&a.ID, &a.SessionID, &a.EventID, &a.StorageRef, &a.ContentType, &a.Caption, &a.Sequence, &a.CreatedAt)
	return a, err
}

// AppendEvent persists an event with the next sequence of its session.
func (db *DB) AppendEvent(ctx context.Context, in model.EventInput) (model.Event, bool, error) {
	var (
		ev  model.Event
		dup bool
	)
	err := WithRetry(ctx, appendRetries, appendRetryDelay, func() error {
		var err error
		ev, dup, err = db.appendEvent(ctx, in)
		return err
	})
	return ev, dup, err
}

func (db *DB) appendEvent(ctx context.Context, in model.EventInput) (model.Event, bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Event{}, false, fmt.Errorf("storage: begin append event: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	seq, err := allocateSequence(ctx, tx, in.SessionID, now)
	if err != nil {
		return model.Event{}, false, err
	}

	existing, err := scanEvent(tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = $1 AND agent_event_id = $2`,
		in.SessionID, in.AgentEventID,
	))
	if err == nil {
		// Rollback hands the allocated sequence back.
		return existing, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Event{}, false, fmt.Errorf("storage: check duplicate event: %w", err)
	}

	ev := model.Event{
		ID:           uuid.New(),
		SessionID:    in.SessionID,
		AgentEventID: in.AgentEventID,
		Phase:        in.Phase,
		Tool:         in.Tool,
		Title:        in.Title,
		Message:      in.Message,
		Payload:      EmptyJSON(in.Payload),
		ContentHash:  in.ContentHash(),
		Sequence:     seq,
		CreatedAt:    now,
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO events (id, session_id, agent_event_id, phase, tool, title, message, payload, content_hash, sequence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.SessionID, ev.AgentEventID, string(ev.Phase), ev.Tool, ev.Title, ev.Message,
		[]byte(ev.Payload), ev.ContentHash, ev.Sequence, ev.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			existing, rerr := db.ResolveEvent(ctx, in.SessionID, uuid.Nil, in.AgentEventID)
			if rerr != nil {
				return model.Event{}, false, fmt.Errorf("storage: reload duplicate event: %w", rerr)
			}
			return existing, true, nil
		}
		return model.Event{}, false, fmt.Errorf("storage: insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Event{}, false, fmt.Errorf("storage: commit event: %w", err)
	}
	return ev, false, nil
}

// AppendMessage persists a message with the next sequence of its session.
func (db *DB) AppendMessage(ctx context.Context, in model.MessageInput) (model.Message, error) {
	var msg model.Message
	err := WithRetry(ctx, appendRetries, appendRetryDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin append message: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		now := time.Now().UTC()
		seq, err := allocateSequence(ctx, tx, in.SessionID, now)
		if err != nil {
			return err
		}
		msg = model.Message{
			ID:        uuid.New(),
			SessionID: in.SessionID,
			Role:      in.Role,
			Content:   in.Content,
			Sequence:  seq,
			CreatedAt: now,
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (id, session_id, role, content, sequence, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.Sequence, msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert message: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit message: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

// ResolveEvent finds an event of the session by internal id, or by
// agent_event_id when id is uuid.Nil.
func (db *DB) ResolveEvent(ctx context.Context, sessionID, id uuid.UUID, agentEventID string) (model.Event, error) {
	return resolveEvent(ctx, db.pool, sessionID, id, agentEventID)
}

func resolveEvent(ctx context.Context, q querier, sessionID, id uuid.UUID, agentEventID string) (model.Event, error) {
	var row pgx.Row
	if id != uuid.Nil {
		row = q.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE session_id = $1 AND id = $2`, sessionID, id)
	} else {
		row = q.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE session_id = $1 AND agent_event_id = $2`, sessionID, agentEventID)
	}
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Event{}, ErrNotFound
		}
		return model.Event{}, fmt.Errorf("storage: resolve event: %w", err)
	}
	return ev, nil
}

// ItemsAfter returns transcript items with sequence > after in sequence
// order. The three tables are read in one REPEATABLE READ snapshot; since
// appends commit in sequence order, the result is always a gap-free prefix of
// what remains after the cursor.
func (db *DB) ItemsAfter(ctx context.Context, sessionID uuid.UUID, after int64, limit int) ([]model.Item, error) {
	if limit <= 0 || limit > MaxItemsPage {
		limit = MaxItemsPage
	}

	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("storage: begin transcript read: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var messages, events, artifacts []model.Item

	rows, err := tx.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = $1 AND sequence > $2 ORDER BY sequence LIMIT $3`,
		sessionID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query messages: %w", err)
	}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		messages = append(messages, model.MessageItem(m))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: query messages: %w", err)
	}

	rows, err = tx.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = $1 AND sequence > $2 ORDER BY sequence LIMIT $3`,
		sessionID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, model.EventItem(e))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}

	rows, err = tx.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE session_id = $1 AND sequence > $2 ORDER BY sequence LIMIT $3`,
		sessionID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query artifacts: %w", err)
	}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan artifact: %w", err)
		}
		artifacts = append(artifacts, model.ArtifactItem(a))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: query artifacts: %w", err)
	}

	return model.MergeItems(limit, messages, events, artifacts), nil
}

// RecordLateArrival stores an item that was refused because its session was
// already terminal.
func (db *DB) RecordLateArrival(ctx context.Context, la model.LateArrival) error {
	if la.ID == uuid.Nil {
		la.ID = uuid.New()
	}
	if la.ReceivedAt.IsZero() {
		la.ReceivedAt = time.Now().UTC()
	}
	payload := EmptyJSON(la.Payload)
	if payload == nil {
		payload = []byte(`{}`)
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO late_arrivals (id, session_id, kind, payload, session_status, rejected_late, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		la.ID, la.SessionID, string(la.Kind), payload, string(la.SessionStatus), la.RejectedLate, la.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: record late arrival: %w", err)
	}
	return nil
}

// LateArrivals lists the audit records of a session, oldest first.
func (db *DB) LateArrivals(ctx context.Context, sessionID uuid.UUID) ([]model.LateArrival, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, kind, payload, session_status, rejected_late, received_at
		 FROM late_arrivals WHERE session_id = $1 ORDER BY received_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list late arrivals: %w", err)
	}
	defer rows.Close()

	var out []model.LateArrival
	for rows.Next() {
		var la model.LateArrival
		var payload []byte
		if err := rows.Scan(&la.ID, &la.SessionID, &la.Kind, &payload, &la.SessionStatus, &la.RejectedLate, &la.ReceivedAt); err != nil {
			return nil, fmt.Errorf("storage: scan late arrival: %w", err)
		}
		la.Payload = json.RawMessage(payload)
		out = append(out, la)
	}
	return out, rows.Err()
}
