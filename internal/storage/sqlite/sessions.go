package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/storage"
)

const sessionColumns = `id, owner, tier, status, preferences, metadata, last_sequence,
	started_at, completed_at, last_activity_at, created_at`

func scanSession(row rowScanner) (model.Session, error) {
	var (
		s                     model.Session
		prefs, meta           []byte
		started, completed    sql.NullInt64
		lastActivity, created int64
	)
	err := row.Scan(
		&s.ID, &s.Owner, &s.Tier, &s.Status, &prefs, &meta, &s.LastSequence,
		&started, &completed, &lastActivity, &created,
	)
	if err != nil {
		return model.Session{}, err
	}
	if prefs != nil {
		s.Preferences = json.RawMessage(prefs)
	}
	if meta != nil {
		s.Metadata = json.RawMessage(meta)
	}
	s.StartedAt = fromNullMicros(started)
	s.CompletedAt = fromNullMicros(completed)
	s.LastActivityAt = fromMicros(lastActivity)
	s.CreatedAt = fromMicros(created)
	return s, nil
}

// CreateSession inserts a new pending session.
func (d *DB) CreateSession(ctx context.Context, req model.CreateSessionRequest) (model.Session, error) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	s := model.Session{
		ID:             uuid.New(),
		Owner:          req.Owner,
		Tier:           req.Tier,
		Status:         model.SessionStatusPending,
		Preferences:    storage.EmptyJSON(req.Preferences),
		Metadata:       storage.EmptyJSON(req.Metadata),
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if s.Metadata == nil {
		s.Metadata = json.RawMessage(`{}`)
	}
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO sessions (id, owner, tier, status, preferences, metadata, last_activity_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Owner, s.Tier, string(s.Status), nullText(s.Preferences), string(s.Metadata),
		toMicros(now), toMicros(now),
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("sqlite: create session: %w", err)
	}
	return s, nil
}

// GetSession retrieves a session by ID.
func (d *DB) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	s, err := scanSession(d.sql.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, storage.ErrNotFound
		}
		return model.Session{}, fmt.Errorf("sqlite: get session: %w", err)
	}
	return s, nil
}

// StartSession records the preferences snapshot and moves the session to running.
func (d *DB) StartSession(ctx context.Context, id uuid.UUID, preferences json.RawMessage) (model.Session, error) {
	return d.transition(ctx, id, model.SessionStatusRunning, storage.EmptyJSON(preferences))
}

// TransitionSession moves the session to status to.
func (d *DB) TransitionSession(ctx context.Context, id uuid.UUID, to model.SessionStatus) (model.Session, error) {
	return d.transition(ctx, id, to, nil)
}

func (d *DB) transition(ctx context.Context, id uuid.UUID, to model.SessionStatus, prefs []byte) (model.Session, error) {
	if !to.Valid() {
		return model.Session{}, model.Invalid("status", "unknown status %q", to)
	}
	sources := model.TransitionSources(to)
	if len(sources) == 0 {
		return d.sameStatusOrConflict(ctx, id, to)
	}

	now := toMicros(time.Now().UTC())
	var completedAt any
	if to.Terminal() {
		completedAt = now
	}
	args := []any{string(to), string(to), now, completedAt, nullText(prefs), now, id}
	placeholders := make([]string, len(sources))
	for i, src := range sources {
		placeholders[i] = "?"
		args = append(args, string(src))
	}

	query := `UPDATE sessions SET
	     status = ?,
	     started_at = CASE WHEN ? = 'running' THEN COALESCE(started_at, ?) ELSE started_at END,
	     completed_at = COALESCE(?, completed_at),
	     preferences = COALESCE(preferences, ?),
	     last_activity_at = ?
	 WHERE id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)
	 RETURNING ` + sessionColumns

	s, err := scanSession(d.sql.QueryRowContext(ctx, query, args...))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, fmt.Errorf("sqlite: transition session: %w", err)
	}
	return d.sameStatusOrConflict(ctx, id, to)
}

func (d *DB) sameStatusOrConflict(ctx context.Context, id uuid.UUID, to model.SessionStatus) (model.Session, error) {
	cur, err := d.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	if cur.Status == to {
		return cur, nil
	}
	return model.Session{}, &model.ConflictError{Current: cur.Status, Requested: to}
}

// ExpireIdleSession moves the session to errored if it is still pending or
// running and idle since inactiveSince. SQLite serializes writers, so the
// predicate sees every append that committed before it.
func (d *DB) ExpireIdleSession(ctx context.Context, id uuid.UUID, inactiveSince time.Time) (model.Session, bool, error) {
	now := toMicros(time.Now().UTC())
	s, err := scanSession(d.sql.QueryRowContext(ctx,
		`UPDATE sessions SET
		     status = 'errored',
		     completed_at = ?,
		     last_activity_at = ?
		 WHERE id = ? AND status IN ('pending', 'running') AND last_activity_at < ?
		 RETURNING `+sessionColumns,
		now, now, id, toMicros(inactiveSince),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, fmt.Errorf("sqlite: expire idle session: %w", err)
	}
	return s, true, nil
}

// ListIdleSessions returns pending or running sessions with no activity since inactiveSince.
func (d *DB) ListIdleSessions(ctx context.Context, inactiveSince time.Time, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.sql.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status IN ('pending', 'running') AND last_activity_at < ?
		 ORDER BY last_activity_at ASC
		 LIMIT ?`,
		toMicros(inactiveSince), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list idle sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// PurgeSessions deletes terminal sessions that completed before completedBefore.
func (d *DB) PurgeSessions(ctx context.Context, completedBefore time.Time) (int64, error) {
	res, err := d.sql.ExecContext(ctx,
		`DELETE FROM sessions
		 WHERE status IN ('completed', 'errored', 'cancelled') AND completed_at < ?`,
		toMicros(completedBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge sessions: %w", err)
	}
	return res.RowsAffected()
}
