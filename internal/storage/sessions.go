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

const sessionColumns = `id, owner, tier, status, preferences, metadata, last_sequence,
	started_at, completed_at, last_activity_at, created_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanSession(row pgx.Row) (model.Session, error) {
	var s model.Session
	var prefs, meta []byte
	err := row.Scan(
		&s.ID, &s.Owner, &s.Tier, &s.Status, &prefs, &meta, &s.LastSequence,
		&s.StartedAt, &s.CompletedAt, &s.LastActivityAt, &s.CreatedAt,
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
	return s, nil
}

// CreateSession inserts a new pending session and returns it.
func (db *DB) CreateSession(ctx context.Context, req model.CreateSessionRequest) (model.Session, error) {
	now := time.Now().UTC()
	s := model.Session{
		ID:             uuid.New(),
		Owner:          req.Owner,
		Tier:           req.Tier,
		Status:         model.SessionStatusPending,
		Preferences:    EmptyJSON(req.Preferences),
		Metadata:       EmptyJSON(req.Metadata),
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if s.Metadata == nil {
		s.Metadata = json.RawMessage(`{}`)
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO sessions (id, owner, tier, status, preferences, metadata, last_activity_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.Owner, s.Tier, string(s.Status), []byte(s.Preferences), []byte(s.Metadata), now, now,
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: create session: %w", err)
	}
	return s, nil
}

// GetSession retrieves a session by ID.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	return getSession(ctx, db.pool, id)
}

func getSession(ctx context.Context, q querier, id uuid.UUID) (model.Session, error) {
	s, err := scanSession(q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}

// StartSession records the preferences snapshot (unless one exists) and
// moves the session to running.
func (db *DB) StartSession(ctx context.Context, id uuid.UUID, preferences json.RawMessage) (model.Session, error) {
	return db.transition(ctx, id, model.SessionStatusRunning, EmptyJSON(preferences))
}

// TransitionSession moves the session to status to.
func (db *DB) TransitionSession(ctx context.Context, id uuid.UUID, to model.SessionStatus) (model.Session, error) {
	return db.transition(ctx, id, to, nil)
}

// transition is a single conditional UPDATE: the WHERE clause admits only the
// legal source statuses, so concurrent transitions resolve in commit order.
func (db *DB) transition(ctx context.Context, id uuid.UUID, to model.SessionStatus, prefs []byte) (model.Session, error) {
	if !to.Valid() {
		return model.Session{}, model.Invalid("status", "unknown status %q", to)
	}
	sources := make([]string, 0, 2)
	for _, s := range model.TransitionSources(to) {
		sources = append(sources, string(s))
	}

	now := time.Now().UTC()
	s, err := scanSession(db.pool.QueryRow(ctx,
		`UPDATE sessions SET
		     status = $2,
		     started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, $3) ELSE started_at END,
		     completed_at = CASE WHEN $4 THEN $3 ELSE completed_at END,
		     preferences = COALESCE(preferences, $5),
		     last_activity_at = $3
		 WHERE id = $1 AND status = ANY($6)
		 RETURNING `+sessionColumns,
		id, string(to), now, to.Terminal(), prefs, sources,
	))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, fmt.Errorf("storage: transition session: %w", err)
	}

	cur, err := db.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	if cur.Status == to {
		return cur, nil
	}
	return model.Session{}, &model.ConflictError{Current: cur.Status, Requested: to}
}

// ExpireIdleSession moves the session to errored if it is still pending or
// running and idle since inactiveSince. An append that commits first bumps
// last_activity_at, and Postgres re-checks the WHERE clause against the
// committed row, so an active session is never expired.
func (db *DB) ExpireIdleSession(ctx context.Context, id uuid.UUID, inactiveSince time.Time) (model.Session, bool, error) {
	now := time.Now().UTC()
	s, err := scanSession(db.pool.QueryRow(ctx,
		`UPDATE sessions SET
		     status = 'errored',
		     completed_at = $2,
		     last_activity_at = $2
		 WHERE id = $1 AND status IN ('pending', 'running') AND last_activity_at < $3
		 RETURNING `+sessionColumns,
		id, now, inactiveSince,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, fmt.Errorf("storage: expire idle session: %w", err)
	}
	return s, true, nil
}

// ListIdleSessions returns pending or running sessions with no activity
// since inactiveSince, oldest first.
func (db *DB) ListIdleSessions(ctx context.Context, inactiveSince time.Time, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status IN ('pending', 'running') AND last_activity_at < $1
		 ORDER BY last_activity_at ASC
		 LIMIT $2`,
		inactiveSince, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list idle sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
