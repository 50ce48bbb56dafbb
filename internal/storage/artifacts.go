package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hibiki/internal/model"
)

// AppendArtifact registers an artifact against an existing event of the
// session. The artifact takes the next sequence so that replay and live
// delivery place it after the event it belongs to.
func (db *DB) AppendArtifact(ctx context.Context, in model.ArtifactInput) (model.Artifact, error) {
	var art model.Artifact
	err := WithRetry(ctx, appendRetries, appendRetryDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin append artifact: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		now := time.Now().UTC()
		seq, err := allocateSequence(ctx, tx, in.SessionID, now)
		if err != nil {
			return err
		}
		ev, err := resolveEvent(ctx, tx, in.SessionID, in.EventID, in.AgentEventID)
		if err != nil {
			return err
		}

		art = model.Artifact{
			ID:          uuid.New(),
			SessionID:   in.SessionID,
			EventID:     ev.ID,
			StorageRef:  in.StorageRef,
			ContentType: in.ContentType,
			Caption:     in.Caption,
			Sequence:    seq,
			CreatedAt:   now,
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO artifacts (id, session_id, event_id, storage_ref, content_type, caption, sequence, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			art.ID, art.SessionID, art.EventID, art.StorageRef, art.ContentType, art.Caption, art.Sequence, art.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert artifact: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit artifact: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Artifact{}, err
	}
	return art, nil
}
