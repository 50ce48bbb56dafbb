package storage

import (
	"context"
	"fmt"
	"time"
)

// purgeBatchSize bounds the rows removed per statement so a large backlog of
// expired sessions never holds locks for long.
const purgeBatchSize = 500

// PurgeSessions deletes terminal sessions that completed before
// completedBefore. Their transcripts and late arrivals go with them
// (ON DELETE CASCADE). Returns the number of sessions removed.
func (db *DB) PurgeSessions(ctx context.Context, completedBefore time.Time) (int64, error) {
	var total int64
	for {
		tag, err := db.pool.Exec(ctx,
			`DELETE FROM sessions WHERE id IN (
			     SELECT id FROM sessions
			     WHERE status IN ('completed', 'errored', 'cancelled') AND completed_at < $1
			     LIMIT $2
			 )`,
			completedBefore, purgeBatchSize,
		)
		if err != nil {
			return total, fmt.Errorf("storage: purge sessions: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < purgeBatchSize {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
