package sessions

import (
	"context"
	"log/slog"
	"time"
)

// sweepBatch caps how many idle sessions one pass expires.
const sweepBatch = 200

// SweeperConfig controls the background sweep.
type SweeperConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration // zero disables idle expiry
	Retention   time.Duration // zero keeps ended sessions forever
}

// Sweeper expires idle sessions and purges ended sessions past retention.
type Sweeper struct {
	svc    *Service
	cfg    SweeperConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewSweeper creates a Sweeper over svc.
func NewSweeper(svc *Service, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Sweeper{svc: svc, cfg: cfg, logger: logger, now: time.Now}
}

// Run sweeps every interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.Sweep(opCtx)
			cancel()
		}
	}
}

// Sweep performs one pass: idle sessions are moved to errored, then ended
// sessions older than the retention window are deleted.
func (w *Sweeper) Sweep(ctx context.Context) {
	if w.cfg.IdleTimeout > 0 {
		expired := w.expireIdle(ctx)
		if expired > 0 {
			w.logger.Info("sweeper: expired idle sessions", "count", expired)
		}
	}
	if w.cfg.Retention > 0 {
		purged, err := w.svc.store.PurgeSessions(ctx, w.now().Add(-w.cfg.Retention))
		if err != nil {
			w.logger.Warn("sweeper: retention purge failed", "error", err)
		} else if purged > 0 {
			w.logger.Info("sweeper: purged ended sessions", "count", purged, "retention", w.cfg.Retention)
		}
	}
}

func (w *Sweeper) expireIdle(ctx context.Context) int {
	cutoff := w.now().Add(-w.cfg.IdleTimeout)
	idle, err := w.svc.store.ListIdleSessions(ctx, cutoff, sweepBatch)
	if err != nil {
		w.logger.Warn("sweeper: list idle sessions failed", "error", err)
		return 0
	}
	var expired int
	for _, listed := range idle {
		// The cutoff is re-checked by the store: a session that ingested
		// anything after it was listed stays open.
		sess, ok, err := w.svc.store.ExpireIdleSession(ctx, listed.ID, cutoff)
		if err != nil {
			w.logger.Warn("sweeper: expire session failed", "session_id", listed.ID, "error", err)
			continue
		}
		if !ok {
			w.logger.Debug("sweeper: session active or ended since listed", "session_id", listed.ID)
			continue
		}
		expired++
		w.svc.hub.Terminate(context.WithoutCancel(ctx), sess.ID, sess.Status)
		w.logger.Warn("sweeper: session idle too long", "session_id", sess.ID,
			"previous_status", listed.Status, "last_activity_at", listed.LastActivityAt)
	}
	return expired
}
