// Package artifacts is the Artifact Registrar. It records references to
// externally stored content produced by agent events and broadcasts them as
// transcript items.
//
// A registration that fails on storage is not lost: it is queued and retried
// in the background a bounded number of times. The referenced event is
// unaffected either way.
package artifacts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/service/ingest"
	"github.com/ashita-ai/hibiki/internal/storage"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

// Config tunes the retry queue.
type Config struct {
	MaxAttempts   int           // total attempts, including the synchronous one
	RetryInterval time.Duration // delay between background attempts
	QueueLimit    int           // pending registrations; beyond it new failures are dropped
}

// Registrar is the Artifact Registrar.
type Registrar struct {
	store  storage.Store
	pub    ingest.Publisher
	locks  *ingest.Locks
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending []*pendingArtifact

	retried metric.Int64Counter
	dropped metric.Int64Counter
}

type pendingArtifact struct {
	in       model.ArtifactInput
	attempts int
	lastErr  error
}

// New creates a Registrar. locks must be the same arena the gateway uses so
// artifact items are published in sequence order with the session's other
// items.
func New(store storage.Store, pub ingest.Publisher, locks *ingest.Locks, cfg Config, logger *slog.Logger) *Registrar {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 10000
	}
	r := &Registrar{
		store:  store,
		pub:    pub,
		locks:  locks,
		cfg:    cfg,
		logger: logger,
	}
	r.registerMetrics()
	return r
}

// Register validates and records an artifact, then broadcasts it. The event
// must exist in the session. On a transient storage failure the
// registration is queued and model.ErrStorageDeferred is returned.
func (r *Registrar) Register(ctx context.Context, in model.ArtifactInput) (model.Artifact, error) {
	if err := in.Validate(); err != nil {
		return model.Artifact{}, err
	}
	a, err := r.register(ctx, in)
	if err == nil {
		return a, nil
	}
	if !retriable(err) {
		if errors.Is(err, model.ErrSessionClosed) {
			ingest.RecordLate(context.WithoutCancel(ctx), r.store, r.logger, in.SessionID, model.ItemArtifact, in)
		}
		return model.Artifact{}, err
	}
	if r.cfg.MaxAttempts <= 1 || !r.enqueue(&pendingArtifact{in: in, attempts: 1, lastErr: err}) {
		r.dropped.Add(ctx, 1)
		r.logger.Error("artifacts: registration failed", "session_id", in.SessionID, "storage_ref", in.StorageRef, "error", err)
		return model.Artifact{}, err
	}
	r.logger.Warn("artifacts: registration deferred", "session_id", in.SessionID, "storage_ref", in.StorageRef, "error", err)
	return model.Artifact{}, model.ErrStorageDeferred
}

func (r *Registrar) register(ctx context.Context, in model.ArtifactInput) (model.Artifact, error) {
	unlock := r.locks.Lock(in.SessionID)
	defer unlock()
	a, err := r.store.AppendArtifact(ctx, in)
	if err != nil {
		return model.Artifact{}, err
	}
	r.pub.Publish(context.WithoutCancel(ctx), model.ArtifactItem(a))
	return a, nil
}

// Run retries queued registrations until ctx is cancelled.
func (r *Registrar) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.retryPending(ctx)
		}
	}
}

// Pending returns the number of queued registrations.
func (r *Registrar) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registrar) enqueue(p *pendingArtifact) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= r.cfg.QueueLimit {
		return false
	}
	r.pending = append(r.pending, p)
	return true
}

// retryPending makes one attempt for every queued registration.
func (r *Registrar) retryPending(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, p := range batch {
		if ctx.Err() != nil {
			r.requeue(p)
			continue
		}
		p.attempts++
		r.retried.Add(ctx, 1)
		a, err := r.register(ctx, p.in)
		switch {
		case err == nil:
			r.logger.Info("artifacts: deferred registration stored",
				"session_id", a.SessionID, "artifact_id", a.ID, "sequence", a.Sequence, "attempts", p.attempts)
		case !retriable(err):
			r.dropped.Add(ctx, 1)
			r.logger.Warn("artifacts: deferred registration rejected",
				"session_id", p.in.SessionID, "storage_ref", p.in.StorageRef, "error", err)
			if errors.Is(err, model.ErrSessionClosed) {
				ingest.RecordLate(ctx, r.store, r.logger, p.in.SessionID, model.ItemArtifact, p.in)
			}
		case p.attempts >= r.cfg.MaxAttempts:
			r.dropped.Add(ctx, 1)
			r.logger.Error("artifacts: giving up on registration",
				"session_id", p.in.SessionID, "storage_ref", p.in.StorageRef, "attempts", p.attempts, "error", err)
		default:
			p.lastErr = err
			r.requeue(p)
		}
	}
}

func (r *Registrar) requeue(p *pendingArtifact) {
	r.mu.Lock()
	r.pending = append(r.pending, p)
	r.mu.Unlock()
}

// retriable reports whether err may clear on a later attempt. Caller
// mistakes and session state are final.
func retriable(err error) bool {
	var conflict *model.ConflictError
	switch {
	case model.IsValidation(err),
		errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrSessionClosed),
		errors.Is(err, model.ErrSessionNotStarted),
		errors.As(err, &conflict):
		return false
	}
	return true
}

func (r *Registrar) registerMetrics() {
	meter := telemetry.Meter("hibiki/artifacts")
	r.retried, _ = meter.Int64Counter("hibiki.artifacts.retries",
		metric.WithDescription("Background artifact registration attempts"),
	)
	r.dropped, _ = meter.Int64Counter("hibiki.artifacts.dropped",
		metric.WithDescription("Artifact registrations abandoned"),
	)
	_, _ = meter.Int64ObservableGauge("hibiki.artifacts.retry_queue",
		metric.WithDescription("Artifact registrations awaiting retry"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Pending()))
			return nil
		}),
	)
}
