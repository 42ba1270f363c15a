package archive

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/queue"
)

// JobQueue is the part of queue.Queue the enqueuer needs.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType queue.JobType, payload any) (string, error)
}

// Enqueuer hands archive work to the worker through the job queue.
type Enqueuer struct {
	queue  JobQueue
	logger *zap.Logger
}

// NewEnqueuer creates an enqueuer.
func NewEnqueuer(q JobQueue, logger *zap.Logger) *Enqueuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enqueuer{queue: q, logger: logger}
}

// ArchiveSession enqueues the full record of an ended session.
func (e *Enqueuer) ArchiveSession(ctx context.Context, rec Record) error {
	id, err := e.queue.Enqueue(ctx, queue.JobTypeArchiveSession, rec)
	if err != nil {
		metrics.ArchiveJobsTotal.WithLabelValues(string(queue.JobTypeArchiveSession), "enqueue_failed").Inc()
		return fmt.Errorf("enqueue archive for session %s: %w", rec.Session.ID, err)
	}
	metrics.ArchiveJobsTotal.WithLabelValues(string(queue.JobTypeArchiveSession), "enqueued").Inc()
	e.logger.Info("session archive enqueued",
		zap.String("session_id", rec.Session.ID.String()),
		zap.String("job_id", id),
		zap.Int("messages", len(rec.Transcript)),
	)
	return nil
}

// UpdateRevenue enqueues a revenue re-persist after a late callback.
func (e *Enqueuer) UpdateRevenue(ctx context.Context, snap models.RevenueSnapshot, ev models.MonetaryEvent) error {
	id, err := e.queue.Enqueue(ctx, queue.JobTypeRevenueUpdate, RevenueUpdate{Snapshot: snap, Event: ev})
	if err != nil {
		metrics.ArchiveJobsTotal.WithLabelValues(string(queue.JobTypeRevenueUpdate), "enqueue_failed").Inc()
		return fmt.Errorf("enqueue revenue update for session %s: %w", snap.SessionID, err)
	}
	metrics.ArchiveJobsTotal.WithLabelValues(string(queue.JobTypeRevenueUpdate), "enqueued").Inc()
	e.logger.Info("revenue update enqueued",
		zap.String("session_id", snap.SessionID.String()),
		zap.String("payment_ref", ev.PaymentRef),
		zap.String("job_id", id),
	)
	return nil
}
