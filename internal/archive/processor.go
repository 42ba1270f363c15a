package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/pkg/queue"
	"github.com/aura-live/backend/pkg/storage"
)

// Store persists archive records.
type Store interface {
	SaveRecord(ctx context.Context, rec Record, transcriptKey string) error
	SaveRevenue(ctx context.Context, upd RevenueUpdate) error
}

// ObjectUploader uploads one object. *storage.S3 implements it.
type ObjectUploader interface {
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64, publicRead bool) (string, error)
}

// JobSource is the consuming side of the job queue.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) (bool, error)
}

// Processor consumes archive jobs: transcript to S3, record to Postgres.
type Processor struct {
	store    Store
	uploader ObjectUploader
	bucket   string
	queue    JobSource
	backoff  time.Duration
	logger   *zap.Logger
}

// NewProcessor creates an archive processor. uploader may be nil, in which case
// transcripts are only kept in Postgres.
func NewProcessor(store Store, uploader ObjectUploader, bucket string, q JobSource, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: store, uploader: uploader, bucket: bucket, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// SetBackoff changes the pause after a failed job or dequeue error.
func (p *Processor) SetBackoff(d time.Duration) {
	if d > 0 {
		p.backoff = d
	}
}

// Process executes one job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeArchiveSession:
		var rec Record
		if err := json.Unmarshal(job.Payload, &rec); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		return p.archive(ctx, rec)
	case queue.JobTypeRevenueUpdate:
		var upd RevenueUpdate
		if err := json.Unmarshal(job.Payload, &upd); err != nil {
			return fmt.Errorf("unmarshal revenue update: %w", err)
		}
		if err := p.store.SaveRevenue(ctx, upd); err != nil {
			return fmt.Errorf("save revenue: %w", err)
		}
		p.logger.Info("archived revenue updated",
			zap.String("session_id", upd.Snapshot.SessionID.String()),
			zap.String("payment_ref", upd.Event.PaymentRef),
		)
		return nil
	}
	return fmt.Errorf("unknown job type: %s", job.Type)
}

func (p *Processor) archive(ctx context.Context, rec Record) error {
	key := ""
	if p.uploader != nil && len(rec.Transcript) > 0 {
		body, err := json.Marshal(rec.Transcript)
		if err != nil {
			return fmt.Errorf("marshal transcript: %w", err)
		}
		key = storage.TranscriptKey(rec.Session.ID.String())
		if _, err := p.uploader.Upload(ctx, p.bucket, key, "application/json", bytes.NewReader(body), int64(len(body)), false); err != nil {
			return fmt.Errorf("s3 upload: %w", err)
		}
	}
	if err := p.store.SaveRecord(ctx, rec, key); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	p.logger.Info("session archived",
		zap.String("session_id", rec.Session.ID.String()),
		zap.Int("messages", len(rec.Transcript)),
		zap.Int("polls", len(rec.Polls)),
		zap.Int("monetary_events", len(rec.Events)),
		zap.String("transcript_key", key),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed",
				zap.String("job_id", job.ID),
				zap.String("session_id", jobSessionID(job).String()),
				zap.Int("attempt", job.Attempt),
				zap.Error(err),
			)
			dead, reErr := p.queue.Retry(ctx, job)
			switch {
			case reErr != nil:
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			case dead:
				metrics.ArchiveJobsTotal.WithLabelValues(string(job.Type), "dead_lettered").Inc()
			default:
				metrics.ArchiveJobsTotal.WithLabelValues(string(job.Type), "retried").Inc()
			}
			p.sleep(ctx)
			continue
		}
		metrics.ArchiveJobsTotal.WithLabelValues(string(job.Type), "done").Inc()
	}
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// jobSessionID extracts the session id from either payload kind for logging.
func jobSessionID(job *queue.Job) uuid.UUID {
	var ids struct {
		Session struct {
			ID uuid.UUID `json:"id"`
		} `json:"session"`
		Snapshot struct {
			SessionID uuid.UUID `json:"session_id"`
		} `json:"snapshot"`
	}
	if err := json.Unmarshal(job.Payload, &ids); err != nil {
		return uuid.Nil
	}
	if ids.Session.ID != uuid.Nil {
		return ids.Session.ID
	}
	return ids.Snapshot.SessionID
}
