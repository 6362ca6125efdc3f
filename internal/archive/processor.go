package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/zclipper/console/internal/backend"
	"github.com/zclipper/console/internal/gallery"
	"github.com/zclipper/console/pkg/queue"
	"github.com/zclipper/console/pkg/storage"
)

// Downloader opens clip binaries on the backend.
type Downloader interface {
	DownloadClip(ctx context.Context, sessionID, clipID string) (*backend.Download, error)
}

// ObjectStore is where archived clips land.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Marker records archive results. Nil when the gallery is not configured.
type Marker interface {
	MarkArchived(ctx context.Context, sessionID, clipID, key string, at time.Time) error
}

// Jobs is the queue side the processor consumes.
type Jobs interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) (bool, error)
}

// Processor processes clip archive jobs: download from the backend, upload to S3, mark the gallery row.
type Processor struct {
	source  Downloader
	store   ObjectStore
	marker  Marker
	jobs    Jobs
	backoff time.Duration
	logger  *zap.Logger
}

// NewProcessor creates a clip archive processor. marker may be nil.
func NewProcessor(source Downloader, store ObjectStore, marker Marker, jobs Jobs, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{source: source, store: store, marker: marker, jobs: jobs, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one clip archive job. Clips already in the bucket are
// not downloaded again.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeClipArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ClipArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	key := storage.ClipKey(payload.SessionID, payload.ClipID, payload.Filename)

	exists, err := p.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		p.logger.Info("clip already archived", zap.String("clip_id", payload.ClipID), zap.String("s3_key", key))
	} else if err := p.copy(ctx, payload, key); err != nil {
		return err
	}

	if p.marker != nil {
		err := p.marker.MarkArchived(ctx, payload.SessionID, payload.ClipID, key, time.Now())
		switch {
		case errors.Is(err, gallery.ErrNotFound):
			p.logger.Debug("archived clip not in gallery", zap.String("clip_id", payload.ClipID))
		case err != nil:
			return fmt.Errorf("update gallery: %w", err)
		}
	}

	p.logger.Info("clip archive completed", zap.String("session_id", payload.SessionID), zap.String("clip_id", payload.ClipID), zap.String("s3_key", key))
	return nil
}

func (p *Processor) copy(ctx context.Context, payload queue.ClipArchivePayload, key string) error {
	dl, err := p.source.DownloadClip(ctx, payload.SessionID, payload.ClipID)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer dl.Body.Close()

	contentType := dl.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = storage.ContentTypeForKey(key)
	}
	if err := p.store.Upload(ctx, key, contentType, dl.Body, dl.ContentLength); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error. Jobs for
// sessions the backend no longer knows are dropped.
func (p *Processor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			p.logger.Info("archive worker stopping")
			return
		}

		job, err := p.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("dequeue error", zap.Error(err))
				p.sleep(ctx)
			}
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		err = p.Process(ctx, job)
		switch {
		case err == nil:
		case errors.Is(err, backend.ErrSessionNotFound):
			p.logger.Warn("dropping job for unknown clip", zap.String("job_id", job.ID), zap.Error(err))
		default:
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if _, reErr := p.jobs.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
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
