package gallery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zclipper/console/internal/models"
)

// ErrNotFound is returned when a clip has never been observed.
var ErrNotFound = errors.New("clip not in gallery")

// Entry is a gallery row: the observed clip plus its archive state.
type Entry struct {
	models.Clip
	ObservedAt time.Time  `json:"observed_at"`
	ArchiveKey string     `json:"archive_key,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// Repository handles clip gallery persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a gallery repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert records the latest known state of observed clips. Archive columns
// are left untouched.
func (r *Repository) Upsert(ctx context.Context, clips []models.Clip) error {
	if len(clips) == 0 {
		return nil
	}
	const query = `INSERT INTO clips (session_id, clip_id, filename, duration, size_mb, viral_score, status, thumbnail_url, clip_created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, clip_id) DO UPDATE SET
			filename = EXCLUDED.filename,
			duration = EXCLUDED.duration,
			size_mb = EXCLUDED.size_mb,
			viral_score = EXCLUDED.viral_score,
			status = EXCLUDED.status,
			thumbnail_url = EXCLUDED.thumbnail_url`

	batch := &pgx.Batch{}
	for _, c := range clips {
		var score float64
		if c.Metrics != nil {
			score = c.Metrics.ViralScore
		}
		batch.Queue(query, c.SessionID, c.ID, c.Filename, c.Duration, c.SizeMB, score, string(c.Status), c.ThumbnailURL, c.CreatedAt)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert clips: %w", err)
	}
	return nil
}

// List returns the most recent clips across sessions, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `SELECT session_id, clip_id, filename, duration, size_mb, viral_score, status, thumbnail_url,
			clip_created_at, observed_at, COALESCE(archive_key, ''), archived_at
		FROM clips ORDER BY clip_created_at DESC, clip_id LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []Entry
	for rows.Next() {
		var e Entry
		var score float64
		var status string
		if err := rows.Scan(&e.SessionID, &e.ID, &e.Filename, &e.Duration, &e.SizeMB, &score, &status, &e.ThumbnailURL,
			&e.CreatedAt, &e.ObservedAt, &e.ArchiveKey, &e.ArchivedAt); err != nil {
			return nil, err
		}
		e.Status = models.ClipStatus(status)
		e.Metrics = &models.ViralMetrics{ViralScore: score}
		list = append(list, e)
	}
	return list, rows.Err()
}

// MarkArchived stores the object key a clip was archived under.
func (r *Repository) MarkArchived(ctx context.Context, sessionID, clipID, key string, at time.Time) error {
	const query = `UPDATE clips SET archive_key = $3, archived_at = $4 WHERE session_id = $1 AND clip_id = $2`
	tag, err := r.pool.Exec(ctx, query, sessionID, clipID, key, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
