package queue

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestNewJobEnvelope(t *testing.T) {
	job, err := NewJob(JobTypeClipArchive, ClipArchivePayload{SessionID: "s1", ClipID: "c1"})
	if err != nil {
		t.Fatalf("NewJob() error = %v", err)
	}
	if _, err := uuid.Parse(job.ID); err != nil {
		t.Errorf("job ID %q is not a uuid", job.ID)
	}
	if job.Attempt != 0 || job.Type != JobTypeClipArchive {
		t.Errorf("job = %+v", job)
	}
	if string(job.Payload) != `{"session_id":"s1","clip_id":"c1"}` {
		t.Errorf("payload = %s", job.Payload)
	}
}

func TestEnqueueRejectsIncompletePayload(t *testing.T) {
	q := NewQueue(nil, nil)
	if _, err := q.EnqueueClipArchive(context.Background(), ClipArchivePayload{SessionID: "s1"}); err == nil {
		t.Fatal("expected error for missing clip_id")
	}
}

// TestRetryMovesToDLQ needs a scratch Redis database in TEST_REDIS_ADDR.
func TestRetryMovesToDLQ(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	q := NewQueue(rdb, nil)

	id, err := q.EnqueueClipArchive(ctx, ClipArchivePayload{SessionID: "s1", ClipID: "c1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		job, err := q.Dequeue(ctx)
		if err != nil || job == nil || job.ID != id {
			t.Fatalf("attempt %d: dequeue = %+v, %v", attempt, job, err)
		}
		dead, err := q.Retry(ctx, job)
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		if dead != (attempt == MaxRetries) {
			t.Fatalf("attempt %d: dead = %v", attempt, dead)
		}
	}
	pending, dead, err := q.Depth(ctx)
	if err != nil || pending != 0 || dead != 1 {
		t.Fatalf("depth = %d/%d, %v", pending, dead, err)
	}
}
