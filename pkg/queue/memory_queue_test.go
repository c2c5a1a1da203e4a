package queue

import (
	"context"
	"errors"
	"testing"

	"rosterhub/pkg/domain"
)

func TestMemoryJobQueueLifecycle(t *testing.T) {
	q := NewMemoryJobQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); q.Wait() }()

	if _, err := q.Enqueue(ctx, sampleJob("ok")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, sampleJob("bad")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job, ok, _ := q.GetJob(ctx, "ok"); !ok || job.Status != domain.ImportQueued {
		t.Fatalf("job before start = %+v", job)
	}

	q.Start(ctx, 2, func(_ context.Context, job domain.ImportJob) (int, error) {
		if job.ID == "bad" {
			return 0, errors.New("boom")
		}
		return 5, nil
	})

	if job := waitForStatus(t, q, "ok", domain.ImportSucceeded); job.Imported != 5 {
		t.Fatalf("imported = %d", job.Imported)
	}
	if job := waitForStatus(t, q, "bad", domain.ImportFailed); job.Error != "boom" {
		t.Fatalf("error = %q", job.Error)
	}
}

func TestMemoryJobQueueFull(t *testing.T) {
	q := NewMemoryJobQueue(1)
	if _, err := q.Enqueue(context.Background(), sampleJob("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), sampleJob("b")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v", err)
	}
}
