package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"rosterhub/pkg/domain"
)

func newTestRedisQueue(t *testing.T) (*RedisJobQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return newQueueOn(t, mr, RedisQueueConfig{Consumer: "worker"}), mr
}

func newQueueOn(t *testing.T, mr *miniredis.Miniredis, cfg RedisQueueConfig) *RedisJobQueue {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg.Stream = "test:imports"
	cfg.Group = "test"
	if cfg.Block == 0 {
		cfg.Block = 50 * time.Millisecond
	}
	q, err := NewRedisJobQueue(client, cfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func sampleJob(id string) domain.ImportJob {
	return domain.ImportJob{
		ID:           id,
		OwnerID:      "owner-1",
		FileKey:      "imports/" + id + "/roster.csv",
		OriginalName: "roster.csv",
		MimeType:     "text/csv",
	}
}

func waitForStatus(t *testing.T, q JobQueue, id string, want domain.ImportStatus) domain.ImportJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := q.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return domain.ImportJob{}
}

func TestRedisJobQueueRunsJobToSuccess(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); q.Wait() }()

	queued, err := q.Enqueue(ctx, sampleJob("job-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if queued.Status != domain.ImportQueued {
		t.Fatalf("status = %s", queued.Status)
	}

	seen := make(chan domain.ImportJob, 1)
	q.Start(ctx, 1, func(_ context.Context, job domain.ImportJob) (int, error) {
		seen <- job
		return 3, nil
	})

	done := waitForStatus(t, q, "job-1", domain.ImportSucceeded)
	if done.Imported != 3 || done.Error != "" {
		t.Fatalf("unexpected terminal job %+v", done)
	}
	got := <-seen
	if got.FileKey != "imports/job-1/roster.csv" || got.OriginalName != "roster.csv" || got.MimeType != "text/csv" {
		t.Fatalf("handler saw %+v", got)
	}
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 0 {
		t.Fatalf("stream still holds %d messages", n)
	}
}

func TestRedisJobQueueDoesNotRetryFailedJobs(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); q.Wait() }()

	var calls atomic.Int32
	q.Start(ctx, 2, func(context.Context, domain.ImportJob) (int, error) {
		calls.Add(1)
		return 0, errors.New("duplicate cpf \"11111111111\"")
	})
	if _, err := q.Enqueue(ctx, sampleJob("job-2")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	failed := waitForStatus(t, q, "job-2", domain.ImportFailed)
	if failed.Error != "duplicate cpf \"11111111111\"" {
		t.Fatalf("error = %q", failed.Error)
	}
	time.Sleep(150 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("handler called %d times, want 1", calls.Load())
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("pending = %d", pending.Count)
	}
}

// readAs delivers the next stream message to consumer without running it.
func readAs(t *testing.T, q *RedisJobQueue, consumer string) redis.XMessage {
	t.Helper()
	streams, err := q.client.XReadGroup(context.Background(), &redis.XReadGroupArgs{
		Group: q.group, Consumer: consumer, Streams: []string{q.stream, ">"}, Count: 1,
	}).Result()
	if err != nil || len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("read: %v", err)
	}
	return streams[0].Messages[0]
}

func TestRedisJobQueueAbandonsRedeliveredJob(t *testing.T) {
	mr := miniredis.RunT(t)
	var abandoned []domain.ImportJob
	q := newQueueOn(t, mr, RedisQueueConfig{
		Consumer: "worker",
		OnAbandoned: func(_ context.Context, job domain.ImportJob, reason error) {
			if !errors.Is(reason, errAbandoned) {
				t.Errorf("reason = %v", reason)
			}
			abandoned = append(abandoned, job)
		},
	})
	ctx := context.Background()
	q.ensureGroup(ctx)

	job := sampleJob("job-3")
	if _, err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// A worker marked the job running, then died and stopped heartbeating.
	running, err := q.markRunning(ctx, job, 1)
	if err != nil {
		t.Fatalf("mark running: %v", err)
	}
	running.UpdatedAt = time.Now().Add(-time.Hour)
	if err := q.writeStatus(ctx, running, 1); err != nil {
		t.Fatalf("write status: %v", err)
	}
	msg := readAs(t, q, "dead")

	called := false
	q.handleMessage(ctx, "worker-0", msg, func(context.Context, domain.ImportJob) (int, error) {
		called = true
		return 0, nil
	})
	if called {
		t.Fatal("a job must not run twice")
	}
	got, _, _ := q.GetJob(ctx, "job-3")
	if got.Status != domain.ImportFailed || got.Error != errAbandoned.Error() {
		t.Fatalf("unexpected job %+v", got)
	}
	if len(abandoned) != 1 || abandoned[0].FileKey != job.FileKey || abandoned[0].OwnerID != job.OwnerID {
		t.Fatalf("abandon hook saw %+v", abandoned)
	}
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 0 {
		t.Fatalf("stream length = %d", n)
	}
}

func TestRedisJobQueueLeavesFreshRunningJobToItsOwner(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()
	q.ensureGroup(ctx)

	job := sampleJob("job-6")
	if _, err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.markRunning(ctx, job, 1); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	msg := readAs(t, q, "owner")

	q.handleMessage(ctx, "other", msg, func(context.Context, domain.ImportJob) (int, error) {
		t.Fatal("a running job must not start again")
		return 0, nil
	})
	got, _, _ := q.GetJob(ctx, "job-6")
	if got.Status != domain.ImportRunning {
		t.Fatalf("status = %s", got.Status)
	}
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 1 {
		t.Fatalf("message should stay pending, stream length = %d", n)
	}
}

func TestRedisJobQueueKeepsLongRunningJobClaimed(t *testing.T) {
	mr := miniredis.RunT(t)
	var abandoned atomic.Int32
	onAbandoned := func(context.Context, domain.ImportJob, error) { abandoned.Add(1) }
	cfg := func(consumer string) RedisQueueConfig {
		return RedisQueueConfig{
			Consumer:    consumer,
			Block:       20 * time.Millisecond,
			ClaimIdle:   100 * time.Millisecond,
			OnAbandoned: onAbandoned,
		}
	}
	first := newQueueOn(t, mr, cfg("a"))
	second := newQueueOn(t, mr, cfg("b"))

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	var unblock sync.Once
	defer func() {
		unblock.Do(func() { close(release) })
		cancel()
		first.Wait()
		second.Wait()
	}()

	var calls atomic.Int32
	started := make(chan struct{}, 2)
	handler := func(context.Context, domain.ImportJob) (int, error) {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return 2, nil
	}
	if _, err := first.Enqueue(ctx, sampleJob("job-7")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first.Start(ctx, 1, handler)
	second.Start(ctx, 1, handler)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}
	// Several claim windows pass while the handler is busy.
	time.Sleep(500 * time.Millisecond)
	running, _, err := first.GetJob(ctx, "job-7")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if running.Status != domain.ImportRunning {
		t.Fatalf("status while running = %s (%q)", running.Status, running.Error)
	}
	unblock.Do(func() { close(release) })

	done := waitForStatus(t, first, "job-7", domain.ImportSucceeded)
	if done.Imported != 2 {
		t.Fatalf("imported = %d", done.Imported)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler called %d times, want 1", calls.Load())
	}
	if abandoned.Load() != 0 {
		t.Fatalf("live job was abandoned %d times", abandoned.Load())
	}
}

func TestMarkFinishedKeepsTerminalStatus(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, sampleJob("job-8"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.markFinished(ctx, job, 4, nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := q.markFinished(ctx, job, 0, errAbandoned); !errors.Is(err, errFinished) {
		t.Fatalf("err = %v, want errFinished", err)
	}
	got, _, _ := q.GetJob(ctx, "job-8")
	if got.Status != domain.ImportSucceeded || got.Imported != 4 || got.Error != "" {
		t.Fatalf("terminal status overwritten: %+v", got)
	}
}

func TestRedisJobQueueAcksRedeliveredFinishedJob(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()
	q.ensureGroup(ctx)
	job, err := q.Enqueue(ctx, sampleJob("job-9"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg := readAs(t, q, "dead")
	if err := q.markFinished(ctx, job, 1, nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
	q.handleMessage(ctx, "worker-0", msg, func(context.Context, domain.ImportJob) (int, error) {
		t.Fatal("a finished job must not run again")
		return 0, nil
	})
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 0 {
		t.Fatalf("stream length = %d", n)
	}
}

func TestRedisJobQueueDropsMalformedMessages(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()
	q.ensureGroup(ctx)
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: map[string]any{"job_id": "x"}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	q.handleMessage(ctx, "c", readAs(t, q, "c"), func(context.Context, domain.ImportJob) (int, error) {
		t.Fatal("handler must not see malformed jobs")
		return 0, nil
	})
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 0 {
		t.Fatalf("stream length = %d", n)
	}
}

func TestRedisJobQueueStatusExpires(t *testing.T) {
	q, mr := newTestRedisQueue(t)
	if _, err := q.Enqueue(context.Background(), sampleJob("job-4")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	mr.FastForward(25 * time.Hour)
	if _, ok, _ := q.GetJob(context.Background(), "job-4"); ok {
		t.Fatal("status should expire with the job ttl")
	}
}

func TestEnqueueRejectsIncompleteJobs(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	job := sampleJob("job-5")
	job.FileKey = ""
	if _, err := q.Enqueue(context.Background(), job); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("err = %v", err)
	}
}
