package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"rosterhub/internal/util"
	"rosterhub/pkg/domain"
)

var (
	// errAbandoned marks a job whose worker died mid-run.
	errAbandoned = errors.New("import abandoned: worker stopped before finishing")
	// errFinished is returned when a status write would replace a terminal one.
	errFinished = errors.New("job already finished")
)

// AbandonFunc is told about a job that was given up on after its worker
// stopped heartbeating. No handler will run for it again.
type AbandonFunc func(ctx context.Context, job domain.ImportJob, reason error)

type RedisQueueConfig struct {
	Stream      string
	Group       string
	Consumer    string
	JobTTL      time.Duration
	MaxAttempts int
	Block       time.Duration
	ClaimIdle   time.Duration
	MaxLen      int64
	ReadCount   int64
	ClaimCount  int64
	// OnAbandoned is optional.
	OnAbandoned AbandonFunc
}

// RedisJobQueue is a Redis Streams consumer-group queue. Job status lives in
// a hash per job that expires after JobTTL.
type RedisJobQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxAttempts  int
	block        time.Duration
	claimIdle    time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	onAbandoned  AbandonFunc
	once         sync.Once
	wg           sync.WaitGroup
}

func NewRedisJobQueue(client redis.UniversalClient, cfg RedisQueueConfig) (*RedisJobQueue, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	q := &RedisJobQueue{
		client:       client,
		stream:       stream,
		group:        strings.TrimSpace(cfg.Group),
		consumerBase: strings.TrimSpace(cfg.Consumer),
		jobTTL:       cfg.JobTTL,
		maxAttempts:  cfg.MaxAttempts,
		block:        cfg.Block,
		claimIdle:    cfg.ClaimIdle,
		maxLen:       cfg.MaxLen,
		readCount:    cfg.ReadCount,
		claimCount:   cfg.ClaimCount,
		onAbandoned:  cfg.OnAbandoned,
	}
	if q.group == "" {
		q.group = "importers"
	}
	if q.consumerBase == "" {
		q.consumerBase = util.NewID()
	}
	if q.jobTTL <= 0 {
		q.jobTTL = 24 * time.Hour
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 1
	}
	if q.block <= 0 {
		q.block = 5 * time.Second
	}
	if q.claimIdle <= 0 {
		q.claimIdle = 5 * time.Minute
	}
	if q.maxLen <= 0 {
		q.maxLen = 10000
	}
	if q.readCount <= 0 {
		q.readCount = 10
	}
	if q.claimCount <= 0 {
		q.claimCount = 10
	}
	return q, nil
}

// Enqueue records the job as queued and appends it to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, job domain.ImportJob) (domain.ImportJob, error) {
	if err := validateJob(job); err != nil {
		return domain.ImportJob{}, err
	}
	now := time.Now().UTC()
	job.Status = domain.ImportQueued
	job.Error = ""
	job.Imported = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := q.writeStatus(ctx, job, 0); err != nil {
		return domain.ImportJob{}, fmt.Errorf("write job status: %w", err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: messageValues(job),
	}).Err(); err != nil {
		return domain.ImportJob{}, fmt.Errorf("xadd: %w", err)
	}
	return job, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, id string) (domain.ImportJob, bool, error) {
	job, _, ok, err := q.readStatus(ctx, id)
	return job, ok, err
}

// Start launches concurrency consumers that run until ctx is cancelled.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.consumeLoop(ctx, consumer, handler)
		}()
	}
}

// Wait blocks until every consumer started by Start has returned.
func (q *RedisJobQueue) Wait() { q.wg.Wait() }

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		// "0" so jobs enqueued before the first worker started are delivered.
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("create consumer group", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, consumer, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				slog.Warn("xreadgroup", "consumer", consumer, "err", err)
				q.sleep(ctx, time.Second)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, consumer, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// claimPending takes over messages left unacknowledged by consumers that died.
func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, consumer string, msg redis.XMessage, handler Handler) {
	job := jobFromMessage(msg)
	if err := validateJob(job); err != nil {
		slog.Warn("dropping malformed queue message", "msg_id", msg.ID, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	stored, attempts, ok, err := q.readStatus(ctx, job.ID)
	if err != nil {
		slog.Error("read job status", "job_id", job.ID, "err", err)
		return
	}
	if ok {
		switch {
		case stored.Status.Terminal():
			// Finished, but the ack never landed.
			q.ackAndDel(ctx, msg.ID)
			return
		case stored.Status == domain.ImportRunning && time.Since(stored.UpdatedAt) < q.claimIdle:
			// The owner is still heartbeating and will reclaim the message.
			return
		}
		stored.FileKey = job.FileKey
		job = stored
	}
	if attempts >= q.maxAttempts {
		q.abandon(ctx, job, msg.ID, attempts)
		return
	}
	job, err = q.markRunning(ctx, job, attempts+1)
	if err != nil {
		slog.Error("mark job running", "job_id", job.ID, "err", err)
		return
	}

	// A started job runs to completion; cancelling ctx only stops consumption.
	runCtx := context.WithoutCancel(ctx)
	stop := q.heartbeat(runCtx, consumer, msg.ID, job.ID)
	imported, herr := handler(runCtx, job)
	stop()
	finishCtx, cancel := context.WithTimeout(runCtx, 5*time.Second)
	defer cancel()
	if err := q.markFinished(finishCtx, job, imported, herr); err != nil {
		slog.Error("mark job finished", "job_id", job.ID, "err", err)
	}
	q.ackAndDel(finishCtx, msg.ID)
}

func (q *RedisJobQueue) abandon(ctx context.Context, job domain.ImportJob, msgID string, attempts int) {
	err := q.markFinished(ctx, job, 0, errAbandoned)
	switch {
	case errors.Is(err, errFinished):
	case err != nil:
		slog.Error("mark job abandoned", "job_id", job.ID, "err", err)
		return
	default:
		slog.Warn("import job abandoned", "job_id", job.ID, "attempts", attempts)
		if q.onAbandoned != nil {
			q.onAbandoned(context.WithoutCancel(ctx), job, errAbandoned)
		}
	}
	q.ackAndDel(ctx, msgID)
}

// heartbeat keeps msgID claimed by consumer and the job's updated_at fresh
// until stop is called, so claimPending elsewhere never sees a live job idle.
func (q *RedisJobQueue) heartbeat(ctx context.Context, consumer, msgID, jobID string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(q.claimIdle/3, 10*time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.touch(ctx, consumer, msgID, jobID); err != nil && ctx.Err() == nil {
					slog.Warn("import heartbeat", "job_id", jobID, "err", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (q *RedisJobQueue) touch(ctx context.Context, consumer, msgID, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		Messages: []string{msgID},
	})
	pipe.HSet(ctx, q.jobKey(jobID), "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("ack queue message", "msg_id", msgID, "err", err)
	}
}

func (q *RedisJobQueue) markRunning(ctx context.Context, job domain.ImportJob, attempts int) (domain.ImportJob, error) {
	job.Status = domain.ImportRunning
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	return job, q.writeStatus(ctx, job, attempts)
}

// markFinished records the outcome unless the job already has one.
func (q *RedisJobQueue) markFinished(ctx context.Context, job domain.ImportJob, imported int, jobErr error) error {
	key := q.jobKey(job.ID)
	return q.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		stored, attempts := decodeJob(job.ID, data)
		if stored.Status.Terminal() {
			return errFinished
		}
		job.Imported = imported
		job.Status = domain.ImportSucceeded
		job.Error = ""
		if jobErr != nil {
			job.Status = domain.ImportFailed
			job.Error = jobErr.Error()
		}
		job.UpdatedAt = time.Now().UTC()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			q.queueStatus(ctx, pipe, job, attempts)
			return nil
		})
		return err
	}, key)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job domain.ImportJob, attempts int) error {
	pipe := q.client.TxPipeline()
	q.queueStatus(ctx, pipe, job, attempts)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) queueStatus(ctx context.Context, pipe redis.Pipeliner, job domain.ImportJob, attempts int) {
	key := q.jobKey(job.ID)
	pipe.HSet(ctx, key, map[string]any{
		"owner_id":      job.OwnerID,
		"file_key":      job.FileKey,
		"original_name": job.OriginalName,
		"mime_type":     job.MimeType,
		"status":        string(job.Status),
		"error":         job.Error,
		"imported":      strconv.Itoa(job.Imported),
		"attempts":      strconv.Itoa(attempts),
		"created_at":    job.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    job.UpdatedAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, q.jobTTL)
}

func (q *RedisJobQueue) readStatus(ctx context.Context, id string) (domain.ImportJob, int, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ImportJob{}, 0, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return domain.ImportJob{}, 0, false, err
	}
	if len(data) == 0 {
		return domain.ImportJob{}, 0, false, nil
	}
	job, attempts := decodeJob(id, data)
	return job, attempts, true, nil
}

func (q *RedisJobQueue) jobKey(id string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, id)
}

func messageValues(job domain.ImportJob) map[string]any {
	return map[string]any{
		"job_id":        job.ID,
		"owner_id":      job.OwnerID,
		"file_key":      job.FileKey,
		"original_name": job.OriginalName,
		"mime_type":     job.MimeType,
	}
}

func jobFromMessage(msg redis.XMessage) domain.ImportJob {
	str := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}
	return domain.ImportJob{
		ID:           str("job_id"),
		OwnerID:      str("owner_id"),
		FileKey:      str("file_key"),
		OriginalName: str("original_name"),
		MimeType:     str("mime_type"),
	}
}

func decodeJob(id string, data map[string]string) (domain.ImportJob, int) {
	job := domain.ImportJob{
		ID:           id,
		OwnerID:      data["owner_id"],
		FileKey:      data["file_key"],
		OriginalName: data["original_name"],
		MimeType:     data["mime_type"],
		Status:       domain.ImportStatus(data["status"]),
		Error:        data["error"],
	}
	job.Imported, _ = strconv.Atoi(data["imported"])
	attempts, _ := strconv.Atoi(data["attempts"])
	if t, err := time.Parse(time.RFC3339Nano, data["created_at"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updated_at"]); err == nil {
		job.UpdatedAt = t
	}
	return job, attempts
}
