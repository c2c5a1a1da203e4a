package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rosterhub/pkg/domain"
)

// MemoryJobQueue runs jobs on in-process goroutines. Jobs are lost on restart.
type MemoryJobQueue struct {
	mu    sync.RWMutex
	jobs  map[string]domain.ImportJob
	ch    chan domain.ImportJob
	wg    sync.WaitGroup
	start sync.Once
}

// NewMemoryJobQueue buffers up to size pending jobs.
func NewMemoryJobQueue(size int) *MemoryJobQueue {
	if size <= 0 {
		size = 100
	}
	return &MemoryJobQueue{
		jobs: make(map[string]domain.ImportJob),
		ch:   make(chan domain.ImportJob, size),
	}
}

func (q *MemoryJobQueue) Enqueue(_ context.Context, job domain.ImportJob) (domain.ImportJob, error) {
	if err := validateJob(job); err != nil {
		return domain.ImportJob{}, err
	}
	now := time.Now().UTC()
	job.Status = domain.ImportQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case q.ch <- job:
	default:
		return domain.ImportJob{}, ErrQueueFull
	}
	q.jobs[job.ID] = job
	return job, nil
}

func (q *MemoryJobQueue) GetJob(_ context.Context, id string) (domain.ImportJob, bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	return job, ok, nil
}

// Start launches the workers once. Later calls are ignored.
func (q *MemoryJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.start.Do(func() {
		for i := 0; i < concurrency; i++ {
			q.wg.Add(1)
			go func() {
				defer q.wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case job := <-q.ch:
						q.run(ctx, job, handler)
					}
				}
			}()
		}
	})
}

// Wait blocks until all workers have stopped.
func (q *MemoryJobQueue) Wait() { q.wg.Wait() }

func (q *MemoryJobQueue) run(ctx context.Context, job domain.ImportJob, handler Handler) {
	q.update(job.ID, func(j *domain.ImportJob) { j.Status = domain.ImportRunning })
	imported, err := handler(context.WithoutCancel(ctx), job)
	q.update(job.ID, func(j *domain.ImportJob) {
		j.Imported = imported
		j.Status = domain.ImportSucceeded
		if err != nil {
			j.Status = domain.ImportFailed
			j.Error = err.Error()
		}
	})
	if err != nil {
		slog.Debug("import job failed", "job_id", job.ID, "err", err)
	}
}

func (q *MemoryJobQueue) update(id string, fn func(*domain.ImportJob)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := q.jobs[id]
	fn(&job)
	job.UpdatedAt = time.Now().UTC()
	q.jobs[id] = job
}
