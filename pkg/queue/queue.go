// Package queue carries import job descriptors from the API to workers and
// tracks each job's status.
package queue

import (
	"context"
	"errors"
	"strings"

	"rosterhub/pkg/domain"
)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrInvalidJob  = errors.New("invalid job")
	ErrQueueClosed = errors.New("queue closed")
)

// Handler processes one job. The returned count is recorded as the number of
// imported rows; a non-nil error marks the job failed. Handlers are called at
// most once per job.
type Handler func(ctx context.Context, job domain.ImportJob) (int, error)

// JobQueue is implemented by RedisJobQueue and MemoryJobQueue.
type JobQueue interface {
	Enqueue(ctx context.Context, job domain.ImportJob) (domain.ImportJob, error)
	GetJob(ctx context.Context, id string) (domain.ImportJob, bool, error)
	Start(ctx context.Context, concurrency int, handler Handler)
}

func validateJob(job domain.ImportJob) error {
	switch {
	case strings.TrimSpace(job.ID) == "":
		return errors.Join(ErrInvalidJob, errors.New("id required"))
	case strings.TrimSpace(job.OwnerID) == "":
		return errors.Join(ErrInvalidJob, errors.New("owner required"))
	case strings.TrimSpace(job.FileKey) == "":
		return errors.Join(ErrInvalidJob, errors.New("file key required"))
	}
	return nil
}
