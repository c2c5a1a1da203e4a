// Package app runs the import workers and the upload sweeper.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"rosterhub/pkg/domain"
	"rosterhub/pkg/importer"
	"rosterhub/pkg/queue"
	"rosterhub/pkg/storage"
)

var ErrJobNotFound = errors.New("import job not found")

// Queue is the consumer side of a job queue.
type Queue interface {
	Start(ctx context.Context, concurrency int, handler queue.Handler)
	GetJob(ctx context.Context, id string) (domain.ImportJob, bool, error)
	Wait()
}

// Config wires the worker dependencies.
type Config struct {
	Queue       Queue
	Job         *importer.Job
	Blobs       storage.BlobStorage
	Concurrency int
	// UploadMaxAge is how long an upload may sit in storage before the
	// sweeper removes it.
	UploadMaxAge  time.Duration
	SweepSchedule string
	Logger        *slog.Logger
}

// App owns the worker lifecycle.
type App struct {
	queue        Queue
	job          *importer.Job
	blobs        storage.BlobStorage
	concurrency  int
	uploadMaxAge time.Duration
	schedule     string
	logger       *slog.Logger
	now          func() time.Time
}

func New(cfg Config) (*App, error) {
	switch {
	case cfg.Queue == nil:
		return nil, errors.New("job queue required")
	case cfg.Job == nil:
		return nil, errors.New("import job required")
	case cfg.Blobs == nil:
		return nil, errors.New("blob storage required")
	}
	a := &App{
		queue:        cfg.Queue,
		job:          cfg.Job,
		blobs:        cfg.Blobs,
		concurrency:  cfg.Concurrency,
		uploadMaxAge: cfg.UploadMaxAge,
		schedule:     strings.TrimSpace(cfg.SweepSchedule),
		logger:       cfg.Logger,
		now:          time.Now,
	}
	if a.concurrency <= 0 {
		a.concurrency = 1
	}
	if a.uploadMaxAge <= 0 {
		a.uploadMaxAge = 24 * time.Hour
	}
	if a.schedule == "" {
		a.schedule = "@hourly"
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

// Run consumes jobs and sweeps stale uploads until ctx is cancelled. It
// returns once in-flight jobs have finished.
func (a *App) Run(ctx context.Context) error {
	scheduler := cron.New(
		cron.WithLogger(cronLogger{a.logger}),
		cron.WithChain(cron.Recover(cronLogger{a.logger})),
	)
	if _, err := scheduler.AddFunc(a.schedule, func() { a.sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule upload sweep: %w", err)
	}

	a.queue.Start(ctx, a.concurrency, a.job.Handler())
	scheduler.Start()
	a.logger.Info("importer started", "concurrency", a.concurrency, "sweep", a.schedule)

	<-ctx.Done()
	<-scheduler.Stop().Done()
	a.queue.Wait()
	a.logger.Info("importer stopped")
	return nil
}

// SweepUploads removes uploads older than the configured max age and returns
// how many were removed.
func (a *App) SweepUploads(ctx context.Context) (int, error) {
	cutoff := a.now().Add(-a.uploadMaxAge)
	return a.blobs.Sweep(ctx, storage.ImportPrefix, cutoff)
}

func (a *App) sweep(ctx context.Context) {
	removed, err := a.SweepUploads(ctx)
	if err != nil {
		a.logger.Warn("upload sweep failed", "err", err)
		return
	}
	if removed > 0 {
		a.logger.Info("removed stale uploads", "count", removed)
	}
}

// GetJob returns the status of an import job regardless of owner.
func (a *App) GetJob(ctx context.Context, id string) (domain.ImportJob, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ImportJob{}, ErrJobNotFound
	}
	job, ok, err := a.queue.GetJob(ctx, id)
	if err != nil {
		return domain.ImportJob{}, domain.Infra("get import job", err)
	}
	if !ok {
		return domain.ImportJob{}, ErrJobNotFound
	}
	return job, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
