package importer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"rosterhub/internal/util"
	"rosterhub/pkg/domain"
)

// BlobStorage is the part of the upload store a job needs.
type BlobStorage interface {
	Fetch(ctx context.Context, key string) (localPath string, release func(), err error)
	Delete(ctx context.Context, key string) error
}

// CacheStore drops an owner's cached collaborator list.
type CacheStore interface {
	Forget(ctx context.Context, userID string) error
}

// Notifier tells the owner how the import ended.
type Notifier interface {
	ImportSucceeded(ctx context.Context, ownerID, fileName string, imported int) error
	ImportFailed(ctx context.Context, ownerID, fileName, reason string) error
}

// Request is the serializable job descriptor.
type Request struct {
	JobID        string
	OwnerID      string
	FileKey      string
	OriginalName string
	MimeType     string
}

// RequestFromJob builds a Request from a queued job.
func RequestFromJob(job domain.ImportJob) Request {
	return Request{
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		FileKey:      job.FileKey,
		OriginalName: job.OriginalName,
		MimeType:     job.MimeType,
	}
}

// Kind classifies why a job failed.
type Kind string

const (
	KindNone           Kind = ""
	KindParse          Kind = "parse"
	KindConflict       Kind = "conflict"
	KindInvalidRow     Kind = "invalid_row"
	KindInfrastructure Kind = "infrastructure"
	KindTimeout        Kind = "timeout"
)

// Outcome is the terminal state of one run.
type Outcome struct {
	Status   domain.ImportStatus
	Imported int
	Err      error
	Kind     Kind
}

// JobConfig wires a Job. Importer, Blobs, Cache and Notifier are required.
type JobConfig struct {
	Importer *Importer
	Blobs    BlobStorage
	Cache    CacheStore
	Notifier Notifier
	// Timeout bounds a run. Zero means no limit.
	Timeout time.Duration
}

// Job runs one import attempt end to end. Failures never escape Run; they are
// reported to the owner and returned in the Outcome.
type Job struct {
	importer *Importer
	blobs    BlobStorage
	cache    CacheStore
	notifier Notifier
	timeout  time.Duration
}

// NewJob validates cfg and builds a Job.
func NewJob(cfg JobConfig) (*Job, error) {
	switch {
	case cfg.Importer == nil:
		return nil, errors.New("importer required")
	case cfg.Blobs == nil:
		return nil, errors.New("blob storage required")
	case cfg.Cache == nil:
		return nil, errors.New("cache required")
	case cfg.Notifier == nil:
		return nil, errors.New("notifier required")
	}
	return &Job{
		importer: cfg.Importer,
		blobs:    cfg.Blobs,
		cache:    cfg.Cache,
		notifier: cfg.Notifier,
		timeout:  cfg.Timeout,
	}, nil
}

// Run fetches the upload, imports it, invalidates the owner's cache on success,
// notifies the owner and finally removes the upload.
func (j *Job) Run(ctx context.Context, req Request) Outcome {
	logger := util.LoggerFromContext(ctx).With("job_id", req.JobID, "owner_id", req.OwnerID)
	fileName := req.fileName()
	// Cleanup and notification must outlive a timed out run.
	bg := context.WithoutCancel(ctx)

	runCtx := ctx
	if j.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	started := time.Now()
	logger.Info("import started", "file", fileName)

	release := func() {}
	defer func() {
		release()
		delCtx, cancel := context.WithTimeout(bg, 10*time.Second)
		defer cancel()
		if err := j.blobs.Delete(delCtx, req.FileKey); err != nil {
			logger.Warn("delete upload failed", "key", req.FileKey, "err", err)
		}
	}()

	out := j.importFile(runCtx, req, &release)
	if out.Err == nil {
		if err := j.cache.Forget(bg, req.OwnerID); err != nil {
			logger.Warn("cache forget failed", "err", err)
		}
		if err := j.notifier.ImportSucceeded(bg, req.OwnerID, fileName, out.Imported); err != nil {
			logger.Error("queue success mail failed", "err", err)
		}
		logger.Info("import succeeded", "file", fileName, "rows", out.Imported, "elapsed", time.Since(started).String())
		return out
	}

	if err := j.notifier.ImportFailed(bg, req.OwnerID, fileName, out.Err.Error()); err != nil {
		logger.Error("queue failure mail failed", "err", err)
	}
	logger.Error("import failed", "file", fileName, "kind", string(out.Kind), "rows", out.Imported, "err", out.Err)
	return out
}

// Abandoned reports a job whose worker stopped mid-run. The owner gets the
// failure mail and the upload is removed, since no run will reach its cleanup.
func (j *Job) Abandoned(ctx context.Context, job domain.ImportJob, reason error) {
	req := RequestFromJob(job)
	logger := util.LoggerFromContext(ctx).With("job_id", req.JobID, "owner_id", req.OwnerID)
	if err := j.notifier.ImportFailed(ctx, req.OwnerID, req.fileName(), reason.Error()); err != nil {
		logger.Error("queue failure mail failed", "err", err)
	}
	if err := j.blobs.Delete(ctx, req.FileKey); err != nil {
		logger.Warn("delete upload failed", "key", req.FileKey, "err", err)
	}
	logger.Warn("import abandoned", "file", req.fileName(), "err", reason)
}

func (r Request) fileName() string {
	if r.OriginalName != "" {
		return r.OriginalName
	}
	return path.Base(r.FileKey)
}

func (j *Job) importFile(ctx context.Context, req Request, release *func()) Outcome {
	localPath, rel, err := j.blobs.Fetch(ctx, req.FileKey)
	if err != nil {
		return failed(0, domain.Infra("fetch upload", err))
	}
	*release = rel
	// Unknown MIME types fall back to the local file's extension.
	res, err := j.importer.Import(ctx, localPath, req.MimeType, req.OwnerID)
	if err != nil {
		return failed(res.Rows, err)
	}
	return Outcome{Status: domain.ImportSucceeded, Imported: res.Rows}
}

func failed(imported int, err error) Outcome {
	return Outcome{Status: domain.ImportFailed, Imported: imported, Err: err, Kind: Classify(err)}
}

// Classify maps an import error onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		parse    *domain.ParseError
		conflict *domain.ConflictError
		invalid  *domain.ValidationError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &parse):
		return KindParse
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &invalid):
		return KindInvalidRow
	default:
		return KindInfrastructure
	}
}

// Handler adapts the job to a queue handler signature.
func (j *Job) Handler() func(ctx context.Context, job domain.ImportJob) (int, error) {
	return func(ctx context.Context, job domain.ImportJob) (int, error) {
		out := j.Run(ctx, RequestFromJob(job))
		if out.Err != nil {
			return out.Imported, fmt.Errorf("%s: %w", out.Kind, out.Err)
		}
		return out.Imported, nil
	}
}
