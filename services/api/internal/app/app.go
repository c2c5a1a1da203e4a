package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"rosterhub/internal/util"
	"rosterhub/pkg/auth"
	"rosterhub/pkg/cache"
	"rosterhub/pkg/domain"
	"rosterhub/pkg/queue"
	"rosterhub/pkg/spreadsheet"
	"rosterhub/pkg/storage"
	"rosterhub/pkg/store"
)

const defaultMaxUploadBytes = 2 << 20

// Config holds runtime configuration for the API application.
type Config struct {
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Redis backs token revocation and the list cache when set. Without it
	// both fall back to process memory.
	Redis redis.UniversalClient

	SessionTTL        time.Duration
	JWTPrivateKeyPath string
	JWTKeyID          string
	JWTSecret         string
	JWTIssuer         string
	JWTAudience       string
	JWTLeeway         time.Duration

	CacheTTL       time.Duration
	MaxUploadBytes int64

	Store    store.Store
	Sessions store.SessionStore
	Cache    cache.CollaboratorCache
	Queue    queue.JobQueue
	Blobs    storage.BlobStorage
}

// App implements the roster use cases behind the HTTP API.
type App struct {
	store     store.Store
	sessions  store.SessionStore
	cache     cache.CollaboratorCache
	queue     queue.JobQueue
	blobs     storage.BlobStorage
	cacheTTL  time.Duration
	maxUpload int64
}

// New wires the application, building Postgres and JWT backends for any
// dependency not supplied in cfg.
func New(cfg Config) (*App, error) {
	if cfg.Queue == nil {
		return nil, errors.New("job queue required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("blob storage required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL, store.WithPool(cfg.DBMaxOpenConns, cfg.DBMaxIdleConns))
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
		if cfg.Redis != nil {
			revoker = store.NewRedisTokenRevoker(cfg.Redis, "")
		}
		jwtOpts := store.JWTOptions{
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   cfg.JWTLeeway,
		}
		var err error
		switch {
		case strings.TrimSpace(cfg.JWTPrivateKeyPath) != "":
			sessionStore, err = store.NewJWTRS256SessionStoreFromPEM(cfg.JWTPrivateKeyPath, cfg.JWTKeyID, cfg.SessionTTL, revoker, jwtOpts)
		case cfg.JWTSecret != "":
			sessionStore, err = store.NewJWTHS256SessionStore(cfg.JWTSecret, cfg.SessionTTL, revoker, jwtOpts)
		default:
			return nil, fmt.Errorf("jwtPrivateKeyPath or jwtSecret is required")
		}
		if err != nil {
			return nil, fmt.Errorf("init jwt session store: %w", err)
		}
	}

	listCache := cfg.Cache
	if listCache == nil {
		if cfg.Redis != nil {
			listCache = cache.NewRedisCache(cfg.Redis, "")
		} else {
			listCache = cache.NewMemoryCache()
		}
	}

	return &App{
		store:     dataStore,
		sessions:  sessionStore,
		cache:     listCache,
		queue:     cfg.Queue,
		blobs:     cfg.Blobs,
		cacheTTL:  cfg.CacheTTL,
		maxUpload: cfg.MaxUploadBytes,
	}, nil
}

// MaxUploadBytes is the largest accepted import file.
func (a *App) MaxUploadBytes() int64 { return a.maxUpload }

type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Login checks the credentials and issues an access token.
func (a *App) Login(ctx context.Context, in LoginInput) (domain.User, string, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := domain.ValidateStruct(in); err != nil {
		return domain.User{}, "", err
	}
	user, ok, err := a.store.GetUserByEmail(ctx, in.Email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("load user: %w", err)
	}
	if !ok || !auth.CheckPassword(in.Password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("create session: %w", err)
	}
	return user, token, nil
}

// Logout revokes the token.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// UserFromToken resolves the owner of a bearer token.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, error) {
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, ErrUnauthorized
	}
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}

// ListCollaborators returns the owner's collaborators through the list cache.
func (a *App) ListCollaborators(ctx context.Context, ownerID string) ([]domain.Collaborator, error) {
	return a.cache.Remember(ctx, ownerID, a.cacheTTL, func(ctx context.Context) ([]domain.Collaborator, error) {
		return a.store.ListCollaboratorsByOwner(ctx, ownerID)
	})
}

type CollaboratorInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	CPF   string `json:"cpf"`
	City  string `json:"city"`
	State string `json:"state"`
}

// CollaboratorPatch carries the fields present in an update request.
type CollaboratorPatch struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
	CPF   *string `json:"cpf"`
	City  *string `json:"city"`
	State *string `json:"state"`
}

func (p CollaboratorPatch) apply(c domain.Collaborator) domain.Collaborator {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&c.Name, p.Name)
	set(&c.Email, p.Email)
	set(&c.CPF, p.CPF)
	set(&c.City, p.City)
	set(&c.State, p.State)
	return c
}

// CreateCollaborator validates and stores a new collaborator for ownerID.
func (a *App) CreateCollaborator(ctx context.Context, ownerID string, in CollaboratorInput) (domain.Collaborator, error) {
	c := domain.Collaborator{
		UserID: ownerID,
		Name:   in.Name,
		Email:  in.Email,
		CPF:    in.CPF,
		City:   in.City,
		State:  in.State,
	}.Normalize()
	if err := a.validateCollaborator(ctx, c, "", []string{"email", "cpf"}); err != nil {
		return domain.Collaborator{}, err
	}
	now := time.Now().UTC()
	c.ID = util.NewUUID()
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := a.store.CreateCollaborator(ctx, c); err != nil {
		return domain.Collaborator{}, conflictAsValidation(err, "create collaborator")
	}
	a.forget(ctx, ownerID)
	return c, nil
}

// UpdateCollaborator applies the present fields of patch. Uniqueness is checked
// only for fields the patch carries.
func (a *App) UpdateCollaborator(ctx context.Context, ownerID, id string, patch CollaboratorPatch) (domain.Collaborator, error) {
	current, ok, err := a.store.GetCollaborator(ctx, ownerID, id)
	if err != nil {
		return domain.Collaborator{}, fmt.Errorf("load collaborator: %w", err)
	}
	if !ok {
		return domain.Collaborator{}, ErrCollaboratorNotFound
	}
	c := patch.apply(current).Normalize()
	var unique []string
	if patch.Email != nil {
		unique = append(unique, "email")
	}
	if patch.CPF != nil {
		unique = append(unique, "cpf")
	}
	if err := a.validateCollaborator(ctx, c, id, unique); err != nil {
		return domain.Collaborator{}, err
	}
	c.UpdatedAt = time.Now().UTC()
	if err := a.store.UpdateCollaborator(ctx, c); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Collaborator{}, ErrCollaboratorNotFound
		}
		return domain.Collaborator{}, conflictAsValidation(err, "update collaborator")
	}
	a.forget(ctx, ownerID)
	return c, nil
}

// DeleteCollaborator removes one of the owner's collaborators.
func (a *App) DeleteCollaborator(ctx context.Context, ownerID, id string) error {
	deleted, err := a.store.DeleteCollaborator(ctx, ownerID, id)
	if err != nil {
		return fmt.Errorf("delete collaborator: %w", err)
	}
	if !deleted {
		return ErrCollaboratorNotFound
	}
	a.forget(ctx, ownerID)
	return nil
}

func (a *App) validateCollaborator(ctx context.Context, c domain.Collaborator, exceptID string, unique []string) error {
	verr := domain.NewValidationError()
	if err := c.Validate(); err != nil {
		var fieldErr *domain.ValidationError
		if !errors.As(err, &fieldErr) {
			return err
		}
		verr = fieldErr
	}
	values := map[string]string{"email": c.Email, "cpf": c.CPF}
	for _, field := range unique {
		if len(verr.Fields[field]) > 0 {
			continue
		}
		taken, err := a.store.CollaboratorTaken(ctx, field, values[field], exceptID)
		if err != nil {
			return fmt.Errorf("check %s: %w", field, err)
		}
		if taken {
			verr.Add(field, domain.Message(field, "unique", ""))
		}
	}
	if verr.Empty() {
		return nil
	}
	return verr
}

// conflictAsValidation reports a unique violation that slipped past the
// pre-check the same way the pre-check would have.
func conflictAsValidation(err error, op string) error {
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		verr := domain.NewValidationError()
		verr.Add(conflict.Field, domain.Message(conflict.Field, "unique", ""))
		return verr
	}
	return fmt.Errorf("%s: %w", op, err)
}

// forget drops the owner's cached list. The write already happened, so a
// cache failure is logged and the entry expires on its own.
func (a *App) forget(ctx context.Context, ownerID string) {
	if err := a.cache.Forget(ctx, ownerID); err != nil {
		util.LoggerFromContext(ctx).Warn("collaborator cache forget failed", "user_id", ownerID, "err", err)
	}
}

// Upload is a file received for import.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

var allowedExtensions = map[string]spreadsheet.Format{
	".csv":  spreadsheet.CSV,
	".xlsx": spreadsheet.XLSX,
	".xls":  spreadsheet.XLS,
}

var formatMimeTypes = map[spreadsheet.Format]string{
	spreadsheet.CSV:  "text/csv",
	spreadsheet.XLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	spreadsheet.XLS:  "application/vnd.ms-excel",
}

// AcceptImport stores the upload and queues an import job for ownerID. The
// file is only checked for size, extension and container type here; rows are
// read by the worker.
func (a *App) AcceptImport(ctx context.Context, ownerID string, up Upload) (domain.ImportJob, error) {
	format, body, err := a.checkUpload(up)
	if err != nil {
		return domain.ImportJob{}, err
	}
	jobID := util.NewUUID()
	key := storage.ImportKey(jobID, up.Name)
	if err := a.blobs.Put(ctx, key, body, up.Size, formatMimeTypes[format]); err != nil {
		return domain.ImportJob{}, domain.Infra("store upload", err)
	}
	job, err := a.queue.Enqueue(ctx, domain.ImportJob{
		ID:           jobID,
		OwnerID:      ownerID,
		FileKey:      key,
		OriginalName: filepath.Base(up.Name),
		MimeType:     formatMimeTypes[format],
	})
	if err != nil {
		if delErr := a.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			util.LoggerFromContext(ctx).Warn("orphan upload cleanup failed", "key", key, "err", delErr)
		}
		return domain.ImportJob{}, domain.Infra("enqueue import", err)
	}
	util.LoggerFromContext(ctx).Info("import queued", "job_id", job.ID, "user_id", ownerID, "file", job.OriginalName, "size", up.Size)
	return job, nil
}

func (a *App) checkUpload(up Upload) (spreadsheet.Format, io.Reader, error) {
	verr := domain.NewValidationError()
	if up.Body == nil || strings.TrimSpace(up.Name) == "" {
		verr.Add("file", domain.Message("file", "required", ""))
		return "", nil, verr
	}
	if up.Size > a.maxUpload {
		verr.Add("file", fmt.Sprintf("O arquivo não pode ter mais de %d kilobytes.", a.maxUpload/1024))
		return "", nil, verr
	}
	format, ok := allowedExtensions[strings.ToLower(filepath.Ext(up.Name))]
	if !ok {
		verr.Add("file", domain.Message("file", "mimes", ""))
		return "", nil, verr
	}
	if declared, err := spreadsheet.DetectFormat(up.ContentType, up.Name); err != nil || declared != format {
		verr.Add("file", domain.Message("file", "mimes", ""))
		return "", nil, verr
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(up.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", nil, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if n == 0 || spreadsheet.Sniff(head) != format {
		verr.Add("file", domain.Message("file", "mimes", ""))
		return "", nil, verr
	}
	return format, io.MultiReader(bytes.NewReader(head), up.Body), nil
}

// GetImport returns the owner's import job. Jobs of other owners are reported
// as not found.
func (a *App) GetImport(ctx context.Context, ownerID, id string) (domain.ImportJob, error) {
	job, ok, err := a.queue.GetJob(ctx, id)
	if err != nil {
		return domain.ImportJob{}, fmt.Errorf("load import: %w", err)
	}
	if !ok || job.OwnerID != ownerID {
		return domain.ImportJob{}, ErrImportNotFound
	}
	return job, nil
}
