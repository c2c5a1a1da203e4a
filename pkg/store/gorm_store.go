package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"rosterhub/pkg/domain"
)

const migrateLockID int64 = 48151623

// insertBatchSize caps rows per INSERT statement. Postgres allows 65535 bind
// parameters and a collaborator row uses 9.
const insertBatchSize = 1000

type GormStoreOptions struct {
	MaxOpenConns int
	MaxIdleConns int
	SlowQuery    time.Duration
}

type GormStoreOption func(*GormStoreOptions)

// WithPool sets connection pool limits.
func WithPool(maxOpen, maxIdle int) GormStoreOption {
	return func(o *GormStoreOptions) {
		o.MaxOpenConns = maxOpen
		o.MaxIdleConns = maxIdle
	}
}

func WithSlowQueryThreshold(d time.Duration) GormStoreOption {
	return func(o *GormStoreOptions) { o.SlowQuery = d }
}

// GormStore implements Store on Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database and migrates the schema.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{SlowQuery: time.Second}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             opts.SlowQuery,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	s := NewGormStoreFromDB(db)
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// NewGormStoreFromDB wraps an already opened connection without migrating.
func NewGormStoreFromDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates tables, unique indexes and the cascading owner foreign key.
// Concurrent callers are serialized with a Postgres advisory lock.
func (s *GormStore) Migrate(ctx context.Context) error {
	return withMigrationLock(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &CollaboratorModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = current_schema()
					AND table_name = 'collaborators'
					AND constraint_name = 'collaborators_user_id_fkey'
				) THEN
					ALTER TABLE collaborators
					ADD CONSTRAINT collaborators_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure collaborator owner key: %w", err)
		}
		return nil
	})
}

// Close releases the underlying pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database reachability.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func withMigrationLock(ctx context.Context, db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(context.Background(), conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db.WithContext(ctx))
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser inserts or updates a user by id.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "password_hash", "updated_at"}),
	}).Create(&model).Error
	return translatePgError(err)
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// DeleteUser removes the user; the foreign key cascades to collaborators.
func (s *GormStore) DeleteUser(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&UserModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateCollaborator(ctx context.Context, c domain.Collaborator) error {
	model := collaboratorToModel(c)
	return translatePgError(s.db.WithContext(ctx).Create(&model).Error)
}

// CreateCollaborators inserts cs in one transaction. A constraint violation on
// any row rolls back the whole call.
func (s *GormStore) CreateCollaborators(ctx context.Context, cs []domain.Collaborator) error {
	if len(cs) == 0 {
		return nil
	}
	models := make([]CollaboratorModel, 0, len(cs))
	for _, c := range cs {
		models = append(models, collaboratorToModel(c))
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&models, insertBatchSize).Error
	})
	return translatePgError(err)
}

func (s *GormStore) UpdateCollaborator(ctx context.Context, c domain.Collaborator) error {
	res := s.db.WithContext(ctx).Model(&CollaboratorModel{}).
		Where("id = ? AND user_id = ?", c.ID, c.UserID).
		Updates(map[string]any{
			"name":       c.Name,
			"email":      c.Email,
			"cpf":        c.CPF,
			"city":       c.City,
			"state":      c.State,
			"updated_at": c.UpdatedAt,
		})
	if res.Error != nil {
		return translatePgError(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *GormStore) GetCollaborator(ctx context.Context, ownerID, id string) (domain.Collaborator, bool, error) {
	var model CollaboratorModel
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, ownerID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Collaborator{}, false, nil
		}
		return domain.Collaborator{}, false, err
	}
	return collaboratorFromModel(model), true, nil
}

// ListCollaboratorsByOwner returns the owner's collaborators oldest first.
func (s *GormStore) ListCollaboratorsByOwner(ctx context.Context, ownerID string) ([]domain.Collaborator, error) {
	var models []CollaboratorModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", ownerID).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Collaborator, 0, len(models))
	for _, m := range models {
		res = append(res, collaboratorFromModel(m))
	}
	return res, nil
}

func (s *GormStore) DeleteCollaborator(ctx context.Context, ownerID, id string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, ownerID).Delete(&CollaboratorModel{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) CollaboratorTaken(ctx context.Context, field, value, exceptID string) (bool, error) {
	column, err := uniqueColumn(field)
	if err != nil {
		return false, err
	}
	tx := s.db.WithContext(ctx).Model(&CollaboratorModel{}).Where(column+" = ?", value)
	if exceptID != "" {
		tx = tx.Where("id <> ?", exceptID)
	}
	var count int64
	if err := tx.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func uniqueColumn(field string) (string, error) {
	switch field {
	case "email", "cpf":
		return field, nil
	}
	return "", fmt.Errorf("field %q is not unique", field)
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Name:         m.Name,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func collaboratorToModel(c domain.Collaborator) CollaboratorModel {
	return CollaboratorModel{
		ID:        c.ID,
		UserID:    c.UserID,
		Name:      c.Name,
		Email:     c.Email,
		CPF:       c.CPF,
		City:      c.City,
		State:     c.State,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func collaboratorFromModel(m CollaboratorModel) domain.Collaborator {
	return domain.Collaborator{
		ID:        m.ID,
		UserID:    m.UserID,
		Name:      m.Name,
		Email:     m.Email,
		CPF:       m.CPF,
		City:      m.City,
		State:     m.State,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
