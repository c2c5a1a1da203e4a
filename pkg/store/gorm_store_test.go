package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"rosterhub/pkg/domain"
)

func setupMockStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return NewGormStoreFromDB(db), mock
}

func sampleBatch() []domain.Collaborator {
	now := time.Now().UTC()
	return []domain.Collaborator{
		{ID: "c1", UserID: "u1", Name: "Ana", Email: "ana@example.com", CPF: "11111111111", City: "Recife", State: "PE", CreatedAt: now, UpdatedAt: now},
		{ID: "c2", UserID: "u1", Name: "Bia", Email: "bia@example.com", CPF: "22222222222", City: "Natal", State: "RN", CreatedAt: now, UpdatedAt: now},
	}
}

func TestGormStore_CreateCollaborators(t *testing.T) {
	t.Run("inserts the batch in one transaction", func(t *testing.T) {
		s, mock := setupMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "collaborators"`).WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		require.NoError(t, s.CreateCollaborators(context.Background(), sampleBatch()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation rolls back and reports the field", func(t *testing.T) {
		s, mock := setupMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "collaborators"`).WillReturnError(&pgconn.PgError{
			Code:           "23505",
			ConstraintName: "collaborators_cpf_key",
			Detail:         "Key (cpf)=(22222222222) already exists.",
		})
		mock.ExpectRollback()

		err := s.CreateCollaborators(context.Background(), sampleBatch())
		var conflict *domain.ConflictError
		require.True(t, errors.As(err, &conflict), "got %v", err)
		assert.Equal(t, "cpf", conflict.Field)
		assert.Equal(t, "22222222222", conflict.Value)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		s, mock := setupMockStore(t)
		require.NoError(t, s.CreateCollaborators(context.Background(), nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGormStore_ListCollaboratorsByOwner(t *testing.T) {
	s, mock := setupMockStore(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "user_id", "name", "email", "cpf", "city", "state", "created_at", "updated_at"}).
		AddRow("c1", "u1", "Ana", "ana@example.com", "11111111111", "Recife", "PE", now, now).
		AddRow("c2", "u1", "Bia", "bia@example.com", "22222222222", "Natal", "RN", now, now)
	mock.ExpectQuery(`SELECT \* FROM "collaborators" WHERE user_id = \$1 ORDER BY created_at ASC, id ASC`).
		WithArgs("u1").
		WillReturnRows(rows)

	list, err := s.ListCollaboratorsByOwner(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "11111111111", list[0].CPF)
	assert.Equal(t, "RN", list[1].State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_GetCollaboratorNotFound(t *testing.T) {
	s, mock := setupMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "collaborators" WHERE .*id = \$1 AND user_id = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, ok, err := s.GetCollaborator(context.Background(), "u2", "c1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_UpdateCollaboratorMissing(t *testing.T) {
	s, mock := setupMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "collaborators" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.UpdateCollaborator(context.Background(), sampleBatch()[0])
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_DeleteCollaborator(t *testing.T) {
	s, mock := setupMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "collaborators" WHERE`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deleted, err := s.DeleteCollaborator(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_CollaboratorTaken(t *testing.T) {
	t.Run("excludes the record being updated", func(t *testing.T) {
		s, mock := setupMockStore(t)
		mock.ExpectQuery(`SELECT count\(\*\) FROM "collaborators" WHERE email = \$1 AND id <> \$2`).
			WithArgs("ana@example.com", "c1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		taken, err := s.CollaboratorTaken(context.Background(), "email", "ana@example.com", "c1")
		require.NoError(t, err)
		assert.False(t, taken)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non unique fields", func(t *testing.T) {
		s, _ := setupMockStore(t)
		_, err := s.CollaboratorTaken(context.Background(), "name; DROP TABLE users", "x", "")
		assert.Error(t, err)
	})
}

func TestTranslatePgError(t *testing.T) {
	err := translatePgError(&pgconn.PgError{Code: "23505", ConstraintName: "collaborators_email_key"})
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "email", conflict.Field)

	err = translatePgError(&pgconn.PgError{Code: "23503"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	plain := errors.New("connection reset")
	assert.Same(t, plain, translatePgError(plain))
}
