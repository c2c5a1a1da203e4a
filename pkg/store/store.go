package store

import (
	"context"

	"rosterhub/pkg/domain"
)

// Store defines persistence for users and their collaborators.
// Collaborator reads and mutations are scoped by owner id.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	DeleteUser(ctx context.Context, id string) error

	// collaborators
	CreateCollaborator(ctx context.Context, c domain.Collaborator) error
	// CreateCollaborators inserts all rows or none.
	CreateCollaborators(ctx context.Context, cs []domain.Collaborator) error
	UpdateCollaborator(ctx context.Context, c domain.Collaborator) error
	GetCollaborator(ctx context.Context, ownerID, id string) (domain.Collaborator, bool, error)
	ListCollaboratorsByOwner(ctx context.Context, ownerID string) ([]domain.Collaborator, error)
	DeleteCollaborator(ctx context.Context, ownerID, id string) (bool, error)
	// CollaboratorTaken reports whether any collaborator other than exceptID
	// already uses value for field ("email" or "cpf").
	CollaboratorTaken(ctx context.Context, field, value, exceptID string) (bool, error)
}

// SessionStore issues and resolves bearer tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
