package app

import "errors"

var (
	// ErrInvalidCredentials is shown to clients as is. It does not say whether
	// the email exists.
	ErrInvalidCredentials = errors.New("Credenciais inválidas")

	ErrUnauthorized = errors.New("unauthorized")

	ErrCollaboratorNotFound = errors.New("collaborator not found")
	ErrImportNotFound       = errors.New("import not found")
)
