package domain

import (
	"strings"
	"time"
)

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Collaborator is a roster entry owned by a user. Email and CPF are unique
// across all owners.
type Collaborator struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name" validate:"required,max=255"`
	Email     string    `json:"email" validate:"required,email,max=255"`
	CPF       string    `json:"cpf" validate:"required,cpf"`
	City      string    `json:"city" validate:"required,max=100"`
	State     string    `json:"state" validate:"required,len=2,alpha"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Normalize trims every field, lower-cases the email and upper-cases the state.
func (c Collaborator) Normalize() Collaborator {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.CPF = strings.TrimSpace(c.CPF)
	c.City = strings.TrimSpace(c.City)
	c.State = strings.ToUpper(strings.TrimSpace(c.State))
	return c
}

// Validate checks the field rules a stored collaborator must satisfy.
// Uniqueness is left to the store.
func (c Collaborator) Validate() error {
	return ValidateStruct(c)
}

type ImportStatus string

const (
	ImportQueued    ImportStatus = "queued"
	ImportRunning   ImportStatus = "running"
	ImportSucceeded ImportStatus = "succeeded"
	ImportFailed    ImportStatus = "failed"
)

// Terminal reports whether no further transition can happen.
func (s ImportStatus) Terminal() bool {
	return s == ImportSucceeded || s == ImportFailed
}

// ImportJob describes one uploaded spreadsheet waiting for, or done with, processing.
type ImportJob struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"owner_id"`
	FileKey      string       `json:"-"`
	OriginalName string       `json:"original_name"`
	MimeType     string       `json:"mime_type"`
	Status       ImportStatus `json:"status"`
	Error        string       `json:"error,omitempty"`
	Imported     int          `json:"imported"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
