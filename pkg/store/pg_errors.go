package store

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"rosterhub/pkg/domain"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Detail looks like: Key (email)=(ana@example.com) already exists.
var pgKeyDetail = regexp.MustCompile(`Key \(([^)]+)\)=\((.*)\)`)

// translatePgError maps constraint violations onto domain errors and leaves
// everything else untouched.
func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		field, value := "", ""
		if m := pgKeyDetail.FindStringSubmatch(pgErr.Detail); m != nil {
			field, value = m[1], m[2]
		}
		if field == "" {
			field = fieldFromConstraint(pgErr.ConstraintName)
		}
		return &domain.ConflictError{Field: field, Value: value}
	case pgForeignKeyViolation:
		return fmt.Errorf("owner: %w", domain.ErrNotFound)
	}
	return err
}

func fieldFromConstraint(name string) string {
	switch {
	case strings.Contains(name, "cpf"):
		return "cpf"
	case strings.Contains(name, "email"):
		return "email"
	default:
		return name
	}
}
