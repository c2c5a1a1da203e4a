package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"rosterhub/internal/util"
	"rosterhub/pkg/domain"
	"rosterhub/pkg/spreadsheet"
)

// DefaultBatchSize is the number of rows persisted per insert.
const DefaultBatchSize = 1000

// CollaboratorRepository persists one batch atomically.
type CollaboratorRepository interface {
	CreateCollaborators(ctx context.Context, cs []domain.Collaborator) error
}

// RowError pins a failure to a sheet line.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Result counts what an import committed.
type Result struct {
	Rows    int
	Batches int
}

// Importer reads a sheet in file order and inserts it in fixed-size batches.
// The first invalid or conflicting row aborts the import; batches committed
// before it stay committed.
type Importer struct {
	repo      CollaboratorRepository
	batchSize int
	now       func() time.Time
	newID     func() string
}

// NewImporter inserts through repo in batches of batchSize rows, or
// DefaultBatchSize when batchSize is not positive.
func NewImporter(repo CollaboratorRepository, batchSize int) *Importer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Importer{
		repo:      repo,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     util.NewUUID,
	}
}

// Import loads the file at path for ownerID.
func (im *Importer) Import(ctx context.Context, path, mimeType, ownerID string) (Result, error) {
	var res Result
	reader, err := spreadsheet.Open(path, mimeType)
	if err != nil {
		return res, err
	}
	defer reader.Close()

	seenEmail := map[string]int{}
	seenCPF := map[string]int{}
	batch := make([]domain.Collaborator, 0, im.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := im.repo.CreateCollaborators(ctx, batch); err != nil {
			return classifyStoreError(err)
		}
		res.Rows += len(batch)
		res.Batches++
		batch = batch[:0]
		return nil
	}

	for {
		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, err
		}
		c, err := im.draft(row, ownerID)
		if err != nil {
			return res, &RowError{Line: row.Line, Err: err}
		}
		emailKey, cpfKey := duplicateKeys(c)
		if line, dup := seenEmail[emailKey]; dup {
			return res, &RowError{Line: row.Line, Err: fmt.Errorf("%w (also on row %d)", &domain.ConflictError{Field: "email", Value: c.Email}, line)}
		}
		if line, dup := seenCPF[cpfKey]; dup {
			return res, &RowError{Line: row.Line, Err: fmt.Errorf("%w (also on row %d)", &domain.ConflictError{Field: "cpf", Value: c.CPF}, line)}
		}
		seenEmail[emailKey] = row.Line
		seenCPF[cpfKey] = row.Line
		batch = append(batch, c)
		if len(batch) == im.batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}

// draft stores the cell values as they appear in the sheet.
func (im *Importer) draft(row spreadsheet.Row, ownerID string) (domain.Collaborator, error) {
	c := MapRow(row, ownerID)
	if err := c.Validate(); err != nil {
		return c, explainNumericCPF(c, err)
	}
	now := im.now()
	c.ID = im.newID()
	c.CreatedAt = now
	c.UpdatedAt = now
	return c, nil
}

// duplicateKeys folds case and surrounding blanks so in-file repeats are caught
// the way a human reader would see them.
func duplicateKeys(c domain.Collaborator) (string, string) {
	return strings.ToLower(strings.TrimSpace(c.Email)), strings.TrimSpace(c.CPF)
}

// explainNumericCPF adds a hint when a CPF looks like a number whose leading
// zeros were dropped by the spreadsheet program.
func explainNumericCPF(c domain.Collaborator, err error) error {
	var invalid *domain.ValidationError
	if !errors.As(err, &invalid) || len(invalid.Fields["cpf"]) == 0 {
		return err
	}
	cpf := strings.TrimSpace(c.CPF)
	if cpf == "" || len(cpf) >= 11 || strings.Trim(cpf, "0123456789") != "" {
		return err
	}
	invalid.Add("cpf", domain.Message("cpf", "leading_zeros", ""))
	return invalid
}

func classifyStoreError(err error) error {
	var conflict *domain.ConflictError
	var invalid *domain.ValidationError
	switch {
	case errors.As(err, &conflict), errors.As(err, &invalid):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return domain.Infra("insert collaborators", err)
}
