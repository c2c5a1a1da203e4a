// Package importer turns uploaded spreadsheets into collaborators: row mapping,
// chunked bulk insertion and the import job that ties it to storage, cache and
// notifications.
package importer

import (
	"rosterhub/pkg/domain"
	"rosterhub/pkg/spreadsheet"
)

// Heading keys read from the sheet, after spreadsheet.Slug.
const (
	ColumnName  = "name"
	ColumnEmail = "email"
	ColumnCPF   = "cpf"
	ColumnCity  = "city"
	ColumnState = "state"
)

// MapRow copies the roster columns of row into a draft owned by ownerID.
// Missing columns stay empty and are rejected by validation later.
func MapRow(row spreadsheet.Row, ownerID string) domain.Collaborator {
	return domain.Collaborator{
		UserID: ownerID,
		Name:   row.Values[ColumnName],
		Email:  row.Values[ColumnEmail],
		CPF:    row.Values[ColumnCPF],
		City:   row.Values[ColumnCity],
		State:  row.Values[ColumnState],
	}
}
