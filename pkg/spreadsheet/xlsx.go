package spreadsheet

import (
	"io"

	"github.com/xuri/excelize/v2"

	"rosterhub/pkg/domain"
)

// rawCells skips number formats, so a CPF stored as a number is read as its
// digits instead of "12,345,678,901" or "1.23457E+10".
var rawCells = excelize.Options{RawCellValue: true}

// xlsxReader streams the first sheet row by row.
type xlsxReader struct {
	file *excelize.File
	rows *excelize.Rows
	keys []string
	line int
}

func openXLSX(path string) (Reader, error) {
	f, err := excelize.OpenFile(path, rawCells)
	if err != nil {
		return nil, &domain.ParseError{Reason: "open workbook", Err: err}
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, &domain.ParseError{Reason: "workbook has no sheets"}
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, &domain.ParseError{Reason: "read sheet", Err: err}
	}
	x := &xlsxReader{file: f, rows: rows}
	if !rows.Next() {
		x.Close()
		if err := rows.Error(); err != nil {
			return nil, &domain.ParseError{Reason: "read heading row", Err: err}
		}
		return nil, &domain.ParseError{Reason: "missing heading row"}
	}
	x.line = 1
	heading, err := rows.Columns(rawCells)
	if err != nil {
		x.Close()
		return nil, &domain.ParseError{Reason: "read heading row", Err: err}
	}
	if x.keys, err = headingKeys(heading); err != nil {
		x.Close()
		return nil, err
	}
	return x, nil
}

func (x *xlsxReader) Headings() []string { return x.keys }

func (x *xlsxReader) Next() (Row, error) {
	for x.rows.Next() {
		x.line++
		cells, err := x.rows.Columns(rawCells)
		if err != nil {
			return Row{}, &domain.ParseError{Reason: "read row", Err: err}
		}
		if row, ok := buildRow(x.line, x.keys, cells); ok {
			return row, nil
		}
	}
	if err := x.rows.Error(); err != nil {
		return Row{}, &domain.ParseError{Reason: "read row", Err: err}
	}
	return Row{}, io.EOF
}

func (x *xlsxReader) Close() error {
	rowsErr := x.rows.Close()
	if err := x.file.Close(); err != nil {
		return err
	}
	return rowsErr
}
