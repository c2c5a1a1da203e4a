package spreadsheet

import (
	"fmt"
	"io"

	"github.com/extrame/xls"

	"rosterhub/pkg/domain"
)

// xlsReader walks the first sheet of a BIFF workbook. The library parses the
// whole sheet up front, so rows are read from memory.
type xlsReader struct {
	sheet *xls.WorkSheet
	keys  []string
	next  int
}

func openXLS(path string) (r Reader, err error) {
	// The decoder panics on some malformed files.
	defer func() {
		if p := recover(); p != nil {
			r, err = nil, &domain.ParseError{Reason: "decode workbook", Err: fmt.Errorf("%v", p)}
		}
	}()
	wb, err := xls.Open(path, "utf-8")
	if err != nil {
		return nil, &domain.ParseError{Reason: "open workbook", Err: err}
	}
	if wb.NumSheets() == 0 {
		return nil, &domain.ParseError{Reason: "workbook has no sheets"}
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, &domain.ParseError{Reason: "workbook has no sheets"}
	}
	heading := xlsCells(sheet, 0)
	if heading == nil {
		return nil, &domain.ParseError{Reason: "missing heading row"}
	}
	keys, err := headingKeys(heading)
	if err != nil {
		return nil, err
	}
	return &xlsReader{sheet: sheet, keys: keys, next: 1}, nil
}

// xlsCells returns the cells of row i, or nil when the row has no record.
func xlsCells(sheet *xls.WorkSheet, i int) (cells []string) {
	defer func() {
		if recover() != nil {
			cells = nil
		}
	}()
	row := sheet.Row(i)
	if row == nil {
		return nil
	}
	cells = make([]string, row.LastCol())
	for c := row.FirstCol(); c < row.LastCol(); c++ {
		cells[c] = row.Col(c)
	}
	return cells
}

func (x *xlsReader) Headings() []string { return x.keys }

func (x *xlsReader) Next() (Row, error) {
	for x.next <= int(x.sheet.MaxRow) {
		i := x.next
		x.next++
		cells := xlsCells(x.sheet, i)
		if cells == nil {
			continue
		}
		if row, ok := buildRow(i+1, x.keys, cells); ok {
			return row, nil
		}
	}
	return Row{}, io.EOF
}

func (x *xlsReader) Close() error { return nil }
