package spreadsheet

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"os"

	"rosterhub/pkg/domain"
)

type csvReader struct {
	file *os.File
	r    *csv.Reader
	keys []string
}

func openCSV(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.ParseError{Reason: "open file", Err: err}
	}
	br := bufio.NewReader(f)
	r := csv.NewReader(br)
	r.Comma = sniffDelimiter(br)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	heading, err := r.Read()
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			return nil, &domain.ParseError{Reason: "missing heading row"}
		}
		return nil, &domain.ParseError{Reason: "read heading row", Err: err}
	}
	keys, err := headingKeys(heading)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &csvReader{file: f, r: r, keys: keys}, nil
}

// sniffDelimiter picks ';' when the first line has semicolons but no commas,
// as spreadsheet programs in pt-BR locales export.
func sniffDelimiter(br *bufio.Reader) rune {
	peek, _ := br.Peek(4096)
	if i := bytes.IndexByte(peek, '\n'); i >= 0 {
		peek = peek[:i]
	}
	if bytes.Count(peek, []byte{';'}) > 0 && bytes.Count(peek, []byte{','}) == 0 {
		return ';'
	}
	return ','
}

func (c *csvReader) Headings() []string { return c.keys }

func (c *csvReader) Next() (Row, error) {
	for {
		cells, err := c.r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Row{}, io.EOF
			}
			return Row{}, &domain.ParseError{Reason: "read row", Err: err}
		}
		line, _ := c.r.FieldPos(0)
		if row, ok := buildRow(line, c.keys, cells); ok {
			return row, nil
		}
	}
}

func (c *csvReader) Close() error { return c.file.Close() }
