// Package spreadsheet streams data rows out of CSV, XLSX and XLS files whose
// first row holds the column headings.
package spreadsheet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"rosterhub/pkg/domain"
)

type Format string

const (
	CSV  Format = "csv"
	XLSX Format = "xlsx"
	XLS  Format = "xls"
)

// ErrUnsupportedFormat is returned when neither the MIME type nor the file
// extension names a supported format.
var ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")

// Row is one data row keyed by slugged heading. Line is the 1-based line in
// the sheet, the heading being line 1.
type Row struct {
	Line   int
	Values map[string]string
}

// Get returns the trimmed value under key, or "" when the column is absent.
func (r Row) Get(key string) string {
	return strings.TrimSpace(r.Values[key])
}

// Reader yields data rows in file order. Next returns io.EOF after the last row.
type Reader interface {
	Headings() []string
	Next() (Row, error)
	Close() error
}

var mimeFormats = map[string]Format{
	"text/csv":        CSV,
	"application/csv": CSV,
	"text/x-csv":      CSV,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": XLSX,
}

var extFormats = map[string]Format{
	".csv":  CSV,
	".txt":  CSV,
	".xlsx": XLSX,
	".xls":  XLS,
}

// DetectFormat picks a format from the MIME type, then from the extension of
// name. application/vnd.ms-excel is sent by browsers for both CSV and XLS
// uploads, so it only decides when the extension is unknown.
func DetectFormat(mimeType, name string) (Format, error) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if f, ok := mimeFormats[mimeType]; ok {
		return f, nil
	}
	if f, ok := extFormats[strings.ToLower(filepath.Ext(name))]; ok {
		return f, nil
	}
	if mimeType == "application/vnd.ms-excel" {
		return XLS, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, mimeType)
}

var (
	zipMagic = []byte("PK\x03\x04")
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
)

// Sniff guesses the container format from the first bytes of a file. Anything
// that is neither a zip nor an OLE compound document is treated as CSV.
func Sniff(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, zipMagic):
		return XLSX
	case bytes.HasPrefix(head, oleMagic):
		return XLS
	default:
		return CSV
	}
}

// Open reads the heading row of the file at path and returns a Reader over its
// data rows. Unreadable files and files without a heading row yield
// *domain.ParseError.
func Open(path, mimeType string) (Reader, error) {
	format, err := DetectFormat(mimeType, path)
	if err != nil {
		return nil, &domain.ParseError{Reason: "unsupported file type", Err: err}
	}
	head, err := readHead(path)
	if err != nil {
		return nil, &domain.ParseError{Reason: "open file", Err: err}
	}
	switch sniffed := Sniff(head); {
	case sniffed != CSV:
		format = sniffed
	case format != CSV:
		return nil, &domain.ParseError{Reason: fmt.Sprintf("file content is not %s", format)}
	}
	switch format {
	case CSV:
		return openCSV(path)
	case XLSX:
		return openXLSX(path)
	default:
		return openXLS(path)
	}
}

func readHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, 8)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slug normalizes a heading cell into a key: accents dropped, lower case, runs
// of anything but letters and digits collapsed into "_". "E-mail " becomes
// "e_mail" and "Município" becomes "municipio".
func Slug(heading string) string {
	s, _, err := transform.String(stripMarks, heading)
	if err != nil {
		s = heading
	}
	s = strings.ToLower(s)
	var b strings.Builder
	pendingSep := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// headingKeys slugs a heading row. It fails when every cell is blank.
func headingKeys(cells []string) ([]string, error) {
	keys := make([]string, len(cells))
	named := false
	for i, c := range cells {
		keys[i] = Slug(c)
		if keys[i] != "" {
			named = true
		}
	}
	if !named {
		return nil, &domain.ParseError{Reason: "missing heading row"}
	}
	return keys, nil
}

// buildRow maps cells onto keys. ok is false for rows whose cells are all blank.
func buildRow(line int, keys, cells []string) (Row, bool) {
	values := make(map[string]string, len(keys))
	blank := true
	for i, k := range keys {
		if k == "" {
			continue
		}
		v := ""
		if i < len(cells) {
			v = cells[i]
		}
		if strings.TrimSpace(v) != "" {
			blank = false
		}
		if _, dup := values[k]; !dup {
			values[k] = v
		}
	}
	return Row{Line: line, Values: values}, !blank
}
