// Package sheet decodes uploaded spreadsheet files into the raw row matrix
// consumed by the import pipeline. It also enforces the file preconditions:
// extension allow-list, size ceiling and display-safe filenames.
//
// Row 1 is treated as the header and discarded; the remaining rows keep
// their 1-based data position so the pipeline's row ids match what the
// operator sees in their spreadsheet minus the header.
package sheet

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/credimax/importer/internal/pipeline"
)

// MaxFileSize is the maximum allowed upload size (10 MB).
const MaxFileSize = 10 * 1024 * 1024

// allowedExtensions is the upload allow-list, lowercase with dot.
var allowedExtensions = map[string]bool{
	".csv":  true,
	".xlsx": true,
}

// ErrEmptyFile is returned when a file has no data rows below the header.
var ErrEmptyFile = errors.New("empty file: no data rows")

// CheckFile validates the upload preconditions before any decoding.
// Failing them is fatal for the whole batch; no partial batch is produced.
func CheckFile(filename string, size int64) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return fmt.Errorf("unsupported file type %q", ext)
	}
	if size > MaxFileSize {
		return fmt.Errorf("file too large: %d bytes exceeds %d MB limit", size, MaxFileSize/(1024*1024))
	}
	return nil
}

// SanitizeFilename reduces a client-supplied filename to a display-safe
// base name.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_' || r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" || out == "." {
		return "upload"
	}
	return out
}

// Decode parses the file into data rows, dispatching on extension. The
// header row is discarded.
func Decode(filename string, data []byte) ([]pipeline.RawRow, error) {
	if int64(len(data)) > MaxFileSize {
		return nil, fmt.Errorf("file too large: %d bytes", len(data))
	}

	var matrix [][]string
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		matrix, err = decodeXLSX(data)
	case ".csv":
		matrix, err = decodeCSV(data)
	default:
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(filename))
	}
	if err != nil {
		return nil, err
	}

	if len(matrix) <= 1 {
		return nil, ErrEmptyFile
	}

	rows := make([]pipeline.RawRow, 0, len(matrix)-1)
	for i, cells := range matrix[1:] {
		rows = append(rows, pipeline.RawRow{Line: i + 1, Cells: cells})
	}
	return rows, nil
}

// decodeCSV parses CSV data, tolerating ragged rows and lazy quoting.
func decodeCSV(data []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(sanitizeUTF8(data)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	matrix, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decode csv: %w", err)
	}
	return matrix, nil
}

// decodeXLSX parses the first worksheet of an XLSX workbook.
func decodeXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("decode xlsx: workbook has no sheets")
	}

	matrix, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("decode xlsx: %w", err)
	}
	return matrix, nil
}

// sanitizeUTF8 replaces invalid byte sequences with the Unicode
// replacement character so downstream processing always sees valid UTF-8.
func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data))

	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteRune('�')
			data = data[1:]
		} else {
			buf.WriteRune(r)
			data = data[size:]
		}
	}

	return buf.Bytes()
}
