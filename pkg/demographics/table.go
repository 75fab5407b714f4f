// Package demographics cleans demographic spreadsheets and links every subject
// to its image file, producing one row per subject.
package demographics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"medprep/pkg/errors"
)

// Table is a header plus string cells, one slice per row.
type Table struct {
	Header []string
	Rows   [][]string
}

// Column returns the index of the named column or an error wrapping ErrSchema.
func (t *Table) Column(name string) (int, error) {
	for i, col := range t.Header {
		if strings.TrimSpace(col) == name {
			return i, nil
		}
	}
	return -1, errors.WithHintf(
		errors.Wrapf(errors.ErrSchema, "column %q not found", name),
		"available columns: %s", strings.Join(t.Header, ", "))
}

// Cell returns the trimmed value at (row, col), or "" for short rows.
func (t *Table) Cell(row, col int) string {
	if col < 0 || col >= len(t.Rows[row]) {
		return ""
	}
	return strings.TrimSpace(t.Rows[row][col])
}

// ReadTable reads a .csv, .tsv, .xlsx or .xls file. Spreadsheets are read from
// their first sheet.
func ReadTable(path string) (*Table, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(path)
		}
		return nil, errors.Wrapf(err, "failed to stat %s", path)
	}

	var t *Table
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		t, err = readDelimited(path, ',')
	case ".tsv":
		t, err = readDelimited(path, '\t')
	case ".xlsx":
		t, err = readXLSX(path)
	case ".xls":
		t, err = readXLS(path)
	default:
		return nil, errors.WithHint(
			errors.Formatf("unsupported table extension %q", ext),
			"use .csv, .tsv, .xlsx or .xls")
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if len(t.Header) == 0 {
		return nil, errors.Formatf("%s has no header row", path)
	}
	return t, nil
}

// ParseTable reads delimited text with a header row.
func ParseTable(r io.Reader, comma rune) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1

	t := &Table{}
	for i := 0; ; i++ {
		cols, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.Wrap(errors.Mark(err, errors.ErrFormat), "malformed delimited text")
		}

		if i == 0 {
			if len(cols) > 0 {
				cols[0] = strings.TrimPrefix(cols[0], "\ufeff")
			}
			t.Header = cols
			continue
		}
		t.Rows = append(t.Rows, cols)
	}
	return t, nil
}

func readDelimited(path string, comma rune) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTable(f, comma)
}

func readXLSX(path string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrFormat), "invalid xlsx workbook")
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.Formatf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrFormat), "failed to read sheet")
	}
	return fromRows(rows), nil
}

// readXLS reads a legacy BIFF workbook. The parser panics on some malformed
// files; those panics are turned into format errors.
func readXLS(path string) (t *Table, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = errors.Formatf("invalid xls workbook: %v", panicErr)
		}
	}()

	wb, openErr := xls.Open(path, "utf-8")
	if openErr != nil {
		return nil, errors.Wrap(errors.Mark(openErr, errors.ErrFormat), "invalid xls workbook")
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, errors.Formatf("workbook has no sheets")
	}

	var rows [][]string
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			continue
		}
		cols := make([]string, row.LastCol())
		for j := row.FirstCol(); j < row.LastCol(); j++ {
			cols[j] = row.Col(j)
		}
		rows = append(rows, cols)
	}
	return fromRows(rows), nil
}

// fromRows treats the first non-empty row as the header and skips blank rows.
func fromRows(rows [][]string) *Table {
	t := &Table{}
	for _, row := range rows {
		if isBlank(row) {
			continue
		}
		if t.Header == nil {
			t.Header = row
			continue
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// String renders the table dimensions for logs.
func (t *Table) String() string {
	return fmt.Sprintf("%d columns x %d rows", len(t.Header), len(t.Rows))
}
