package demographics

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"medprep/internal/models"
	"medprep/pkg/errors"
)

// Output column names after the image path column.
const (
	SubjectIDColumn = "subject_id"
	GenderColumn    = "gender"
	AgeAtScanColumn = "age_at_scan"
)

// FormatAge writes an age the way the dataset table stores it: shortest
// representation, with ".0" for whole numbers.
func FormatAge(age float64) string {
	s := strconv.FormatFloat(age, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// WriteCSV writes records with columns [pathColumn, subject_id, gender, age_at_scan].
func WriteCSV(w io.Writer, records []models.SubjectRecord, pathColumn string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{pathColumn, SubjectIDColumn, GenderColumn, AgeAtScanColumn}); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, r := range records {
		if err := cw.Write([]string{r.ImagePath, r.SubjectID, r.Gender, FormatAge(r.AgeAtScan)}); err != nil {
			return errors.Wrapf(err, "failed to write %s", r.SubjectID)
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveCSV writes records to path.
func SaveCSV(path string, records []models.SubjectRecord, pathColumn string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer f.Close()

	if err := WriteCSV(f, records, pathColumn); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// ReadRecords parses a table written by WriteCSV.
func ReadRecords(r io.Reader, pathColumn string) ([]models.SubjectRecord, error) {
	t, err := ParseTable(r, ',')
	if err != nil {
		return nil, err
	}

	cols := make([]int, 4)
	for i, name := range []string{pathColumn, SubjectIDColumn, GenderColumn, AgeAtScanColumn} {
		if cols[i], err = t.Column(name); err != nil {
			return nil, err
		}
	}

	records := make([]models.SubjectRecord, 0, len(t.Rows))
	for i := range t.Rows {
		age, err := strconv.ParseFloat(t.Cell(i, cols[3]), 64)
		if err != nil {
			return nil, errors.Wrapf(errors.Mark(err, errors.ErrFormat), "row %d: invalid %s", i+1, AgeAtScanColumn)
		}
		records = append(records, models.SubjectRecord{
			ImagePath: t.Cell(i, cols[0]),
			SubjectID: t.Cell(i, cols[1]),
			Gender:    t.Cell(i, cols[2]),
			AgeAtScan: age,
		})
	}
	return records, nil
}
