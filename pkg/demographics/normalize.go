package demographics

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"medprep/internal/models"
	"medprep/pkg/errors"
	"medprep/pkg/logger"
)

// Schema describes the input columns and how image files are named.
type Schema struct {
	IDColumn  string
	SexColumn string
	AgeColumn string

	// SubjectPrefix and IDWidth build canonical ids: IXI + 3 -> IXI003
	SubjectPrefix string
	IDWidth       int

	// ImageExtension selects image files; Separator ends the id token of a
	// file name (IXI002-Guys-0828-T1.nii.gz -> IXI002)
	ImageExtension string
	Separator      string

	// PathColumn is the name of the image path column in the output table
	PathColumn string
}

// DefaultSchema returns the layout of the IXI demographic spreadsheet.
func DefaultSchema() Schema {
	return Schema{
		IDColumn:       "IXI_ID",
		SexColumn:      "SEX_ID (1=m, 2=f)",
		AgeColumn:      "AGE",
		SubjectPrefix:  "IXI",
		IDWidth:        3,
		ImageExtension: ".nii.gz",
		Separator:      "-",
		PathColumn:     "image_path",
	}
}

// CanonicalID formats a numeric id with the schema prefix and zero padding.
func (s Schema) CanonicalID(id int) string {
	return fmt.Sprintf("%s%0*d", s.SubjectPrefix, s.IDWidth, id)
}

// Drop records a subject excluded from the output and why.
type Drop struct {
	// SubjectID is the canonical id, or the raw id when it cannot be parsed
	SubjectID string
	// Reason wraps ErrAmbiguousRecord, ErrMissingImage or ErrMissingField
	Reason error
}

// Result is the cleaned table plus the subjects that were excluded.
type Result struct {
	Records []models.SubjectRecord
	Dropped []Drop
}

type row struct {
	id      int
	rawID   string
	gender  string
	age     float64
	hasAge  bool
	dropped bool
}

// Normalize cleans table and links each subject to an image in imageDir.
//
// Subjects listed more than once with different ages are removed entirely;
// other duplicates keep their first row. Rows without an image, a known sex
// code or an age are removed. The output keeps input order and has unique
// subject ids.
func Normalize(table *Table, imageDir string, schema Schema) (*Result, error) {
	idCol, err := table.Column(schema.IDColumn)
	if err != nil {
		return nil, err
	}
	sexCol, err := table.Column(schema.SexColumn)
	if err != nil {
		return nil, err
	}
	ageCol, err := table.Column(schema.AgeColumn)
	if err != nil {
		return nil, err
	}

	images, err := MatchImages(imageDir, schema)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	drop := func(id string, reason error) {
		logger.Logger.Debugw("Dropping subject", "subject", id, "reason", reason.Error())
		res.Dropped = append(res.Dropped, Drop{SubjectID: id, Reason: reason})
	}

	rows := make([]*row, 0, len(table.Rows))
	byID := make(map[int][]*row)
	for i := range table.Rows {
		r := &row{rawID: table.Cell(i, idCol)}
		id, ok := parseInt(r.rawID)
		if !ok {
			drop(r.rawID, errors.Wrapf(errors.ErrMissingField, "row %d has no usable %s", i+1, schema.IDColumn))
			continue
		}
		r.id = id
		r.gender = genderFromCode(table.Cell(i, sexCol))
		r.age, r.hasAge = parseFloat(table.Cell(i, ageCol))
		rows = append(rows, r)
		byID[id] = append(byID[id], r)
	}

	// subjects whose duplicate rows disagree on age are removed entirely
	checked := make(map[int]bool)
	for _, first := range rows {
		id, group := first.id, byID[first.id]
		if len(group) < 2 || checked[id] {
			continue
		}
		checked[id] = true
		ages := make(map[float64]struct{})
		for _, r := range group {
			if r.hasAge {
				ages[r.age] = struct{}{}
			}
		}
		if len(ages) > 1 {
			for _, r := range group {
				r.dropped = true
			}
			drop(schema.CanonicalID(id), errors.Wrapf(errors.ErrAmbiguousRecord,
				"%d rows with %d different ages", len(group), len(ages)))
		}
	}

	seen := make(map[int]bool)
	for _, r := range rows {
		if r.dropped || seen[r.id] {
			continue
		}
		seen[r.id] = true

		subjectID := schema.CanonicalID(r.id)
		path, ok := images[subjectID]
		switch {
		case !ok:
			drop(subjectID, errors.Wrapf(errors.ErrMissingImage, "no %s file in %s", schema.ImageExtension, imageDir))
			continue
		case r.gender == "":
			drop(subjectID, errors.Wrapf(errors.ErrMissingField, "unknown %s", schema.SexColumn))
			continue
		case !r.hasAge:
			drop(subjectID, errors.Wrapf(errors.ErrMissingField, "missing %s", schema.AgeColumn))
			continue
		}

		res.Records = append(res.Records, models.SubjectRecord{
			ImagePath: path,
			SubjectID: subjectID,
			Gender:    r.gender,
			AgeAtScan: RoundAge(r.age),
		})
	}

	return res, nil
}

// NormalizeFile reads the table at tablePath and normalizes it.
func NormalizeFile(tablePath, imageDir string, schema Schema) (*Result, error) {
	logger.Logger.Infof("Preprocessing %s", tablePath)

	table, err := ReadTable(tablePath)
	if err != nil {
		return nil, err
	}
	logger.Logger.Debugw("Read demographic table", "path", tablePath, "size", table.String())

	res, err := Normalize(table, imageDir, schema)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to normalize %s", tablePath)
	}
	logger.Logger.Infow("Normalized demographic table",
		"subjects", len(res.Records), "dropped", len(res.Dropped))
	return res, nil
}

// MatchImages maps canonical subject ids to image paths in dir. The id token
// of a file name is the text before the first separator; it matches either a
// canonical id or, when numeric, the id number. Files are visited in name
// order and a later match replaces an earlier one.
func MatchImages(dir string, schema Schema) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(dir)
		}
		return nil, errors.Wrapf(err, "failed to list %s", dir)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), schema.ImageExtension) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	images := make(map[string]string)
	for _, name := range names {
		token := strings.SplitN(name, schema.Separator, 2)[0]
		key := token
		if isDigits(token) {
			n, err := strconv.Atoi(token)
			if err != nil {
				continue
			}
			key = schema.CanonicalID(n)
		}
		images[key] = filepath.Join(dir, name)
	}
	return images, nil
}

// RoundAge rounds to 2 decimals, halves to even.
func RoundAge(age float64) float64 {
	return math.RoundToEven(age*100) / 100
}

func genderFromCode(code string) string {
	n, ok := parseInt(code)
	if !ok {
		return ""
	}
	switch n {
	case 1:
		return "M"
	case 2:
		return "F"
	default:
		return ""
	}
}

// parseInt accepts integers and integral floats such as "3.0".
func parseInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
