package demographics

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cucumber/godog"

	"medprep/pkg/errors"
)

// normalizeContext holds state for a single scenario
type normalizeContext struct {
	tmpDir   string
	imageDir string
	schema   Schema
	table    *Table
	result   *Result
	first    string
	second   string
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

func InitializeScenario(sc *godog.ScenarioContext) {
	nc := &normalizeContext{}

	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		tmpDir, err := os.MkdirTemp("", "medprep-demographics-*")
		if err != nil {
			return ctx, err
		}
		*nc = normalizeContext{tmpDir: tmpDir, schema: DefaultSchema()}
		return ctx, nil
	})

	sc.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
		if nc.tmpDir != "" {
			os.RemoveAll(nc.tmpDir)
		}
		return ctx, nil
	})

	sc.Step(`^image files with extension "([^"]*)"$`, nc.imageFilesWithExtension)
	sc.Step(`^a demographic table:$`, nc.aDemographicTable)
	sc.Step(`^an image directory containing "([^"]*)"$`, nc.anImageDirectoryContaining)
	sc.Step(`^the table is normalized$`, nc.theTableIsNormalized)
	sc.Step(`^the output is normalized again$`, nc.theOutputIsNormalizedAgain)
	sc.Step(`^the output should be:$`, nc.theOutputShouldBe)
	sc.Step(`^the output should contain (\d+) subjects$`, nc.theOutputShouldContainSubjects)
	sc.Step(`^"([^"]*)" should be dropped as ambiguous$`, nc.shouldBeDroppedAsAmbiguous)
	sc.Step(`^every output row should be complete$`, nc.everyOutputRowShouldBeComplete)
	sc.Step(`^both outputs should be identical$`, nc.bothOutputsShouldBeIdentical)
	sc.Step(`^every subject id should appear once$`, nc.everySubjectIDShouldAppearOnce)
}

func (nc *normalizeContext) imageFilesWithExtension(ext string) error {
	nc.schema.ImageExtension = ext
	return nil
}

func (nc *normalizeContext) aDemographicTable(dt *godog.Table) error {
	nc.table = &Table{}
	for i, row := range dt.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.Value
		}
		if i == 0 {
			nc.table.Header = cells
			continue
		}
		nc.table.Rows = append(nc.table.Rows, cells)
	}
	return nil
}

func (nc *normalizeContext) anImageDirectoryContaining(names string) error {
	nc.imageDir = filepath.Join(nc.tmpDir, "images")
	if err := os.MkdirAll(nc.imageDir, 0755); err != nil {
		return err
	}
	for _, name := range strings.Split(names, ",") {
		if err := os.WriteFile(filepath.Join(nc.imageDir, strings.TrimSpace(name)), nil, 0644); err != nil {
			return err
		}
	}
	return nil
}

func (nc *normalizeContext) theTableIsNormalized() error {
	res, err := Normalize(nc.table, nc.imageDir, nc.schema)
	if err != nil {
		return err
	}
	nc.result = res

	var buf bytes.Buffer
	if err := WriteCSV(&buf, res.Records, nc.schema.PathColumn); err != nil {
		return err
	}
	nc.first = buf.String()
	return nil
}

// theOutputIsNormalizedAgain feeds the written table back through Normalize
// using the output column names.
func (nc *normalizeContext) theOutputIsNormalizedAgain() error {
	table, err := ParseTable(strings.NewReader(nc.first), ',')
	if err != nil {
		return err
	}
	ids, err := table.Column(SubjectIDColumn)
	if err != nil {
		return err
	}
	genders, err := table.Column(GenderColumn)
	if err != nil {
		return err
	}
	for i := range table.Rows {
		table.Rows[i][ids] = strings.TrimPrefix(table.Rows[i][ids], nc.schema.SubjectPrefix)
		switch table.Rows[i][genders] {
		case "M":
			table.Rows[i][genders] = "1"
		case "F":
			table.Rows[i][genders] = "2"
		}
	}

	schema := nc.schema
	schema.IDColumn, schema.SexColumn, schema.AgeColumn = SubjectIDColumn, GenderColumn, AgeAtScanColumn
	res, err := Normalize(table, nc.imageDir, schema)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, res.Records, schema.PathColumn); err != nil {
		return err
	}
	nc.second = buf.String()
	return nil
}

func (nc *normalizeContext) theOutputShouldBe(dt *godog.Table) error {
	want := dt.Rows[1:]
	if len(nc.result.Records) != len(want) {
		return fmt.Errorf("expected %d rows, got %d", len(want), len(nc.result.Records))
	}
	for i, row := range want {
		r := nc.result.Records[i]
		got := []string{r.SubjectID, r.Gender, FormatAge(r.AgeAtScan), filepath.Base(r.ImagePath)}
		for j, cell := range row.Cells {
			if got[j] != cell.Value {
				return fmt.Errorf("row %d column %d: expected %q, got %q", i+1, j+1, cell.Value, got[j])
			}
		}
		if filepath.Dir(r.ImagePath) != nc.imageDir {
			return fmt.Errorf("row %d: image %s is outside %s", i+1, r.ImagePath, nc.imageDir)
		}
	}
	return nil
}

func (nc *normalizeContext) theOutputShouldContainSubjects(n int) error {
	if len(nc.result.Records) != n {
		return fmt.Errorf("expected %d subjects, got %d", n, len(nc.result.Records))
	}
	return nil
}

func (nc *normalizeContext) shouldBeDroppedAsAmbiguous(id string) error {
	for _, r := range nc.result.Records {
		if r.SubjectID == id {
			return fmt.Errorf("%s is still in the output", id)
		}
	}
	for _, d := range nc.result.Dropped {
		if d.SubjectID == id && errors.Is(d.Reason, errors.ErrAmbiguousRecord) {
			return nil
		}
	}
	return fmt.Errorf("%s was not dropped as ambiguous", id)
}

func (nc *normalizeContext) everyOutputRowShouldBeComplete() error {
	for _, r := range nc.result.Records {
		if r.ImagePath == "" || r.SubjectID == "" || (r.Gender != "M" && r.Gender != "F") {
			return fmt.Errorf("incomplete row %+v", r)
		}
		if _, err := os.Stat(r.ImagePath); err != nil {
			return fmt.Errorf("image of %s: %v", r.SubjectID, err)
		}
	}
	return nil
}

func (nc *normalizeContext) bothOutputsShouldBeIdentical() error {
	if nc.first != nc.second {
		return fmt.Errorf("outputs differ:\n%s\n---\n%s", nc.first, nc.second)
	}
	return nil
}

func (nc *normalizeContext) everySubjectIDShouldAppearOnce() error {
	seen := make(map[string]bool)
	for _, r := range nc.result.Records {
		if seen[r.SubjectID] {
			return fmt.Errorf("%s appears more than once", r.SubjectID)
		}
		seen[r.SubjectID] = true
	}
	return nil
}
