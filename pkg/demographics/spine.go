package demographics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"medprep/internal/models"
	"medprep/pkg/errors"
)

// SpineTestTable lists the test images of a spine study directory. Images
// live in img/, masks in seg/ with "img" replaced by "seg" in the file name.
// The subject id is the text after the last underscore, up to the first dot.
func SpineTestTable(studyDir string) ([]models.SpineRecord, error) {
	imgDir := filepath.Join(studyDir, "img")
	if _, err := os.Stat(imgDir); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(imgDir)
		}
		return nil, errors.Wrapf(err, "failed to stat %s", imgDir)
	}

	images, err := filepath.Glob(filepath.Join(imgDir, "*.nii.gz"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid image pattern")
	}
	sort.Strings(images)

	records := make([]models.SpineRecord, 0, len(images))
	for _, img := range images {
		maskName := strings.ReplaceAll(filepath.Base(img), "img", "seg")
		records = append(records, models.SpineRecord{
			ImagePath: img,
			MaskPath:  filepath.Join(studyDir, "seg", maskName),
			SubjectID: spineSubjectID(maskName),
			IsTest:    true,
		})
	}
	return records, nil
}

func spineSubjectID(name string) string {
	if i := strings.LastIndex(name, "_"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "."); i >= 0 {
		name = name[:i]
	}
	return name
}

// WriteSpineCSV writes spine records with columns
// [t2_img_path, t2_mask_path, subject_id, is_test].
func WriteSpineCSV(w io.Writer, records []models.SpineRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"t2_img_path", "t2_mask_path", SubjectIDColumn, "is_test"}); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, r := range records {
		isTest := "False"
		if r.IsTest {
			isTest = "True"
		}
		if err := cw.Write([]string{r.ImagePath, r.MaskPath, r.SubjectID, isTest}); err != nil {
			return errors.Wrapf(err, "failed to write %s", r.SubjectID)
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveSpineCSV writes spine records to path.
func SaveSpineCSV(path string, records []models.SpineRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer f.Close()

	if err := WriteSpineCSV(f, records); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}
