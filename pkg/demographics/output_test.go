package demographics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medprep/internal/models"
	"medprep/pkg/errors"
)

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "30.0", FormatAge(30))
	assert.Equal(t, "45.1", FormatAge(45.1))
	assert.Equal(t, "38.78", FormatAge(38.78))
}

func TestSaveAndReadRecords(t *testing.T) {
	records := []models.SubjectRecord{
		{ImagePath: "/data/IXI002-Guys-0828-T1.nii.gz", SubjectID: "IXI002", Gender: "F", AgeAtScan: 35.8},
		{ImagePath: "/data/IXI012-HH-1211-T1.nii.gz", SubjectID: "IXI012", Gender: "M", AgeAtScan: 38},
	}
	path := filepath.Join(t.TempDir(), "dataset.csv")
	require.NoError(t, SaveCSV(path, records, "t1_path"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "IXI012,M,38.0\n")

	read, err := ReadRecords(bytes.NewReader(data), "t1_path")
	require.NoError(t, err)
	assert.Equal(t, records, read)
}

func TestReadRecordsErrors(t *testing.T) {
	_, err := ReadRecords(strings.NewReader("image_path,subject_id,gender\n"), "image_path")
	assert.True(t, errors.IsSchema(err))

	_, err = ReadRecords(strings.NewReader("image_path,subject_id,gender,age_at_scan\na,IXI001,M,old\n"), "image_path")
	assert.True(t, errors.IsFormat(err))
}
