package demographics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"medprep/pkg/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseTable(t *testing.T) {
	table, err := ParseTable(strings.NewReader("\ufeffIXI_ID,AGE\n1,30\n2\n"), ',')
	require.NoError(t, err)

	assert.Equal(t, []string{"IXI_ID", "AGE"}, table.Header)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "30", table.Cell(0, 1))
	assert.Equal(t, "", table.Cell(1, 1), "short rows read as empty")
	assert.Equal(t, "2 columns x 2 rows", table.String())
}

func TestParseTableQuotedHeader(t *testing.T) {
	table, err := ParseTable(strings.NewReader("IXI_ID,\"SEX_ID (1=m, 2=f)\",AGE\n3,1,30\n"), ',')
	require.NoError(t, err)
	assert.Equal(t, []string{"IXI_ID", "SEX_ID (1=m, 2=f)", "AGE"}, table.Header)

	idx, err := table.Column(DefaultSchema().SexColumn)
	require.NoError(t, err)
	assert.Equal(t, "1", table.Cell(0, idx))

	// unquoted, the comma inside the column name splits it
	table, err = ParseTable(strings.NewReader("IXI_ID,SEX_ID (1=m, 2=f),AGE\n"), ',')
	require.NoError(t, err)
	assert.Len(t, table.Header, 4)
	_, err = table.Column(DefaultSchema().SexColumn)
	assert.True(t, errors.IsSchema(err))
}

func TestColumn(t *testing.T) {
	table := &Table{Header: []string{" IXI_ID ", "AGE"}}

	idx, err := table.Column("IXI_ID")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	_, err = table.Column("SEX_ID (1=m, 2=f)")
	require.Error(t, err)
	assert.True(t, errors.IsSchema(err))
	assert.Contains(t, errors.FlattenHints(err), "AGE")
}

func TestReadTableDelimited(t *testing.T) {
	dir := t.TempDir()

	csvPath := writeFile(t, dir, "demo.csv", "IXI_ID,AGE\n3,30.5\n")
	table, err := ReadTable(csvPath)
	require.NoError(t, err)
	assert.Equal(t, "30.5", table.Cell(0, 1))

	tsvPath := writeFile(t, dir, "demo.tsv", "IXI_ID\tAGE\n3\t30.5\n")
	table, err = ReadTable(tsvPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"IXI_ID", "AGE"}, table.Header)
}

func TestReadTableXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "IXI.xlsx")

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"IXI_ID", "SEX_ID (1=m, 2=f)", "AGE"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{3, 1, 30.25}))
	require.NoError(t, f.SetSheetRow(sheet, "A4", &[]interface{}{7, 2, 45.1}))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	table, err := ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"IXI_ID", "SEX_ID (1=m, 2=f)", "AGE"}, table.Header)
	require.Len(t, table.Rows, 2, "blank rows are skipped")
	assert.Equal(t, "7", table.Cell(1, 0))
	assert.Equal(t, "45.1", table.Cell(1, 2))
}

func TestReadTableErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadTable(filepath.Join(dir, "absent.csv"))
	assert.True(t, errors.IsNotFound(err))

	_, err = ReadTable(writeFile(t, dir, "demo.json", "{}"))
	assert.True(t, errors.IsFormat(err))

	_, err = ReadTable(writeFile(t, dir, "empty.csv", ""))
	assert.True(t, errors.IsFormat(err))

	_, err = ReadTable(writeFile(t, dir, "broken.xlsx", "not a workbook"))
	assert.True(t, errors.IsFormat(err))

	_, err = ReadTable(writeFile(t, dir, "broken.xls", "not a workbook"))
	assert.True(t, errors.IsFormat(err))
}
