package main

import (
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"medprep/pkg/demographics"
	"medprep/pkg/errors"
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize <table> <image-dir>",
	Short: "Clean a demographic table and link subjects to their images",
	Long: `Read a demographic table (.xls, .xlsx, .csv or .tsv), link every subject to an
image file in <image-dir> and write one row per subject with columns
image path, subject_id, gender and age_at_scan.

Subjects listed with conflicting ages, without an image, sex code or age are
dropped and reported.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		pathColumn, _ := cmd.Flags().GetString("path-column")
		extension, _ := cmd.Flags().GetString("extension")
		return runNormalize(args[0], args[1], output, pathColumn, extension)
	},
}

func init() {
	normalizeCmd.Flags().StringP("output", "o", "", "Output CSV (default: dataset.csv next to the table)")
	normalizeCmd.Flags().String("path-column", "", "Name of the image path column (overrides normalizer.pathColumn)")
	normalizeCmd.Flags().String("extension", "", "Image file extension (overrides normalizer.imageExtension)")
}

func runNormalize(tablePath, imageDir, output, pathColumn, extension string) error {
	schema := schemaFromConfig(cfg)
	if pathColumn != "" {
		schema.PathColumn = pathColumn
	}
	if extension != "" {
		schema.ImageExtension = extension
	}
	if output == "" {
		output = filepath.Join(filepath.Dir(tablePath), "dataset.csv")
	}

	res, err := demographics.NormalizeFile(tablePath, imageDir, schema)
	if err != nil {
		return err
	}
	if err := demographics.SaveCSV(output, res.Records, schema.PathColumn); err != nil {
		return err
	}

	pterm.Success.Printf("Wrote %d subjects to %s\n", len(res.Records), output)
	if len(res.Dropped) == 0 {
		return nil
	}

	data := pterm.TableData{{"Subject", "Reason"}}
	for _, d := range res.Dropped {
		data = append(data, []string{d.SubjectID, d.Reason.Error()})
	}
	pterm.Warning.Printf("Dropped %d subjects\n", len(res.Dropped))
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return errors.Wrap(err, "failed to render table")
	}
	return nil
}
