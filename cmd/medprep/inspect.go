package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"medprep/internal/models"
	"medprep/pkg/errors"
	"medprep/pkg/loader"
	"medprep/pkg/medimage"
	"medprep/pkg/nifti"
	"medprep/pkg/orientation"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <source>",
	Short: "Load a volume and print its geometry before and after preprocessing",
	Long: `Load a NIfTI file, a DICOM series directory, or several sequences joined
with ";" and print their geometry before and after preprocessing.

Preprocessing defaults come from the image (or mask) section of the
configuration; --resample and --reorder override them.

Examples:
  medprep inspect scan.nii.gz
  medprep inspect "t1.nii.gz;t2.nii.gz" --resample 1 --reorder
  medprep inspect seg.nii.gz --mask --resample 1,1,2 --save seg_1mm.nii.gz`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asMask, _ := cmd.Flags().GetBool("mask")
		save, _ := cmd.Flags().GetString("save")

		img, mask := markerTypes(cfg)
		typ := img
		if asMask {
			typ = mask
		}
		if err := applyPreprocessingFlags(cmd, typ); err != nil {
			return err
		}
		return runInspect(args[0], typ, save)
	},
}

func init() {
	addPreprocessingFlags(inspectCmd)
	inspectCmd.Flags().Bool("mask", false, "Load the source as a label mask")
	inspectCmd.Flags().String("save", "", "Write the preprocessed volume as NIfTI")
}

func addPreprocessingFlags(cmd *cobra.Command) {
	cmd.Flags().Float64Slice("resample", nil, "Target voxel spacing in mm (1 or 3 values)")
	cmd.Flags().Bool("reorder", false, "Reorient to RAS+ before resampling")
}

// applyPreprocessingFlags overrides the type defaults with the flags that
// were set on the command line.
func applyPreprocessingFlags(cmd *cobra.Command, typ *medimage.Type) error {
	resample, reorder := typ.Preprocessing()
	if cmd.Flags().Changed("resample") {
		resample, _ = cmd.Flags().GetFloat64Slice("resample")
		if n := len(resample); n != 1 && n != 3 {
			return errors.Wrapf(errors.ErrInvalidArgument, "--resample needs 1 or 3 values, got %d", n)
		}
	}
	if cmd.Flags().Changed("reorder") {
		reorder, _ = cmd.Flags().GetBool("reorder")
	}
	typ.ItemPreprocessing(resample, reorder)
	return nil
}

func runInspect(src string, typ *medimage.Type, save string) error {
	res, err := newLoader(cfg).Load(src, typ.Options(false))
	if err != nil {
		return err
	}

	pterm.DefaultSection.Println(typ.Describe(res.Tensor))

	data := pterm.TableData{{"", "Original", "Preprocessed"}}
	data = append(data,
		[]string{"Size", res.Original.SizeString(), res.Tensor.SizeString()},
		[]string{"Spacing", formatSpacing(res.Original.Spacing), formatSpacing(res.Tensor.Spacing)},
		[]string{"Orientation", axisCodes(res.Original), axisCodes(res.Tensor)},
		[]string{"Origin", origin(res.Original), origin(res.Tensor)},
		[]string{"Memory", humanize.Bytes(uint64(len(res.Original.Data) * 8)), humanize.Bytes(uint64(len(res.Tensor.Data) * 8))},
	)
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return errors.Wrap(err, "failed to render table")
	}

	pterm.Info.Printf("Size before resampling: %dx%dx%d\n", res.OriginalSize[0], res.OriginalSize[1], res.OriginalSize[2])
	for _, path := range loader.SplitSources(src) {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			pterm.Info.Printf("%s: %s on disk\n", path, humanize.Bytes(uint64(info.Size())))
		}
	}
	if typ.Kind == models.Label {
		pterm.Info.Printf("Labels: %s\n", formatLabels(res.Tensor))
	}

	if save != "" {
		if err := nifti.WriteFile(save, res.Tensor); err != nil {
			return err
		}
		pterm.Success.Printf("Saved preprocessed volume to %s\n", save)
	}
	return nil
}

func formatSpacing(s [3]float64) string {
	return fmt.Sprintf("%.3g x %.3g x %.3g mm", s[0], s[1], s[2])
}

func axisCodes(v *models.Volume) string {
	codes, err := orientation.AxisCodes(v.Affine)
	if err != nil {
		return "?"
	}
	return strings.Join(codes[:], "")
}

func origin(v *models.Volume) string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", v.Affine.At(0, 3), v.Affine.At(1, 3), v.Affine.At(2, 3))
}

func formatLabels(v *models.Volume) string {
	labels := make([]float64, 0)
	for l := range v.Labels() {
		labels = append(labels, l)
	}
	sort.Float64s(labels)

	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("%g", l)
	}
	return strings.Join(parts, ", ")
}
