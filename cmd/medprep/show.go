package main

import (
	"image"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"medprep/pkg/medimage"
	"medprep/pkg/visualization"
)

var showCmd = &cobra.Command{
	Use:   "show <source>",
	Short: "Save a slice of a volume as PNG or JPEG",
	Long: `Load a volume with the image preprocessing defaults and save one slice.
With --mask the mask is loaded with the mask defaults and drawn over the slice.
With --all every slice along the plane is written to the --output directory.

Examples:
  medprep show scan.nii.gz -o axial.png
  medprep show scan.nii.gz --plane sagittal --index 40 -o sagittal.jpg
  medprep show scan.nii.gz --mask seg.nii.gz --alpha 0.3 -o overlay.png
  medprep show scan.nii.gz --all -o slices/`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		planeName, _ := flags.GetString("plane")
		index, _ := flags.GetInt("index")
		channel, _ := flags.GetInt("channel")
		maskSrc, _ := flags.GetString("mask")
		alpha, _ := flags.GetFloat64("alpha")
		output, _ := flags.GetString("output")
		all, _ := flags.GetBool("all")

		plane, err := visualization.ParsePlane(planeName)
		if err != nil {
			return err
		}
		img, mask := markerTypes(cfg)
		if err := applyPreprocessingFlags(cmd, img); err != nil {
			return err
		}
		if err := applyPreprocessingFlags(cmd, mask); err != nil {
			return err
		}

		if all {
			return runShowAll(args[0], img, plane, channel, output)
		}
		opts := medimage.ShowOptions{Plane: plane, Index: index, Channel: channel}
		return runShow(args[0], maskSrc, img, mask, opts, alpha, output)
	},
}

func init() {
	addPreprocessingFlags(showCmd)
	showCmd.Flags().String("plane", "axial", "Slice plane: sagittal, coronal or axial")
	showCmd.Flags().Int("index", -1, "Slice index (negative selects the middle slice)")
	showCmd.Flags().Int("channel", 0, "Channel of multi-sequence volumes")
	showCmd.Flags().String("mask", "", "Mask drawn over the slice")
	showCmd.Flags().Float64("alpha", 0, "Mask opacity (default: mask type setting)")
	showCmd.Flags().StringP("output", "o", "slice.png", "Output image, or directory with --all")
	showCmd.Flags().Bool("all", false, "Save every slice along the plane")
}

func runShow(src, maskSrc string, img, mask *medimage.Type, opts medimage.ShowOptions, alpha float64, output string) error {
	l := newLoader(cfg)
	v, err := img.Create(l, src)
	if err != nil {
		return err
	}

	var out image.Image
	if out, err = img.Show(v, opts); err != nil {
		return err
	}

	if maskSrc != "" {
		m, err := mask.Create(l, maskSrc)
		if err != nil {
			return err
		}
		if alpha <= 0 {
			alpha = mask.ShowArgs.Alpha
		}
		opts.Channel = 0
		opts.Alpha = alpha
		labels, err := mask.Show(m, opts)
		if err != nil {
			return err
		}
		if out, err = visualization.Overlay(out, labels, alpha); err != nil {
			return err
		}
	}

	if err := visualization.SaveSlice(out, output); err != nil {
		return err
	}
	pterm.Success.Printf("Saved %s slice to %s\n", opts.Plane, output)
	return nil
}

func runShowAll(src string, img *medimage.Type, plane visualization.Plane, channel int, dir string) error {
	v, err := img.Create(newLoader(cfg), src)
	if err != nil {
		return err
	}
	viewer, err := visualization.NewViewer(v)
	if err != nil {
		return err
	}

	resample, _ := img.Preprocessing()
	style := visualization.Style{Cmap: img.ShowArgs.Cmap, Alpha: img.ShowArgs.Alpha, VoxelSize: resample}
	n, err := viewer.SaveSliceSequence(plane, channel, dir, style)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Saved %d %s slices to %s\n", n, plane, dir)
	return nil
}
