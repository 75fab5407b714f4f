package main

import (
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"medprep/pkg/datasets"
	"medprep/pkg/demographics"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download public datasets",
	Long: `Download public datasets below the dataset root (datasets.root or --data-dir).

Examples:
  medprep download ixi            # IXI T1 images, demographics and dataset.csv
  medprep download spine-test     # Chu 2015 T2 spine test set
  medprep download example-spine  # Example T2 scan with a predicted mask`,
}

var downloadIXICmd = &cobra.Command{
	Use:   "ixi",
	Short: "Download IXI T1 images and demographic information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := newDownloader().DownloadIXI(cmd.Context(), cfg.Datasets.Root)
		if err != nil {
			return err
		}
		pterm.Success.Printf("IXI dataset ready: %s\n", filepath.Join(dir, datasets.IXITableFile))
		return nil
	},
}

var downloadSpineTestCmd = &cobra.Command{
	Use:   "spine-test",
	Short: "Download the Chu 2015 T2 spine test set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := newDownloader().DownloadSpineTest(cmd.Context(), cfg.Datasets.Root)
		if err != nil {
			return err
		}
		out := filepath.Join(cfg.Datasets.Root, datasets.SpineTestStudy, datasets.SpineTableFile)
		if err := demographics.SaveSpineCSV(out, records); err != nil {
			return err
		}
		pterm.Success.Printf("Spine test set ready: %d subjects listed in %s\n", len(records), out)
		return nil
	},
}

var downloadExampleSpineCmd = &cobra.Command{
	Use:   "example-spine",
	Short: "Download an example T2 spine scan and predicted mask",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := newDownloader().DownloadExampleSpine(cmd.Context(), cfg.Datasets.Root)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Example data ready: %s\n", dir)
		return nil
	},
}

func init() {
	downloadCmd.AddCommand(downloadIXICmd)
	downloadCmd.AddCommand(downloadSpineTestCmd)
	downloadCmd.AddCommand(downloadExampleSpineCmd)
}

func newDownloader() *datasets.Downloader {
	return datasets.NewDownloader(datasets.SourcesFromConfig(cfg), schemaFromConfig(cfg), nil)
}
