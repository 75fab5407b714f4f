package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"medprep/pkg/config"
	"medprep/pkg/demographics"
	"medprep/pkg/errors"
	"medprep/pkg/loader"
	"medprep/pkg/logger"
	"medprep/pkg/medimage"
)

var (
	// settings binds persistent flags and MEDPREP_* environment variables
	settings = newSettings()

	// cfg is loaded before any command runs
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "medprep",
	Short: "Prepare medical imaging datasets for deep learning",
	Long: `medprep downloads public MRI datasets, cleans their demographic tables and
loads NIfTI or DICOM volumes with canonical reorientation and resampling.

Examples:
  medprep download ixi                       # Fetch IXI T1 images and build dataset.csv
  medprep normalize IXI.xls T1_images        # Clean a demographic table
  medprep inspect scan.nii.gz --resample 1   # Show geometry after preprocessing
  medprep show scan.nii.gz --mask seg.nii.gz # Save the middle axial slice with its mask`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadSettings(settings)
		if err != nil {
			return err
		}
		if err := logger.Initialize(c.Output.JSONLogs, c.Output.Verbose); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		cfg = c
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func newSettings() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("MEDPREP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "medprep.yaml", "Configuration file (defaults are used when it does not exist)")
	flags.String("data-dir", "", "Dataset root directory (overrides datasets.root)")
	flags.Bool("json", false, "Write logs as JSON")
	flags.BoolP("verbose", "v", false, "Enable debug logging")
	if err := settings.BindPFlags(flags); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(normalizeCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(configCmd)
}

// loadSettings reads the config file named by v and applies flag and
// environment overrides on top of it.
func loadSettings(v *viper.Viper) (*config.Config, error) {
	c, err := config.LoadConfig(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if dir := v.GetString("data-dir"); dir != "" {
		c.Datasets.Root = dir
	}
	if v.GetBool("json") {
		c.Output.JSONLogs = true
	}
	if v.GetBool("verbose") {
		c.Output.Verbose = true
	}
	return c, nil
}

// schemaFromConfig returns the normalizer schema of c.
func schemaFromConfig(c *config.Config) demographics.Schema {
	n := c.Normalizer
	return demographics.Schema{
		IDColumn:       n.IDColumn,
		SexColumn:      n.SexColumn,
		AgeColumn:      n.AgeColumn,
		SubjectPrefix:  n.SubjectPrefix,
		IDWidth:        n.IDWidth,
		ImageExtension: n.ImageExtension,
		Separator:      n.Separator,
		PathColumn:     n.PathColumn,
	}
}

// markerTypes returns the image and mask types with their configured defaults.
func markerTypes(c *config.Config) (*medimage.Type, *medimage.Type) {
	img, mask := medimage.NewImage(), medimage.NewMask()
	img.ItemPreprocessing(c.Image.Resample, c.Image.Reorder)
	mask.ItemPreprocessing(c.Mask.Resample, c.Mask.Reorder)
	return img, mask
}

func newLoader(c *config.Config) *loader.Loader {
	return loader.NewLoader(&loader.Params{
		SaveIntermediaryResults: c.Output.SaveIntermediaryResults,
		IntermediaryDir:         c.Output.IntermediaryDir,
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		pterm.Error.Println(err)
		if hints := errors.FlattenHints(err); hints != "" {
			pterm.Info.Println(hints)
		}
		os.Exit(1)
	}
}
