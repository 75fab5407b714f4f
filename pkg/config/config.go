// Package config provides configuration loading and management for medprep.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Preprocessing is the per-type default applied whenever a marker type is used
// to load a volume.
type Preprocessing struct {
	// Resample is the target voxel spacing (1 or 3 values); empty disables resampling
	Resample []float64 `yaml:"resample"`

	// Reorder reorients volumes to canonical RAS+ before resampling
	Reorder bool `yaml:"reorder"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Image holds the MedImage preprocessing defaults
	Image Preprocessing `yaml:"image"`

	// Mask holds the MedMask preprocessing defaults
	Mask Preprocessing `yaml:"mask"`

	// Normalizer describes the demographic table layout and image naming
	Normalizer struct {
		IDColumn       string `yaml:"idColumn"`
		SexColumn      string `yaml:"sexColumn"`
		AgeColumn      string `yaml:"ageColumn"`
		SubjectPrefix  string `yaml:"subjectPrefix"`
		IDWidth        int    `yaml:"idWidth"`
		ImageExtension string `yaml:"imageExtension"`
		Separator      string `yaml:"separator"`
		PathColumn     string `yaml:"pathColumn"`
	} `yaml:"normalizer"`

	// Datasets holds download locations
	Datasets struct {
		// Root is the directory datasets are stored under
		Root string `yaml:"root"`

		IXIImages      string `yaml:"ixiImages"`
		IXIDemographic string `yaml:"ixiDemographic"`
		SpineTest      string `yaml:"spineTest"`
		ExampleSpine   string `yaml:"exampleSpine"`

		// IXIImageCount is the number of T1 images a complete extraction holds
		IXIImageCount int `yaml:"ixiImageCount"`
	} `yaml:"datasets"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`

		// JSONLogs switches logging to structured JSON
		JSONLogs bool `yaml:"jsonLogs"`

		// SaveIntermediaryResults writes each preprocessing stage as NIfTI
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is where intermediary results are written
		IntermediaryDir string `yaml:"intermediaryDir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Image = Preprocessing{Resample: nil, Reorder: false}
	cfg.Mask = Preprocessing{Resample: nil, Reorder: false}

	// IXI demographic spreadsheet layout
	cfg.Normalizer.IDColumn = "IXI_ID"
	cfg.Normalizer.SexColumn = "SEX_ID (1=m, 2=f)"
	cfg.Normalizer.AgeColumn = "AGE"
	cfg.Normalizer.SubjectPrefix = "IXI"
	cfg.Normalizer.IDWidth = 3
	cfg.Normalizer.ImageExtension = ".nii.gz"
	cfg.Normalizer.Separator = "-"
	cfg.Normalizer.PathColumn = "image_path"

	cfg.Datasets.Root = "../data"
	cfg.Datasets.IXIImages = "http://biomedic.doc.ic.ac.uk/brain-development/downloads/IXI/IXI-T1.tar"
	cfg.Datasets.IXIDemographic = "http://biomedic.doc.ic.ac.uk/brain-development/downloads/IXI/IXI.xls"
	cfg.Datasets.SpineTest = "https://drive.google.com/uc?id=1rbm9-KKAexpNm2mC9FsSbfnS8VJaF3Kn&confirm=t"
	cfg.Datasets.ExampleSpine = "https://drive.google.com/uc?id=1Ms3Q6MYQrQUA_PKZbJ2t2NeYFQ5jloMh"
	cfg.Datasets.IXIImageCount = 581

	cfg.Output.Verbose = false
	cfg.Output.JSONLogs = false
	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.IntermediaryDir = "intermediary_results"

	return cfg
}

// Validate checks values that would otherwise fail deep inside a pipeline.
func (c *Config) Validate() error {
	for name, p := range map[string]Preprocessing{"image": c.Image, "mask": c.Mask} {
		if n := len(p.Resample); n != 0 && n != 1 && n != 3 {
			return fmt.Errorf("%s.resample must have 1 or 3 values, got %d", name, n)
		}
		for _, s := range p.Resample {
			if s <= 0 {
				return fmt.Errorf("%s.resample values must be positive, got %v", name, p.Resample)
			}
		}
	}
	if c.Normalizer.IDWidth < 0 {
		return fmt.Errorf("normalizer.idWidth must not be negative")
	}
	if c.Normalizer.Separator == "" {
		return fmt.Errorf("normalizer.separator must not be empty")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
