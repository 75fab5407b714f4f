// Package datasets downloads the public datasets used with medprep and turns
// them into tables of subjects.
package datasets

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	getter "github.com/hashicorp/go-getter"

	"medprep/internal/models"
	"medprep/pkg/config"
	"medprep/pkg/demographics"
	"medprep/pkg/errors"
	"medprep/pkg/logger"
)

// Directory and file names under the dataset root.
const (
	IXIDir          = "IXI"
	IXIImagesDir    = "T1_images"
	IXITableFile    = "dataset.csv"
	IXIPathColumn   = "t1_path"
	SpineTestStudy  = "chengwen_chu_2015"
	ExampleStudy    = "example_data"
	SpineTableFile  = "dataset.csv"
	defaultIXICount = 581
)

// Fetcher downloads src to dst. With unpack set, dst is a directory and
// archives are extracted into it; otherwise dst is the target file.
type Fetcher interface {
	Fetch(ctx context.Context, src, dst string, unpack bool) error
}

// GetterFetcher fetches with go-getter. Archives are removed once unpacked.
type GetterFetcher struct {
	// Pwd resolves relative sources
	Pwd string
}

// Fetch implements Fetcher.
func (g GetterFetcher) Fetch(ctx context.Context, src, dst string, unpack bool) error {
	mode := getter.ClientModeFile
	if unpack {
		mode = getter.ClientModeDir
	}
	client := &getter.Client{
		Ctx:     ctx,
		Src:     src,
		Dst:     dst,
		Pwd:     g.Pwd,
		Mode:    mode,
		Getters: getter.Getters,
	}
	if err := client.Get(); err != nil {
		return errors.Wrapf(err, "failed to fetch %s", src)
	}
	return nil
}

// Sources are the download locations of each dataset.
type Sources struct {
	IXIImages      string
	IXIDemographic string
	SpineTest      string
	ExampleSpine   string

	// IXIImageCount is the number of entries a complete T1 extraction holds
	IXIImageCount int
}

// SourcesFromConfig reads the dataset section of cfg.
func SourcesFromConfig(cfg *config.Config) Sources {
	return Sources{
		IXIImages:      cfg.Datasets.IXIImages,
		IXIDemographic: cfg.Datasets.IXIDemographic,
		SpineTest:      cfg.Datasets.SpineTest,
		ExampleSpine:   cfg.Datasets.ExampleSpine,
		IXIImageCount:  cfg.Datasets.IXIImageCount,
	}
}

// Downloader fetches datasets below a root directory.
type Downloader struct {
	sources Sources
	schema  demographics.Schema
	fetcher Fetcher
}

// NewDownloader creates a Downloader. A nil fetcher uses go-getter.
func NewDownloader(sources Sources, schema demographics.Schema, fetcher Fetcher) *Downloader {
	if fetcher == nil {
		fetcher = GetterFetcher{}
	}
	if sources.IXIImageCount <= 0 {
		sources.IXIImageCount = defaultIXICount
	}
	return &Downloader{sources: sources, schema: schema, fetcher: fetcher}
}

// DownloadIXI fetches the IXI T1 images and demographic spreadsheet into
// <root>/IXI, normalizes the demographics and saves them as dataset.csv.
// Images are only fetched when T1_images holds fewer entries than a complete
// extraction. Returns the IXI directory.
func (d *Downloader) DownloadIXI(ctx context.Context, root string) (string, error) {
	dir := filepath.Join(root, IXIDir)
	imgDir := filepath.Join(dir, IXIImagesDir)

	if n := countEntries(imgDir); n >= d.sources.IXIImageCount {
		logger.Logger.Infof("Images already downloaded and extracted to %s", imgDir)
	} else {
		logger.Logger.Infow("Downloading IXI images",
			"source", d.sources.IXIImages, "destination", imgDir, "present", n)
		if err := d.fetcher.Fetch(ctx, withArchive(d.sources.IXIImages, "tar"), imgDir, true); err != nil {
			return "", errors.Wrap(err, "failed to download IXI images")
		}
	}

	tablePath := filepath.Join(dir, sourceName(d.sources.IXIDemographic, "IXI.xls"))
	if err := d.fetcher.Fetch(ctx, d.sources.IXIDemographic, tablePath, false); err != nil {
		return "", errors.Wrap(err, "failed to download IXI demographics")
	}
	if info, err := os.Stat(tablePath); err == nil {
		logger.Logger.Infow("Downloaded IXI demographics",
			"path", tablePath, "size", humanize.Bytes(uint64(info.Size())))
	}

	schema := d.schema
	schema.PathColumn = IXIPathColumn
	res, err := demographics.NormalizeFile(tablePath, imgDir, schema)
	if err != nil {
		return "", err
	}

	out := filepath.Join(dir, IXITableFile)
	if err := demographics.SaveCSV(out, res.Records, schema.PathColumn); err != nil {
		return "", err
	}
	logger.Logger.Infow("Saved IXI dataset",
		"path", out, "subjects", humanize.Comma(int64(len(res.Records))))
	return dir, nil
}

// DownloadSpineTest fetches the Chu 2015 T2 spine test set into root and
// returns its image and mask table.
func (d *Downloader) DownloadSpineTest(ctx context.Context, root string) ([]models.SpineRecord, error) {
	logger.Logger.Infow("Downloading spine test data", "source", d.sources.SpineTest, "destination", root)
	if err := d.fetcher.Fetch(ctx, withArchive(d.sources.SpineTest, "zip"), root, true); err != nil {
		return nil, errors.Wrap(err, "failed to download spine test data")
	}
	return demographics.SpineTestTable(filepath.Join(root, SpineTestStudy))
}

// DownloadExampleSpine fetches the example T2 scan and predicted mask into
// root and returns the study directory.
func (d *Downloader) DownloadExampleSpine(ctx context.Context, root string) (string, error) {
	logger.Logger.Infow("Downloading example spine data", "source", d.sources.ExampleSpine, "destination", root)
	if err := d.fetcher.Fetch(ctx, withArchive(d.sources.ExampleSpine, "zip"), root, true); err != nil {
		return "", errors.Wrap(err, "failed to download example spine data")
	}

	dir := filepath.Join(root, ExampleStudy)
	if _, err := os.Stat(dir); err != nil {
		return "", errors.WithHint(errors.NotFound(dir), "the archive did not contain "+ExampleStudy)
	}
	return dir, nil
}

func countEntries(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	return len(entries)
}

// withArchive forces go-getter to unpack src as format, for URLs whose path
// carries no archive extension.
func withArchive(src, format string) string {
	u, err := url.Parse(src)
	if err != nil || u.Scheme == "" {
		return src
	}
	q := u.Query()
	if q.Get("archive") == "" {
		q.Set("archive", format)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// sourceName is the file name of src, or fallback when its path has none.
func sourceName(src, fallback string) string {
	u, err := url.Parse(src)
	if err != nil {
		return fallback
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || path.Ext(name) == "" {
		return fallback
	}
	return name
}
