// Package loader reads volumetric images from disk and prepares them for
// training: optional reorientation to RAS+, optional resampling to a target
// spacing, and stacking of co-registered sequences into channels.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"

	"medprep/internal/models"
	"medprep/pkg/dicomseries"
	"medprep/pkg/errors"
	"medprep/pkg/interpolation"
	"medprep/pkg/logger"
	"medprep/pkg/nifti"
	"medprep/pkg/orientation"
)

// SequenceSeparator joins the paths of co-registered sequences of one subject.
const SequenceSeparator = ";"

// Intermediary stages written when Params.SaveIntermediaryResults is set.
const (
	StageOriginal  = "01_original"
	StageCanonical = "02_canonical"
	StageResampled = "03_resampled"
)

// Params holds the loader configuration shared by every load.
type Params struct {
	// ReferenceAffine, when set, is the reference geometry for this loader.
	// It is never replaced by loaded volumes.
	ReferenceAffine *mat.Dense

	// SaveIntermediaryResults writes each stage of preprocessing as NIfTI.
	// Useful to inspect what reorientation and resampling did to a volume.
	SaveIntermediaryResults bool

	// IntermediaryDir is the directory where intermediary results will be saved.
	// Only used when SaveIntermediaryResults is true.
	IntermediaryDir string
}

// Options selects how a single load is performed.
type Options struct {
	// Kind is the content kind of the result. Label volumes are resampled
	// with nearest neighbour so class ids are never blended.
	Kind models.ContentKind

	// Reorder permutes and flips the axes to RAS+ before any resampling.
	Reorder bool

	// Resample is the target spacing: empty (keep), one value (isotropic)
	// or three values.
	Resample []float64

	// TensorOnly skips the Original, Processed and OriginalSize fields.
	TensorOnly bool
}

// Result is the outcome of a load.
type Result struct {
	// Tensor is the preprocessed data cast to the requested kind. For
	// several sequences it has one channel per sequence, in listed order.
	Tensor *models.Volume

	// Original is the volume as read from disk, before preprocessing. For
	// several sequences it is the last one.
	Original *models.Volume

	// Processed is the preprocessed volume before the cast.
	Processed *models.Volume

	// OriginalSize is the spatial size after reorientation and before
	// resampling, used to map predictions back to the source geometry.
	OriginalSize [3]int

	// ReferenceAffine is the loader's reference affine after this load.
	ReferenceAffine *mat.Dense
}

// Loader loads images. It is safe for concurrent use; the only state shared
// between loads is the set-once reference affine.
type Loader struct {
	// params stores the loader configuration
	params *Params

	mu        sync.Mutex
	reference *mat.Dense

	// loads counts successful preprocessing runs, used to name intermediary files
	loads int
}

// NewLoader creates a loader. A nil params uses the zero configuration.
func NewLoader(params *Params) *Loader {
	if params == nil {
		params = &Params{}
	}
	l := &Loader{params: params}
	if params.ReferenceAffine != nil {
		l.reference = mat.DenseCopyOf(params.ReferenceAffine)
	}
	return l
}

// ReferenceAffine returns a copy of the reference affine, or nil when no
// volume has been preprocessed yet and none was configured.
func (l *Loader) ReferenceAffine() *mat.Dense {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reference == nil {
		return nil
	}
	return mat.DenseCopyOf(l.reference)
}

// SplitSources splits a composite path into its sequence paths. There is no
// escaping: every separator splits.
func SplitSources(src string) []string {
	return strings.Split(src, SequenceSeparator)
}

// Load reads src, preprocesses it according to opts and returns the result.
// src is a NIfTI file, a DICOM series directory, or several of those joined
// by SequenceSeparator.
func (l *Loader) Load(src string, opts Options) (*Result, error) {
	var target [3]float64
	resample := len(opts.Resample) > 0
	if resample {
		var err error
		if target, err = interpolation.ExpandSpacing(opts.Resample); err != nil {
			return nil, err
		}
	}

	paths := SplitSources(src)
	if len(paths) == 1 {
		return l.loadSingle(paths[0], opts, resample, target)
	}
	return l.loadMulti(paths, opts, resample, target)
}

func (l *Loader) loadSingle(path string, opts Options, resample bool, target [3]float64) (*Result, error) {
	original, processed, originalSize, err := l.loadAndPreprocess(path, opts, resample, target)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Tensor:          processed.AsKind(opts.Kind),
		ReferenceAffine: l.ReferenceAffine(),
	}
	if !opts.TensorOnly {
		res.Original = original
		res.Processed = processed
		res.OriginalSize = originalSize
	}
	return res, nil
}

func (l *Loader) loadMulti(paths []string, opts Options, resample bool, target [3]float64) (*Result, error) {
	var original *models.Volume
	var originalSize [3]int
	volumes := make([]*models.Volume, 0, len(paths))

	for i, path := range paths {
		orig, processed, size, err := l.loadAndPreprocess(path, opts, resample, target)
		if err != nil {
			return nil, errors.Wrapf(err, "sequence %d of %d", i+1, len(paths))
		}
		if processed.Channels != 1 {
			return nil, errors.Formatf("sequence %s has %d channels, expected 1", path, processed.Channels)
		}
		if len(volumes) > 0 && processed.Size() != volumes[0].Size() {
			return nil, errors.Formatf("sequence %s has size %v, expected %v",
				path, processed.Size(), volumes[0].Size())
		}
		volumes = append(volumes, processed)
		original, originalSize = orig, size
	}

	stacked := stack(volumes)
	logger.Logger.Debugw("Stacked sequences", "count", len(volumes), "shape", stacked.SizeString())

	res := &Result{
		Tensor:          stacked.AsKind(opts.Kind),
		ReferenceAffine: l.ReferenceAffine(),
	}
	if !opts.TensorOnly {
		res.Original = original
		res.Processed = stacked
		res.OriginalSize = originalSize
	}
	return res, nil
}

// stack concatenates single-channel volumes along the channel axis. The
// metadata of the last volume describes the result.
func stack(volumes []*models.Volume) *models.Volume {
	last := volumes[len(volumes)-1]
	out := last.CloneMeta()
	out.Channels = len(volumes)
	n := last.VoxelsPerChannel()
	out.Data = make([]float64, 0, n*len(volumes))
	for _, v := range volumes {
		out.Data = append(out.Data, v.Data...)
	}
	return out
}

// loadAndPreprocess reads one sequence and applies reorientation then
// resampling. It returns the untouched volume, the processed one and the
// size recorded between the two steps.
func (l *Loader) loadAndPreprocess(path string, opts Options, resample bool, target [3]float64) (*models.Volume, *models.Volume, [3]int, error) {
	var size [3]int

	logger.Logger.Infow("Loading", "path", path, "kind", opts.Kind.String())
	original, err := ReadVolume(path)
	if err != nil {
		return nil, nil, size, err
	}
	original.Kind = opts.Kind

	l.mu.Lock()
	l.loads++
	index := l.loads
	l.mu.Unlock()

	if err := l.saveIntermediaryResult(StageOriginal, index, path, original); err != nil {
		return nil, nil, size, err
	}

	processed := original
	if opts.Reorder {
		codes, err := orientation.AxisCodes(processed.Affine)
		if err != nil {
			return nil, nil, size, errors.Wrapf(err, "failed to reorient %s", path)
		}
		if processed, err = orientation.ToCanonical(processed); err != nil {
			return nil, nil, size, errors.Wrapf(err, "failed to reorient %s", path)
		}
		logger.Logger.Debugw("Reoriented to RAS", "path", path, "from", strings.Join(codes[:], ""))
		if err := l.saveIntermediaryResult(StageCanonical, index, path, processed); err != nil {
			return nil, nil, size, err
		}
	}

	size = processed.Size()
	processed.OriginalSize = size

	if resample && !interpolation.SpacingClose(processed.Spacing, target) {
		if processed, err = interpolation.Resample(processed, target); err != nil {
			return nil, nil, size, errors.Wrapf(err, "failed to resample %s", path)
		}
		if err := l.saveIntermediaryResult(StageResampled, index, path, processed); err != nil {
			return nil, nil, size, err
		}
	}

	if processed == original {
		processed = original.Clone()
	}

	l.recordReference(processed.Affine)
	return original, processed, size, nil
}

// recordReference stores affine as the reference unless one is already set.
func (l *Loader) recordReference(affine *mat.Dense) {
	if affine == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reference == nil {
		l.reference = mat.DenseCopyOf(affine)
	}
}

// ReadVolume reads a NIfTI file or a DICOM series directory.
func ReadVolume(path string) (*models.Volume, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(path)
		}
		return nil, errors.Wrapf(err, "failed to stat %s", path)
	}

	switch {
	case info.IsDir():
		return dicomseries.Load(path)
	case nifti.IsNifti(path):
		v, _, err := nifti.ReadFile(path)
		return v, err
	default:
		return nil, errors.WithHint(
			errors.Formatf("%s is not a supported volume", path),
			"use a .nii/.nii.gz file or a directory of DICOM slices")
	}
}

// FromTensor wraps an in-memory volume as kind without touching disk.
func FromTensor(v *models.Volume, kind models.ContentKind) (*models.Volume, error) {
	if v == nil {
		return nil, errors.Wrap(errors.ErrInvalidArgument, "volume is nil")
	}
	if err := v.Validate(); err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrInvalidArgument), "invalid tensor")
	}
	out := v.AsKind(kind)
	if out.Affine == nil {
		out.Affine = models.DiagonalAffine(out.Spacing)
	}
	return out, nil
}

// saveIntermediaryResult writes v under IntermediaryDir/stage when enabled.
func (l *Loader) saveIntermediaryResult(stage string, index int, src string, v *models.Volume) error {
	if !l.params.SaveIntermediaryResults {
		return nil
	}

	stageDir := filepath.Join(l.params.IntermediaryDir, stage)
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create intermediary directory")
	}

	filename := filepath.Join(stageDir, fmt.Sprintf("%03d_%s.nii.gz", index, stem(src)))
	if err := nifti.WriteFile(filename, v); err != nil {
		return errors.Wrapf(err, "failed to save %s result", stage)
	}
	logger.Logger.Debugw("Saved intermediary result", "stage", stage, "path", filename)
	return nil
}

// stem returns the base name without NIfTI extensions.
func stem(path string) string {
	base := filepath.Base(filepath.Clean(path))
	lower := strings.ToLower(base)
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(lower, ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return base
}
