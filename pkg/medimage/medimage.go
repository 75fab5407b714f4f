// Package medimage defines the image and mask marker types. Each type carries
// its own default preprocessing (resample spacing, reorder flag) that is
// applied whenever a volume is created as that type.
package medimage

import (
	"fmt"
	"image"
	"sync"

	"medprep/internal/models"
	"medprep/pkg/errors"
	"medprep/pkg/loader"
	"medprep/pkg/visualization"
)

// ShowArgs are the display defaults of a type.
type ShowArgs struct {
	Cmap  string
	Alpha float64
}

// Type is a marker type: a name, a content kind and its preprocessing defaults.
type Type struct {
	Name string
	Kind models.ContentKind

	mu       sync.RWMutex
	resample []float64
	reorder  bool

	ShowArgs ShowArgs
}

// NewImage returns the intensity image type.
func NewImage() *Type {
	return &Type{
		Name:     "MedImage",
		Kind:     models.Intensity,
		ShowArgs: ShowArgs{Cmap: visualization.CmapGray, Alpha: 1},
	}
}

// NewMask returns the label mask type.
func NewMask() *Type {
	return &Type{
		Name:     "MedMask",
		Kind:     models.Label,
		ShowArgs: ShowArgs{Cmap: visualization.CmapTab20, Alpha: 0.5},
	}
}

// ItemPreprocessing sets the resample spacing and reorder flag used by Create.
func (t *Type) ItemPreprocessing(resample []float64, reorder bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resample = append([]float64(nil), resample...)
	t.reorder = reorder
}

// Preprocessing returns the current resample spacing and reorder flag.
func (t *Type) Preprocessing() ([]float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]float64(nil), t.resample...), t.reorder
}

// Options returns loader options for this type.
func (t *Type) Options(tensorOnly bool) loader.Options {
	resample, reorder := t.Preprocessing()
	return loader.Options{
		Kind:       t.Kind,
		Reorder:    reorder,
		Resample:   resample,
		TensorOnly: tensorOnly,
	}
}

// Create loads src with the type's preprocessing and returns the tensor.
func (t *Type) Create(l *loader.Loader, src string) (*models.Volume, error) {
	res, err := l.Load(src, t.Options(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", t.Name)
	}
	return res.Tensor, nil
}

// Wrap tags an in-memory volume as this type.
func (t *Type) Wrap(v *models.Volume) (*models.Volume, error) {
	return loader.FromTensor(v, t.Kind)
}

// ShowOptions selects the slice to display. Zero-valued Cmap and Alpha fall
// back to the type's show args.
type ShowOptions struct {
	Plane visualization.Plane
	// Index is the slice index; negative selects the middle slice
	Index   int
	Channel int
	Cmap    string
	Alpha   float64
}

// Show renders one slice of v with the type's display defaults. The voxel
// size for aspect correction is the type's resample spacing when set.
func (t *Type) Show(v *models.Volume, opts ShowOptions) (image.Image, error) {
	viewer, err := visualization.NewViewer(v)
	if err != nil {
		return nil, err
	}

	index := opts.Index
	if index < 0 {
		index = viewer.SliceCount(opts.Plane) / 2
	}

	resample, _ := t.Preprocessing()
	style := visualization.Style{
		Cmap:      t.ShowArgs.Cmap,
		Alpha:     t.ShowArgs.Alpha,
		VoxelSize: resample,
	}
	if opts.Cmap != "" {
		style.Cmap = opts.Cmap
	}
	if opts.Alpha > 0 {
		style.Alpha = opts.Alpha
	}

	return viewer.Render(opts.Plane, index, opts.Channel, style)
}

// Describe returns a one-line summary such as
// "MedImage mode=intensity size=1x64x64x32".
func (t *Type) Describe(v *models.Volume) string {
	return fmt.Sprintf("%s mode=%s size=%s", t.Name, v.Kind, v.SizeString())
}
