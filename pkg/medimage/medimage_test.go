package medimage

import (
	"image"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medprep/internal/models"
	"medprep/pkg/errors"
	"medprep/pkg/loader"
	"medprep/pkg/nifti"
	"medprep/pkg/visualization"
)

func writeVolume(t *testing.T, name string) string {
	t.Helper()
	v := models.NewVolume(1, 8, 6, 4, [3]float64{1, 1, 1})
	for i := range v.Data {
		v.Data[i] = float64(i % 3)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, nifti.WriteFile(path, v))
	return path
}

func TestDefaults(t *testing.T) {
	img, mask := NewImage(), NewMask()

	assert.Equal(t, "MedImage", img.Name)
	assert.Equal(t, models.Intensity, img.Kind)
	assert.Equal(t, ShowArgs{Cmap: "gray", Alpha: 1}, img.ShowArgs)

	assert.Equal(t, "MedMask", mask.Name)
	assert.Equal(t, models.Label, mask.Kind)
	assert.Equal(t, ShowArgs{Cmap: "tab20", Alpha: 0.5}, mask.ShowArgs)

	resample, reorder := img.Preprocessing()
	assert.Empty(t, resample)
	assert.False(t, reorder)
}

func TestItemPreprocessingIsPerType(t *testing.T) {
	img, mask := NewImage(), NewMask()
	values := []float64{2}
	img.ItemPreprocessing(values, true)
	values[0] = 9

	resample, reorder := img.Preprocessing()
	assert.Equal(t, []float64{2}, resample)
	assert.True(t, reorder)

	resample, reorder = mask.Preprocessing()
	assert.Empty(t, resample)
	assert.False(t, reorder)

	opts := img.Options(true)
	assert.Equal(t, loader.Options{Kind: models.Intensity, Reorder: true, Resample: []float64{2}, TensorOnly: true}, opts)
}

func TestCreateAppliesTypeDefaults(t *testing.T) {
	path := writeVolume(t, "seg.nii.gz")
	l := loader.NewLoader(nil)

	mask := NewMask()
	mask.ItemPreprocessing([]float64{2}, false)
	v, err := mask.Create(l, path)
	require.NoError(t, err)

	assert.Equal(t, models.Label, v.Kind)
	assert.Equal(t, [3]int{4, 3, 2}, v.Size())
	for value := range v.Labels() {
		assert.Contains(t, []float64{0, 1, 2}, value)
	}
	assert.Equal(t, "MedMask mode=label size=1x4x3x2", mask.Describe(v))
}

func TestCreateMissingFile(t *testing.T) {
	_, err := NewImage().Create(loader.NewLoader(nil), filepath.Join(t.TempDir(), "absent.nii.gz"))
	assert.True(t, errors.IsNotFound(err))
}

func TestWrap(t *testing.T) {
	v := models.NewVolume(1, 64, 64, 32, [3]float64{1, 1, 1})
	wrapped, err := NewImage().Wrap(v)
	require.NoError(t, err)
	assert.Equal(t, "MedImage mode=intensity size=1x64x64x32", NewImage().Describe(wrapped))

	v.Data = nil
	_, err = NewMask().Wrap(v)
	assert.Error(t, err)
}

func TestShow(t *testing.T) {
	v := models.NewVolume(1, 8, 6, 4, [3]float64{1, 1, 1})
	v.Set(0, 4, 3, 2, 1)

	mask := NewMask()
	img, err := mask.Show(v, ShowOptions{Plane: visualization.Axial, Index: -1})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 6), img.Bounds())

	rgba, ok := img.(*image.RGBA)
	require.True(t, ok, "mask slices are RGBA, got %T", img)
	// voxel (4, 3) is drawn at row height-1-3
	assert.Equal(t, uint8(128), rgba.RGBAAt(4, 2).A)

	// caller overrides win over type defaults
	img, err = mask.Show(v, ShowOptions{Plane: visualization.Axial, Index: 2, Cmap: visualization.CmapGray})
	require.NoError(t, err)
	_, ok = img.(*image.Gray16)
	assert.True(t, ok)

	// resample spacing is used as voxel size
	mask.ItemPreprocessing([]float64{1, 2, 1}, false)
	img, err = mask.Show(v, ShowOptions{Plane: visualization.Axial, Index: 2})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 12), img.Bounds())
}
