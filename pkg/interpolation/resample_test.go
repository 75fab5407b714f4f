package interpolation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"medprep/internal/models"
	"medprep/pkg/errors"
)

// rampVolume fills each voxel with 10*x so linear interpolation is exact.
func rampVolume(width, height, depth int, spacing [3]float64) *models.Volume {
	v := models.NewVolume(1, width, height, depth, spacing)
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v.Set(0, x, y, z, float64(10*x))
			}
		}
	}
	return v
}

func TestExpandSpacing(t *testing.T) {
	got, err := ExpandSpacing([]float64{2})
	require.NoError(t, err)
	assert.Equal(t, [3]float64{2, 2, 2}, got)

	got, err = ExpandSpacing([]float64{1, 1.5, 3})
	require.NoError(t, err)
	assert.Equal(t, [3]float64{1, 1.5, 3}, got)

	for _, bad := range [][]float64{nil, {1, 2}, {1, 0, 1}, {-1}} {
		_, err := ExpandSpacing(bad)
		assert.True(t, errors.Is(err, errors.ErrInvalidArgument), "values %v", bad)
	}
}

func TestSpacingClose(t *testing.T) {
	assert.True(t, SpacingClose([3]float64{1, 1, 1}, [3]float64{1, 1, 1}))
	assert.True(t, SpacingClose([3]float64{1.000001, 1, 0.9999995}, [3]float64{1, 1, 1}))
	assert.False(t, SpacingClose([3]float64{1, 1, 1.2}, [3]float64{1, 1, 1}))
	assert.False(t, SpacingClose([3]float64{1.0001, 1, 1}, [3]float64{1, 1, 1}))
}

func TestOutputSize(t *testing.T) {
	assert.Equal(t, [3]int{2, 2, 4}, OutputSize([3]int{4, 4, 2}, [3]float64{1, 1, 2}, [3]float64{2, 2, 1}))
	assert.Equal(t, [3]int{3, 1, 5}, OutputSize([3]int{5, 1, 5}, [3]float64{0.5, 1, 1}, [3]float64{1, 2, 1}))
	// 10 * 0.7 / 0.7 must not round up because of float error
	assert.Equal(t, [3]int{10, 10, 10}, OutputSize([3]int{10, 10, 10}, [3]float64{0.7, 0.7, 0.7}, [3]float64{0.7, 0.7, 0.7}))
}

func TestResampleDownsamplesIntensity(t *testing.T) {
	v := rampVolume(4, 2, 2, [3]float64{1, 1, 1})
	out, err := Resample(v, [3]float64{2, 1, 1})
	require.NoError(t, err)

	assert.Equal(t, [3]int{2, 2, 2}, out.Size())
	assert.Equal(t, [3]float64{2, 1, 1}, out.Spacing)
	// output voxel centres fall on input indices 0.5 and 2.5
	assert.InDelta(t, 5.0, out.At(0, 0, 0, 0), 1e-9)
	assert.InDelta(t, 25.0, out.At(0, 1, 1, 1), 1e-9)
}

func TestResampleUpsamplesIntensity(t *testing.T) {
	v := rampVolume(3, 1, 1, [3]float64{2, 1, 1})
	out, err := Resample(v, [3]float64{1, 1, 1})
	require.NoError(t, err)

	require.Equal(t, [3]int{6, 1, 1}, out.Size())
	// input positions -0.25 (clamped), 0.25, 0.75, ..., 2.25 (clamped)
	want := []float64{0, 2.5, 7.5, 12.5, 17.5, 20}
	assert.InDeltaSlice(t, want, out.Data, 1e-9)
}

func TestResampleAffineKeepsFieldOfView(t *testing.T) {
	v := rampVolume(4, 4, 4, [3]float64{1, 1, 1})
	v.Affine.Set(0, 3, -2)
	out, err := Resample(v, [3]float64{2, 2, 2})
	require.NoError(t, err)

	want := mat.NewDense(4, 4, []float64{
		2, 0, 0, -1.5,
		0, 2, 0, 0.5,
		0, 0, 2, 0.5,
		0, 0, 0, 1,
	})
	assert.True(t, mat.EqualApprox(want, out.Affine, 1e-12))
	assert.Equal(t, [3]float64{2, 2, 2}, models.SpacingFromAffine(out.Affine))
}

func TestResampleLabelsNeverBlend(t *testing.T) {
	v := models.NewVolume(1, 5, 5, 5, [3]float64{1, 1, 1})
	v.Kind = models.Label
	for i := range v.Data {
		switch {
		case i%7 == 0:
			v.Data[i] = 3
		case i%5 == 0:
			v.Data[i] = 7
		}
	}
	input := v.Labels()

	for _, target := range [][3]float64{{0.6, 0.6, 0.6}, {1.7, 1.3, 2.1}} {
		out, err := Resample(v, target)
		require.NoError(t, err)
		assert.Equal(t, models.Label, out.Kind)
		for value := range out.Labels() {
			_, ok := input[value]
			assert.True(t, ok, "label %v introduced by resampling to %v", value, target)
		}
	}
}

func TestResampleChannelsIndependently(t *testing.T) {
	v := models.NewVolume(2, 4, 1, 1, [3]float64{1, 1, 1})
	for x := 0; x < 4; x++ {
		v.Set(0, x, 0, 0, 1)
		v.Set(1, x, 0, 0, 100)
	}
	out, err := Resample(v, [3]float64{2, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, out.Channel(0))
	assert.Equal(t, []float64{100, 100}, out.Channel(1))
}

func TestResampleRejectsBadInput(t *testing.T) {
	v := rampVolume(2, 2, 2, [3]float64{1, 1, 1})
	_, err := Resample(v, [3]float64{1, 0, 1})
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))

	v.Data = v.Data[:1]
	_, err = Resample(v, [3]float64{1, 1, 1})
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
}
