package orientation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"medprep/internal/models"
)

// worldOf returns the world coordinate of voxel (x, y, z).
func worldOf(affine *mat.Dense, x, y, z int) [3]float64 {
	in := mat.NewVecDense(4, []float64{float64(x), float64(y), float64(z), 1})
	var out mat.VecDense
	out.MulVec(affine, in)
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

func lpsVolume() *models.Volume {
	v := models.NewVolume(1, 4, 3, 2, [3]float64{1, 2, 3})
	v.Affine = mat.NewDense(4, 4, []float64{
		-1, 0, 0, 10,
		0, -2, 0, 20,
		0, 0, 3, -5,
		0, 0, 0, 1,
	})
	for i := range v.Data {
		v.Data[i] = float64(i)
	}
	return v
}

func TestAxisCodes(t *testing.T) {
	codes, err := AxisCodes(models.DiagonalAffine([3]float64{1, 1, 1}))
	require.NoError(t, err)
	assert.Equal(t, [3]string{"R", "A", "S"}, codes)

	codes, err = AxisCodes(lpsVolume().Affine)
	require.NoError(t, err)
	assert.Equal(t, [3]string{"L", "P", "S"}, codes)

	// sagittal acquisition: voxel x runs A->P, y runs S->I, z runs L->R
	sagittal := mat.NewDense(4, 4, []float64{
		0, 0, 1, 0,
		-1, 0, 0, 0,
		0, -1, 0, 0,
		0, 0, 0, 1,
	})
	codes, err = AxisCodes(sagittal)
	require.NoError(t, err)
	assert.Equal(t, [3]string{"P", "I", "R"}, codes)
}

func TestAxisCodesOblique(t *testing.T) {
	oblique := mat.NewDense(4, 4, []float64{
		0.9, 0.3, 0, 0,
		-0.2, 0.95, 0.1, 0,
		0, -0.1, 1, 0,
		0, 0, 0, 1,
	})
	codes, err := AxisCodes(oblique)
	require.NoError(t, err)
	assert.Equal(t, [3]string{"R", "A", "S"}, codes)
}

func TestOrientationRejectsDegenerateAffine(t *testing.T) {
	_, err := Orientation(mat.NewDense(4, 4, nil))
	assert.Error(t, err)
	_, err = Orientation(nil)
	assert.Error(t, err)
}

func TestToCanonicalFlips(t *testing.T) {
	v := lpsVolume()
	out, err := ToCanonical(v)
	require.NoError(t, err)

	assert.True(t, IsCanonical(out.Affine))
	assert.Equal(t, v.Size(), out.Size())
	assert.Equal(t, v.Spacing, out.Spacing)

	// every voxel keeps its world position and value
	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				nx, ny := v.Width-1-x, v.Height-1-y
				assert.Equal(t, v.At(0, x, y, z), out.At(0, nx, ny, z))
				before, after := worldOf(v.Affine, x, y, z), worldOf(out.Affine, nx, ny, z)
				assert.InDeltaSlice(t, before[:], after[:], 1e-9)
			}
		}
	}
}

func TestToCanonicalPermutes(t *testing.T) {
	v := models.NewVolume(2, 4, 3, 2, [3]float64{1, 2, 3})
	v.Affine = mat.NewDense(4, 4, []float64{
		0, 0, 3, 0,
		-1, 0, 0, 0,
		0, -2, 0, 0,
		0, 0, 0, 1,
	})
	for i := range v.Data {
		v.Data[i] = float64(i)
	}

	out, err := ToCanonical(v)
	require.NoError(t, err)

	assert.True(t, IsCanonical(out.Affine))
	assert.Equal(t, [3]int{2, 4, 3}, out.Size())
	assert.Equal(t, [3]float64{3, 1, 2}, out.Spacing)
	assert.Equal(t, 2, out.Channels)

	for c := 0; c < v.Channels; c++ {
		for z := 0; z < v.Depth; z++ {
			for y := 0; y < v.Height; y++ {
				for x := 0; x < v.Width; x++ {
					// new x <- old z, new y <- flipped old x, new z <- flipped old y
					nx, ny, nz := z, v.Width-1-x, v.Height-1-y
					assert.Equal(t, v.At(c, x, y, z), out.At(c, nx, ny, nz))
					before, after := worldOf(v.Affine, x, y, z), worldOf(out.Affine, nx, ny, nz)
					assert.InDeltaSlice(t, before[:], after[:], 1e-9)
				}
			}
		}
	}
}

func TestToCanonicalAlreadyCanonicalCopies(t *testing.T) {
	v := models.NewVolume(1, 2, 2, 2, [3]float64{1, 1, 1})
	out, err := ToCanonical(v)
	require.NoError(t, err)
	assert.Equal(t, v.Data, out.Data)

	out.Data[0] = 3
	assert.Equal(t, 0.0, v.Data[0])
}
