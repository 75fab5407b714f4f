package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewVolume(t *testing.T) {
	v := NewVolume(2, 4, 3, 5, [3]float64{1, 2, 3})

	assert.Len(t, v.Data, 2*4*3*5)
	assert.Equal(t, [4]int{2, 4, 3, 5}, v.Shape())
	assert.Equal(t, [3]int{4, 3, 5}, v.OriginalSize)
	assert.Equal(t, [3]float64{1, 2, 3}, SpacingFromAffine(v.Affine))
	require.NoError(t, v.Validate())
}

func TestIndexLayout(t *testing.T) {
	v := NewVolume(2, 4, 3, 5, [3]float64{1, 1, 1})

	// x is the fastest axis, then y, then z, then channel
	assert.Equal(t, 0, v.Index(0, 0, 0, 0))
	assert.Equal(t, 1, v.Index(0, 1, 0, 0))
	assert.Equal(t, 4, v.Index(0, 0, 1, 0))
	assert.Equal(t, 12, v.Index(0, 0, 0, 1))
	assert.Equal(t, 60, v.Index(1, 0, 0, 0))

	v.Set(1, 3, 2, 4, 7)
	assert.Equal(t, 7.0, v.At(1, 3, 2, 4))
	assert.Equal(t, 7.0, v.Channel(1)[v.Index(0, 3, 2, 4)])
}

func TestValidate(t *testing.T) {
	v := NewVolume(1, 2, 2, 2, [3]float64{1, 1, 1})
	v.Data = v.Data[:7]
	assert.Error(t, v.Validate())

	v = NewVolume(1, 2, 2, 2, [3]float64{1, 1, 1})
	v.Affine = mat.NewDense(3, 3, nil)
	assert.Error(t, v.Validate())

	v = &Volume{Channels: 1}
	assert.Error(t, v.Validate())
}

func TestSpacingFromRotatedAffine(t *testing.T) {
	affine := mat.NewDense(4, 4, []float64{
		0, -2, 0, 10,
		1.5, 0, 0, 20,
		0, 0, -3, 30,
		0, 0, 0, 1,
	})
	assert.Equal(t, [3]float64{1.5, 2, 3}, SpacingFromAffine(affine))
}

func TestCloneIsDeep(t *testing.T) {
	v := NewVolume(1, 2, 2, 2, [3]float64{1, 1, 1})
	v.Data[0] = 5

	c := v.AsKind(Label)
	c.Data[0] = 9
	c.Affine.Set(0, 3, 42)

	assert.Equal(t, 5.0, v.Data[0])
	assert.Equal(t, 0.0, v.Affine.At(0, 3))
	assert.Equal(t, Label, c.Kind)
	assert.Equal(t, Intensity, v.Kind)
}

func TestContentKindString(t *testing.T) {
	assert.Equal(t, "intensity", Intensity.String())
	assert.Equal(t, "label", Label.String())
	assert.Equal(t, "kind(7)", ContentKind(7).String())
}

func TestLabels(t *testing.T) {
	v := NewVolume(1, 2, 2, 1, [3]float64{1, 1, 1})
	copy(v.Data, []float64{0, 3, 3, 1})
	labels := v.Labels()
	assert.Len(t, labels, 3)
	assert.Contains(t, labels, 3.0)
	assert.Equal(t, "1x2x2x1", v.SizeString())
}
