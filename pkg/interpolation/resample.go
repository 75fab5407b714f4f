// Package interpolation resamples volumes onto a new voxel spacing.
package interpolation

import (
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"medprep/internal/models"
	"medprep/pkg/errors"
	"medprep/pkg/logger"
)

// Tolerances used to decide whether two spacings are the same.
const (
	RelTolerance = 1e-5
	AbsTolerance = 1e-8
)

// Method is the interpolation scheme used when sampling between voxels.
type Method int

const (
	// Trilinear blends the eight neighbouring voxels.
	Trilinear Method = iota
	// Nearest copies the closest voxel and never produces new values.
	Nearest
)

// MethodFor returns the interpolation method suited to a content kind.
func MethodFor(kind models.ContentKind) Method {
	if kind == models.Label {
		return Nearest
	}
	return Trilinear
}

// IsClose reports |a-b| <= AbsTolerance + RelTolerance*|b|.
func IsClose(a, b float64) bool {
	return math.Abs(a-b) <= AbsTolerance+RelTolerance*math.Abs(b)
}

// SpacingClose reports whether every axis of spacing is close to target.
func SpacingClose(spacing, target [3]float64) bool {
	for i := range spacing {
		if !IsClose(spacing[i], target[i]) {
			return false
		}
	}
	return true
}

// ExpandSpacing turns a one-value (isotropic) or three-value spacing into a
// per-axis spacing.
func ExpandSpacing(values []float64) ([3]float64, error) {
	var out [3]float64
	switch len(values) {
	case 1:
		out = [3]float64{values[0], values[0], values[0]}
	case 3:
		copy(out[:], values)
	default:
		return out, errors.Wrapf(errors.ErrInvalidArgument, "resample needs 1 or 3 values, got %d", len(values))
	}
	for i, s := range out {
		if !(s > 0) || math.IsInf(s, 0) {
			return out, errors.Wrapf(errors.ErrInvalidArgument, "resample value %d must be positive, got %g", i, s)
		}
	}
	return out, nil
}

// OutputSize returns the grid size covering the same field of view at target
// spacing. Singleton axes stay singleton.
func OutputSize(size [3]int, spacing, target [3]float64) [3]int {
	var out [3]int
	for i := range size {
		if size[i] <= 1 {
			out[i] = size[i]
			continue
		}
		n := float64(size[i]) * spacing[i] / target[i]
		out[i] = int(math.Ceil(n - 1e-6))
		if out[i] < 1 {
			out[i] = 1
		}
	}
	return out
}

// Resample resamples v to target spacing. Intensity volumes are interpolated
// trilinearly and label volumes by nearest neighbour. The first output voxel
// is centred on the same world extent as the input grid.
func Resample(v *models.Volume, target [3]float64) (*models.Volume, error) {
	if err := v.Validate(); err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrInvalidArgument), "cannot resample volume")
	}
	for i, s := range target {
		if !(s > 0) {
			return nil, errors.Wrapf(errors.ErrInvalidArgument, "target spacing %d must be positive, got %g", i, s)
		}
	}

	affine := v.Affine
	if affine == nil {
		affine = models.DiagonalAffine(v.Spacing)
	}

	oldSize := v.Size()
	newSize := OutputSize(oldSize, v.Spacing, target)

	// ratio maps output indices onto input indices: o = i*ratio + offset
	var ratio, offset [3]float64
	for k := 0; k < 3; k++ {
		ratio[k] = target[k] / v.Spacing[k]
		offset[k] = 0.5 * (ratio[k] - 1)
	}

	out := v.CloneMeta()
	out.Width, out.Height, out.Depth = newSize[0], newSize[1], newSize[2]
	out.Spacing = target
	out.Affine = resampledAffine(affine, ratio, offset)
	out.Data = make([]float64, v.Channels*newSize[0]*newSize[1]*newSize[2])

	method := MethodFor(v.Kind)
	logger.Logger.Debugw("Resampling volume",
		"from", oldSize, "to", newSize, "spacing", v.Spacing, "target", target, "kind", v.Kind.String())

	// precompute per-axis sample positions
	var axes [3][]sample
	for k := 0; k < 3; k++ {
		axes[k] = make([]sample, newSize[k])
		for i := range axes[k] {
			axes[k][i] = newSample(float64(i)*ratio[k]+offset[k], oldSize[k], method)
		}
	}

	// Process output slices in parallel
	var wg sync.WaitGroup
	numCPU := runtime.NumCPU()
	slices := v.Channels * newSize[2]
	slicesPerWorker := (slices + numCPU - 1) / numCPU

	for w := 0; w < numCPU; w++ {
		startIdx := w * slicesPerWorker
		endIdx := startIdx + slicesPerWorker
		if endIdx > slices {
			endIdx = slices
		}
		if startIdx >= endIdx {
			break
		}

		wg.Add(1)
		go func(startIdx, endIdx int) {
			defer wg.Done()
			for s := startIdx; s < endIdx; s++ {
				c, z := s/newSize[2], s%newSize[2]
				sz := axes[2][z]
				for y := 0; y < newSize[1]; y++ {
					sy := axes[1][y]
					for x := 0; x < newSize[0]; x++ {
						out.Set(c, x, y, z, interpolate(v, c, axes[0][x], sy, sz, method))
					}
				}
			}
		}(startIdx, endIdx)
	}
	wg.Wait()

	return out, nil
}

// sample is a clamped position along one axis: the two bracketing indices and
// the weight of the upper one.
type sample struct {
	lo, hi int
	frac   float64
}

func newSample(pos float64, n int, method Method) sample {
	maxIdx := float64(n - 1)
	if pos < 0 {
		pos = 0
	}
	if pos > maxIdx {
		pos = maxIdx
	}
	if method == Nearest {
		i := int(math.Floor(pos + 0.5))
		if i > n-1 {
			i = n - 1
		}
		return sample{lo: i, hi: i}
	}
	lo := int(math.Floor(pos))
	hi := lo + 1
	if hi > n-1 {
		hi = n - 1
	}
	return sample{lo: lo, hi: hi, frac: pos - float64(lo)}
}

func interpolate(v *models.Volume, c int, sx, sy, sz sample, method Method) float64 {
	if method == Nearest {
		return v.At(c, sx.lo, sy.lo, sz.lo)
	}

	c000 := v.At(c, sx.lo, sy.lo, sz.lo)
	c100 := v.At(c, sx.hi, sy.lo, sz.lo)
	c010 := v.At(c, sx.lo, sy.hi, sz.lo)
	c110 := v.At(c, sx.hi, sy.hi, sz.lo)
	c001 := v.At(c, sx.lo, sy.lo, sz.hi)
	c101 := v.At(c, sx.hi, sy.lo, sz.hi)
	c011 := v.At(c, sx.lo, sy.hi, sz.hi)
	c111 := v.At(c, sx.hi, sy.hi, sz.hi)

	c00 := lerp(c000, c100, sx.frac)
	c10 := lerp(c010, c110, sx.frac)
	c01 := lerp(c001, c101, sx.frac)
	c11 := lerp(c011, c111, sx.frac)

	c0 := lerp(c00, c10, sy.frac)
	c1 := lerp(c01, c11, sy.frac)

	return lerp(c0, c1, sz.frac)
}

func lerp(a, b, t float64) float64 {
	if t == 0 {
		return a
	}
	return a + (b-a)*t
}

// resampledAffine scales the voxel axes by ratio and moves the origin to the
// centre of the first output voxel.
func resampledAffine(affine *mat.Dense, ratio, offset [3]float64) *mat.Dense {
	t := mat.NewDense(4, 4, []float64{
		ratio[0], 0, 0, offset[0],
		0, ratio[1], 0, offset[1],
		0, 0, ratio[2], offset[2],
		0, 0, 0, 1,
	})
	out := mat.NewDense(4, 4, nil)
	out.Mul(affine, t)
	return out
}
