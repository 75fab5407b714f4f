// Package orientation reorients volumes to the canonical RAS+ axis order.
package orientation

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"medprep/internal/models"
	"medprep/pkg/errors"
)

// Axis describes which world axis a voxel axis follows and in which direction.
type Axis struct {
	// World is 0 (left-right), 1 (posterior-anterior) or 2 (inferior-superior)
	World int
	// Flipped is true when the voxel axis points L, P or I
	Flipped bool
}

var positiveCodes = [3]string{"R", "A", "S"}
var negativeCodes = [3]string{"L", "P", "I"}

// Code returns the single-letter direction the axis points to.
func (a Axis) Code() string {
	if a.Flipped {
		return negativeCodes[a.World]
	}
	return positiveCodes[a.World]
}

// Orientation returns, for each voxel axis, the closest world axis. Axes are
// assigned greedily by the largest absolute direction cosine, so every world
// axis is used exactly once even for oblique acquisitions.
func Orientation(affine *mat.Dense) ([3]Axis, error) {
	var out [3]Axis
	if affine == nil {
		return out, errors.Wrap(errors.ErrInvalidArgument, "affine is nil")
	}

	var rz [3][3]float64
	for j := 0; j < 3; j++ {
		var norm float64
		for i := 0; i < 3; i++ {
			norm += affine.At(i, j) * affine.At(i, j)
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			return out, errors.Wrapf(errors.ErrInvalidArgument, "affine column %d is zero", j)
		}
		for i := 0; i < 3; i++ {
			rz[i][j] = affine.At(i, j) / norm
		}
	}

	var usedWorld, usedVoxel [3]bool
	for n := 0; n < 3; n++ {
		best, bi, bj := -1.0, -1, -1
		for i := 0; i < 3; i++ {
			if usedWorld[i] {
				continue
			}
			for j := 0; j < 3; j++ {
				if usedVoxel[j] {
					continue
				}
				if a := math.Abs(rz[i][j]); a > best {
					best, bi, bj = a, i, j
				}
			}
		}
		usedWorld[bi], usedVoxel[bj] = true, true
		out[bj] = Axis{World: bi, Flipped: rz[bi][bj] < 0}
	}
	return out, nil
}

// AxisCodes returns the orientation as letters, e.g. [R A S] or [L P S].
func AxisCodes(affine *mat.Dense) ([3]string, error) {
	var codes [3]string
	axes, err := Orientation(affine)
	if err != nil {
		return codes, err
	}
	for i, a := range axes {
		codes[i] = a.Code()
	}
	return codes, nil
}

// IsCanonical reports whether the affine is already closest to RAS+.
func IsCanonical(affine *mat.Dense) bool {
	axes, err := Orientation(affine)
	if err != nil {
		return false
	}
	for i, a := range axes {
		if a.World != i || a.Flipped {
			return false
		}
	}
	return true
}

// ToCanonical permutes and flips the voxel axes so they point R, A and S.
// The affine is updated so every voxel keeps its world coordinate.
func ToCanonical(v *models.Volume) (*models.Volume, error) {
	if err := v.Validate(); err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrInvalidArgument), "cannot reorient volume")
	}
	if v.Affine == nil {
		return nil, errors.Wrap(errors.ErrInvalidArgument, "cannot reorient a volume without affine")
	}

	axes, err := Orientation(v.Affine)
	if err != nil {
		return nil, err
	}

	if IsCanonical(v.Affine) {
		return v.Clone(), nil
	}

	oldSize := v.Size()
	// perm[k] is the old voxel axis that becomes new axis k
	var perm [3]int
	var flip [3]bool
	for j, a := range axes {
		perm[a.World] = j
		flip[a.World] = a.Flipped
	}

	var newSize [3]int
	var newSpacing [3]float64
	for k := 0; k < 3; k++ {
		newSize[k] = oldSize[perm[k]]
		newSpacing[k] = v.Spacing[perm[k]]
	}

	// T maps new voxel indices to old voxel indices
	t := mat.NewDense(4, 4, nil)
	t.Set(3, 3, 1)
	for k := 0; k < 3; k++ {
		if flip[k] {
			t.Set(perm[k], k, -1)
			t.Set(perm[k], 3, float64(oldSize[perm[k]]-1))
		} else {
			t.Set(perm[k], k, 1)
		}
	}
	affine := mat.NewDense(4, 4, nil)
	affine.Mul(v.Affine, t)

	out := v.CloneMeta()
	out.Width, out.Height, out.Depth = newSize[0], newSize[1], newSize[2]
	out.Spacing = newSpacing
	out.Affine = affine
	out.Data = make([]float64, len(v.Data))

	var old [3]int
	for c := 0; c < v.Channels; c++ {
		for z := 0; z < newSize[2]; z++ {
			for y := 0; y < newSize[1]; y++ {
				for x := 0; x < newSize[0]; x++ {
					idx := [3]int{x, y, z}
					for k := 0; k < 3; k++ {
						if flip[k] {
							old[perm[k]] = oldSize[perm[k]] - 1 - idx[k]
						} else {
							old[perm[k]] = idx[k]
						}
					}
					out.Set(c, x, y, z, v.At(c, old[0], old[1], old[2]))
				}
			}
		}
	}

	return out, nil
}
