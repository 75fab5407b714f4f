package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ContentKind selects how voxel values are interpreted and interpolated.
type ContentKind int

const (
	// Intensity volumes hold continuous scalar values (MRI/CT signal).
	Intensity ContentKind = iota
	// Label volumes hold discrete class ids and must never be blended.
	Label
)

// String returns the lower-case name of the kind
func (k ContentKind) String() string {
	switch k {
	case Intensity:
		return "intensity"
	case Label:
		return "label"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Volume is a multi-channel 3D image with its geometry.
type Volume struct {
	// Data holds voxel values channel-major, then x fastest:
	// c*Width*Height*Depth + z*Width*Height + y*Width + x
	Data []float64

	// Channels is the number of stacked channels (sequences)
	Channels int

	// Width, Height, Depth are the voxel counts along the x, y, z axes
	Width, Height, Depth int

	// Spacing is the physical voxel size along x, y, z in mm
	Spacing [3]float64

	// Affine maps voxel indices (x, y, z, 1) to RAS world coordinates
	Affine *mat.Dense

	// OriginalSize is the spatial size before resampling
	OriginalSize [3]int

	// Kind is the content kind the volume was loaded or cast as
	Kind ContentKind

	// Source is the file or directory the volume was read from
	Source string
}

// NewVolume allocates a zeroed volume with an identity-orientation affine
// built from spacing.
func NewVolume(channels, width, height, depth int, spacing [3]float64) *Volume {
	return &Volume{
		Data:         make([]float64, channels*width*height*depth),
		Channels:     channels,
		Width:        width,
		Height:       height,
		Depth:        depth,
		Spacing:      spacing,
		Affine:       DiagonalAffine(spacing),
		OriginalSize: [3]int{width, height, depth},
	}
}

// DiagonalAffine returns diag(spacing..., 1).
func DiagonalAffine(spacing [3]float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		spacing[0], 0, 0, 0,
		0, spacing[1], 0, 0,
		0, 0, spacing[2], 0,
		0, 0, 0, 1,
	})
}

// SpacingFromAffine returns the column norms of the affine's rotation-zoom block.
func SpacingFromAffine(affine *mat.Dense) [3]float64 {
	var spacing [3]float64
	for j := 0; j < 3; j++ {
		var sum float64
		for i := 0; i < 3; i++ {
			v := affine.At(i, j)
			sum += v * v
		}
		spacing[j] = math.Sqrt(sum)
	}
	return spacing
}

// Size returns the spatial size (width, height, depth).
func (v *Volume) Size() [3]int {
	return [3]int{v.Width, v.Height, v.Depth}
}

// Shape returns (channels, width, height, depth).
func (v *Volume) Shape() [4]int {
	return [4]int{v.Channels, v.Width, v.Height, v.Depth}
}

// VoxelsPerChannel returns Width*Height*Depth.
func (v *Volume) VoxelsPerChannel() int {
	return v.Width * v.Height * v.Depth
}

// Index returns the offset of voxel (c, x, y, z) in Data.
func (v *Volume) Index(c, x, y, z int) int {
	return c*v.VoxelsPerChannel() + z*v.Width*v.Height + y*v.Width + x
}

// At returns the value of voxel (c, x, y, z).
func (v *Volume) At(c, x, y, z int) float64 {
	return v.Data[v.Index(c, x, y, z)]
}

// Set assigns the value of voxel (c, x, y, z).
func (v *Volume) Set(c, x, y, z int, value float64) {
	v.Data[v.Index(c, x, y, z)] = value
}

// Channel returns the data of channel c without copying.
func (v *Volume) Channel(c int) []float64 {
	n := v.VoxelsPerChannel()
	return v.Data[c*n : (c+1)*n]
}

// Validate checks that the dimensions are positive and consistent with Data.
func (v *Volume) Validate() error {
	if v.Channels <= 0 || v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("volume dimensions must be positive, got %dx%dx%dx%d",
			v.Channels, v.Width, v.Height, v.Depth)
	}
	if want := v.Channels * v.VoxelsPerChannel(); len(v.Data) != want {
		return fmt.Errorf("volume data has %d values, shape %dx%dx%dx%d needs %d",
			len(v.Data), v.Channels, v.Width, v.Height, v.Depth, want)
	}
	if v.Affine != nil {
		if r, c := v.Affine.Dims(); r != 4 || c != 4 {
			return fmt.Errorf("affine must be 4x4, got %dx%d", r, c)
		}
	}
	return nil
}

// CloneMeta returns a copy of the volume's metadata with a nil Data slice.
func (v *Volume) CloneMeta() *Volume {
	out := *v
	out.Data = nil
	if v.Affine != nil {
		out.Affine = mat.DenseCopyOf(v.Affine)
	}
	return &out
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := v.CloneMeta()
	out.Data = make([]float64, len(v.Data))
	copy(out.Data, v.Data)
	return out
}

// AsKind returns a deep copy of the volume tagged with kind.
func (v *Volume) AsKind(kind ContentKind) *Volume {
	out := v.Clone()
	out.Kind = kind
	return out
}

// SizeString formats the shape as CxWxHxD.
func (v *Volume) SizeString() string {
	return fmt.Sprintf("%dx%dx%dx%d", v.Channels, v.Width, v.Height, v.Depth)
}

// Labels returns the set of distinct voxel values.
func (v *Volume) Labels() map[float64]struct{} {
	set := make(map[float64]struct{})
	for _, value := range v.Data {
		set[value] = struct{}{}
	}
	return set
}
