package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"

	"medprep/internal/models"
	"medprep/pkg/errors"
)

// Plane selects the anatomical plane of a 2D slice.
type Plane int

const (
	// Sagittal slices are taken at a fixed x
	Sagittal Plane = iota
	// Coronal slices are taken at a fixed y
	Coronal
	// Axial slices are taken at a fixed z
	Axial
)

// String returns the plane name
func (p Plane) String() string {
	switch p {
	case Sagittal:
		return "sagittal"
	case Coronal:
		return "coronal"
	case Axial:
		return "axial"
	default:
		return fmt.Sprintf("plane(%d)", int(p))
	}
}

// ParsePlane accepts a plane name, an axis letter or the plane number.
func ParsePlane(s string) (Plane, error) {
	switch strings.ToLower(s) {
	case "sagittal", "x", "0":
		return Sagittal, nil
	case "coronal", "y", "1":
		return Coronal, nil
	case "axial", "z", "2":
		return Axial, nil
	default:
		return 0, errors.Wrapf(errors.ErrInvalidArgument, "invalid plane: %s (must be sagittal, coronal or axial)", s)
	}
}

// Colormaps understood by Render.
const (
	CmapGray  = "gray"
	CmapTab20 = "tab20"
)

// Style controls how a slice is rendered.
type Style struct {
	// Cmap is CmapGray for intensities or CmapTab20 for labels
	Cmap string
	// Alpha is the opacity of label colours, in [0, 1]
	Alpha float64
	// VoxelSize overrides the volume spacing for aspect correction
	VoxelSize []float64
}

// tab20 is the matplotlib tab20 qualitative palette.
var tab20 = []color.RGBA{
	{0x1f, 0x77, 0xb4, 0xff}, {0xae, 0xc7, 0xe8, 0xff}, {0xff, 0x7f, 0x0e, 0xff}, {0xff, 0xbb, 0x78, 0xff},
	{0x2c, 0xa0, 0x2c, 0xff}, {0x98, 0xdf, 0x8a, 0xff}, {0xd6, 0x27, 0x28, 0xff}, {0xff, 0x98, 0x96, 0xff},
	{0x94, 0x67, 0xbd, 0xff}, {0xc5, 0xb0, 0xd5, 0xff}, {0x8c, 0x56, 0x4b, 0xff}, {0xc4, 0x9c, 0x94, 0xff},
	{0xe3, 0x77, 0xc2, 0xff}, {0xf7, 0xb6, 0xd2, 0xff}, {0x7f, 0x7f, 0x7f, 0xff}, {0xc7, 0xc7, 0xc7, 0xff},
	{0xbc, 0xbd, 0x22, 0xff}, {0xdb, 0xdb, 0x8d, 0xff}, {0x17, 0xbe, 0xcf, 0xff}, {0x9e, 0xda, 0xe5, 0xff},
}

// LabelColor returns the palette colour of a label. Label 0 is transparent.
func LabelColor(label int) color.RGBA {
	if label == 0 {
		return color.RGBA{}
	}
	if label < 0 {
		label = -label
	}
	return tab20[(label-1)%len(tab20)]
}

// Viewer renders 2D slices of a volume.
type Viewer struct {
	// volume holds the image being displayed
	volume *models.Volume

	// windows caches the display range per channel
	windows map[int][2]float64
}

// NewViewer creates a viewer for v.
func NewViewer(v *models.Volume) (*Viewer, error) {
	if v == nil {
		return nil, errors.Wrap(errors.ErrInvalidArgument, "volume is nil")
	}
	if err := v.Validate(); err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrInvalidArgument), "cannot view volume")
	}
	return &Viewer{volume: v, windows: make(map[int][2]float64)}, nil
}

// SliceCount returns the number of slices along a plane.
func (v *Viewer) SliceCount(plane Plane) int {
	switch plane {
	case Sagittal:
		return v.volume.Width
	case Coronal:
		return v.volume.Height
	case Axial:
		return v.volume.Depth
	default:
		return 0
	}
}

// slicer maps 2D pixel coordinates of a slice to voxel coordinates. Rows are
// flipped so the superior (or anterior, for axial) side is at the top.
type slicer struct {
	width, height int
	// colAxis and rowAxis are the volume axes along image columns and rows
	colAxis, rowAxis int
	voxel            func(col, row int) (x, y, z int)
}

func (v *Viewer) slicer(plane Plane, index int) (slicer, error) {
	vol := v.volume
	count := v.SliceCount(plane)
	if count == 0 {
		return slicer{}, errors.Wrapf(errors.ErrInvalidArgument, "invalid plane %d", int(plane))
	}
	if index < 0 || index >= count {
		return slicer{}, errors.Wrapf(errors.ErrInvalidArgument, "%s index %d out of range [0, %d)", plane, index, count)
	}

	switch plane {
	case Sagittal:
		return slicer{vol.Height, vol.Depth, 1, 2, func(col, row int) (int, int, int) {
			return index, col, vol.Depth - 1 - row
		}}, nil
	case Coronal:
		return slicer{vol.Width, vol.Depth, 0, 2, func(col, row int) (int, int, int) {
			return col, index, vol.Depth - 1 - row
		}}, nil
	default:
		return slicer{vol.Width, vol.Height, 0, 1, func(col, row int) (int, int, int) {
			return col, vol.Height - 1 - row, index
		}}, nil
	}
}

func (v *Viewer) checkChannel(channel int) error {
	if channel < 0 || channel >= v.volume.Channels {
		return errors.Wrapf(errors.ErrInvalidArgument, "channel %d out of range [0, %d)", channel, v.volume.Channels)
	}
	return nil
}

// Window returns the display range of a channel: the 1st and 99th
// percentiles for intensity volumes, zero to the largest label otherwise.
func (v *Viewer) Window(channel int) [2]float64 {
	if w, ok := v.windows[channel]; ok {
		return w
	}

	data := append([]float64(nil), v.volume.Channel(channel)...)
	sort.Float64s(data)

	var w [2]float64
	if v.volume.Kind == models.Label {
		w = [2]float64{0, data[len(data)-1]}
	} else {
		w = [2]float64{
			stat.Quantile(0.01, stat.LinInterp, data, nil),
			stat.Quantile(0.99, stat.LinInterp, data, nil),
		}
	}
	v.windows[channel] = w
	return w
}

// ExtractSlice extracts a windowed grayscale slice.
func (v *Viewer) ExtractSlice(plane Plane, index, channel int) (*image.Gray16, error) {
	if err := v.checkChannel(channel); err != nil {
		return nil, err
	}
	s, err := v.slicer(plane, index)
	if err != nil {
		return nil, err
	}

	w := v.Window(channel)
	span := w[1] - w[0]

	img := image.NewGray16(image.Rect(0, 0, s.width, s.height))
	for row := 0; row < s.height; row++ {
		for col := 0; col < s.width; col++ {
			x, y, z := s.voxel(col, row)
			value := v.volume.At(channel, x, y, z)
			var level float64
			if span > 0 {
				level = (value - w[0]) / span
			} else if value > w[0] {
				level = 1
			}
			level = math.Max(0, math.Min(1, level))
			img.SetGray16(col, row, color.Gray16{Y: uint16(math.Round(level * 65535))})
		}
	}
	return img, nil
}

// LabelSlice extracts a slice coloured with the tab20 palette. Background
// (label 0) is transparent and other labels have the given opacity.
func (v *Viewer) LabelSlice(plane Plane, index, channel int, alpha float64) (*image.RGBA, error) {
	if err := v.checkChannel(channel); err != nil {
		return nil, err
	}
	s, err := v.slicer(plane, index)
	if err != nil {
		return nil, err
	}
	alpha = math.Max(0, math.Min(1, alpha))

	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	for row := 0; row < s.height; row++ {
		for col := 0; col < s.width; col++ {
			x, y, z := s.voxel(col, row)
			c := LabelColor(int(math.Round(v.volume.At(channel, x, y, z))))
			if c.A == 0 {
				continue
			}
			// RGBA is alpha-premultiplied
			img.SetRGBA(col, row, color.RGBA{
				R: uint8(math.Round(float64(c.R) * alpha)),
				G: uint8(math.Round(float64(c.G) * alpha)),
				B: uint8(math.Round(float64(c.B) * alpha)),
				A: uint8(math.Round(255 * alpha)),
			})
		}
	}
	return img, nil
}

// Render extracts a slice with style and corrects its aspect ratio.
func (v *Viewer) Render(plane Plane, index, channel int, style Style) (image.Image, error) {
	var img image.Image
	var err error
	label := style.Cmap == CmapTab20
	switch style.Cmap {
	case CmapTab20:
		img, err = v.LabelSlice(plane, index, channel, style.Alpha)
	case CmapGray, "":
		img, err = v.ExtractSlice(plane, index, channel)
	default:
		return nil, errors.Wrapf(errors.ErrInvalidArgument, "unknown colormap %q", style.Cmap)
	}
	if err != nil {
		return nil, err
	}

	spacing := v.volume.Spacing
	switch len(style.VoxelSize) {
	case 1:
		spacing = [3]float64{style.VoxelSize[0], style.VoxelSize[0], style.VoxelSize[0]}
	case 3:
		copy(spacing[:], style.VoxelSize)
	}

	s, _ := v.slicer(plane, index)
	return CorrectAspect(img, spacing[s.colAxis], spacing[s.rowAxis], label), nil
}

// CorrectAspect rescales img so one pixel covers the same physical distance
// along both axes. The smaller spacing maps to one pixel. Labels use nearest
// neighbour scaling.
func CorrectAspect(img image.Image, colSpacing, rowSpacing float64, label bool) image.Image {
	if !(colSpacing > 0) || !(rowSpacing > 0) || colSpacing == rowSpacing {
		return img
	}
	unit := math.Min(colSpacing, rowSpacing)
	b := img.Bounds()
	w := int(math.Round(float64(b.Dx()) * colSpacing / unit))
	h := int(math.Round(float64(b.Dy()) * rowSpacing / unit))
	if w == b.Dx() && h == b.Dy() {
		return img
	}

	var scaler draw.Scaler = draw.CatmullRom
	if label {
		scaler = draw.NearestNeighbor
	}

	var dst draw.Image
	if _, ok := img.(*image.Gray16); ok && !label {
		dst = image.NewGray16(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	scaler.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Overlay draws mask over base with the given opacity. Transparent mask
// pixels leave the base untouched. The images must have the same size.
func Overlay(base image.Image, mask image.Image, alpha float64) (*image.RGBA, error) {
	if base.Bounds().Size() != mask.Bounds().Size() {
		return nil, errors.Wrapf(errors.ErrInvalidArgument, "mask is %v, base is %v",
			mask.Bounds().Size(), base.Bounds().Size())
	}
	alpha = math.Max(0, math.Min(1, alpha))

	b := base.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), base, b.Min, draw.Src)

	mb := mask.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			mr, mg, mbl, ma := mask.At(mb.Min.X+x, mb.Min.Y+y).RGBA()
			if ma == 0 {
				continue
			}
			// unpremultiply the mask colour before blending
			blend := func(dst uint8, src uint32) uint8 {
				straight := float64(src) / float64(ma) * 255
				return uint8(math.Round(float64(dst)*(1-alpha) + straight*alpha))
			}
			o := out.RGBAAt(x, y)
			out.SetRGBA(x, y, color.RGBA{R: blend(o.R, mr), G: blend(o.G, mg), B: blend(o.B, mbl), A: 0xff})
		}
	}
	return out, nil
}

// SaveSlice saves an image as PNG or JPEG depending on the file extension.
func SaveSlice(img image.Image, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != ".png" && ext != ".jpg" && ext != ".jpeg" {
		return errors.Wrapf(errors.ErrInvalidArgument, "unsupported image extension %q (use .png, .jpg or .jpeg)", ext)
	}

	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", filename)
	}
	defer file.Close()

	if ext == ".png" {
		err = png.Encode(file, img)
	} else {
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", filename)
	}
	return nil
}

// SaveSliceSequence extracts and saves every slice of a plane as PNG.
func (v *Viewer) SaveSliceSequence(plane Plane, channel int, outputDir string, style Style) (int, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, errors.Wrap(err, "failed to create output directory")
	}

	count := v.SliceCount(plane)
	if count == 0 {
		return 0, errors.Wrapf(errors.ErrInvalidArgument, "invalid plane %d", int(plane))
	}
	for pos := 0; pos < count; pos++ {
		img, err := v.Render(plane, pos, channel, style)
		if err != nil {
			return pos, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", plane, pos))
		if err := SaveSlice(img, filename); err != nil {
			return pos, err
		}
	}

	return count, nil
}
