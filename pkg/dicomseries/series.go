// Package dicomseries assembles a directory of DICOM slices into a volume.
package dicomseries

import (
	"image"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"medprep/internal/models"
	"medprep/pkg/errors"
	"medprep/pkg/logger"
)

// Slice is one parsed DICOM image with the geometry needed to stack it.
type Slice struct {
	Path           string
	SeriesUID      string
	InstanceNumber int

	// Position is ImagePositionPatient (LPS, mm)
	Position [3]float64
	// Orientation is ImageOrientationPatient: row then column direction cosines
	Orientation [6]float64
	// PixelSpacing is (row spacing, column spacing) in mm
	PixelSpacing   [2]float64
	SliceThickness float64

	Rows, Cols int
	Pixels     []float64
}

// rowDir is the direction of increasing column index.
func (s *Slice) rowDir() [3]float64 {
	return [3]float64{s.Orientation[0], s.Orientation[1], s.Orientation[2]}
}

// colDir is the direction of increasing row index.
func (s *Slice) colDir() [3]float64 {
	return [3]float64{s.Orientation[3], s.Orientation[4], s.Orientation[5]}
}

// normal returns the slice normal, row x column.
func (s *Slice) normal() [3]float64 {
	r, c := s.rowDir(), s.colDir()
	return [3]float64{
		r[1]*c[2] - r[2]*c[1],
		r[2]*c[0] - r[0]*c[2],
		r[0]*c[1] - r[1]*c[0],
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

// IsSeriesDir reports whether path is a directory.
func IsSeriesDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Load reads every DICOM file in dir and stacks the slices belonging to the
// series of the first readable file. Unreadable files are skipped.
func Load(dir string) (*models.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(dir)
		}
		return nil, errors.Wrapf(err, "failed to read directory %s", dir)
	}

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var slices []*Slice
	var seriesUID string
	skipped := 0
	for _, name := range names {
		s, err := ReadSlice(filepath.Join(dir, name))
		if err != nil {
			logger.Logger.Debugw("Skipping file", "path", name, "error", err)
			skipped++
			continue
		}
		if seriesUID == "" {
			seriesUID = s.SeriesUID
		}
		if s.SeriesUID != seriesUID {
			logger.Logger.Debugw("Skipping slice from another series", "path", name, "series", s.SeriesUID)
			continue
		}
		slices = append(slices, s)
	}

	if len(slices) == 0 {
		return nil, errors.Formatf("no DICOM slices found in %s", dir)
	}
	if skipped > 0 {
		logger.Logger.Infow("Skipped unreadable files", "dir", dir, "count", skipped)
	}

	v, err := Stack(slices)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to assemble series in %s", dir)
	}
	v.Source = dir
	return v, nil
}

// Stack sorts slices along their normal and builds a RAS volume.
func Stack(slices []*Slice) (*models.Volume, error) {
	if len(slices) == 0 {
		return nil, errors.Formatf("no slices to stack")
	}

	first := slices[0]
	for _, s := range slices[1:] {
		if s.Rows != first.Rows || s.Cols != first.Cols {
			return nil, errors.Formatf("slice %s is %dx%d, expected %dx%d",
				s.Path, s.Cols, s.Rows, first.Cols, first.Rows)
		}
	}

	normal := first.normal()
	sorted := make([]*Slice, len(slices))
	copy(sorted, slices)
	sort.SliceStable(sorted, func(i, j int) bool {
		di, dj := dot(sorted[i].Position, normal), dot(sorted[j].Position, normal)
		if di == dj {
			return sorted[i].InstanceNumber < sorted[j].InstanceNumber
		}
		return di < dj
	})

	sliceSpacing := first.SliceThickness
	if len(sorted) > 1 {
		deltas := make([]float64, len(sorted)-1)
		for i := 1; i < len(sorted); i++ {
			deltas[i-1] = dot(sorted[i].Position, normal) - dot(sorted[i-1].Position, normal)
		}
		sliceSpacing = stat.Mean(deltas, nil)
	}
	if !(sliceSpacing > 0) {
		sliceSpacing = 1
	}

	colSpacing, rowSpacing := first.PixelSpacing[1], first.PixelSpacing[0]
	if !(colSpacing > 0) {
		colSpacing = 1
	}
	if !(rowSpacing > 0) {
		rowSpacing = 1
	}

	width, height, depth := first.Cols, first.Rows, len(sorted)
	v := &models.Volume{
		Data:         make([]float64, width*height*depth),
		Channels:     1,
		Width:        width,
		Height:       height,
		Depth:        depth,
		Spacing:      [3]float64{colSpacing, rowSpacing, sliceSpacing},
		OriginalSize: [3]int{width, height, depth},
	}
	for z, s := range sorted {
		copy(v.Data[z*width*height:(z+1)*width*height], s.Pixels)
	}

	r, c, origin := first.rowDir(), first.colDir(), sorted[0].Position
	lps := mat.NewDense(4, 4, []float64{
		r[0] * colSpacing, c[0] * rowSpacing, normal[0] * sliceSpacing, origin[0],
		r[1] * colSpacing, c[1] * rowSpacing, normal[1] * sliceSpacing, origin[1],
		r[2] * colSpacing, c[2] * rowSpacing, normal[2] * sliceSpacing, origin[2],
		0, 0, 0, 1,
	})
	lpsToRAS := mat.NewDiagDense(4, []float64{-1, -1, 1, 1})
	affine := mat.NewDense(4, 4, nil)
	affine.Mul(lpsToRAS, lps)
	v.Affine = affine

	return v, nil
}

// ReadSlice parses one DICOM file and converts its first frame to rescaled
// values.
func ReadSlice(path string) (*Slice, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrFormat), "failed to parse %s", path)
	}

	s := &Slice{
		Path:           path,
		SeriesUID:      stringValue(ds, tag.SeriesInstanceUID),
		InstanceNumber: int(floatValue(ds, tag.InstanceNumber, 0)),
		Orientation:    [6]float64{1, 0, 0, 0, 1, 0},
		SliceThickness: floatValue(ds, tag.SliceThickness, 0),
		Rows:           intValue(ds, tag.Rows),
		Cols:           intValue(ds, tag.Columns),
	}

	if pos := floatValues(ds, tag.ImagePositionPatient); len(pos) == 3 {
		copy(s.Position[:], pos)
	}
	if iop := floatValues(ds, tag.ImageOrientationPatient); len(iop) == 6 {
		copy(s.Orientation[:], iop)
	}
	if ps := floatValues(ds, tag.PixelSpacing); len(ps) == 2 {
		copy(s.PixelSpacing[:], ps)
	} else {
		s.PixelSpacing = [2]float64{1, 1}
	}

	img, err := firstFrame(ds)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode pixels of %s", path)
	}
	bounds := img.Bounds()
	if s.Rows == 0 || s.Cols == 0 {
		s.Rows, s.Cols = bounds.Dy(), bounds.Dx()
	}
	if bounds.Dx() != s.Cols || bounds.Dy() != s.Rows {
		return nil, errors.Formatf("%s: pixel data is %dx%d, header says %dx%d",
			path, bounds.Dx(), bounds.Dy(), s.Cols, s.Rows)
	}

	signed := intValue(ds, tag.PixelRepresentation) == 1
	slope := floatValue(ds, tag.RescaleSlope, 1)
	if slope == 0 {
		slope = 1
	}
	intercept := floatValue(ds, tag.RescaleIntercept, 0)

	s.Pixels = imageToFloat(img, signed)
	for i, value := range s.Pixels {
		s.Pixels[i] = value*slope + intercept
	}
	return s, nil
}

func firstFrame(ds dicom.Dataset) (image.Image, error) {
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrFormat), "no pixel data")
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return nil, errors.Formatf("pixel data has no frames")
	}
	img, err := info.Frames[0].GetImage()
	if err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrFormat), "unsupported pixel data")
	}
	return img, nil
}

// imageToFloat converts a grayscale frame to raw stored values, row-major.
func imageToFloat(img image.Image, signed bool) []float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	result := make([]float64, width*height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var r uint32
			switch g := img.(type) {
			case *image.Gray:
				// 8-bit values are not widened to 16 bits
				r = uint32(g.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
				if signed {
					result[y*width+x] = float64(int8(uint8(r)))
					continue
				}
			default:
				r, _, _, _ = img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			}
			if signed {
				result[y*width+x] = float64(int16(uint16(r)))
			} else {
				result[y*width+x] = float64(r)
			}
		}
	}

	return result
}

func stringValue(ds dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil {
		return ""
	}
	if values, ok := elem.Value.GetValue().([]string); ok && len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

func intValue(ds dicom.Dataset, t tag.Tag) int {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil {
		return 0
	}
	switch values := elem.Value.GetValue().(type) {
	case []int:
		if len(values) > 0 {
			return values[0]
		}
	case []string:
		if len(values) > 0 {
			n, _ := strconv.Atoi(strings.TrimSpace(values[0]))
			return n
		}
	}
	return 0
}

// floatValues parses a decimal-string element, returning nil when absent or
// malformed.
func floatValues(ds dicom.Dataset, t tag.Tag) []float64 {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil {
		return nil
	}
	var out []float64
	switch values := elem.Value.GetValue().(type) {
	case []string:
		for _, value := range values {
			for _, part := range strings.Split(value, "\\") {
				f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
				if err != nil || math.IsNaN(f) {
					return nil
				}
				out = append(out, f)
			}
		}
	case []int:
		for _, value := range values {
			out = append(out, float64(value))
		}
	}
	return out
}

func floatValue(ds dicom.Dataset, t tag.Tag, fallback float64) float64 {
	if values := floatValues(ds, t); len(values) > 0 {
		return values[0]
	}
	return fallback
}
