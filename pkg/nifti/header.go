// Package nifti reads and writes single-file NIfTI-1 images (.nii, .nii.gz).
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"encoding/binary"
	"math"

	"gonum.org/v1/gonum/mat"

	"medprep/pkg/errors"
)

// Header defines the structure of the NIfTI-1 header.
type Header struct {
	SizeofHdr      int32      // Must be 348
	UnusedDataType [10]byte   // Unused
	UnusedDbName   [18]byte   // Unused
	UnusedExtents  int32      // Unused
	UnusedSession  int16      // Unused
	Regular        byte       // Unused
	DimInfo        byte       // MRI slice ordering
	Dim            [8]int16   // Data array dimensions
	IntentP1       float32    // 1st intent parameter
	IntentP2       float32    // 2nd intent parameter
	IntentP3       float32    // 3rd intent parameter
	IntentCode     int16      // NIFTI_INTENT_* code
	Datatype       int16      // Defines data type
	Bitpix         int16      // Number bits/voxel
	SliceStart     int16      // First slice index
	Pixdim         [8]float32 // Grid spacing
	VoxOffset      float32    // Offset into .nii file
	SclSlope       float32    // Data scaling: slope
	SclInter       float32    // Data scaling: offset
	SliceEnd       int16      // Last slice index
	SliceCode      byte       // Slice timing order
	XyztUnits      byte       // Units of pixdim[1..4]
	CalMax         float32    // Max display intensity
	CalMin         float32    // Min display intensity
	SliceDuration  float32    // Time for 1 slice
	Toffset        float32    // Time axis shift
	UnusedGlmax    int32      // Unused
	UnusedGlmin    int32      // Unused
	Descrip        [80]byte   // Any text you like
	AuxFile        [24]byte   // Auxiliary filename
	QformCode      int16      // NIFTI_XFORM_* code
	SformCode      int16      // NIFTI_XFORM_* code
	QuaternB       float32    // Quaternion b param
	QuaternC       float32    // Quaternion c param
	QuaternD       float32    // Quaternion d param
	QoffsetX       float32    // Quaternion x shift
	QoffsetY       float32    // Quaternion y shift
	QoffsetZ       float32    // Quaternion z shift
	SrowX          [4]float32 // 1st row affine transform
	SrowY          [4]float32 // 2nd row affine transform
	SrowZ          [4]float32 // 3rd row affine transform
	IntentName     [16]byte   // 'name' or meaning of data
	Magic          [4]byte    // Must be "n+1\0" for single-file images
}

const (
	headerSize    = 352
	minHeaderSize = 348
)

// Datatype codes
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
	DTInt64   int16 = 1024
	DTUint64  int16 = 1280
)

var singleFileMagic = [4]byte{'n', '+', '1', 0}

// bytesPerVoxel returns the storage size of a datatype, or 0 when unsupported.
func bytesPerVoxel(datatype int16) int {
	switch datatype {
	case DTUint8, DTInt8:
		return 1
	case DTInt16, DTUint16:
		return 2
	case DTInt32, DTUint32, DTFloat32:
		return 4
	case DTInt64, DTUint64, DTFloat64:
		return 8
	default:
		return 0
	}
}

// DatatypeName returns a short name for the header's datatype.
func (h *Header) DatatypeName() string {
	switch h.Datatype {
	case DTUint8:
		return "uint8"
	case DTInt8:
		return "int8"
	case DTInt16:
		return "int16"
	case DTUint16:
		return "uint16"
	case DTInt32:
		return "int32"
	case DTUint32:
		return "uint32"
	case DTInt64:
		return "int64"
	case DTUint64:
		return "uint64"
	case DTFloat32:
		return "float32"
	case DTFloat64:
		return "float64"
	default:
		return "unknown"
	}
}

// Description returns the descrip field without trailing NUL bytes.
func (h *Header) Description() string {
	return string(bytes.TrimRight(h.Descrip[:], "\x00"))
}

// decodeHeader reads a header, detecting the byte order from sizeof_hdr.
func decodeHeader(raw []byte) (*Header, binary.ByteOrder, error) {
	if len(raw) < minHeaderSize {
		return nil, nil, errors.Formatf("file has %d bytes, a nifti-1 header needs %d", len(raw), minHeaderSize)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw[:4])) != minHeaderSize {
		order = binary.BigEndian
		if int32(binary.BigEndian.Uint32(raw[:4])) != minHeaderSize {
			return nil, nil, errors.Formatf("invalid header size for nifti-1")
		}
	}

	h := &Header{}
	if err := binary.Read(bytes.NewReader(raw[:minHeaderSize]), order, h); err != nil {
		return nil, nil, errors.Wrap(errors.Mark(err, errors.ErrFormat), "failed to decode nifti-1 header")
	}

	if err := h.validate(); err != nil {
		return nil, nil, err
	}
	return h, order, nil
}

func (h *Header) validate() error {
	switch {
	case h.Magic != singleFileMagic:
		return errors.Formatf("invalid file magic %q, data must be stored in same file as header", h.Magic[:3])
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return errors.Formatf("dim[0] is %d, not in range [1, 7]", h.Dim[0])
	case bytesPerVoxel(h.Datatype) == 0:
		return errors.Formatf("unsupported datatype %d", h.Datatype)
	}
	for i := 5; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] > 1 {
			return errors.Formatf("dim[%d] is %d, only up to 4 dimensions are supported", i, h.Dim[i])
		}
	}
	for i := 1; i <= int(h.Dim[0]) && i <= 4; i++ {
		if h.Dim[i] < 1 {
			return errors.Formatf("dim[%d] is %d, must be positive", i, h.Dim[i])
		}
	}
	return nil
}

// size returns the spatial size and channel count; missing dims count as 1.
func (h *Header) size() (width, height, depth, channels int) {
	dims := [5]int{1, 1, 1, 1, 1}
	for i := 1; i <= 4 && i <= int(h.Dim[0]); i++ {
		dims[i] = int(h.Dim[i])
	}
	return dims[1], dims[2], dims[3], dims[4]
}

// Affine returns the voxel-to-world transform: sform when set, else qform,
// else a diagonal matrix from pixdim.
func (h *Header) Affine() *mat.Dense {
	if h.SformCode > 0 {
		return mat.NewDense(4, 4, []float64{
			float64(h.SrowX[0]), float64(h.SrowX[1]), float64(h.SrowX[2]), float64(h.SrowX[3]),
			float64(h.SrowY[0]), float64(h.SrowY[1]), float64(h.SrowY[2]), float64(h.SrowY[3]),
			float64(h.SrowZ[0]), float64(h.SrowZ[1]), float64(h.SrowZ[2]), float64(h.SrowZ[3]),
			0, 0, 0, 1,
		})
	}
	if h.QformCode > 0 {
		return h.qformAffine()
	}
	spacing := [3]float64{}
	for i := 0; i < 3; i++ {
		spacing[i] = float64(h.Pixdim[i+1])
		if spacing[i] <= 0 {
			spacing[i] = 1
		}
	}
	return mat.NewDense(4, 4, []float64{
		spacing[0], 0, 0, 0,
		0, spacing[1], 0, 0,
		0, 0, spacing[2], 0,
		0, 0, 0, 1,
	})
}

// qformAffine converts the quaternion representation to a matrix.
func (h *Header) qformAffine() *mat.Dense {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)
	a := 1.0 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// special case: 180 degree rotation
		a = 1.0 / math.Sqrt(b*b+c*c+d*d)
		b *= a
		c *= a
		d *= a
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	xd, yd, zd := float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3])
	if xd <= 0 {
		xd = 1
	}
	if yd <= 0 {
		yd = 1
	}
	if zd <= 0 {
		zd = 1
	}
	if h.Pixdim[0] < 0 {
		zd = -zd
	}

	return mat.NewDense(4, 4, []float64{
		(a*a + b*b - c*c - d*d) * xd, 2 * (b*c - a*d) * yd, 2 * (b*d + a*c) * zd, float64(h.QoffsetX),
		2 * (b*c + a*d) * xd, (a*a + c*c - b*b - d*d) * yd, 2 * (c*d - a*b) * zd, float64(h.QoffsetY),
		2 * (b*d - a*c) * xd, 2 * (c*d + a*b) * yd, (a*a + d*d - c*c - b*b) * zd, float64(h.QoffsetZ),
		0, 0, 0, 1,
	})
}
