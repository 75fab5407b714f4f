package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"medprep/internal/models"
	"medprep/pkg/errors"
)

// IsNifti reports whether path has a NIfTI file extension.
func IsNifti(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")
}

// ReadFile loads a NIfTI-1 image. A fourth dimension becomes the channel axis.
func ReadFile(path string) (*models.Volume, *Header, error) {
	raw, err := readAll(path)
	if err != nil {
		return nil, nil, err
	}

	h, order, err := decodeHeader(raw)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read %s", path)
	}

	offset := int(h.VoxOffset)
	if offset < headerSize {
		offset = headerSize
	}

	width, height, depth, channels := h.size()
	count := width * height * depth * channels
	need := offset + count*bytesPerVoxel(h.Datatype)
	if len(raw) < need {
		return nil, nil, errors.Formatf("%s has %d bytes, header requires %d", path, len(raw), need)
	}

	data := decodeVoxels(raw[offset:need], h.Datatype, order, count)

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !(slope == 1 && inter == 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	affine := h.Affine()
	v := &models.Volume{
		Data:         data,
		Channels:     channels,
		Width:        width,
		Height:       height,
		Depth:        depth,
		Spacing:      models.SpacingFromAffine(affine),
		Affine:       affine,
		OriginalSize: [3]int{width, height, depth},
		Source:       path,
	}
	return v, h, nil
}

// readAll reads a file, transparently decompressing gzip content.
func readAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(path)
		}
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	var r io.Reader = br
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrapf(errors.Mark(err, errors.ErrFormat), "failed to open gzip stream %s", path)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrFormat), "failed to read %s", path)
	}
	return raw, nil
}

func decodeVoxels(buf []byte, datatype int16, order binary.ByteOrder, count int) []float64 {
	data := make([]float64, count)
	switch datatype {
	case DTUint8:
		for i := range data {
			data[i] = float64(buf[i])
		}
	case DTInt8:
		for i := range data {
			data[i] = float64(int8(buf[i]))
		}
	case DTInt16:
		for i := range data {
			data[i] = float64(int16(order.Uint16(buf[i*2:])))
		}
	case DTUint16:
		for i := range data {
			data[i] = float64(order.Uint16(buf[i*2:]))
		}
	case DTInt32:
		for i := range data {
			data[i] = float64(int32(order.Uint32(buf[i*4:])))
		}
	case DTUint32:
		for i := range data {
			data[i] = float64(order.Uint32(buf[i*4:]))
		}
	case DTInt64:
		for i := range data {
			data[i] = float64(int64(order.Uint64(buf[i*8:])))
		}
	case DTUint64:
		for i := range data {
			data[i] = float64(order.Uint64(buf[i*8:]))
		}
	case DTFloat32:
		for i := range data {
			data[i] = float64(math.Float32frombits(order.Uint32(buf[i*4:])))
		}
	case DTFloat64:
		for i := range data {
			data[i] = math.Float64frombits(order.Uint64(buf[i*8:]))
		}
	}
	return data
}

// NewHeader builds a little-endian float32 header describing v. NIfTI-1
// stores dimensions as int16, so larger sizes are rejected.
func NewHeader(v *models.Volume) (*Header, error) {
	for i, n := range []int{v.Width, v.Height, v.Depth, v.Channels} {
		if n > math.MaxInt16 {
			return nil, errors.Wrapf(errors.ErrInvalidArgument,
				"dimension %d is %d, NIfTI-1 allows at most %d", i+1, n, math.MaxInt16)
		}
	}

	h := &Header{
		SizeofHdr: minHeaderSize,
		Regular:   'r',
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: headerSize,
		SclSlope:  1,
		XyztUnits: 2 | 8, // mm, seconds
		SformCode: 2,     // aligned anatomical
		Magic:     singleFileMagic,
	}

	h.Dim[0] = 3
	h.Dim[1], h.Dim[2], h.Dim[3] = int16(v.Width), int16(v.Height), int16(v.Depth)
	h.Dim[4] = 1
	if v.Channels > 1 {
		h.Dim[0] = 4
		h.Dim[4] = int16(v.Channels)
	}
	for i := 5; i < 8; i++ {
		h.Dim[i] = 1
	}

	h.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		h.Pixdim[i+1] = float32(v.Spacing[i])
	}
	h.Pixdim[4] = 1

	affine := v.Affine
	if affine == nil {
		affine = models.DiagonalAffine(v.Spacing)
	}
	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(affine.At(0, j))
		h.SrowY[j] = float32(affine.At(1, j))
		h.SrowZ[j] = float32(affine.At(2, j))
	}

	copy(h.Descrip[:], "medprep "+v.Kind.String())
	return h, nil
}

// WriteFile writes v as a single-file NIfTI-1 image with float32 voxels.
// Paths ending in .gz are gzip-compressed.
func WriteFile(path string, v *models.Volume) error {
	if err := v.Validate(); err != nil {
		return errors.Wrap(errors.Mark(err, errors.ErrInvalidArgument), "cannot write volume")
	}

	var buf bytes.Buffer
	if err := Encode(&buf, v); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer f.Close()

	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz := gzip.NewWriter(f)
		if _, err := gz.Write(buf.Bytes()); err != nil {
			return errors.Wrapf(err, "failed to write %s", path)
		}
		if err := gz.Close(); err != nil {
			return errors.Wrapf(err, "failed to finish %s", path)
		}
		return nil
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// Encode writes the header, an empty extension block and float32 voxel data.
func Encode(w io.Writer, v *models.Volume) error {
	h, err := NewHeader(v)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return errors.Wrap(err, "failed to encode header")
	}
	// extension flag bytes: no extensions
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return errors.Wrap(err, "failed to encode extension block")
	}

	out := make([]byte, 4*len(v.Data))
	for i, value := range v.Data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(value)))
	}
	if _, err := w.Write(out); err != nil {
		return errors.Wrap(err, "failed to encode voxel data")
	}
	return nil
}
