package qfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/x448/float16"
	"golang.org/x/sys/unix"

	"github.com/lowbitml/lowbit/pkg/quant"
	"github.com/lowbitml/lowbit/pkg/tensor"
)

const maxInt = int(^uint(0) >> 1)

// File is an open container. The payload is either a read-only memory map or
// a heap copy, depending on how the file was opened.
type File struct {
	hdr     header
	data    []byte
	scales  []byte
	payload []byte
	mmapped bool
}

// Open maps path read-only and validates the container layout. When the
// platform refuses to map the file it falls back to reading it into memory.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("qfile: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("qfile: stat %s: %w", path, err)
	}
	size64 := fi.Size()
	if size64 > int64(maxInt) {
		return nil, fmt.Errorf("qfile: %s is too large to map: %d bytes", path, size64)
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		buf, rerr := readAllAt(f, size)
		if rerr != nil {
			return nil, fmt.Errorf("qfile: read %s: %w", path, rerr)
		}
		return parseFile(buf, false)
	}
	qf, err := parseFile(data, true)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	return qf, nil
}

// OpenReaderAt reads a container from r without touching the filesystem.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < 0 || size > int64(maxInt) {
		return nil, fmt.Errorf("%w: size %d", ErrCorrupt, size)
	}
	buf, err := readAllAt(r, int(size))
	if err != nil {
		return nil, fmt.Errorf("qfile: read: %w", err)
	}
	return parseFile(buf, false)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	buf := make([]byte, size)
	off := 0
	for off < size {
		n, err := r.ReadAt(buf[off:], int64(off))
		off += n
		if err != nil {
			if err == io.EOF && off == size {
				break
			}
			return nil, err
		}
	}
	return buf, nil
}

func parseFile(data []byte, mmapped bool) (*File, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is smaller than the header", ErrCorrupt, len(data))
	}
	if string(data[0:4]) != Magic {
		return nil, ErrBadMagic
	}
	h := header{
		version:    data[4],
		dtype:      DType(data[5]),
		axis:       data[6],
		rows:       binary.LittleEndian.Uint64(data[8:16]),
		cols:       binary.LittleEndian.Uint64(data[16:24]),
		scaleCount: binary.LittleEndian.Uint64(data[24:32]),
	}
	if h.version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.version)
	}
	if data[7] != 0 {
		return nil, fmt.Errorf("%w: reserved header byte is set", ErrCorrupt)
	}
	if h.dtype != DTypeF32 && h.dtype != DTypeInt8 {
		return nil, fmt.Errorf("%w: dtype %d", ErrCorrupt, data[5])
	}
	if h.rows > uint64(maxInt) || h.cols > uint64(maxInt) {
		return nil, fmt.Errorf("%w: shape %dx%d", ErrCorrupt, h.rows, h.cols)
	}
	switch h.dtype {
	case DTypeF32:
		if h.axis != 0 || h.scaleCount != 0 {
			return nil, fmt.Errorf("%w: float32 file carries quantization fields", ErrCorrupt)
		}
	case DTypeInt8:
		if h.axis != byte(quant.AxisRow) && h.axis != byte(quant.AxisCol) {
			return nil, fmt.Errorf("%w: axis %d", ErrCorrupt, h.axis)
		}
		if !scaleCountValid(h.scaleCount, h.axis, h.rows, h.cols) {
			return nil, fmt.Errorf("%w: %d scales for a %dx%d tensor", ErrCorrupt, h.scaleCount, h.rows, h.cols)
		}
	}

	off, ok := h.payloadOffset()
	if !ok {
		return nil, fmt.Errorf("%w: scale block overflows", ErrCorrupt)
	}
	size, ok := h.payloadSize()
	if !ok {
		return nil, fmt.Errorf("%w: payload overflows", ErrCorrupt)
	}
	end, ok := addUint64(off, size)
	if !ok || uint64(len(data)) != end {
		return nil, fmt.Errorf("%w: file is %d bytes, layout needs %d", ErrCorrupt, len(data), off+size)
	}

	return &File{
		hdr:     h,
		data:    data,
		scales:  data[headerSize : headerSize+h.scaleCount*2],
		payload: data[off:end],
		mmapped: mmapped,
	}, nil
}

// Close releases the mapping, if any. Payload views obtained before Close
// must not be used afterwards.
func (f *File) Close() error {
	if f.mmapped && f.data != nil {
		data := f.data
		f.data = nil
		return unix.Munmap(data)
	}
	f.data = nil
	return nil
}

// DType reports the payload element type.
func (f *File) DType() DType { return f.hdr.dtype }

// Dims reports the tensor shape.
func (f *File) Dims() (rows, cols int) { return int(f.hdr.rows), int(f.hdr.cols) }

// Axis reports the quantization axis of an int8 file. It is meaningless for
// float32 files.
func (f *File) Axis() quant.Axis { return quant.Axis(f.hdr.axis) }

// ScaleCount reports how many scales the file carries.
func (f *File) ScaleCount() int { return int(f.hdr.scaleCount) }

// Payload returns the raw element bytes without copying. The slice aliases
// the mapping and is only valid until Close.
func (f *File) Payload() []byte { return f.payload }

// Scales decodes the float16 scale block into a fresh float32 slice.
func (f *File) Scales() []float32 {
	out := make([]float32, f.hdr.scaleCount)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(f.scales[i*2:])).Float32()
	}
	return out
}

// Mat decodes a float32 file into a fresh matrix.
func (f *File) Mat() (tensor.Mat, error) {
	if f.hdr.dtype != DTypeF32 {
		return tensor.Mat{}, fmt.Errorf("%w: file holds %s", ErrWrongDType, f.hdr.dtype)
	}
	m := tensor.NewMat(int(f.hdr.rows), int(f.hdr.cols))
	for i := range m.Data {
		m.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(f.payload[i*4:]))
	}
	return m, nil
}

// Quant decodes an int8 file into a fresh quantized tensor. The payload and
// scales are copied, so the tensor stays valid after Close.
func (f *File) Quant() (*quant.Tensor, error) {
	if f.hdr.dtype != DTypeInt8 {
		return nil, fmt.Errorf("%w: file holds %s", ErrWrongDType, f.hdr.dtype)
	}
	q := &quant.Tensor{
		Rows:  int(f.hdr.rows),
		Cols:  int(f.hdr.cols),
		Axis:  quant.Axis(f.hdr.axis),
		Data:  make([]int8, len(f.payload)),
		Scale: f.Scales(),
	}
	for i, b := range f.payload {
		q.Data[i] = int8(b)
	}
	return q, nil
}
