// Package qfile stores a single tensor in a flat, memory-mappable container:
// a fixed little-endian header, an optional float16 scale block, and the
// element payload aligned to 64 bytes so mapped int8 data can feed SIMD
// kernels directly. Files hold either raw float32 matrices or int8 quantized
// tensors with their per-lane scales.
package qfile

const (
	// Magic identifies every container. It is encoded as "LQT1".
	Magic = "LQT1"

	// CurrentVersion is written to new files; readers reject anything else.
	CurrentVersion byte = 1

	headerSize   = 32
	payloadAlign = 64
)

// DType identifies the payload element type.
type DType byte

const (
	// DTypeF32 is a raw float32 matrix, 4 bytes per element.
	DTypeF32 DType = 0
	// DTypeInt8 is a quantized matrix, 1 byte per element, with a float16
	// scale block between header and payload.
	DTypeInt8 DType = 1
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeInt8:
		return "int8"
	default:
		return "unknown"
	}
}

// header is the decoded fixed header.
//
// Layout (little-endian):
//
//	0..3   magic "LQT1"
//	4      version
//	5      dtype
//	6      axis (int8 files: 0 row, 1 col)
//	7      reserved, must be zero
//	8..15  rows
//	16..23 cols
//	24..31 scale count
type header struct {
	version    byte
	dtype      DType
	axis       byte
	rows       uint64
	cols       uint64
	scaleCount uint64
}

// payloadOffset returns where the element payload starts: the header plus
// the scale block, rounded up to the payload alignment.
func (h *header) payloadOffset() (uint64, bool) {
	n, ok := mulUint64(h.scaleCount, 2)
	if !ok {
		return 0, false
	}
	n, ok = addUint64(n, headerSize)
	if !ok {
		return 0, false
	}
	return align64(n)
}

// payloadSize returns the payload length in bytes for the header's shape and
// dtype.
func (h *header) payloadSize() (uint64, bool) {
	n, ok := mulUint64(h.rows, h.cols)
	if !ok {
		return 0, false
	}
	if h.dtype == DTypeF32 {
		return mulUint64(n, 4)
	}
	return n, true
}

func align64(n uint64) (uint64, bool) {
	if n > ^uint64(0)-(payloadAlign-1) {
		return 0, false
	}
	return (n + payloadAlign - 1) &^ (payloadAlign - 1), true
}

func mulUint64(a, b uint64) (uint64, bool) {
	if a != 0 && b > ^uint64(0)/a {
		return 0, false
	}
	return a * b, true
}

func addUint64(a, b uint64) (uint64, bool) {
	if a > ^uint64(0)-b {
		return 0, false
	}
	return a + b, true
}
