package qfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/x448/float16"

	"github.com/lowbitml/lowbit/pkg/quant"
	"github.com/lowbitml/lowbit/pkg/tensor"
)

const writeChunk = 32 * 1024

// WriteMat writes a float32 matrix to path, replacing any existing file.
func WriteMat(path string, m *tensor.Mat) error {
	return writeFile(path, func(w io.Writer) error { return WriteMatTo(w, m) })
}

// WriteQuant writes an int8 quantized tensor and its scales to path,
// replacing any existing file.
func WriteQuant(path string, q *quant.Tensor) error {
	return writeFile(path, func(w io.Writer) error { return WriteQuantTo(w, q) })
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("qfile: create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("qfile: close %s: %w", path, err)
	}
	return nil
}

// WriteMatTo streams m in container layout to w.
func WriteMatTo(w io.Writer, m *tensor.Mat) error {
	if m == nil {
		return errors.New("qfile: nil matrix")
	}
	h := header{
		version: CurrentVersion,
		dtype:   DTypeF32,
		rows:    uint64(m.R),
		cols:    uint64(m.C),
	}
	if err := writePreamble(w, h, nil); err != nil {
		return err
	}
	buf := make([]byte, writeChunk)
	n := 0
	for i := 0; i < m.R; i++ {
		for _, v := range m.Row(i) {
			binary.LittleEndian.PutUint32(buf[n:], math.Float32bits(v))
			n += 4
			if n == len(buf) {
				if err := writeFull(w, buf); err != nil {
					return err
				}
				n = 0
			}
		}
	}
	return writeFull(w, buf[:n])
}

// WriteQuantTo streams q in container layout to w. Scales are stored as
// float16, so callers should expect them to round to the nearest
// representable half-precision value.
func WriteQuantTo(w io.Writer, q *quant.Tensor) error {
	if q == nil {
		return errors.New("qfile: nil tensor")
	}
	if len(q.Data) != q.Rows*q.Cols {
		return fmt.Errorf("qfile: tensor holds %d values for a %dx%d shape", len(q.Data), q.Rows, q.Cols)
	}
	if !scaleCountValid(uint64(len(q.Scale)), byte(q.Axis), uint64(q.Rows), uint64(q.Cols)) {
		return fmt.Errorf("qfile: %d scales do not cover a %dx%d axis-%d tensor", len(q.Scale), q.Rows, q.Cols, q.Axis)
	}
	h := header{
		version:    CurrentVersion,
		dtype:      DTypeInt8,
		axis:       byte(q.Axis),
		rows:       uint64(q.Rows),
		cols:       uint64(q.Cols),
		scaleCount: uint64(len(q.Scale)),
	}
	if err := writePreamble(w, h, q.Scale); err != nil {
		return err
	}
	buf := make([]byte, writeChunk)
	n := 0
	for _, v := range q.Data {
		buf[n] = byte(v)
		n++
		if n == len(buf) {
			if err := writeFull(w, buf); err != nil {
				return err
			}
			n = 0
		}
	}
	return writeFull(w, buf[:n])
}

// writePreamble emits the fixed header, the float16 scale block, and zero
// padding up to the payload alignment.
func writePreamble(w io.Writer, h header, scales []float32) error {
	var buf [headerSize]byte
	copy(buf[0:4], Magic)
	buf[4] = h.version
	buf[5] = byte(h.dtype)
	buf[6] = h.axis
	binary.LittleEndian.PutUint64(buf[8:16], h.rows)
	binary.LittleEndian.PutUint64(buf[16:24], h.cols)
	binary.LittleEndian.PutUint64(buf[24:32], h.scaleCount)
	if err := writeFull(w, buf[:]); err != nil {
		return err
	}
	if len(scales) > 0 {
		sb := make([]byte, len(scales)*2)
		for i, s := range scales {
			binary.LittleEndian.PutUint16(sb[i*2:], float16.Fromfloat32(s).Bits())
		}
		if err := writeFull(w, sb); err != nil {
			return err
		}
	}
	end := uint64(headerSize + len(scales)*2)
	aligned, ok := align64(end)
	if !ok {
		return ErrCorrupt
	}
	if pad := aligned - end; pad > 0 {
		return writeFull(w, make([]byte, pad))
	}
	return nil
}

func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return fmt.Errorf("qfile: write: %w", err)
		}
		p = p[n:]
	}
	return nil
}

func scaleCountValid(count uint64, axis byte, rows, cols uint64) bool {
	if count == 1 {
		return true
	}
	switch axis {
	case byte(quant.AxisRow):
		return count == rows
	case byte(quant.AxisCol):
		return count == cols
	default:
		return false
	}
}
