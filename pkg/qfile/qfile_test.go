package qfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/x448/float16"

	"github.com/lowbitml/lowbit/pkg/quant"
	"github.com/lowbitml/lowbit/pkg/tensor"
)

func TestMatRoundTrip(t *testing.T) {
	m := tensor.NewMat(33, 7)
	tensor.FillRand(&m, 11)
	path := filepath.Join(t.TempDir(), "a.lqt")

	if err := WriteMat(path, &m); err != nil {
		t.Fatalf("WriteMat: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if want := int64(payloadAlign + 33*7*4); fi.Size() != want {
		t.Fatalf("file size = %d, want %d", fi.Size(), want)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if f.DType() != DTypeF32 {
		t.Fatalf("DType = %v, want %v", f.DType(), DTypeF32)
	}
	r, c := f.Dims()
	if r != 33 || c != 7 {
		t.Fatalf("Dims = %dx%d, want 33x7", r, c)
	}
	if f.ScaleCount() != 0 {
		t.Fatalf("ScaleCount = %d, want 0", f.ScaleCount())
	}
	got, err := f.Mat()
	if err != nil {
		t.Fatalf("Mat: %v", err)
	}
	for i := range m.Data {
		if got.Data[i] != m.Data[i] {
			t.Fatalf("Data[%d] = %v, want %v", i, got.Data[i], m.Data[i])
		}
	}
}

func TestQuantRoundTrip(t *testing.T) {
	tensors := []*quant.Tensor{
		{
			Rows:  4,
			Cols:  8,
			Axis:  quant.AxisRow,
			Data:  rampInt8(32),
			Scale: []float32{1, 0.5, 2, 0.25},
		},
		{
			Rows:  4,
			Cols:  8,
			Axis:  quant.AxisCol,
			Data:  rampInt8(32),
			Scale: []float32{4},
		},
	}
	for _, q := range tensors {
		path := filepath.Join(t.TempDir(), "w.lqt")
		if err := WriteQuant(path, q); err != nil {
			t.Fatalf("WriteQuant: %v", err)
		}
		f, err := Open(path)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if f.DType() != DTypeInt8 || f.Axis() != q.Axis {
			t.Fatalf("dtype/axis = %v/%v, want int8/%v", f.DType(), f.Axis(), q.Axis)
		}
		got, err := f.Quant()
		if err != nil {
			t.Fatalf("Quant: %v", err)
		}
		if err := f.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if got.Rows != q.Rows || got.Cols != q.Cols {
			t.Fatalf("shape = %dx%d, want %dx%d", got.Rows, got.Cols, q.Rows, q.Cols)
		}
		for i := range q.Data {
			if got.Data[i] != q.Data[i] {
				t.Fatalf("Data[%d] = %d, want %d", i, got.Data[i], q.Data[i])
			}
		}
		for i := range q.Scale {
			if got.Scale[i] != q.Scale[i] {
				t.Fatalf("Scale[%d] = %v, want %v", i, got.Scale[i], q.Scale[i])
			}
		}
	}
}

func TestHeaderEncoding(t *testing.T) {
	q := &quant.Tensor{
		Rows:  2,
		Cols:  3,
		Axis:  quant.AxisCol,
		Data:  []int8{1, -2, 3, -4, 5, -6},
		Scale: []float32{1, 0.5, 0.25},
	}
	var buf bytes.Buffer
	if err := WriteQuantTo(&buf, q); err != nil {
		t.Fatalf("WriteQuantTo: %v", err)
	}
	b := buf.Bytes()

	if want := payloadAlign + len(q.Data); len(b) != want {
		t.Fatalf("encoded length = %d, want %d", len(b), want)
	}
	if string(b[0:4]) != Magic {
		t.Fatalf("magic = %q", b[0:4])
	}
	if b[4] != CurrentVersion {
		t.Fatalf("version = %d, want %d", b[4], CurrentVersion)
	}
	if b[5] != byte(DTypeInt8) || b[6] != byte(quant.AxisCol) || b[7] != 0 {
		t.Fatalf("dtype/axis/reserved = %d/%d/%d", b[5], b[6], b[7])
	}
	if got := binary.LittleEndian.Uint64(b[8:16]); got != 2 {
		t.Fatalf("rows = %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint64(b[16:24]); got != 3 {
		t.Fatalf("cols = %d, want 3", got)
	}
	if got := binary.LittleEndian.Uint64(b[24:32]); got != 3 {
		t.Fatalf("scale count = %d, want 3", got)
	}
	for i, want := range q.Scale {
		bits := binary.LittleEndian.Uint16(b[32+i*2:])
		if got := float16.Frombits(bits).Float32(); got != want {
			t.Fatalf("scale[%d] = %v, want %v", i, got, want)
		}
	}
	for i := headerSize + len(q.Scale)*2; i < payloadAlign; i++ {
		if b[i] != 0 {
			t.Fatalf("padding byte %d = %d, want 0", i, b[i])
		}
	}
	for i, v := range q.Data {
		if got := int8(b[payloadAlign+i]); got != v {
			t.Fatalf("payload[%d] = %d, want %d", i, got, v)
		}
	}
}

func TestOpenReaderAt(t *testing.T) {
	m := tensor.NewMat(5, 6)
	tensor.FillRand(&m, 3)
	var buf bytes.Buffer
	if err := WriteMatTo(&buf, &m); err != nil {
		t.Fatalf("WriteMatTo: %v", err)
	}

	f, err := OpenReaderAt(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("OpenReaderAt: %v", err)
	}
	defer f.Close()

	got, err := f.Mat()
	if err != nil {
		t.Fatalf("Mat: %v", err)
	}
	for i := range m.Data {
		if got.Data[i] != m.Data[i] {
			t.Fatalf("Data[%d] = %v, want %v", i, got.Data[i], m.Data[i])
		}
	}
}

func TestEmptyMat(t *testing.T) {
	m := tensor.NewMat(0, 5)
	var buf bytes.Buffer
	if err := WriteMatTo(&buf, &m); err != nil {
		t.Fatalf("WriteMatTo: %v", err)
	}
	if buf.Len() != payloadAlign {
		t.Fatalf("encoded length = %d, want %d", buf.Len(), payloadAlign)
	}
	f, err := OpenReaderAt(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("OpenReaderAt: %v", err)
	}
	r, c := f.Dims()
	if r != 0 || c != 5 {
		t.Fatalf("Dims = %dx%d, want 0x5", r, c)
	}
	got, err := f.Mat()
	if err != nil || !got.IsEmpty() {
		t.Fatalf("Mat = %dx%d (err %v), want empty", got.R, got.C, err)
	}
}

func TestOpenErrors(t *testing.T) {
	q := &quant.Tensor{
		Rows:  2,
		Cols:  3,
		Axis:  quant.AxisRow,
		Data:  []int8{1, 2, 3, 4, 5, 6},
		Scale: []float32{1, 2},
	}
	var buf bytes.Buffer
	if err := WriteQuantTo(&buf, q); err != nil {
		t.Fatalf("WriteQuantTo: %v", err)
	}
	good := buf.Bytes()

	cases := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }, ErrBadMagic},
		{"future version", func(b []byte) []byte { b[4] = 9; return b }, ErrUnsupportedVersion},
		{"bad dtype", func(b []byte) []byte { b[5] = 7; return b }, ErrCorrupt},
		{"bad axis", func(b []byte) []byte { b[6] = 5; return b }, ErrCorrupt},
		{"reserved byte", func(b []byte) []byte { b[7] = 1; return b }, ErrCorrupt},
		{"scale count", func(b []byte) []byte { binary.LittleEndian.PutUint64(b[24:32], 5); return b }, ErrCorrupt},
		{"truncated", func(b []byte) []byte { return b[:len(b)-1] }, ErrCorrupt},
		{"trailing bytes", func(b []byte) []byte { return append(b, 0) }, ErrCorrupt},
		{"too small", func(b []byte) []byte { return b[:8] }, ErrCorrupt},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := tc.mutate(append([]byte(nil), good...))
			_, err := OpenReaderAt(bytes.NewReader(b), int64(len(b)))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestWrongDType(t *testing.T) {
	m := tensor.NewMat(2, 2)
	var fbuf bytes.Buffer
	if err := WriteMatTo(&fbuf, &m); err != nil {
		t.Fatalf("WriteMatTo: %v", err)
	}
	ff, err := OpenReaderAt(bytes.NewReader(fbuf.Bytes()), int64(fbuf.Len()))
	if err != nil {
		t.Fatalf("OpenReaderAt: %v", err)
	}
	if _, err := ff.Quant(); !errors.Is(err, ErrWrongDType) {
		t.Fatalf("Quant on f32 file: err = %v, want %v", err, ErrWrongDType)
	}

	q := &quant.Tensor{Rows: 1, Cols: 2, Axis: quant.AxisRow, Data: []int8{1, 2}, Scale: []float32{1}}
	var qbuf bytes.Buffer
	if err := WriteQuantTo(&qbuf, q); err != nil {
		t.Fatalf("WriteQuantTo: %v", err)
	}
	qf, err := OpenReaderAt(bytes.NewReader(qbuf.Bytes()), int64(qbuf.Len()))
	if err != nil {
		t.Fatalf("OpenReaderAt: %v", err)
	}
	if _, err := qf.Mat(); !errors.Is(err, ErrWrongDType) {
		t.Fatalf("Mat on int8 file: err = %v, want %v", err, ErrWrongDType)
	}
}

func TestWriteRejectsBadInput(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMatTo(&buf, nil); err == nil {
		t.Fatal("WriteMatTo(nil) succeeded")
	}
	if err := WriteQuantTo(&buf, nil); err == nil {
		t.Fatal("WriteQuantTo(nil) succeeded")
	}
	short := &quant.Tensor{Rows: 2, Cols: 3, Axis: quant.AxisRow, Data: []int8{1}, Scale: []float32{1, 2}}
	if err := WriteQuantTo(&buf, short); err == nil {
		t.Fatal("short payload accepted")
	}
	badScales := &quant.Tensor{Rows: 2, Cols: 3, Axis: quant.AxisRow, Data: make([]int8, 6), Scale: []float32{1, 2, 3}}
	if err := WriteQuantTo(&buf, badScales); err == nil {
		t.Fatal("mismatched scale count accepted")
	}
}

func rampInt8(n int) []int8 {
	out := make([]int8, n)
	for i := range out {
		out[i] = int8(i*7%255 - 127)
	}
	return out
}
