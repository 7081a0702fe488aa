// Package quant implements vector-wise int8 quantization for matrices: one
// scale per row or column (or a single global scale in linear mode), with
// symmetric rounding into [-127, 127].
package quant

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/lowbitml/lowbit/pkg/tensor"
)

// Axis selects which dimension shares a scale factor.
type Axis int

const (
	// AxisRow quantizes with one scale per row.
	AxisRow Axis = iota
	// AxisCol quantizes with one scale per column.
	AxisCol
)

func (a Axis) String() string {
	switch a {
	case AxisRow:
		return "row"
	case AxisCol:
		return "col"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// Mode selects the scale granularity.
type Mode int

const (
	// ModeVector keeps one scale per lane along the chosen axis.
	ModeVector Mode = iota
	// ModeLinear keeps a single scale for the whole tensor.
	ModeLinear
)

func (m Mode) String() string {
	switch m {
	case ModeVector:
		return "vector"
	case ModeLinear:
		return "linear"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Tensor is an int8 quantized matrix. Data is row-major Rows-by-Cols. Scale
// holds the per-lane absolute maxima of the source: one entry per row
// (AxisRow), per column (AxisCol), or a single entry (ModeLinear). A source
// value x maps to round(127*x/scale), so dequantization is q*scale/127.
//
// ZeroLanes counts lanes that were entirely zero; their scale was substituted
// with 1 so the quantized lane is all zeros rather than a division by zero.
type Tensor struct {
	Rows, Cols int
	Data       []int8
	Axis       Axis
	Scale      []float32
	ZeroLanes  int
}

// ScaleFor returns the scale that applies to element (i, j), handling the
// single-scale linear layout.
func (t *Tensor) ScaleFor(i, j int) float32 {
	if len(t.Scale) == 1 {
		return t.Scale[0]
	}
	if t.Axis == AxisRow {
		return t.Scale[i]
	}
	return t.Scale[j]
}

// ZeroCols clears the given columns of the quantized data in place. Scale
// entries are left untouched.
func (t *Tensor) ZeroCols(cols []int) {
	for i := 0; i < t.Rows; i++ {
		base := i * t.Cols
		for _, c := range cols {
			t.Data[base+c] = 0
		}
	}
}

// Dequantize reconstructs the float32 matrix q*scale/127.
func (t *Tensor) Dequantize() tensor.Mat {
	out := tensor.NewMat(t.Rows, t.Cols)
	for i := 0; i < t.Rows; i++ {
		row := out.Row(i)
		base := i * t.Cols
		for j := range row {
			row[j] = float32(t.Data[base+j]) * t.ScaleFor(i, j) * inv127
		}
	}
	return out
}

const (
	inv127   = float32(1.0 / 127.0)
	inv127sq = float32(1.0 / (127.0 * 127.0))
)

// Vectorwise quantizes m along the given axis. In ModeVector each lane gets
// its own scale (the lane's absolute maximum); in ModeLinear a single global
// scale is used and the axis only labels the orientation. All-zero lanes get
// scale 1 and are counted in ZeroLanes.
func Vectorwise(m *tensor.Mat, axis Axis, mode Mode) (*Tensor, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil input", ErrBadShape)
	}
	if axis != AxisRow && axis != AxisCol {
		return nil, fmt.Errorf("%w: unknown axis %d", ErrBadShape, int(axis))
	}

	t := &Tensor{
		Rows: m.R,
		Cols: m.C,
		Data: make([]int8, m.R*m.C),
		Axis: axis,
	}

	if mode == ModeLinear {
		scale := tensor.MaxAbs(m)
		if scale == 0 {
			scale = 1
			t.ZeroLanes = 1
		}
		t.Scale = []float32{scale}
		quantizeRows(t.Data, m, func(int) float32 { return scale }, nil)
		return t, nil
	}

	if axis == AxisRow {
		scale := make([]float32, m.R)
		for i := 0; i < m.R; i++ {
			scale[i] = maxAbs(m.Row(i))
		}
		t.ZeroLanes = fixZeroLanes(scale)
		t.Scale = scale
		quantizeRows(t.Data, m, func(i int) float32 { return scale[i] }, nil)
		return t, nil
	}

	scale := make([]float32, m.C)
	for i := 0; i < m.R; i++ {
		for j, v := range m.Row(i) {
			if a := math32.Abs(v); a > scale[j] {
				scale[j] = a
			}
		}
	}
	t.ZeroLanes = fixZeroLanes(scale)
	t.Scale = scale
	quantizeRows(t.Data, m, nil, scale)
	return t, nil
}

// quantizeRows fills dst from m. rowScale supplies a shared scale for a whole
// row; colScale supplies per-column scales. Exactly one of the two is set.
func quantizeRows(dst []int8, m *tensor.Mat, rowScale func(int) float32, colScale []float32) {
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		base := i * m.C
		if rowScale != nil {
			inv := 127 / rowScale(i)
			for j, v := range row {
				dst[base+j] = clampInt8(math32.Round(v * inv))
			}
			continue
		}
		for j, v := range row {
			dst[base+j] = clampInt8(math32.Round(v * 127 / colScale[j]))
		}
	}
}

func clampInt8(q float32) int8 {
	if q > 127 {
		return 127
	}
	if q < -127 {
		return -127
	}
	return int8(q)
}

// fixZeroLanes substitutes 1 for zero scales and returns how many lanes were
// affected.
func fixZeroLanes(scale []float32) int {
	n := 0
	for i, s := range scale {
		if s == 0 {
			scale[i] = 1
			n++
		}
	}
	return n
}

func maxAbs(row []float32) float32 {
	var m float32
	for _, v := range row {
		if a := math32.Abs(v); a > m {
			m = a
		}
	}
	return m
}
