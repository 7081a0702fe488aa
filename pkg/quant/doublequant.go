package quant

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/lowbitml/lowbit/pkg/tensor"
)

// DoubleQuant quantizes m twice in one pass: row-wise (one scale per row) and
// column-wise (one scale per column). Forward and backward multiply against
// different orientations, so both are produced together.
//
// When threshold > 0, entries with |x| >= threshold are treated as outliers:
// they are excluded from the scale statistics (a handful of extreme values
// must not stretch the int8 range of a whole lane), the affected columns are
// zeroed in both quantized orientations, and the full-precision values of
// those columns are returned as an overlay. With threshold = 0, or when no
// entry reaches it, the overlay is nil.
func DoubleQuant(m *tensor.Mat, threshold float32) (rowQ, colQ *Tensor, out *Outliers, err error) {
	if m == nil {
		return nil, nil, nil, fmt.Errorf("%w: nil input", ErrBadShape)
	}

	rowScale := make([]float32, m.R)
	colScale := make([]float32, m.C)
	var hot []bool

	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j, v := range row {
			a := math32.Abs(v)
			if threshold > 0 && a >= threshold {
				if hot == nil {
					hot = make([]bool, m.C)
				}
				hot[j] = true
				continue
			}
			if a > rowScale[i] {
				rowScale[i] = a
			}
			if a > colScale[j] {
				colScale[j] = a
			}
		}
	}

	rowQ = &Tensor{
		Rows:      m.R,
		Cols:      m.C,
		Data:      make([]int8, m.R*m.C),
		Axis:      AxisRow,
		Scale:     rowScale,
		ZeroLanes: fixZeroLanes(rowScale),
	}
	colQ = &Tensor{
		Rows:      m.R,
		Cols:      m.C,
		Data:      make([]int8, m.R*m.C),
		Axis:      AxisCol,
		Scale:     colScale,
		ZeroLanes: fixZeroLanes(colScale),
	}

	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		base := i * m.C
		invRow := 127 / rowScale[i]
		for j, v := range row {
			if hot != nil && hot[j] {
				continue
			}
			rowQ.Data[base+j] = clampInt8(math32.Round(v * invRow))
			colQ.Data[base+j] = clampInt8(math32.Round(v * 127 / colScale[j]))
		}
	}

	if hot != nil {
		cols := make([]int, 0, 8)
		for j, h := range hot {
			if h {
				cols = append(cols, j)
			}
		}
		out = &Outliers{
			Cols: cols,
			Vals: tensor.GatherCols(m, cols),
		}
	}
	return rowQ, colQ, out, nil
}
