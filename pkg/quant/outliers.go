package quant

import (
	"fmt"

	"github.com/lowbitml/lowbit/pkg/tensor"
)

// Outliers is the full-precision overlay for outlier feature columns: the
// sorted column indices and the original float values of exactly those
// columns (rows-by-len(Cols)). The bulk quantized tensor has these columns
// zeroed, so bulk term plus overlay term never double-count.
type Outliers struct {
	Cols []int
	Vals tensor.Mat
}

// ExtractOutlierRows reconstructs the float32 values of the given feature
// rows from a column-wise quantized weight: out[i,j] = q[rows[i],j] *
// scale[j] / 127. It serves weights that were quantized before their outlier
// columns were known, where isolation has to happen by reconstruction instead
// of by slicing the original float matrix.
func ExtractOutlierRows(q *Tensor, rows []int) (tensor.Mat, error) {
	if q == nil {
		return tensor.Mat{}, fmt.Errorf("%w: nil tensor", ErrBadShape)
	}
	if q.Axis != AxisCol {
		return tensor.Mat{}, fmt.Errorf("%w: extract needs column-wise scales, got %s", ErrBadShape, q.Axis)
	}
	out := tensor.NewMat(len(rows), q.Cols)
	for i, r := range rows {
		if r < 0 || r >= q.Rows {
			return tensor.Mat{}, fmt.Errorf("%w: row %d out of range [0,%d)", ErrBadShape, r, q.Rows)
		}
		dst := out.Row(i)
		base := r * q.Cols
		for j := range dst {
			dst[j] = float32(q.Data[base+j]) * q.ScaleFor(r, j) * inv127
		}
	}
	return out, nil
}
