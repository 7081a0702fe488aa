package quant

import (
	"fmt"

	"github.com/lowbitml/lowbit/pkg/tensor"
)

// MMDequant rescales the int32 accumulator of an int8 GEMM back to float32:
// out[i,j] = acc[i,j] * rowScale[i] * colScale[j] / 127^2, plus bias[j] when
// bias is non-nil. rowScale is the per-row scale of the left operand,
// colScale the per-column scale of the right operand; either may have length
// 1 (linear mode) and broadcasts.
//
// With int8 inputs and a contraction dimension below 2^16 the int32
// accumulator cannot overflow, so this rescale is exact up to float rounding.
func MMDequant(acc []int32, rows, cols int, rowScale, colScale, bias []float32) (tensor.Mat, error) {
	if len(acc) != rows*cols {
		return tensor.Mat{}, fmt.Errorf("%w: accumulator has %d entries, want %d", ErrBadShape, len(acc), rows*cols)
	}
	if len(rowScale) != rows && len(rowScale) != 1 {
		return tensor.Mat{}, fmt.Errorf("%w: %d row scales for %d rows", ErrBadShape, len(rowScale), rows)
	}
	if len(colScale) != cols && len(colScale) != 1 {
		return tensor.Mat{}, fmt.Errorf("%w: %d col scales for %d cols", ErrBadShape, len(colScale), cols)
	}
	if bias != nil && len(bias) != cols {
		return tensor.Mat{}, fmt.Errorf("%w: %d bias entries for %d cols", ErrBadShape, len(bias), cols)
	}

	out := tensor.NewMat(rows, cols)
	for i := 0; i < rows; i++ {
		rs := rowScale[0]
		if len(rowScale) > 1 {
			rs = rowScale[i]
		}
		rs *= inv127sq
		dst := out.Row(i)
		src := acc[i*cols : (i+1)*cols]
		if len(colScale) == 1 {
			f := rs * colScale[0]
			for j, v := range src {
				dst[j] = float32(v) * f
			}
		} else {
			for j, v := range src {
				dst[j] = float32(v) * rs * colScale[j]
			}
		}
		if bias != nil {
			tensor.Add(dst, bias)
		}
	}
	return out, nil
}
