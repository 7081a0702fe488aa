package matmul

import (
	"fmt"

	"github.com/lowbitml/lowbit/pkg/kernel"
	"github.com/lowbitml/lowbit/pkg/quant"
	"github.com/lowbitml/lowbit/pkg/tensor"
)

// ApproxMatmul multiplies A·B entirely in int8 with no outlier handling and
// no caching: both operands are quantized fresh on every call. ModeLinear
// uses one scale per operand, ModeVector one per output lane.
func (e *Engine) ApproxMatmul(A, B *tensor.Mat, mode quant.Mode) (tensor.Mat, error) {
	if A == nil || B == nil {
		return tensor.Mat{}, fmt.Errorf("matmul: nil operand: %w", ErrShapeMismatch)
	}
	if A.C != B.R {
		return tensor.Mat{}, fmt.Errorf("matmul: cannot contract %dx%d with %dx%d: %w", A.R, A.C, B.R, B.C, ErrShapeMismatch)
	}
	if A.IsEmpty() || B.IsEmpty() {
		return tensor.NewMat(A.R, B.C), nil
	}

	qa, err := quant.Vectorwise(A, quant.AxisRow, mode)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("matmul: quantize left operand: %w", err)
	}
	qb, err := quant.Vectorwise(B, quant.AxisCol, mode)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("matmul: quantize right operand: %w", err)
	}
	e.actQuants.Add(2)

	acc, err := e.igemmRowMajor(qa, false, qb, true)
	if err != nil {
		return tensor.Mat{}, err
	}
	return quant.MMDequant(acc, A.R, B.C, qa.Scale, qb.Scale, nil)
}

// ApproxBackward computes both gradients of an A·B product in int8, again
// without outlier handling. It recomputes quantizations from the operands
// rather than reusing forward state, trading speed for zero bookkeeping.
func (e *Engine) ApproxBackward(A, B, dOut *tensor.Mat, mode quant.Mode) (gradA, gradB tensor.Mat, err error) {
	if A == nil || B == nil || dOut == nil {
		return tensor.Mat{}, tensor.Mat{}, fmt.Errorf("matmul: nil operand: %w", ErrShapeMismatch)
	}
	if A.C != B.R || dOut.R != A.R || dOut.C != B.C {
		return tensor.Mat{}, tensor.Mat{}, fmt.Errorf("matmul: gradient %dx%d does not match %dx%d by %dx%d: %w",
			dOut.R, dOut.C, A.R, A.C, B.R, B.C, ErrShapeMismatch)
	}
	if A.IsEmpty() || B.IsEmpty() {
		return tensor.NewMat(A.R, A.C), tensor.NewMat(B.R, B.C), nil
	}

	// gradA = dOut·Bᵀ, contracting over the output columns.
	qg, err := quant.Vectorwise(dOut, quant.AxisRow, mode)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, fmt.Errorf("matmul: quantize gradient: %w", err)
	}
	qbr, err := quant.Vectorwise(B, quant.AxisRow, mode)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, fmt.Errorf("matmul: quantize right operand: %w", err)
	}
	acc, err := e.igemmRowMajor(qg, false, qbr, false)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, err
	}
	gradA, err = quant.MMDequant(acc, A.R, A.C, qg.Scale, qbr.Scale, nil)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, err
	}

	// gradB = Aᵀ·dOut, contracting over the batch rows.
	qac, err := quant.Vectorwise(A, quant.AxisCol, mode)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, fmt.Errorf("matmul: quantize left operand: %w", err)
	}
	qgc, err := quant.Vectorwise(dOut, quant.AxisCol, mode)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, fmt.Errorf("matmul: quantize gradient: %w", err)
	}
	acc, err = e.igemmRowMajor(qac, true, qgc, true)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, err
	}
	gradB, err = quant.MMDequant(acc, B.R, B.C, qac.Scale, qgc.Scale, nil)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, err
	}
	e.actQuants.Add(4)
	return gradA, gradB, nil
}

// igemmRowMajor transforms two row-major quantized tensors into kernel
// layouts and contracts them over their columns. transposeA and transposeB
// select whether rows or columns of each operand form the contraction
// vectors.
func (e *Engine) igemmRowMajor(a *quant.Tensor, transposeA bool, b *quant.Tensor, transposeB bool) ([]int32, error) {
	ca, err := e.kern.Transform(kernel.RowMajor(a.Data, a.Rows, a.Cols), kernel.OrderCol32, transposeA)
	if err != nil {
		return nil, fmt.Errorf("matmul: transform left operand: %w", err)
	}
	cb, err := e.kern.Transform(kernel.RowMajor(b.Data, b.Rows, b.Cols), kernel.OrderTile32, transposeB)
	if err != nil {
		return nil, fmt.Errorf("matmul: transform right operand: %w", err)
	}
	e.transforms.Add(2)
	acc, err := e.kern.Igemm(ca, cb)
	if err != nil {
		return nil, fmt.Errorf("matmul: igemm: %w", err)
	}
	e.igemms.Add(1)
	return acc, nil
}
