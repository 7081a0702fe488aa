package matmul

import (
	"fmt"

	"github.com/lowbitml/lowbit/pkg/kernel"
	"github.com/lowbitml/lowbit/pkg/quant"
	"github.com/lowbitml/lowbit/pkg/tensor"
)

// Grads holds the gradients produced by Backward. Fields the forward call
// did not request are nil.
type Grads struct {
	A    *tensor.Mat
	B    *tensor.Mat
	Bias []float32
}

// Backward computes the gradients requested by the forward call's Options,
// given dOut, the gradient of the loss with respect to the forward output.
//
// The gradient is quantized the same way the input was, so both directions
// run on int8 products. The input gradient uses the row-quantized weight
// cached on the state; when a state holds only the int8-only bulk form, the
// weight is dequantized and the product falls back to float.
func (e *Engine) Backward(call *Call, dOut *tensor.Mat) (*Grads, error) {
	if call == nil {
		panic("matmul: nil call")
	}
	if dOut == nil {
		return nil, fmt.Errorf("matmul: nil output gradient: %w", ErrShapeMismatch)
	}
	if call.empty {
		return call.emptyGrads(), nil
	}
	if dOut.R != call.aRows || dOut.C != call.cols {
		return nil, fmt.Errorf("matmul: output gradient is %dx%d, forward produced %dx%d: %w",
			dOut.R, dOut.C, call.aRows, call.cols, ErrShapeMismatch)
	}

	g := &Grads{}
	if call.opts.GradBias {
		g.Bias = tensor.ColSums(dOut)
	}
	if !call.opts.GradA && !call.opts.GradB {
		return g, nil
	}

	rowQ, colQ, _, err := quant.DoubleQuant(dOut, 0)
	if err != nil {
		return nil, fmt.Errorf("matmul: quantize output gradient: %w", err)
	}
	e.actQuants.Add(1)

	if call.opts.GradB {
		g.B, err = e.gradWeight(call, colQ, dOut)
		if err != nil {
			return nil, err
		}
	}
	if call.opts.GradA {
		g.A, err = e.gradInput(call, rowQ, dOut)
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

// gradWeight computes dL/dB = Aᵀ·dOut from the column-quantized input the
// forward call retained, then restores the rows the outlier split zeroed
// out with an exact float product.
func (e *Engine) gradWeight(call *Call, colQ *quant.Tensor, dOut *tensor.Mat) (*tensor.Mat, error) {
	if call.cat == nil {
		return nil, fmt.Errorf("matmul: call retained no quantized input for the weight gradient: %w", ErrMissingBackwardState)
	}

	cxat, err := e.kern.Transform(kernel.RowMajor(call.cat.Data, call.cat.Rows, call.cat.Cols), kernel.OrderCol32, true)
	if err != nil {
		return nil, fmt.Errorf("matmul: transform input for weight gradient: %w", err)
	}
	cxgt, err := e.kern.Transform(kernel.RowMajor(colQ.Data, colQ.Rows, colQ.Cols), kernel.OrderTile32, true)
	if err != nil {
		return nil, fmt.Errorf("matmul: transform gradient: %w", err)
	}
	e.transforms.Add(2)
	acc, err := e.kern.Igemm(cxat, cxgt)
	if err != nil {
		return nil, fmt.Errorf("matmul: igemm weight gradient: %w", err)
	}
	e.igemms.Add(1)

	gb, err := quant.MMDequant(acc, call.aCols, call.cols, call.cat.Scale, colQ.Scale, nil)
	if err != nil {
		return nil, fmt.Errorf("matmul: dequantize weight gradient: %w", err)
	}

	if call.subA != nil && len(call.idx) > 0 {
		sat := call.subA.Transpose()
		corr := tensor.Matmul(&sat, dOut)
		tensor.ScatterAddRows(&gb, call.idx, &corr)
	}
	return &gb, nil
}

// gradInput computes dL/dA = dOut·Bᵀ on the int8 path when the state still
// has the row-quantized weight, otherwise on a dequantized float fallback.
func (e *Engine) gradInput(call *Call, rowQ *quant.Tensor, dOut *tensor.Mat) (*tensor.Mat, error) {
	st := call.st
	switch {
	case st.CBt != nil:
		if st.CxBt == nil {
			cx, err := e.kern.Transform(kernel.RowMajor(st.CBt.Data, st.CBt.Rows, st.CBt.Cols), kernel.OrderTile32, false)
			if err != nil {
				return nil, fmt.Errorf("matmul: transform weight for input gradient: %w", err)
			}
			st.CxBt = cx
			e.transforms.Add(1)
		}
		cxg, err := e.kern.Transform(kernel.RowMajor(rowQ.Data, rowQ.Rows, rowQ.Cols), kernel.OrderCol32, false)
		if err != nil {
			return nil, fmt.Errorf("matmul: transform gradient: %w", err)
		}
		e.transforms.Add(1)
		acc, err := e.kern.Igemm(cxg, st.CxBt)
		if err != nil {
			return nil, fmt.Errorf("matmul: igemm input gradient: %w", err)
		}
		e.igemms.Add(1)

		ga, err := quant.MMDequant(acc, call.aRows, call.aCols, rowQ.Scale, st.CBt.Scale, nil)
		if err != nil {
			return nil, fmt.Errorf("matmul: dequantize input gradient: %w", err)
		}
		return &ga, nil

	case st.CB != nil:
		e.debug("row-quantized weight missing, input gradient falls back to float",
			"rows", st.CB.Rows, "cols", st.CB.Cols)
		deq := st.CB.Dequantize()
		bt := deq.Transpose()
		ga := tensor.NewMat(call.aRows, call.aCols)
		tensor.GemmPar(&ga, dOut, &bt, 1, 0, e.workers)
		return &ga, nil

	default:
		return nil, fmt.Errorf("matmul: state holds neither weight form needed for the input gradient: %w", ErrMissingBackwardState)
	}
}

// Backward is the package-level convenience form matching Matmul. Every
// representation the gradients need lives on the Call and its State, so a
// throwaway engine serves.
func Backward(call *Call, dOut *tensor.Mat) (*Grads, error) {
	return New(kernel.CPU()).Backward(call, dOut)
}

// emptyGrads builds zero gradients shaped after an empty forward call.
func (call *Call) emptyGrads() *Grads {
	g := &Grads{}
	if call.opts.GradA {
		m := tensor.NewMat(call.aRows, call.aCols)
		g.A = &m
	}
	if call.opts.GradB {
		m := tensor.NewMat(call.aCols, call.cols)
		g.B = &m
	}
	if call.opts.GradBias {
		g.Bias = make([]float32, call.cols)
	}
	return g
}
