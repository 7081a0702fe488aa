package matmul

import (
	"fmt"

	"github.com/lowbitml/lowbit/pkg/kernel"
	"github.com/lowbitml/lowbit/pkg/quant"
	"github.com/lowbitml/lowbit/pkg/tensor"
)

// Options selects the optional inputs and gradient outputs of one call.
type Options struct {
	// Bias is added to every output row; its length must equal the weight's
	// output dimension.
	Bias []float32

	// GradA, GradB and GradBias request the corresponding gradients from a
	// later Backward. GradB makes the call retain the column-quantized
	// input.
	GradA    bool
	GradB    bool
	GradBias bool
}

// Call carries what Backward needs from one forward invocation. A Call
// pairs with exactly one Backward.
type Call struct {
	st   *State
	opts Options

	empty bool
	aRows int
	aCols int
	cols  int

	cat  *quant.Tensor // column-quantized input, outlier columns zeroed
	subA *tensor.Mat   // full-precision outlier columns of the input
	idx  []int
}

// Matmul computes A·B + bias where A is the (batch, features) input and B
// the (features, outputs) weight.
//
// The input is quantized per call. The weight is quantized on the first
// call through st and reused until the state machine invalidates it, so B
// may be nil on later calls and must be nil when st came from a Weight that
// was converted to int8-only storage. Columns of A with an entry at or
// above st.Threshold bypass quantization entirely: they multiply the
// matching weight rows in full precision and the results are added to the
// dequantized int8 product.
//
// An input with no elements short-circuits to a zero output of the correct
// shape without touching st.
func (e *Engine) Matmul(A, B *tensor.Mat, st *State, opts Options) (tensor.Mat, *Call, error) {
	if st == nil {
		panic("matmul: nil state")
	}
	if A == nil {
		return tensor.Mat{}, nil, fmt.Errorf("matmul: nil input: %w", ErrShapeMismatch)
	}

	k, n, err := weightDims(B, st)
	if err != nil {
		return tensor.Mat{}, nil, err
	}
	if A.C != k {
		return tensor.Mat{}, nil, fmt.Errorf("matmul: input is %dx%d but weight wants %d features: %w", A.R, A.C, k, ErrShapeMismatch)
	}
	if opts.Bias != nil && len(opts.Bias) != n {
		return tensor.Mat{}, nil, fmt.Errorf("matmul: bias has %d entries, weight has %d outputs: %w", len(opts.Bias), n, ErrShapeMismatch)
	}

	call := &Call{st: st, opts: opts, aRows: A.R, aCols: A.C, cols: n}
	if A.IsEmpty() {
		call.empty = true
		return tensor.NewMat(A.R, n), call, nil
	}

	// Quantize the input both ways in one pass. Row scales feed the
	// product, column scales feed the weight gradient.
	rowQ, colQ, overlay, err := quant.DoubleQuant(A, st.Threshold)
	if err != nil {
		return tensor.Mat{}, nil, fmt.Errorf("matmul: quantize input: %w", err)
	}
	e.actQuants.Add(1)
	if z := rowQ.ZeroLanes + colQ.ZeroLanes; z > 0 {
		e.zeroLanes.Add(uint64(z))
		e.debug("all-zero lanes in input, unit scale substituted", "lanes", z, "rows", A.R, "cols", A.C)
	}

	if err := e.ensureWeight(B, st); err != nil {
		return tensor.Mat{}, nil, err
	}

	var (
		idx  []int
		subA *tensor.Mat
		subB *tensor.Mat
	)
	if overlay != nil {
		idx = overlay.Cols
		subA = &overlay.Vals
		if e.pool != nil && st.UsePool {
			e.pool.Add(idx, A.C)
			if e.pool.Width() == A.C {
				if pooled := e.pool.Indices(); len(pooled) > len(idx) {
					// Other weights saw outliers in columns this input did
					// not trip. Route those columns through the float path
					// here too so every pooled weight sees the same split.
					g := tensor.GatherCols(A, pooled)
					idx, subA = pooled, &g
					rowQ.ZeroCols(idx)
					colQ.ZeroCols(idx)
					e.poolMerges.Add(1)
				}
			}
		}
		subB, err = e.outlierRows(B, st, idx)
		if err != nil {
			return tensor.Mat{}, nil, err
		}
		st.Idx = idx
		st.SubB = subB
		e.decompositions.Add(1)
		e.debug("outlier decomposition", "columns", len(idx), "threshold", st.Threshold)
	}

	cxa, err := e.kern.Transform(kernel.RowMajor(rowQ.Data, rowQ.Rows, rowQ.Cols), kernel.OrderCol32, false)
	if err != nil {
		return tensor.Mat{}, nil, fmt.Errorf("matmul: transform input: %w", err)
	}
	e.transforms.Add(1)
	acc, err := e.kern.Igemm(cxa, st.CxB)
	if err != nil {
		return tensor.Mat{}, nil, fmt.Errorf("matmul: igemm: %w", err)
	}
	e.igemms.Add(1)

	out, err := quant.MMDequant(acc, A.R, n, rowQ.Scale, st.CB.Scale, opts.Bias)
	if err != nil {
		return tensor.Mat{}, nil, fmt.Errorf("matmul: dequantize: %w", err)
	}

	if subA != nil && len(idx) > 0 {
		tensor.GemmPar(&out, subA, subB, 1, 1, e.workers)
	}

	if opts.GradB {
		call.cat = colQ
		call.subA = subA
		call.idx = idx
	}
	return out, call, nil
}

// weightDims resolves the weight shape from the raw matrix or the cached
// quantized form, and rejects a raw weight whose shape disagrees with the
// cache.
func weightDims(B *tensor.Mat, st *State) (k, n int, err error) {
	if B != nil {
		if st.Phase() != PhaseUninitialized && (B.R != st.rows || B.C != st.cols) {
			return 0, 0, fmt.Errorf("matmul: weight is %dx%d but state cached %dx%d: %w", B.R, B.C, st.rows, st.cols, ErrShapeMismatch)
		}
		return B.R, B.C, nil
	}
	if st.CB == nil {
		return 0, 0, fmt.Errorf("matmul: state carries no quantized weight and no raw weight was given: %w", ErrNoWeight)
	}
	return st.CB.Rows, st.CB.Cols, nil
}

// ensureWeight quantizes the weight if the cache phase demands it and makes
// sure the kernel-layout transform of the bulk weight exists.
func (e *Engine) ensureWeight(B *tensor.Mat, st *State) error {
	if st.Phase() == PhaseUninitialized {
		if B == nil {
			return fmt.Errorf("matmul: state carries no quantized weight and no raw weight was given: %w", ErrNoWeight)
		}
		rowQ, colQ, _, err := quant.DoubleQuant(B, 0)
		if err != nil {
			return fmt.Errorf("matmul: quantize weight: %w", err)
		}
		st.adopt(colQ, rowQ)
		e.weightQuants.Add(1)
		e.debug("weight quantized", "rows", colQ.Rows, "cols", colQ.Cols, "phase", st.Phase().String())
	} else {
		e.weightCacheHits.Add(1)
	}
	if st.CxB == nil {
		cx, err := e.kern.Transform(kernel.RowMajor(st.CB.Data, st.CB.Rows, st.CB.Cols), kernel.OrderTile32, true)
		if err != nil {
			return fmt.Errorf("matmul: transform weight: %w", err)
		}
		st.CxB = cx
		e.transforms.Add(1)
	}
	return nil
}

// outlierRows fetches the weight rows matching the outlier columns, from
// the raw weight when present or reconstructed from the int8 cache.
func (e *Engine) outlierRows(B *tensor.Mat, st *State, idx []int) (*tensor.Mat, error) {
	if B != nil {
		g := tensor.GatherRows(B, idx)
		return &g, nil
	}
	g, err := quant.ExtractOutlierRows(st.CB, idx)
	if err != nil {
		return nil, fmt.Errorf("matmul: reconstruct outlier rows: %w", err)
	}
	return &g, nil
}

// Matmul is the package-level convenience form. A nil state gets a fresh
// one; a positive threshold overrides the state's. Gradients for both
// operands are always retained, and for the bias when one is given.
func Matmul(A, B *tensor.Mat, st *State, threshold float32, bias []float32) (tensor.Mat, *Call, error) {
	if st == nil {
		st = NewState(threshold)
	} else if threshold > 0 {
		st.Threshold = threshold
	}
	eng := New(kernel.CPU())
	return eng.Matmul(A, B, st, Options{Bias: bias, GradA: true, GradB: true, GradBias: bias != nil})
}
