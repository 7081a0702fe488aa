package matmul

import (
	"fmt"

	"github.com/lowbitml/lowbit/pkg/quant"
	"github.com/lowbitml/lowbit/pkg/tensor"
)

// Weight owns one weight matrix in either full-precision or int8-only
// form, together with the quantization state forward calls share.
type Weight struct {
	raw *tensor.Mat
	st  *State
}

// NewWeight wraps a full-precision (features, outputs) matrix. A positive
// threshold enables outlier decomposition and opts the weight into any
// engine pool.
func NewWeight(m *tensor.Mat, threshold float32) *Weight {
	st := NewState(threshold)
	st.UsePool = threshold > 0
	return &Weight{raw: m, st: st}
}

// NewQuantizedWeight wraps a weight that is already int8, for example one
// loaded from a container file. The tensor must carry column-axis scales.
// The weight starts frozen; input gradients through it take the dequantized
// float path.
func NewQuantizedWeight(q *quant.Tensor, threshold float32) (*Weight, error) {
	if q == nil {
		return nil, fmt.Errorf("matmul: nil quantized weight: %w", ErrNoWeight)
	}
	if q.Axis != quant.AxisCol {
		return nil, fmt.Errorf("matmul: quantized weight needs column scales, got axis %d: %w", q.Axis, ErrShapeMismatch)
	}
	st := NewState(threshold)
	st.UsePool = threshold > 0
	st.Freeze()
	st.adopt(q, nil)
	return &Weight{st: st}, nil
}

// State returns the quantization cache attached to this weight.
func (w *Weight) State() *State {
	return w.st
}

// Raw returns the full-precision matrix, or nil after Quantize.
func (w *Weight) Raw() *tensor.Mat {
	return w.raw
}

// Quantize converts the weight to int8-only storage and frees the
// full-precision matrix. Only the column-quantized bulk form is kept, so
// input gradients through this weight take the dequantized float path and
// outlier rows are reconstructed from int8. Quantizing implies freezing.
func (w *Weight) Quantize() error {
	if w.raw == nil {
		return nil
	}
	colQ, err := quant.Vectorwise(w.raw, quant.AxisCol, quant.ModeVector)
	if err != nil {
		return fmt.Errorf("matmul: quantize weight: %w", err)
	}
	w.st.Freeze()
	w.st.adopt(colQ, nil)
	w.raw = nil
	return nil
}

// LinearOperator maps a batch of row vectors through a linear transform and
// can push gradients back through itself.
type LinearOperator interface {
	Forward(x *tensor.Mat) (tensor.Mat, error)
	Backward(dOut *tensor.Mat) (tensor.Mat, error)
}

// Linear8bit is a linear layer whose weight multiplies in int8.
//
// Backward accumulates into GradW and GradBias; StepBoundary hands the
// weight cache its step signal and clears the accumulators. A layer serves
// one forward/backward pair at a time.
type Linear8bit struct {
	eng  *Engine
	w    *Weight
	bias []float32

	GradW    *tensor.Mat
	GradBias []float32

	training bool
	last     *Call
}

var _ LinearOperator = (*Linear8bit)(nil)

// NewLinear8bit builds a training-mode layer over an engine, a weight and
// an optional bias.
func NewLinear8bit(eng *Engine, w *Weight, bias []float32) *Linear8bit {
	return &Linear8bit{eng: eng, w: w, bias: bias, training: true}
}

// Weight returns the layer's weight.
func (l *Linear8bit) Weight() *Weight {
	return l.w
}

// Train toggles gradient tracking. Outside training, forward calls retain
// nothing.
func (l *Linear8bit) Train(on bool) {
	l.training = on
}

// Freeze pins the current quantized weight for inference.
func (l *Linear8bit) Freeze() {
	l.w.State().Freeze()
}

// Forward computes x·W + bias.
func (l *Linear8bit) Forward(x *tensor.Mat) (tensor.Mat, error) {
	st := l.w.State()
	opts := Options{
		Bias:     l.bias,
		GradA:    l.training,
		GradB:    l.training && !st.Frozen(),
		GradBias: l.training && l.bias != nil,
	}
	out, call, err := l.eng.Matmul(x, l.w.Raw(), st, opts)
	if err != nil {
		return tensor.Mat{}, err
	}
	if l.training {
		l.last = call
	}
	return out, nil
}

// Backward consumes the pending forward call, accumulates the weight and
// bias gradients, and returns the gradient with respect to the input.
func (l *Linear8bit) Backward(dOut *tensor.Mat) (tensor.Mat, error) {
	if l.last == nil {
		return tensor.Mat{}, fmt.Errorf("matmul: backward without a pending forward: %w", ErrMissingBackwardState)
	}
	call := l.last
	l.last = nil
	g, err := l.eng.Backward(call, dOut)
	if err != nil {
		return tensor.Mat{}, err
	}
	if g.B != nil {
		if l.GradW == nil {
			m := tensor.NewMat(g.B.R, g.B.C)
			l.GradW = &m
		}
		for i := 0; i < g.B.R; i++ {
			tensor.Add(l.GradW.Row(i), g.B.Row(i))
		}
	}
	if g.Bias != nil {
		if l.GradBias == nil {
			l.GradBias = make([]float32, len(g.Bias))
		}
		tensor.Add(l.GradBias, g.Bias)
	}
	if g.A == nil {
		return tensor.NewMat(call.aRows, call.aCols), nil
	}
	return *g.A, nil
}

// StepBoundary signals that the optimizer consumed the accumulated
// gradients. Trainable weight caches are dropped so the next forward
// requantizes; frozen ones stay put.
func (l *Linear8bit) StepBoundary() {
	l.w.State().StepBoundary()
	l.GradW = nil
	l.GradBias = nil
}
