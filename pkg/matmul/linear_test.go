package matmul

import (
	"errors"
	"testing"

	"github.com/lowbitml/lowbit/pkg/quant"
	"github.com/lowbitml/lowbit/pkg/tensor"
)

func TestLinear8bitForwardBackward(t *testing.T) {
	W := gridMat(10, 4, 81)
	x := gridMat(3, 10, 82)
	dOut := gridMat(3, 4, 83)
	bias := []float32{0.5, -0.25, 0, 1}

	eng := New(nil)
	layer := NewLinear8bit(eng, NewWeight(&W, 0), bias)

	out, err := layer.Forward(&x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	ref := naiveMul(&x, &W)
	for i := 0; i < ref.R; i++ {
		tensor.Add(ref.Row(i), bias)
	}
	if d := maxAbsDiff(t, &out, &ref); d > 1e-4 {
		t.Fatalf("forward off by %g", d)
	}

	dx, err := layer.Backward(&dOut)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	wt := W.Transpose()
	wantDx := naiveMul(&dOut, &wt)
	if d := maxAbsDiff(t, &dx, &wantDx); d > 1e-4 {
		t.Fatalf("input gradient off by %g", d)
	}

	xt := x.Transpose()
	wantGW := naiveMul(&xt, &dOut)
	if layer.GradW == nil {
		t.Fatalf("weight gradient not accumulated")
	}
	if d := maxAbsDiff(t, layer.GradW, &wantGW); d > 1e-4 {
		t.Fatalf("weight gradient off by %g", d)
	}
	sums := tensor.ColSums(&dOut)
	for j := range sums {
		d := layer.GradBias[j] - sums[j]
		if d < 0 {
			d = -d
		}
		if d > 1e-6 {
			t.Fatalf("bias gradient %v, want %v", layer.GradBias, sums)
		}
	}

	// A second pair accumulates on top.
	if _, err := layer.Forward(&x); err != nil {
		t.Fatalf("second Forward: %v", err)
	}
	if _, err := layer.Backward(&dOut); err != nil {
		t.Fatalf("second Backward: %v", err)
	}
	for i := 0; i < wantGW.R; i++ {
		for j := 0; j < wantGW.C; j++ {
			d := layer.GradW.At(i, j) - 2*wantGW.At(i, j)
			if d < 0 {
				d = -d
			}
			if d > 2e-4 {
				t.Fatalf("accumulated weight gradient off by %g at (%d,%d)", d, i, j)
			}
		}
	}

	layer.StepBoundary()
	if layer.GradW != nil || layer.GradBias != nil {
		t.Fatalf("StepBoundary kept gradient accumulators")
	}
	if layer.Weight().State().Phase() != PhaseUninitialized {
		t.Fatalf("StepBoundary kept the trainable weight cache")
	}
}

func TestLinear8bitFrozen(t *testing.T) {
	W := gridMat(8, 5, 84)
	x := gridMat(4, 8, 85)
	dOut := gridMat(4, 5, 86)

	eng := New(nil)
	layer := NewLinear8bit(eng, NewWeight(&W, 0), nil)
	layer.Freeze()

	if _, err := layer.Forward(&x); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	dx, err := layer.Backward(&dOut)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	wt := W.Transpose()
	wantDx := naiveMul(&dOut, &wt)
	if d := maxAbsDiff(t, &dx, &wantDx); d > 1e-4 {
		t.Fatalf("input gradient off by %g", d)
	}
	if layer.GradW != nil {
		t.Fatalf("frozen layer accumulated a weight gradient")
	}

	layer.StepBoundary()
	if _, err := layer.Forward(&x); err != nil {
		t.Fatalf("Forward after step: %v", err)
	}
	if got := eng.Stats().WeightQuants; got != 1 {
		t.Fatalf("frozen weight requantized, quants = %d", got)
	}
}

func TestLinear8bitQuantizedWeight(t *testing.T) {
	W := gridMat(12, 6, 87)
	x := gridMat(3, 12, 88)
	dOut := gridMat(3, 6, 89)

	w := NewWeight(&W, 0)
	if err := w.Quantize(); err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	if err := w.Quantize(); err != nil {
		t.Fatalf("repeated Quantize: %v", err)
	}

	eng := New(nil)
	layer := NewLinear8bit(eng, w, nil)
	out, err := layer.Forward(&x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	ref := naiveMul(&x, &W)
	if d := maxAbsDiff(t, &out, &ref); d > 1e-4 {
		t.Fatalf("forward off by %g", d)
	}

	// Input gradients still flow, through the dequantized fallback.
	dx, err := layer.Backward(&dOut)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	wt := W.Transpose()
	wantDx := naiveMul(&dOut, &wt)
	if d := maxAbsDiff(t, &dx, &wantDx); d > 1e-4 {
		t.Fatalf("fallback input gradient off by %g", d)
	}
	if layer.GradW != nil {
		t.Fatalf("int8-only weight accumulated a weight gradient")
	}
}

func TestNewQuantizedWeight(t *testing.T) {
	W := gridMat(8, 5, 93)
	colQ, err := quant.Vectorwise(&W, quant.AxisCol, quant.ModeVector)
	if err != nil {
		t.Fatalf("Vectorwise: %v", err)
	}

	if _, err := NewQuantizedWeight(nil, 0); !errors.Is(err, ErrNoWeight) {
		t.Fatalf("nil tensor: err = %v", err)
	}
	rowQ, err := quant.Vectorwise(&W, quant.AxisRow, quant.ModeVector)
	if err != nil {
		t.Fatalf("Vectorwise: %v", err)
	}
	if _, err := NewQuantizedWeight(rowQ, 0); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("row-axis tensor: err = %v", err)
	}

	w, err := NewQuantizedWeight(colQ, 0)
	if err != nil {
		t.Fatalf("NewQuantizedWeight: %v", err)
	}
	if w.Raw() != nil {
		t.Fatal("preloaded weight kept a raw matrix")
	}
	if got := w.State().Phase(); got != PhaseCachedFrozen {
		t.Fatalf("phase = %v, want %v", got, PhaseCachedFrozen)
	}
	if k, n := w.State().Dims(); k != 8 || n != 5 {
		t.Fatalf("Dims = %dx%d, want 8x5", k, n)
	}

	x := gridMat(3, 8, 94)
	eng := New(nil)
	layer := NewLinear8bit(eng, w, nil)
	out, err := layer.Forward(&x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	ref := naiveMul(&x, &W)
	if d := maxAbsDiff(t, &out, &ref); d > 1e-4 {
		t.Fatalf("forward off by %g", d)
	}
	if got := eng.Stats().WeightQuants; got != 0 {
		t.Fatalf("engine requantized a preloaded weight, quants = %d", got)
	}
}

func TestLinear8bitEvalMode(t *testing.T) {
	W := gridMat(6, 3, 90)
	x := gridMat(2, 6, 91)

	eng := New(nil)
	layer := NewLinear8bit(eng, NewWeight(&W, 0), nil)
	layer.Train(false)

	if _, err := layer.Forward(&x); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	dOut := gridMat(2, 3, 92)
	if _, err := layer.Backward(&dOut); !errors.Is(err, ErrMissingBackwardState) {
		t.Fatalf("eval-mode backward: err = %v", err)
	}
}
