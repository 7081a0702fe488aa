package matmul

import (
	"errors"
	"testing"

	"github.com/lowbitml/lowbit/pkg/quant"
	"github.com/lowbitml/lowbit/pkg/tensor"
)

func TestApproxMatmulExactOnGridValues(t *testing.T) {
	A := gridMat(7, 12, 71)
	B := gridMat(12, 9, 72)
	ref := naiveMul(&A, &B)

	eng := New(nil)
	out, err := eng.ApproxMatmul(&A, &B, quant.ModeVector)
	if err != nil {
		t.Fatalf("ApproxMatmul: %v", err)
	}
	if d := maxAbsDiff(t, &out, &ref); d > 1e-4 {
		t.Fatalf("grid product off by %g", d)
	}
}

func TestApproxMatmulBounded(t *testing.T) {
	A := tensor.NewMat(6, 24)
	tensor.FillRandScale(&A, 73, 1)
	B := tensor.NewMat(24, 8)
	tensor.FillRandScale(&B, 74, 1)
	ref := naiveMul(&A, &B)

	eng := New(nil)
	for _, tc := range []struct {
		name string
		mode quant.Mode
		tol  float32
	}{
		{"vector", quant.ModeVector, 0.25},
		{"linear", quant.ModeLinear, 0.4},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out, err := eng.ApproxMatmul(&A, &B, tc.mode)
			if err != nil {
				t.Fatalf("ApproxMatmul: %v", err)
			}
			if d := maxAbsDiff(t, &out, &ref); d > tc.tol {
				t.Fatalf("%s mode error %g exceeds %g", tc.name, d, tc.tol)
			}
		})
	}
}

func TestApproxBackwardExactOnGridValues(t *testing.T) {
	A := gridMat(5, 8, 75)
	B := gridMat(8, 6, 76)
	dOut := gridMat(5, 6, 77)

	eng := New(nil)
	gradA, gradB, err := eng.ApproxBackward(&A, &B, &dOut, quant.ModeVector)
	if err != nil {
		t.Fatalf("ApproxBackward: %v", err)
	}

	bt := B.Transpose()
	wantA := naiveMul(&dOut, &bt)
	if d := maxAbsDiff(t, &gradA, &wantA); d > 1e-4 {
		t.Fatalf("input gradient off by %g", d)
	}
	at := A.Transpose()
	wantB := naiveMul(&at, &dOut)
	if d := maxAbsDiff(t, &gradB, &wantB); d > 1e-4 {
		t.Fatalf("weight gradient off by %g", d)
	}
}

func TestApproxShapeErrors(t *testing.T) {
	A := tensor.NewMat(4, 6)
	B := tensor.NewMat(7, 3)
	eng := New(nil)

	if _, err := eng.ApproxMatmul(&A, &B, quant.ModeVector); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("contraction mismatch: err = %v", err)
	}
	if _, err := eng.ApproxMatmul(nil, &B, quant.ModeVector); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("nil operand: err = %v", err)
	}

	B2 := tensor.NewMat(6, 3)
	bad := tensor.NewMat(4, 5)
	if _, _, err := eng.ApproxBackward(&A, &B2, &bad, quant.ModeVector); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("gradient mismatch: err = %v", err)
	}
}

func TestApproxEmptyOperands(t *testing.T) {
	A := tensor.NewMat(0, 6)
	B := tensor.NewMat(6, 3)
	tensor.FillRandScale(&B, 78, 1)

	eng := New(nil)
	out, err := eng.ApproxMatmul(&A, &B, quant.ModeVector)
	if err != nil {
		t.Fatalf("ApproxMatmul: %v", err)
	}
	if out.R != 0 || out.C != 3 {
		t.Fatalf("empty product is %dx%d, want 0x3", out.R, out.C)
	}

	dOut := tensor.NewMat(0, 3)
	gradA, gradB, err := eng.ApproxBackward(&A, &B, &dOut, quant.ModeVector)
	if err != nil {
		t.Fatalf("ApproxBackward: %v", err)
	}
	if gradA.R != 0 || gradA.C != 6 || gradB.R != 6 || gradB.C != 3 {
		t.Fatalf("empty gradients have wrong shapes: %dx%d and %dx%d", gradA.R, gradA.C, gradB.R, gradB.C)
	}
}
