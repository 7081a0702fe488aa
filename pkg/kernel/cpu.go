package kernel

import (
	"fmt"

	"simd/archsimd"
)

// CPUFeatures holds detected CPU capabilities, checked once at init.
type CPUFeatures struct {
	HasAVX2 bool
}

var cpu CPUFeatures

func init() {
	cpu.HasAVX2 = archsimd.X86.AVX2()
}

// cpuKernel is the reference Kernel: portable scalar loops with an AVX2 dot
// product when available. Output blocks are walked in 64x64 tiles so both
// operand panels stay cache-resident.
type cpuKernel struct{}

// CPU returns the built-in CPU kernel.
func CPU() Kernel {
	return cpuKernel{}
}

const igemmBlock = 64

func pad32(n int) int {
	return (n + 31) &^ 31
}

func validate(t *Tensor) error {
	if t == nil {
		return fmt.Errorf("%w: nil tensor", ErrBadLayout)
	}
	d := t.Desc
	if d.Rows < 0 || d.Cols < 0 || d.Stride < d.Cols {
		return fmt.Errorf("%w: %dx%d stride %d", ErrBadLayout, d.Rows, d.Cols, d.Stride)
	}
	switch d.Order {
	case OrderRow:
		if d.Stride != d.Cols {
			return fmt.Errorf("%w: row order with stride %d != cols %d", ErrBadLayout, d.Stride, d.Cols)
		}
	case OrderCol32, OrderTile32:
		if d.Stride != pad32(d.Cols) {
			return fmt.Errorf("%w: %s order with stride %d, want %d", ErrBadLayout, d.Order, d.Stride, pad32(d.Cols))
		}
	default:
		return fmt.Errorf("%w: unknown order %d", ErrBadLayout, int(d.Order))
	}
	if len(t.Data) != d.Rows*d.Stride {
		return fmt.Errorf("%w: buffer holds %d elements, layout needs %d", ErrBadLayout, len(t.Data), d.Rows*d.Stride)
	}
	return nil
}

func (cpuKernel) Transform(src *Tensor, to Order, transpose bool) (*Tensor, error) {
	if err := validate(src); err != nil {
		return nil, err
	}

	outR, outC := src.Desc.Rows, src.Desc.Cols
	if transpose {
		outR, outC = outC, outR
	}

	stride := outC
	if to == OrderCol32 || to == OrderTile32 {
		stride = pad32(outC)
	} else if to != OrderRow {
		return nil, fmt.Errorf("%w: unknown target order %d", ErrBadLayout, int(to))
	}

	out := &Tensor{
		Data: make([]int8, outR*stride),
		Desc: Layout{Rows: outR, Cols: outC, Stride: stride, Order: to},
	}

	srcStride := src.Desc.Stride
	if transpose {
		for i := 0; i < src.Desc.Rows; i++ {
			row := src.Data[i*srcStride:]
			for j := 0; j < src.Desc.Cols; j++ {
				out.Data[j*stride+i] = row[j]
			}
		}
	} else {
		for i := 0; i < outR; i++ {
			copy(out.Data[i*stride:i*stride+outC], src.Data[i*srcStride:i*srcStride+outC])
		}
	}
	return out, nil
}

func (cpuKernel) Igemm(a, b *Tensor) ([]int32, error) {
	if err := validate(a); err != nil {
		return nil, err
	}
	if err := validate(b); err != nil {
		return nil, err
	}
	if a.Desc.Order != OrderCol32 {
		return nil, fmt.Errorf("%w: left operand is %s, want col32", ErrBadLayout, a.Desc.Order)
	}
	if b.Desc.Order != OrderTile32 {
		return nil, fmt.Errorf("%w: right operand is %s, want tile32", ErrBadLayout, b.Desc.Order)
	}
	if a.Desc.Cols != b.Desc.Cols || a.Desc.Stride != b.Desc.Stride {
		return nil, fmt.Errorf("%w: contraction %d/%d stride %d/%d",
			ErrLayoutMismatch, a.Desc.Cols, b.Desc.Cols, a.Desc.Stride, b.Desc.Stride)
	}

	m, n, k := a.Desc.Rows, b.Desc.Rows, a.Desc.Stride
	out := make([]int32, m*n)

	for i0 := 0; i0 < m; i0 += igemmBlock {
		iMax := min(i0+igemmBlock, m)
		for j0 := 0; j0 < n; j0 += igemmBlock {
			jMax := min(j0+igemmBlock, n)
			for i := i0; i < iMax; i++ {
				aRow := a.Data[i*k : (i+1)*k]
				dst := out[i*n:]
				for j := j0; j < jMax; j++ {
					dst[j] = dotInt8(aRow, b.Data[j*k:(j+1)*k], k)
				}
			}
		}
	}
	return out, nil
}

func dotInt8(a, b []int8, n int) int32 {
	if cpu.HasAVX2 && n >= 16 {
		return dotInt8SIMD(a, b, n)
	}
	return dotInt8Scalar(a, b, n)
}

func dotInt8Scalar(a, b []int8, n int) int32 {
	var sum int32
	for i := 0; i < n; i++ {
		sum += int32(a[i]) * int32(b[i])
	}
	return sum
}

func dotInt8SIMD(a, b []int8, n int) int32 {
	var acc archsimd.Int32x8
	i := 0
	for ; i+16 <= n; i += 16 {
		va := archsimd.LoadInt8x16Slice(a[i:]).ExtendToInt16()
		vb := archsimd.LoadInt8x16Slice(b[i:]).ExtendToInt16()
		acc = acc.Add(va.DotProductPairs(vb))
	}

	var tmp [8]int32
	acc.Store(&tmp)
	sum := tmp[0] + tmp[1] + tmp[2] + tmp[3] + tmp[4] + tmp[5] + tmp[6] + tmp[7]
	for ; i < n; i++ {
		sum += int32(a[i]) * int32(b[i])
	}
	return sum
}
