// Package kernel defines the contract between the matmul engine and integer
// GEMM implementations: a transform into the kernel's preferred tiled layout
// plus the int8 x int8 -> int32 product itself. Engines treat both as black
// boxes so accelerator kernels with exotic tilings can slot in behind the
// same interface.
package kernel

import "fmt"

// Order identifies a memory layout for int8 matrices.
type Order int

const (
	// OrderRow is plain row-major with no padding.
	OrderRow Order = iota
	// OrderCol32 is row-major with the contraction dimension padded to a
	// multiple of 32 and zero-filled; the layout Igemm expects for its left
	// operand.
	OrderCol32
	// OrderTile32 stores one padded panel per output column (the right
	// operand pre-transposed so its contraction dimension is contiguous).
	OrderTile32
)

func (o Order) String() string {
	switch o {
	case OrderRow:
		return "row"
	case OrderCol32:
		return "col32"
	case OrderTile32:
		return "tile32"
	default:
		return fmt.Sprintf("order(%d)", int(o))
	}
}

// Layout describes the shape and placement of a transformed tensor. Rows and
// Cols are the logical dimensions; Stride is the number of elements between
// consecutive rows in the buffer (Cols padded up for the tiled orders).
type Layout struct {
	Rows, Cols int
	Stride     int
	Order      Order
}

// Tensor is an int8 buffer together with its layout descriptor.
type Tensor struct {
	Data []int8
	Desc Layout
}

// RowMajor wraps a plain row-major int8 matrix as a kernel tensor without
// copying.
func RowMajor(data []int8, rows, cols int) *Tensor {
	return &Tensor{
		Data: data,
		Desc: Layout{Rows: rows, Cols: cols, Stride: cols, Order: OrderRow},
	}
}

// At returns the logical element (i, j), reading through the layout's stride.
func (t *Tensor) At(i, j int) int8 {
	return t.Data[i*t.Desc.Stride+j]
}

// Kernel is the injectable strategy for layout transforms and integer GEMM.
//
// Transform re-lays src into the target order, optionally transposing first.
// It is self-inverse: transforming to a tiled order and back to OrderRow with
// the same transpose flag recovers the original tensor. Padding introduced by
// tiled orders is zero-filled, so it never contributes to products.
//
// Igemm multiplies a (OrderCol32, M x K) by b (OrderTile32, N x K panels) and
// returns the int32 accumulator as a row-major M x N slice. Operand strides
// must agree.
type Kernel interface {
	Transform(src *Tensor, to Order, transpose bool) (*Tensor, error)
	Igemm(a, b *Tensor) ([]int32, error)
}
