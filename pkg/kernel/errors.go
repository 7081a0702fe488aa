package kernel

import "errors"

var (
	// ErrBadLayout reports a tensor whose descriptor is inconsistent with its
	// buffer or whose order is not the one an operation requires.
	ErrBadLayout = errors.New("kernel: bad layout")
	// ErrLayoutMismatch reports Igemm operands whose contraction dimensions
	// or strides disagree.
	ErrLayoutMismatch = errors.New("kernel: operand layouts mismatch")
)
