package matmul

import "errors"

var (
	// ErrShapeMismatch reports operands whose inner dimensions disagree. It
	// is raised before any quantization work starts.
	ErrShapeMismatch = errors.New("matmul: shape mismatch")

	// ErrMissingBackwardState reports a backward call that needs a weight
	// representation the forward pass did not retain. This is fatal and
	// indicates a forward/backward pairing bug, not a recoverable condition.
	ErrMissingBackwardState = errors.New("matmul: missing backward state")

	// ErrNoWeight reports a forward call with neither a float weight nor a
	// quantized one cached on the state.
	ErrNoWeight = errors.New("matmul: no weight available")
)
