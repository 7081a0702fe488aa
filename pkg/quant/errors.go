package quant

import "errors"

var (
	// ErrBadShape reports inputs whose dimensions or scale lengths do not
	// line up.
	ErrBadShape = errors.New("quant: shape mismatch")
)
