package matmul

import (
	"fmt"

	"github.com/lowbitml/lowbit/pkg/kernel"
	"github.com/lowbitml/lowbit/pkg/quant"
	"github.com/lowbitml/lowbit/pkg/tensor"
)

// Phase describes the validity of the quantized weight cached on a State.
type Phase int

const (
	// PhaseUninitialized means no quantized weight is cached; the next
	// forward call quantizes.
	PhaseUninitialized Phase = iota
	// PhaseCachedFrozen means the cache is valid indefinitely: the weight is
	// frozen and will not change.
	PhaseCachedFrozen
	// PhaseCachedStaleOnStep means the cache is valid until the caller
	// signals the next training-step boundary, at which point the weight is
	// assumed to have been updated by the optimizer.
	PhaseCachedStaleOnStep
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseCachedFrozen:
		return "cached-frozen"
	case PhaseCachedStaleOnStep:
		return "cached-stale-on-step"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the per-weight quantization cache. Exactly one weight matrix owns
// a State, passes it by reference across forward/backward calls, and keeps it
// alive for the lifetime of the layer.
//
// Cache validity is an explicit state machine driven by the owner: while
// trainable, a quantized weight stays valid until StepBoundary() announces
// that the optimizer ran; a frozen weight stays valid forever. Nothing is
// inferred from gradient presence or weight content.
//
// A State assumes single-writer access: it must not be shared by two
// in-flight matmul calls, and the owner serializes weight updates against
// forward passes.
type State struct {
	// CB is the bulk int8 weight with column-wise scales (one per output
	// column); CxB is its kernel-layout transform, computed lazily and
	// cached.
	CB  *quant.Tensor
	CxB *kernel.Tensor

	// CBt is the row-wise quantized weight (one scale per feature row),
	// needed only for gradients w.r.t. the input; CxBt is its transform,
	// computed lazily on the first backward call that needs it. Both may be
	// nil for weights converted to int8-only storage.
	CBt  *quant.Tensor
	CxBt *kernel.Tensor

	// SubB holds the full-precision outlier rows of the weight and Idx their
	// feature indices; populated only while decomposition is active.
	SubB *tensor.Mat
	Idx  []int

	// Threshold is the per-column magnitude at or above which an activation
	// column is treated as an outlier; 0 disables decomposition.
	Threshold float32

	// UsePool opts this weight into the engine's outlier pool.
	UsePool bool

	phase      Phase
	frozen     bool
	rows, cols int
}

// NewState returns an empty trainable state with the given outlier
// threshold.
func NewState(threshold float32) *State {
	return &State{Threshold: threshold}
}

// Phase returns the current cache phase.
func (s *State) Phase() Phase {
	return s.phase
}

// Frozen reports whether the weight is marked frozen.
func (s *State) Frozen() bool {
	return s.frozen
}

// Dims returns the cached weight shape (features, outputs), or (0, 0) before
// the first quantization.
func (s *State) Dims() (k, n int) {
	return s.rows, s.cols
}

// Freeze marks the weight as unchanging. A cache that was valid only until
// the next step boundary is promoted to indefinitely valid.
func (s *State) Freeze() {
	s.frozen = true
	if s.phase == PhaseCachedStaleOnStep {
		s.phase = PhaseCachedFrozen
	}
}

// MarkTrainable reverts Freeze. An existing cache stays usable but is
// demoted to stale-on-step validity.
func (s *State) MarkTrainable() {
	s.frozen = false
	if s.phase == PhaseCachedFrozen {
		s.phase = PhaseCachedStaleOnStep
	}
}

// StepBoundary tells the state that a training step completed and the weight
// bytes may have changed. Step-scoped caches are dropped so the next forward
// requantizes; frozen caches are unaffected.
func (s *State) StepBoundary() {
	if s.phase != PhaseCachedStaleOnStep {
		return
	}
	s.reset()
}

// Reset unconditionally drops every cached representation, keeping only the
// threshold and mode flags.
func (s *State) Reset() {
	s.reset()
}

func (s *State) reset() {
	s.CB = nil
	s.CxB = nil
	s.CBt = nil
	s.CxBt = nil
	s.SubB = nil
	s.Idx = nil
	s.rows = 0
	s.cols = 0
	s.phase = PhaseUninitialized
}

// adopt installs freshly quantized weight representations and advances the
// phase according to the mode flag.
func (s *State) adopt(cb, cbt *quant.Tensor) {
	s.CB = cb
	s.CBt = cbt
	s.CxB = nil
	s.CxBt = nil
	s.rows = cb.Rows
	s.cols = cb.Cols
	if s.frozen {
		s.phase = PhaseCachedFrozen
	} else {
		s.phase = PhaseCachedStaleOnStep
	}
}
