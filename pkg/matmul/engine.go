// Package matmul multiplies matrices in mixed precision. Inputs are
// quantized to int8 on the fly, weights are quantized once and cached on a
// per-weight State, and columns whose magnitude crosses a threshold are
// carried in full precision so a handful of large entries cannot ruin the
// int8 product.
package matmul

import (
	"sync/atomic"

	"github.com/lowbitml/lowbit/pkg/kernel"
)

// Logger is the subset of a structured logger the engine emits to. Both
// *slog.Logger and the module's logger satisfy it.
type Logger interface {
	Debug(msg string, args ...any)
}

// Engine runs mixed-precision products on a kernel backend. It is safe for
// concurrent use as long as each State is confined to one in-flight call at
// a time.
type Engine struct {
	kern    kernel.Kernel
	pool    *Pool
	log     Logger
	workers int

	weightQuants    atomic.Uint64
	weightCacheHits atomic.Uint64
	actQuants       atomic.Uint64
	igemms          atomic.Uint64
	transforms      atomic.Uint64
	decompositions  atomic.Uint64
	zeroLanes       atomic.Uint64
	poolMerges      atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithPool shares an outlier pool across every state that opts in with
// UsePool.
func WithPool(p *Pool) Option {
	return func(e *Engine) { e.pool = p }
}

// WithLogger enables debug logging of quantization and decomposition
// events.
func WithLogger(l Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithWorkers caps the float correction GEMM at n workers. Zero or negative
// selects GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// New returns an engine on the given kernel. A nil kernel selects the
// built-in CPU implementation.
func New(k kernel.Kernel, opts ...Option) *Engine {
	if k == nil {
		k = kernel.CPU()
	}
	e := &Engine{kern: k}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pool returns the shared outlier pool, or nil when none was configured.
func (e *Engine) Pool() *Pool {
	return e.pool
}

// Stats is a point-in-time snapshot of the engine counters.
type Stats struct {
	WeightQuants    uint64 `json:"weight_quants"`
	WeightCacheHits uint64 `json:"weight_cache_hits"`
	ActQuants       uint64 `json:"act_quants"`
	Igemms          uint64 `json:"igemms"`
	Transforms      uint64 `json:"transforms"`
	Decompositions  uint64 `json:"decompositions"`
	ZeroLanes       uint64 `json:"zero_lanes"`
	PoolMerges      uint64 `json:"pool_merges"`
}

// Stats snapshots the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		WeightQuants:    e.weightQuants.Load(),
		WeightCacheHits: e.weightCacheHits.Load(),
		ActQuants:       e.actQuants.Load(),
		Igemms:          e.igemms.Load(),
		Transforms:      e.transforms.Load(),
		Decompositions:  e.decompositions.Load(),
		ZeroLanes:       e.zeroLanes.Load(),
		PoolMerges:      e.poolMerges.Load(),
	}
}

func (e *Engine) debug(msg string, args ...any) {
	if e.log != nil {
		e.log.Debug(msg, args...)
	}
}
