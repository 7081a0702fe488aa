package matmul

import (
	"slices"
	"sync"
)

// Pool accumulates outlier column indices across layers that share one
// feature width. Which columns run hot is a property of the activation
// distribution, not of any single layer's weight, so layers of the same width
// can pool their observations and quantize against a stable column set.
//
// The pool is an explicit object injected into an Engine, never a process
// global; construct one per model (or per test) and share it deliberately.
// All methods are safe for concurrent use.
type Pool struct {
	mu    sync.Mutex
	width int
	cols  map[int]struct{}
}

// NewPool returns an empty pool. The feature width is fixed by the first Add.
func NewPool() *Pool {
	return &Pool{cols: make(map[int]struct{})}
}

// Add merges the given outlier column indices. The first call records
// featureWidth; later calls with a different width are silently ignored so a
// differently-shaped layer (say, a wider feed-forward projection) cannot
// pollute the pool.
func (p *Pool) Add(cols []int, featureWidth int) {
	if featureWidth <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.width == 0 {
		p.width = featureWidth
	}
	if p.width != featureWidth {
		return
	}
	for _, c := range cols {
		p.cols[c] = struct{}{}
	}
}

// Indices returns the accumulated column set, sorted ascending.
func (p *Pool) Indices() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]int, 0, len(p.cols))
	for c := range p.cols {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Width returns the recorded feature width, or 0 before the first Add.
func (p *Pool) Width() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width
}

// Len returns the number of accumulated columns.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cols)
}
