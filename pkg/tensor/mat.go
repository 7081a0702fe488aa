package tensor

import "math/rand"

// Mat is a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows; for freshly allocated
// matrices it equals C. Data holds the flattened values.
//
// Mat performs no bounds checking beyond what Go slices provide;
// out-of-range indices panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zero-initialised r-by-c matrix with stride c.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("tensor: negative dimension")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData wraps existing data as an r-by-c matrix. The slice is not
// copied; it must hold exactly r*c elements in row-major order.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("tensor: data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns the i-th row as a slice view of length C. Writes through the
// returned slice update the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// At returns the element at row i, column j.
func (m *Mat) At(i, j int) float32 {
	if j < 0 || j >= m.C {
		panic("tensor: column index out of range")
	}
	return m.Row(i)[j]
}

// Set assigns the element at row i, column j.
func (m *Mat) Set(i, j int, v float32) {
	if j < 0 || j >= m.C {
		panic("tensor: column index out of range")
	}
	m.Row(i)[j] = v
}

// Clone returns a deep copy with a compact stride.
func (m *Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// Transpose returns a new C-by-R matrix with rows and columns swapped.
func (m *Mat) Transpose() Mat {
	out := NewMat(m.C, m.R)
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j, v := range row {
			out.Data[j*out.Stride+i] = v
		}
	}
	return out
}

// IsEmpty reports whether the matrix holds no elements.
func (m *Mat) IsEmpty() bool {
	return m.R == 0 || m.C == 0
}

// FillRand fills the matrix with reproducible pseudo-random values in a small
// range around zero. The same seed always produces the same matrix.
func FillRand(m *Mat, seed int64) {
	FillRandScale(m, seed, 0.01)
}

// FillRandScale fills the matrix with reproducible pseudo-random values drawn
// uniformly from (-scale, scale).
func FillRandScale(m *Mat, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * scale
	}
}
