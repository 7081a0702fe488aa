package tensor

import "github.com/chewxy/math32"

// Add adds src to dst element-wise. Both slices must have the same length.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// MaxAbs returns the largest absolute value in the matrix, or 0 if empty.
func MaxAbs(m *Mat) float32 {
	var maxAbs float32
	for _, v := range m.Data {
		if a := math32.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	return maxAbs
}

// ColSums returns the per-column sums of m as a slice of length C.
func ColSums(m *Mat) []float32 {
	sums := make([]float32, m.C)
	for i := 0; i < m.R; i++ {
		Add(sums, m.Row(i))
	}
	return sums
}

// GatherCols returns a new R-by-len(cols) matrix holding the selected columns
// of m, in the order given.
func GatherCols(m *Mat, cols []int) Mat {
	out := NewMat(m.R, len(cols))
	for i := 0; i < m.R; i++ {
		src := m.Row(i)
		dst := out.Row(i)
		for j, c := range cols {
			dst[j] = src[c]
		}
	}
	return out
}

// GatherRows returns a new len(rows)-by-C matrix holding the selected rows of
// m, in the order given.
func GatherRows(m *Mat, rows []int) Mat {
	out := NewMat(len(rows), m.C)
	for i, r := range rows {
		copy(out.Row(i), m.Row(r))
	}
	return out
}

// ScatterAddRows adds row i of src into row rows[i] of dst.
// src must have len(rows) rows and dst.C columns.
func ScatterAddRows(dst *Mat, rows []int, src *Mat) {
	if src.R != len(rows) || src.C != dst.C {
		panic("tensor: scatter shape mismatch")
	}
	for i, r := range rows {
		Add(dst.Row(r), src.Row(i))
	}
}

// ZeroCols clears the given columns of m in place.
func ZeroCols(m *Mat, cols []int) {
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for _, c := range cols {
			row[c] = 0
		}
	}
}
