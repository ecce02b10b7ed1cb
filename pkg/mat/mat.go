// Package mat implements the dense matrix type and reverse-mode automatic
// differentiation used by the dialogue policy's neural layers.
//
// A [Mat] holds weights and, for trainable parameters, a gradient buffer of
// the same shape. Operations are performed through a [Graph], which records
// a backward closure for every op so that calling [Graph.Backward] after the
// forward pass accumulates gradients in reverse order.
//
// The package is intentionally small: it implements exactly the operations
// the transformer encoder and the dot-product loss need, nothing more.
// All math is float64 and single-threaded; batching is the caller's concern.
package mat

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Mat is a dense row-major matrix of shape Rows × Cols.
//
// W holds the values (w[r*Cols+c]); DW holds the accumulated gradients and
// always has the same length as W.
type Mat struct {
	Rows int
	Cols int
	W    []float64
	DW   []float64
}

// New creates a zero-filled matrix of the given shape.
func New(rows, cols int) *Mat {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("mat: invalid shape %dx%d", rows, cols))
	}
	return &Mat{
		Rows: rows,
		Cols: cols,
		W:    make([]float64, rows*cols),
		DW:   make([]float64, rows*cols),
	}
}

// NewGaussian creates a matrix with entries drawn from N(mu, stddev²)
// using the given RNG.
func NewGaussian(rows, cols int, mu, stddev float64, rng *rand.Rand) *Mat {
	m := New(rows, cols)
	for i := range m.W {
		m.W[i] = rng.NormFloat64()*stddev + mu
	}
	return m
}

// NewXavier creates a matrix initialized with Xavier/Glorot scaling,
// suitable for dense layer weights of shape in × out.
func NewXavier(rows, cols int, rng *rand.Rand) *Mat {
	stddev := math.Sqrt(2.0 / float64(rows+cols))
	return NewGaussian(rows, cols, 0, stddev, rng)
}

// FromSlice creates a rows×cols matrix copying values from data
// (row-major). len(data) must equal rows*cols.
func FromSlice(rows, cols int, data []float64) *Mat {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("mat: FromSlice got %d values for %dx%d", len(data), rows, cols))
	}
	m := New(rows, cols)
	copy(m.W, data)
	return m
}

// FromRows creates a matrix whose rows are copies of the given slices.
// All rows must have equal length.
func FromRows(rows [][]float64) *Mat {
	if len(rows) == 0 {
		return New(0, 0)
	}
	cols := len(rows[0])
	m := New(len(rows), cols)
	for r, row := range rows {
		if len(row) != cols {
			panic(fmt.Sprintf("mat: FromRows ragged input at row %d", r))
		}
		copy(m.W[r*cols:(r+1)*cols], row)
	}
	return m
}

// At returns the value at (r, c).
func (m *Mat) At(r, c int) float64 {
	m.check(r, c)
	return m.W[r*m.Cols+c]
}

// Set stores v at (r, c).
func (m *Mat) Set(r, c int, v float64) {
	m.check(r, c)
	m.W[r*m.Cols+c] = v
}

func (m *Mat) check(r, c int) {
	if r < 0 || r >= m.Rows || c < 0 || c >= m.Cols {
		panic(fmt.Sprintf("mat: index (%d,%d) out of range for %dx%d", r, c, m.Rows, m.Cols))
	}
}

// Row returns a copy of row r.
func (m *Mat) Row(r int) []float64 {
	out := make([]float64, m.Cols)
	copy(out, m.W[r*m.Cols:(r+1)*m.Cols])
	return out
}

// Clone returns a deep copy of the matrix values. Gradients are not copied.
func (m *Mat) Clone() *Mat {
	out := New(m.Rows, m.Cols)
	copy(out.W, m.W)
	return out
}

// ZeroGrad resets the gradient buffer to zero.
func (m *Mat) ZeroGrad() {
	for i := range m.DW {
		m.DW[i] = 0
	}
}

// sameShape panics unless a and b have identical shapes.
func sameShape(op string, a, b *Mat) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		panic(fmt.Sprintf("mat: %s shape mismatch %dx%d vs %dx%d", op, a.Rows, a.Cols, b.Rows, b.Cols))
	}
}
