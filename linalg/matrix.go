// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package linalg provides the dense row-major matrix used for column histories
// and distributed factors. Unlike mat.Dense it allows zero rows or zero columns,
// which happens whenever a process owns no interface vertices or a history is empty.
package linalg

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

// Matrix is a dense row-major matrix.
type Matrix struct {
	Rows, Cols int
	Data       []float64
}

// New returns a zero matrix of r rows and c columns.
func New(r, c int) *Matrix {
	if r < 0 || c < 0 {
		panic("bound check error")
	}
	return &Matrix{Rows: r, Cols: c, Data: make([]float64, r*c)}
}

// NewFrom wraps data as an r×c matrix without copying.
func NewFrom(r, c int, data []float64) *Matrix {
	if r*c != len(data) {
		panic("bound check error")
	}
	return &Matrix{Rows: r, Cols: c, Data: data}
}

// NewColumn wraps v as a len(v)×1 matrix without copying.
func NewColumn(v []float64) *Matrix {
	return &Matrix{Rows: len(v), Cols: 1, Data: v}
}

func (m *Matrix) At(i, j int) float64 { return m.Data[i*m.Cols+j] }

func (m *Matrix) Set(i, j int, v float64) { m.Data[i*m.Cols+j] = v }

// Row returns row i as a slice sharing storage with m.
func (m *Matrix) Row(i int) []float64 { return m.Data[i*m.Cols : (i+1)*m.Cols] }

// Empty reports whether m holds no entries.
func (m *Matrix) Empty() bool { return m == nil || m.Rows == 0 || m.Cols == 0 }

func (m *Matrix) Clone() *Matrix {
	if m == nil {
		return nil
	}
	c := New(m.Rows, m.Cols)
	copy(c.Data, m.Data)
	return c
}

// Reset resizes m to r×c and clears all entries.
func (m *Matrix) Reset(r, c int) {
	if cap(m.Data) >= r*c {
		m.Data = m.Data[:r*c]
		clear(m.Data)
	} else {
		m.Data = make([]float64, r*c)
	}
	m.Rows, m.Cols = r, c
}

// Col copies column j into dst, allocating when dst is too short.
func (m *Matrix) Col(j int, dst []float64) []float64 {
	if j < 0 || j >= m.Cols {
		panic("bound check error")
	}
	if len(dst) < m.Rows {
		dst = make([]float64, m.Rows)
	}
	dst = dst[:m.Rows]
	for i := range dst {
		dst[i] = m.Data[i*m.Cols+j]
	}
	return dst
}

// SetCol overwrites column j with v.
func (m *Matrix) SetCol(j int, v []float64) {
	if j < 0 || j >= m.Cols || len(v) != m.Rows {
		panic("bound check error")
	}
	for i, x := range v {
		m.Data[i*m.Cols+j] = x
	}
}

// Slice returns the sub-matrix of columns [lo, hi) as a new matrix.
func (m *Matrix) Slice(lo, hi int) *Matrix {
	if lo < 0 || hi > m.Cols || lo > hi {
		panic("bound check error")
	}
	s := New(m.Rows, hi-lo)
	for i := 0; i < m.Rows; i++ {
		copy(s.Row(i), m.Data[i*m.Cols+lo:i*m.Cols+hi])
	}
	return s
}

// RowSlice returns the sub-matrix of rows [lo, hi) sharing storage with m.
func (m *Matrix) RowSlice(lo, hi int) *Matrix {
	if lo < 0 || hi > m.Rows || lo > hi {
		panic("bound check error")
	}
	return &Matrix{Rows: hi - lo, Cols: m.Cols, Data: m.Data[lo*m.Cols : hi*m.Cols]}
}

// InsertCol inserts v as column j, shifting columns j.. to the right.
func (m *Matrix) InsertCol(j int, v []float64) {
	if j < 0 || j > m.Cols || len(v) != m.Rows {
		panic("bound check error")
	}
	c := m.Cols + 1
	data := make([]float64, m.Rows*c)
	for i := 0; i < m.Rows; i++ {
		src, dst := m.Data[i*m.Cols:(i+1)*m.Cols], data[i*c:(i+1)*c]
		copy(dst, src[:j])
		dst[j] = v[i]
		copy(dst[j+1:], src[j:])
	}
	m.Cols, m.Data = c, data
}

// AppendFront inserts v as the newest (first) column.
func (m *Matrix) AppendFront(v []float64) { m.InsertCol(0, v) }

// ShiftSetFirst drops the oldest (last) column and inserts v as the first one.
func (m *Matrix) ShiftSetFirst(v []float64) {
	if m.Cols == 0 || len(v) != m.Rows {
		panic("bound check error")
	}
	for i := 0; i < m.Rows; i++ {
		row := m.Row(i)
		copy(row[1:], row[:m.Cols-1])
		row[0] = v[i]
	}
}

// RemoveCol deletes column j, shifting columns j+1.. to the left.
func (m *Matrix) RemoveCol(j int) {
	if j < 0 || j >= m.Cols {
		panic("bound check error")
	}
	c := m.Cols - 1
	for i := 0; i < m.Rows; i++ {
		src := m.Data[i*m.Cols : (i+1)*m.Cols]
		dst := m.Data[i*c : (i+1)*c]
		copy(dst[:j], src[:j])
		copy(dst[j:], src[j+1:])
	}
	m.Cols, m.Data = c, m.Data[:m.Rows*c]
}

// T returns the transpose of m as a new matrix.
func (m *Matrix) T() *Matrix {
	t := New(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j, v := range m.Row(i) {
			t.Data[j*m.Rows+i] = v
		}
	}
	return t
}

// Scale multiplies every entry by alpha.
func (m *Matrix) Scale(alpha float64) { floats.Scale(alpha, m.Data) }

// Add sets m = m + b.
func (m *Matrix) Add(b *Matrix) { m.AddScaled(1, b) }

// Sub sets m = m - b.
func (m *Matrix) Sub(b *Matrix) { m.AddScaled(-1, b) }

// AddScaled sets m = m + alpha*b.
func (m *Matrix) AddScaled(alpha float64, b *Matrix) {
	if m.Rows != b.Rows || m.Cols != b.Cols {
		panic("bound check error")
	}
	floats.AddScaled(m.Data, alpha, b.Data)
}

// ScaleRows multiplies row i by w[i].
func (m *Matrix) ScaleRows(w []float64) {
	if len(w) != m.Rows {
		panic("bound check error")
	}
	for i, s := range w {
		floats.Scale(s, m.Row(i))
	}
}

// ScaleCols multiplies column j by w[j].
func (m *Matrix) ScaleCols(w []float64) {
	if len(w) != m.Cols {
		panic("bound check error")
	}
	for i := 0; i < m.Rows; i++ {
		floats.Mul(m.Row(i), w)
	}
}

// FrobNorm returns the Frobenius norm of m.
func (m *Matrix) FrobNorm() float64 { return floats.Norm(m.Data, 2) }

func (m *Matrix) general() blas64.General {
	return blas64.General{Rows: m.Rows, Cols: m.Cols, Stride: max(m.Cols, 1), Data: m.Data}
}

// Mul returns the product a·b.
func Mul(a, b *Matrix) *Matrix {
	c := New(a.Rows, b.Cols)
	MulTo(c, 1, a, b, 0)
	return c
}

// MulTo computes c = alpha·a·b + beta·c.
func MulTo(c *Matrix, alpha float64, a, b *Matrix, beta float64) {
	if a.Cols != b.Rows || c.Rows != a.Rows || c.Cols != b.Cols {
		panic("bound check error")
	}
	if c.Rows == 0 || c.Cols == 0 {
		return
	}
	if a.Cols == 0 {
		floats.Scale(beta, c.Data)
		return
	}
	blas64.Gemm(blas.NoTrans, blas.NoTrans, alpha, a.general(), b.general(), beta, c.general())
}

// MulVecTo computes y = alpha·a·x + beta·y.
func MulVecTo(y []float64, alpha float64, a *Matrix, x []float64, beta float64) {
	if len(x) != a.Cols || len(y) != a.Rows {
		panic("bound check error")
	}
	if a.Rows == 0 {
		return
	}
	if a.Cols == 0 {
		floats.Scale(beta, y)
		return
	}
	blas64.Gemv(blas.NoTrans, alpha, a.general(),
		blas64.Vector{N: len(x), Data: x, Inc: 1}, beta,
		blas64.Vector{N: len(y), Data: y, Inc: 1})
}

// MulVec returns a·x.
func MulVec(a *Matrix, x []float64) []float64 {
	y := make([]float64, a.Rows)
	MulVecTo(y, 1, a, x, 0)
	return y
}

// MulTVecTo computes y = alpha·aᵀ·x + beta·y.
func MulTVecTo(y []float64, alpha float64, a *Matrix, x []float64, beta float64) {
	if len(x) != a.Rows || len(y) != a.Cols {
		panic("bound check error")
	}
	if a.Cols == 0 {
		return
	}
	if a.Rows == 0 {
		floats.Scale(beta, y)
		return
	}
	blas64.Gemv(blas.Trans, alpha, a.general(),
		blas64.Vector{N: len(x), Data: x, Inc: 1}, beta,
		blas64.Vector{N: len(y), Data: y, Inc: 1})
}

// SolveUpper solves r·x = b in place for an upper triangular r.
func SolveUpper(r *Matrix, b []float64) {
	if r.Rows != r.Cols || len(b) != r.Rows {
		panic("bound check error")
	}
	if r.Rows == 0 {
		return
	}
	blas64.Trsv(blas.NoTrans, blas64.Triangular{
		Uplo: blas.Upper, Diag: blas.NonUnit, N: r.Rows, Stride: r.Cols, Data: r.Data,
	}, blas64.Vector{N: len(b), Data: b, Inc: 1})
}

// RotateRows applies the Givens rotation (c, s) to rows i and k of m, starting at column from.
func (m *Matrix) RotateRows(i, k, from int, c, s float64) {
	n := m.Cols - from
	if n <= 0 {
		return
	}
	blas64.Rot(
		blas64.Vector{N: n, Data: m.Data[i*m.Cols+from:], Inc: 1},
		blas64.Vector{N: n, Data: m.Data[k*m.Cols+from:], Inc: 1}, c, s)
}

// RotateCols applies the Givens rotation (c, s) to columns i and k of m.
func (m *Matrix) RotateCols(i, k int, c, s float64) {
	if m.Rows == 0 {
		return
	}
	blas64.Rot(
		blas64.Vector{N: m.Rows, Data: m.Data[i:], Inc: m.Cols},
		blas64.Vector{N: m.Rows, Data: m.Data[k:], Inc: m.Cols}, c, s)
}
