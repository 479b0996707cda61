// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package qr maintains a thin QR factorization V = Q·R of a tall matrix whose
// rows are distributed over several processes, under column insertion and
// deletion at arbitrary positions.
//
// Q keeps only the local rows, R is small and replicated. Insertion
// orthogonalizes against Q with iterated classical Gram–Schmidt and restores the
// triangular shape of R with Givens rotations, see
//
//   - Daniel, Gragg, Kaufman, Stewart. Reorthogonalization and stable algorithms for
//     updating the Gram–Schmidt QR factorization. Math. Comp. 30 (1976).
//   - Golub, Van Loan. Matrix Computations, §6.5 (updating matrix factorizations).
package qr

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/curioloop/imvj/comm"
	"github.com/curioloop/imvj/linalg"
)

// Filter selects how nearly linearly dependent columns are removed.
type Filter int

const (
	// NoFilter keeps every column.
	NoFilter Filter = iota
	// QR1 drops column i when |Rᵢᵢ| < limit·‖R‖_F.
	QR1
	// QR1Abs drops column i when |Rᵢᵢ| < limit.
	QR1Abs
	// QR2 rejects a column on insertion when its orthogonal part is shorter
	// than limit times its norm.
	QR2
)

func (f Filter) String() string {
	switch f {
	case NoFilter:
		return "none"
	case QR1:
		return "qr1"
	case QR1Abs:
		return "qr1-abs"
	case QR2:
		return "qr2"
	}
	return fmt.Sprintf("Filter(%d)", int(f))
}

// ParseFilter maps a configuration name to a Filter.
func ParseFilter(s string) (Filter, error) {
	switch s {
	case "", "none":
		return NoFilter, nil
	case "qr1":
		return QR1, nil
	case "qr1-abs":
		return QR1Abs, nil
	case "qr2":
		return QR2, nil
	}
	return NoFilter, fmt.Errorf("qr: unknown filter %q", s)
}

const (
	// reorthogonalize while the orthogonal part shrinks below this fraction
	omega   = 0.7
	maxOrth = 4
)

var errDimension = errors.New("qr: column length does not match local rows")

// Factorization is a distributed thin QR factorization.
type Factorization struct {
	q, r   *linalg.Matrix
	coll   comm.Collective
	filter Filter
	limit  float64
}

// New creates an empty factorization of a matrix with localRows rows on this process.
func New(coll comm.Collective, localRows int, filter Filter, limit float64) *Factorization {
	if coll == nil {
		coll = comm.Serial()
	}
	return &Factorization{
		q:      linalg.New(localRows, 0),
		r:      linalg.New(0, 0),
		coll:   coll,
		filter: filter,
		limit:  limit,
	}
}

// Q returns the local rows of Q. The matrix is owned by the factorization.
func (f *Factorization) Q() *linalg.Matrix { return f.q }

// R returns the replicated upper triangular factor. The matrix is owned by the factorization.
func (f *Factorization) R() *linalg.Matrix { return f.r }

func (f *Factorization) Rows() int { return f.q.Rows }

func (f *Factorization) Cols() int { return f.r.Cols }

func (f *Factorization) Filter() Filter { return f.filter }

// Clear drops every column.
func (f *Factorization) Clear() {
	f.q.Reset(f.q.Rows, 0)
	f.r.Reset(0, 0)
}

// Reset refactorizes v from scratch. Under QR2 the columns rejected on insertion
// are returned; each index is relative to v after the previous ones were removed.
func (f *Factorization) Reset(ctx context.Context, v *linalg.Matrix) (rejected []int, err error) {
	f.q.Reset(v.Rows, 0)
	f.r.Reset(0, 0)
	col := make([]float64, v.Rows)
	for j := 0; j < v.Cols; j++ {
		ok, err := f.Insert(ctx, f.Cols(), v.Col(j, col))
		if err != nil {
			return nil, err
		}
		if !ok {
			rejected = append(rejected, j-len(rejected))
		}
	}
	return
}

// PushFront inserts v as the first column.
func (f *Factorization) PushFront(ctx context.Context, v []float64) (bool, error) {
	return f.Insert(ctx, 0, v)
}

// PushBack inserts v as the last column.
func (f *Factorization) PushBack(ctx context.Context, v []float64) (bool, error) {
	return f.Insert(ctx, f.Cols(), v)
}

// PopFront removes the first column.
func (f *Factorization) PopFront() { f.DeleteColumn(0) }

// PopBack removes the last column.
func (f *Factorization) PopBack() { f.DeleteColumn(f.Cols() - 1) }

// Insert inserts v as column k. It reports false when QR2 rejects v, in which
// case the factorization is unchanged.
func (f *Factorization) Insert(ctx context.Context, k int, v []float64) (bool, error) {
	m := f.Cols()
	if k < 0 || k > m {
		panic("bound check error")
	}
	if len(v) != f.Rows() {
		return false, errDimension
	}

	q := append([]float64(nil), v...)
	u, rho, rho0, err := f.orthogonalize(ctx, q)
	if err != nil {
		return false, err
	}
	if f.filter == QR2 && (rho0 == 0 || rho < f.limit*rho0) {
		return false, nil
	}
	if rho > 0 {
		floats.Scale(1/rho, q)
	} else {
		clear(q)
	}

	// Q ← [Q q], R ← [R[:, :k] [u; ρ] R[:, k:]] padded with a zero last row.
	f.q.InsertCol(m, q)
	r := linalg.New(m+1, m+1)
	for i := 0; i < m; i++ {
		row := f.r.Row(i)
		dst := r.Row(i)
		copy(dst[:k], row[:k])
		dst[k] = u[i]
		copy(dst[k+1:], row[k:])
	}
	r.Set(m, k, rho)
	f.r = r

	// Zero column k below the diagonal from the bottom up.
	for i := m; i > k; i-- {
		c, s := givens(r.At(i-1, k), r.At(i, k))
		r.RotateRows(i-1, i, k, c, s)
		r.Set(i, k, 0)
		f.q.RotateCols(i-1, i, c, s)
	}
	return true, nil
}

// orthogonalize replaces v with its component orthogonal to Q and returns the
// coefficients u = Qᵀv, the remaining norm and the original norm.
func (f *Factorization) orthogonalize(ctx context.Context, v []float64) (u []float64, rho, rho0 float64, err error) {
	m := f.Cols()
	if rho0, err = f.norm(ctx, v); err != nil {
		return
	}
	u = make([]float64, m)
	rho = rho0
	s := make([]float64, m)
	for it := 0; it < maxOrth && m > 0; it++ {
		linalg.MulTVecTo(s, 1, f.q, v, 0)
		if err = f.coll.AllreduceSum(ctx, s); err != nil {
			return
		}
		linalg.MulVecTo(v, -1, f.q, s, 1)
		floats.Add(u, s)
		prev := rho
		if rho, err = f.norm(ctx, v); err != nil {
			return
		}
		if rho > omega*prev {
			break
		}
	}
	return
}

func (f *Factorization) norm(ctx context.Context, v []float64) (float64, error) {
	s := []float64{floats.Dot(v, v)}
	if err := f.coll.AllreduceSum(ctx, s); err != nil {
		return 0, err
	}
	return math.Sqrt(s[0]), nil
}

// DeleteColumn removes column k and restores the triangular shape of R.
func (f *Factorization) DeleteColumn(k int) {
	m := f.Cols()
	if k < 0 || k >= m {
		panic("bound check error")
	}
	r := f.r
	r.RemoveCol(k)
	// R is now (m × m-1) upper Hessenberg from column k on.
	for j := k; j < m-1; j++ {
		c, s := givens(r.At(j, j), r.At(j+1, j))
		r.RotateRows(j, j+1, j, c, s)
		r.Set(j+1, j, 0)
		f.q.RotateCols(j, j+1, c, s)
	}
	r.Data = r.Data[:(m-1)*(m-1)]
	r.Rows = m - 1
	f.q.RemoveCol(m - 1)
}

// ApplyFilter removes nearly linearly dependent columns and returns their
// indices; each index is relative to the matrix after the previous ones were
// removed. v is the matrix being factorized, used by QR2 to refactorize.
func (f *Factorization) ApplyFilter(ctx context.Context, v *linalg.Matrix) ([]int, error) {
	switch f.filter {
	case NoFilter:
		return nil, nil
	case QR2:
		return f.Reset(ctx, v)
	case QR1, QR1Abs:
	default:
		return nil, fmt.Errorf("qr: unknown filter %v", f.filter)
	}

	var deleted []int
	for dependent := true; dependent && f.Cols() > 1; {
		dependent = false
		tol := f.limit
		if f.filter == QR1 {
			tol *= f.r.FrobNorm()
		}
		var del []int
		for i := 0; i < f.Cols(); i++ {
			if math.Abs(f.r.At(i, i)) < tol {
				del = append(del, i)
			}
		}
		// Keep at least one column.
		if len(del) == f.Cols() {
			del = del[1:]
		}
		for i := len(del) - 1; i >= 0; i-- {
			f.DeleteColumn(del[i])
			deleted = append(deleted, del[i])
			dependent = true
		}
	}
	return deleted, nil
}

func givens(a, b float64) (c, s float64) {
	if b == 0 {
		return 1, 0
	}
	h := math.Hypot(a, b)
	return a / h, b / h
}

// PseudoInverse writes (VᵀV)⁻¹Vᵀ = R⁻¹Qᵀ into z, which must be (Cols × Rows).
// Column i of z solves R·y = Qᵀeᵢ for the local row i of Q.
func (f *Factorization) PseudoInverse(z *linalg.Matrix) error {
	if z.Rows != f.Cols() || z.Cols != f.Rows() {
		return fmt.Errorf("qr: pseudo-inverse target %dx%d, want %dx%d", z.Rows, z.Cols, f.Cols(), f.Rows())
	}
	y := make([]float64, f.Cols())
	for i := 0; i < f.Rows(); i++ {
		copy(y, f.q.Row(i))
		linalg.SolveUpper(f.r, y)
		z.SetCol(i, y)
	}
	return nil
}
