// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package svd maintains a truncated singular value decomposition
//
//	J ≈ Ψ·diag(σ)·Φᵀ
//
// of a square operator whose rows are distributed over several processes,
// under additive low-rank updates J ← J + A·Bᵀ.
//
// Each update factorizes [Ψ A] = Qa·Ra and [Φ B] = Qb·Rb, decomposes the small
// core K = Ra·diag(σ, I)·Rbᵀ = U·S·Vᵀ and sets Ψ = Qa·U, Φ = Qb·V, σ = S,
// dropping the modes with σᵢ < ε·σ₀. See
//
//   - M. Brand. Fast low-rank modifications of the thin singular value decomposition.
//     Linear Algebra and its Applications 415 (2006).
package svd

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/imvj/comm"
	"github.com/curioloop/imvj/linalg"
)

// columns whose orthogonal part is below this fraction of their norm are
// treated as linearly dependent
const dependencyTol = 1e-12

var ErrFactorize = errors.New("svd: core decomposition failed")

// Factorization is a distributed truncated SVD.
type Factorization struct {
	psi, phi  *linalg.Matrix
	sigma     []float64
	eps       float64
	coll      comm.Collective
	init      bool
	truncated int
}

// New creates an empty factorization for localRows rows on this process that
// truncates modes with σᵢ < eps·σ₀.
func New(coll comm.Collective, localRows int, eps float64) *Factorization {
	if coll == nil {
		coll = comm.Serial()
	}
	return &Factorization{
		psi:  linalg.New(localRows, 0),
		phi:  linalg.New(localRows, 0),
		eps:  eps,
		coll: coll,
	}
}

// Initialized reports whether at least one update or seed happened.
func (f *Factorization) Initialized() bool { return f.init }

func (f *Factorization) Psi() *linalg.Matrix { return f.psi }

func (f *Factorization) Phi() *linalg.Matrix { return f.phi }

func (f *Factorization) Sigma() []float64 { return f.sigma }

func (f *Factorization) Rank() int { return len(f.sigma) }

// Truncated returns the number of modes dropped over all updates.
func (f *Factorization) Truncated() int { return f.truncated }

func (f *Factorization) Threshold() float64 { return f.eps }

// Seed replaces the factors. psi and phi need not be orthonormal; the next
// Update reorthogonalizes them.
func (f *Factorization) Seed(psi *linalg.Matrix, sigma []float64, phi *linalg.Matrix) {
	if psi.Cols != len(sigma) || phi.Cols != len(sigma) || psi.Rows != phi.Rows {
		panic("bound check error")
	}
	f.psi, f.phi = psi.Clone(), phi.Clone()
	f.sigma = append([]float64(nil), sigma...)
	f.init = true
}

// Update folds a·bᵀ into the factorization. a and b hold the local rows of
// (n × m) matrices.
func (f *Factorization) Update(ctx context.Context, a, b *linalg.Matrix) error {
	if a.Cols != b.Cols || a.Rows != f.psi.Rows || b.Rows != f.phi.Rows {
		return fmt.Errorf("svd: update with %dx%d and %dx%d on %d rows", a.Rows, a.Cols, b.Rows, b.Cols, f.psi.Rows)
	}

	k, m := f.Rank(), a.Cols
	qa, ra, err := thinQR(ctx, f.coll, hcat(f.psi, a))
	if err != nil {
		return err
	}
	qb, rb, err := thinQR(ctx, f.coll, hcat(f.phi, b))
	if err != nil {
		return err
	}
	f.init = true

	if ra.Rows == 0 || rb.Rows == 0 {
		f.truncated += k + m
		f.psi, f.phi, f.sigma = linalg.New(a.Rows, 0), linalg.New(b.Rows, 0), nil
		return nil
	}

	// K = Ra·diag(σ, I)·Rbᵀ
	d := make([]float64, k+m)
	copy(d, f.sigma)
	for i := k; i < len(d); i++ {
		d[i] = 1
	}
	ra.ScaleCols(d)
	core := linalg.Mul(ra, rb.T())

	var dec mat.SVD
	if !dec.Factorize(mat.NewDense(core.Rows, core.Cols, core.Data), mat.SVDThin) {
		return ErrFactorize
	}
	s := dec.Values(nil)
	var u, v mat.Dense
	dec.UTo(&u)
	dec.VTo(&v)

	keep := 0
	for keep < len(s) && s[keep] > 0 && s[keep] >= f.eps*s[0] {
		keep++
	}
	f.truncated += k + m - keep

	f.psi = linalg.Mul(qa, leading(&u, keep))
	f.phi = linalg.Mul(qb, leading(&v, keep))
	f.sigma = s[:keep]
	return nil
}

func leading(d *mat.Dense, cols int) *linalg.Matrix {
	r, _ := d.Dims()
	out := linalg.New(r, cols)
	for i := 0; i < r; i++ {
		for j := 0; j < cols; j++ {
			out.Set(i, j, d.At(i, j))
		}
	}
	return out
}

func hcat(a, b *linalg.Matrix) *linalg.Matrix {
	if a.Rows != b.Rows {
		panic("bound check error")
	}
	c := linalg.New(a.Rows, a.Cols+b.Cols)
	for i := 0; i < a.Rows; i++ {
		row := c.Row(i)
		copy(row, a.Row(i))
		copy(row[a.Cols:], b.Row(i))
	}
	return c
}

// thinQR factorizes the distributed matrix x = q·r with twice-iterated
// classical Gram–Schmidt. Dependent columns add no column to q, so r is
// (rank × x.Cols) and q holds the local rows of an orthonormal basis.
func thinQR(ctx context.Context, coll comm.Collective, x *linalg.Matrix) (q, r *linalg.Matrix, err error) {
	n := x.Rows
	var basis [][]float64
	coeffs := make([][]float64, x.Cols)
	for j := range coeffs {
		v := x.Col(j, nil)
		nrm := []float64{floats.Dot(v, v), 0}
		c := make([]float64, len(basis))
		for pass := 0; pass < 2 && len(basis) > 0; pass++ {
			s := make([]float64, len(basis))
			for i, b := range basis {
				s[i] = floats.Dot(b, v)
			}
			if err = coll.AllreduceSum(ctx, s); err != nil {
				return
			}
			for i, b := range basis {
				floats.AddScaled(v, -s[i], b)
			}
			floats.Add(c, s)
		}
		nrm[1] = floats.Dot(v, v)
		if err = coll.AllreduceSum(ctx, nrm); err != nil {
			return
		}
		rho0, rho := math.Sqrt(nrm[0]), math.Sqrt(nrm[1])
		if rho > 0 && rho > dependencyTol*rho0 {
			floats.Scale(1/rho, v)
			basis = append(basis, v)
			c = append(c, rho)
		}
		coeffs[j] = c
	}

	q = linalg.New(n, len(basis))
	for i, b := range basis {
		q.SetCol(i, b)
	}
	r = linalg.New(len(basis), x.Cols)
	for j, c := range coeffs {
		for i, v := range c {
			r.Set(i, j, v)
		}
	}
	return
}
