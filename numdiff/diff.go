// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package numdiff estimates the Jacobian of a fixed-point map x̃ = H(x) by
// finite differences, and derives from it the inverse Jacobian dx̃/dr of the
// residual r = H(x) - x that a multi-secant accelerator approximates.
//
// # Reference:
//
//   - https://en.wikipedia.org/wiki/Finite_difference
//   - https://github.com/scipy/scipy/blob/main/scipy/optimize/_numdiff.py
package numdiff

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/imvj/linalg"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
var cubeEps = math.Pow(math.Nextafter(1, 2)-1, float64(1)/3)

var ErrSingular = errors.New("numdiff: residual Jacobian is singular")

type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use the second order accuracy central difference.
	Central
)

// Spec describes a fixed-point map and the difference scheme used on it.
type Spec struct {
	// Dimension of x and H(x).
	N int
	// Map evaluates y = H(x). It must not retain x or y.
	Map func(x, y []float64)
	// Finite difference method to use.
	Method Method
	// Relative step size. The default absolute step is
	// h = eps * sign(x0) * max(1, abs(x0)) with eps chosen by the method,
	// otherwise h = RelStep * sign(x0) * abs(x0).
	RelStep float64
	// Absolute step size. RelStep is used when AbsStep is zero.
	AbsStep float64

	f0, f1, f2 []float64
	step       []float64
}

// check validates the spec against x0 and jac and sizes the workspace.
func (s *Spec) check(x0 []float64, jac *linalg.Matrix) (err error) {
	switch {
	case s.N <= 0:
		err = errors.New("numdiff: non-positive dimension")
	case s.Method != Forward && s.Method != Central:
		err = errors.New("numdiff: unknown method")
	case s.Map == nil:
		err = errors.New("numdiff: map is required")
	case len(x0) != s.N:
		err = errors.New("numdiff: invalid x0 dimension")
	case jac.Rows != s.N || jac.Cols != s.N:
		err = errors.New("numdiff: invalid jacobian dimension")
	}
	if err != nil {
		return
	}
	if len(s.f0) != s.N {
		s.f0 = make([]float64, s.N)
		s.f1 = make([]float64, s.N)
		s.f2 = make([]float64, s.N)
		s.step = make([]float64, s.N)
	}
	return
}

// Jacobian writes ∂H/∂x at x0 into jac, an N×N matrix. x0 is restored on return.
func (s *Spec) Jacobian(x0 []float64, jac *linalg.Matrix) error {
	if err := s.check(x0, jac); err != nil {
		return err
	}
	s.steps(x0)
	if s.Method == Central {
		s.central(x0, jac)
	} else {
		s.forward(x0, jac)
	}
	return nil
}

func (s *Spec) steps(x0 []float64) {
	eps := sqrtEps
	if s.Method == Central {
		eps = cubeEps
	}
	for i, v := range x0 {
		h := s.AbsStep
		if h == 0 && s.RelStep != 0 {
			h = math.Copysign(s.RelStep, v) * math.Abs(v)
		}
		if h == 0 || (v+h)-v == 0 {
			h = math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
		}
		if s.Method == Central {
			h = math.Abs(h)
		}
		s.step[i] = h
	}
}

func (s *Spec) forward(x0 []float64, jac *linalg.Matrix) {
	s.Map(x0, s.f0)
	for i, h := range s.step {
		t := x0[i]
		x0[i] = t + h
		s.Map(x0, s.f1)
		x0[i] = t
		d := 1 / h
		for j, f := range s.f0 {
			jac.Set(j, i, (s.f1[j]-f)*d)
		}
	}
}

func (s *Spec) central(x0 []float64, jac *linalg.Matrix) {
	for i, h := range s.step {
		t := x0[i]
		x0[i] = t - h
		s.Map(x0, s.f1)
		x0[i] = t + h
		s.Map(x0, s.f2)
		x0[i] = t
		d := 1 / (2 * h)
		for j := range s.f1 {
			jac.Set(j, i, (s.f2[j]-s.f1[j])*d)
		}
	}
}

// ResidualInverse returns dx̃/dr = A·(A - I)⁻¹ for the Jacobian A = ∂H/∂x.
// It is the operator J with Δx̃ = J·Δr near the point A was taken at.
func ResidualInverse(a *linalg.Matrix) (*linalg.Matrix, error) {
	n := a.Rows
	if a.Cols != n {
		return nil, errors.New("numdiff: jacobian is not square")
	}
	// Jᵀ solves (A - I)ᵀ·Jᵀ = Aᵀ
	ami := mat.NewDense(n, n, nil)
	at := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := a.At(i, j)
			at.Set(j, i, v)
			if i == j {
				v--
			}
			ami.Set(j, i, v)
		}
	}
	var jt mat.Dense
	if err := jt.Solve(ami, at); err != nil {
		return nil, ErrSingular
	}
	out := linalg.New(n, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.Set(i, j, jt.At(j, i))
		}
	}
	return out, nil
}
