// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imvj

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/floats"

	"github.com/curioloop/imvj/linalg"
	"github.com/curioloop/imvj/precond"
)

// computeUpdate computes Δx = J·(-r) for the scaled residual. J_prev and Wtil
// are scaled for the computation and unscaled on return.
func (a *Accelerator) computeUpdate(ctx context.Context, xUpdate []float64) (err error) {
	mode := "efficient"
	if a.cfg.AlwaysBuildJacobian {
		mode = "full"
	}
	defer observeUpdate(mode, time.Now())

	a.scaleJacobian(ctx, true)
	defer a.scaleJacobian(ctx, false)

	if a.cfg.AlwaysBuildJacobian {
		err = a.newtonUpdate(ctx, xUpdate)
	} else {
		err = a.newtonUpdateEfficient(ctx, xUpdate)
	}
	if err != nil {
		return err
	}
	a.pre.RevertVector(xUpdate)
	return nil
}

// newtonUpdate assembles J = J_prev + Wtil·Z and applies it to -r.
func (a *Accelerator) newtonUpdate(ctx context.Context, xUpdate []float64) error {
	if err := a.buildJacobian(ctx); err != nil {
		return err
	}
	neg := make([]float64, a.localRows)
	floats.ScaleTo(neg, -1, a.residuals)
	dx, err := a.ops.MultiplyNNVec(ctx, a.jac.inv, neg)
	if err != nil {
		return err
	}
	copy(xUpdate, dx)
	// J was built in the scaled space
	a.unscaleDense(a.jac.inv)
	return nil
}

// newtonUpdateEfficient computes Δx = J_prev·(-r) + Wtil·(Z·(-r)) without assembling J.
func (a *Accelerator) newtonUpdateEfficient(ctx context.Context, xUpdate []float64) (err error) {
	z, err := a.pseudoInverse()
	if err != nil {
		return err
	}
	if a.resetLS {
		if err = a.buildWtil(ctx); err != nil {
			return err
		}
	}
	if a.wtil.Cols != z.Rows {
		return fmt.Errorf("%w: Wtil has %d columns, Z has %d rows", ErrDimension, a.wtil.Cols, z.Rows)
	}

	neg := make([]float64, a.localRows)
	floats.ScaleTo(neg, -1, a.residuals)

	sctx, span := startSpan(ctx, "compute r_til = Z*(-res)")
	rt, err := a.ops.MultiplyVec(sctx, z, neg)
	endSpan(span, err)
	if err != nil {
		return err
	}

	sctx, span = startSpan(ctx, "compute xUp(1) = J_prev*(-res)")
	dx, err := a.jacobianAction(sctx, neg)
	endSpan(span, err)
	if err != nil {
		return err
	}

	linalg.MulVecTo(dx, 1, a.wtil, rt, 1)
	copy(xUpdate, dx)
	return nil
}

// buildJacobian computes J = J_prev + Wtil·Z into the dense inverse Jacobian.
func (a *Accelerator) buildJacobian(ctx context.Context) (err error) {
	if a.jac.kind != denseJacobian {
		panic("bound check error")
	}
	z, err := a.pseudoInverse()
	if err != nil {
		return err
	}
	if err = a.buildWtil(ctx); err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "compute J = W_til*Z", attribute.Int("columns", z.Rows))
	defer func() { endSpan(span, err) }()
	inv, err := a.ops.MultiplyNM(ctx, a.wtil, z)
	if err != nil {
		return err
	}
	inv.Add(a.jac.old)
	a.jac.inv = inv
	return nil
}

// buildWtil recomputes Wtil = W - J_prev·V.
func (a *Accelerator) buildWtil(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, "compute W_til = (W - J_prev*V)", attribute.Int("columns", a.v.Cols))
	defer func() { endSpan(span, err) }()

	jv, err := a.jacobianProduct(ctx, a.v)
	if err != nil {
		return err
	}
	wtil := a.w.Clone()
	wtil.Sub(jv)
	a.wtil = wtil
	a.resetLS = false
	return nil
}

// jacobianAction returns J_prev·x for the local rows x of a distributed vector.
func (a *Accelerator) jacobianAction(ctx context.Context, x []float64) ([]float64, error) {
	if a.jac.kind == denseJacobian {
		return a.ops.MultiplyNNVec(ctx, a.jac.old, x)
	}
	y := make([]float64, a.localRows)
	for q, c := range a.jac.chunks {
		if c.wtil.Cols != c.z.Rows {
			return nil, fmt.Errorf("%w: chunk %d is %dx%d times %dx%d", ErrChunkMismatch, q, c.wtil.Rows, c.wtil.Cols, c.z.Rows, c.z.Cols)
		}
		zx, err := a.ops.MultiplyVec(ctx, c.z, x)
		if err != nil {
			return nil, err
		}
		linalg.MulVecTo(y, 1, c.wtil, zx, 1)
	}
	return y, nil
}

// jacobianProduct returns J_prev·m for the local rows m of a distributed matrix.
func (a *Accelerator) jacobianProduct(ctx context.Context, m *linalg.Matrix) (*linalg.Matrix, error) {
	if a.jac.kind == denseJacobian {
		return a.ops.MultiplyNN(ctx, a.jac.old, m)
	}
	y := linalg.New(a.localRows, m.Cols)
	for q, c := range a.jac.chunks {
		if c.wtil.Cols != c.z.Rows {
			return nil, fmt.Errorf("%w: chunk %d is %dx%d times %dx%d", ErrChunkMismatch, q, c.wtil.Rows, c.wtil.Cols, c.z.Rows, c.z.Cols)
		}
		zm, err := a.ops.Multiply(ctx, c.z, m)
		if err != nil {
			return nil, err
		}
		linalg.MulTo(y, 1, c.wtil, zm, 1)
	}
	return y, nil
}

// pseudoInverse returns Z = (VᵀV)⁻¹Vᵀ from the QR factorization of the scaled V.
func (a *Accelerator) pseudoInverse() (*linalg.Matrix, error) {
	if a.localRows == 0 && a.qr.Rows() != 0 {
		panic(fmt.Sprintf("imvj: process without unknowns holds a QR factor with %d rows", a.qr.Rows()))
	}
	if a.qr.Cols() != a.v.Cols {
		panic(fmt.Sprintf("imvj: QR factor has %d columns, least-squares system has %d", a.qr.Cols(), a.v.Cols))
	}
	z := linalg.New(a.qr.Cols(), a.qr.Rows())
	if err := a.qr.PseudoInverse(z); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDimension, err)
	}
	return z, nil
}

// scaleJacobian moves Wtil and J_prev into (apply) or out of the weighted
// space. Wtil' = P·Wtil, J' = P·J·P⁻¹ for the dense form and
// Wtil^q' = P·Wtil^q, Z^q' = Z^q·P⁻¹ for every chunk.
func (a *Accelerator) scaleJacobian(ctx context.Context, apply bool) {
	_, span := startSpan(ctx, "preconditioning of J", attribute.Bool("apply", apply))
	defer span.End()

	a.scaleRows(a.wtil, apply)
	switch a.jac.kind {
	case denseJacobian:
		if apply {
			a.scaleDense(a.jac.old)
		} else {
			a.unscaleDense(a.jac.old)
		}
	case chunkedJacobian:
		for _, c := range a.jac.chunks {
			a.scaleChunk(c, apply)
		}
	}
}

func (a *Accelerator) scaleRows(m *linalg.Matrix, apply bool) {
	if apply {
		a.pre.Apply(m, precond.Local)
	} else {
		a.pre.Revert(m, precond.Local)
	}
}

func (a *Accelerator) scaleChunk(c chunk, apply bool) {
	if apply {
		a.pre.Apply(c.wtil, precond.Local)
		a.pre.Revert(c.z, precond.Transposed)
	} else {
		a.pre.Revert(c.wtil, precond.Local)
		a.pre.Apply(c.z, precond.Transposed)
	}
}

// scaleDense sets J' = P·J·P⁻¹ for a matrix with global rows and local columns.
func (a *Accelerator) scaleDense(j *linalg.Matrix) {
	a.pre.Apply(j, precond.Global)
	a.pre.Revert(j, precond.Transposed)
}

func (a *Accelerator) unscaleDense(j *linalg.Matrix) {
	a.pre.Revert(j, precond.Global)
	a.pre.Apply(j, precond.Transposed)
}
