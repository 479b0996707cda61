// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imvj

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/curioloop/imvj/precond"
)

// onTimestepConverged commits the Jacobian of the converged time step: a new
// chunk (Wtil, Z) followed by a restart once more than ChunkSize chunks are
// stored, or the dense J = J_prev + Wtil·Z.
func (a *Accelerator) onTimestepConverged(ctx context.Context) error {
	if a.cfg.RestartType == RestartLS {
		a.trimWindow()
	}

	if err := a.commit(ctx); err != nil {
		return err
	}
	if a.jac.kind == denseJacobian {
		a.jac.old = a.jac.inv.Clone()
	}
	return nil
}

func (a *Accelerator) commit(ctx context.Context) error {
	chunked := a.jac.kind == chunkedJacobian
	if chunked && a.resetLS {
		if err := a.buildWtil(ctx); err != nil {
			return err
		}
	}

	a.pre.Apply(a.v, precond.Local)
	defer a.pre.Revert(a.v, precond.Local)
	if err := a.refreshQR(ctx); err != nil {
		return err
	}
	if err := a.applyFilter(ctx); err != nil {
		return err
	}
	// J_prev changes, so Wtil is rebuilt in the next time step
	defer func() { a.resetLS = true }()

	if !chunked {
		a.pre.Apply(a.w, precond.Local)
		a.pre.Apply(a.wtil, precond.Local)
		a.scaleDense(a.jac.old)
		err := a.buildJacobian(ctx)
		a.unscaleDense(a.jac.old)
		a.pre.Revert(a.wtil, precond.Local)
		a.pre.Revert(a.w, precond.Local)
		if err != nil {
			return err
		}
		a.unscaleDense(a.jac.inv)
		return nil
	}

	z, err := a.pseudoInverse()
	if err != nil {
		return err
	}
	// Z of the scaled V maps scaled residuals
	a.pre.Apply(z, precond.Transposed)
	if z.Rows > 0 {
		if a.wtil.Cols != z.Rows {
			return fmt.Errorf("%w: Wtil has %d columns, Z has %d rows", ErrChunkMismatch, a.wtil.Cols, z.Rows)
		}
		a.jac.chunks = append(a.jac.chunks, chunk{wtil: a.wtil.Clone(), z: z})
	}
	a.inst.chunks.Set(float64(len(a.jac.chunks)))

	if len(a.jac.chunks) > a.cfg.ChunkSize {
		if err = a.restart(ctx); err != nil {
			return err
		}
		a.inst.chunks.Set(float64(len(a.jac.chunks)))
		a.log.Debug("restart done", slog.Int("chunks", len(a.jac.chunks)), slog.Int("restarts", a.restarts))
	}
	return nil
}
