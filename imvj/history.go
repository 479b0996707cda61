// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imvj

import (
	"context"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/floats"

	"github.com/curioloop/imvj/precond"
	"github.com/curioloop/imvj/qr"
)

// PerformAcceleration computes the next iterate from the solver output
// data[id].Values and the iteration input data[id].OldValues, and writes it
// into data[id].Values.
func (a *Accelerator) PerformAcceleration(ctx context.Context, data DataMap) (err error) {
	if !a.ready {
		return ErrNotInitialized
	}
	ctx, span := startSpan(ctx, "imvj.PerformAcceleration",
		attribute.Int("rank", a.ring.Rank()), attribute.Int("iteration", a.iterations))
	defer func() { endSpan(span, err) }()

	if err = a.concatenate(data); err != nil {
		return
	}
	if err = a.updateDifferenceMatrices(ctx); err != nil {
		return
	}

	omega := a.cfg.InitialRelaxation
	if a.firstIteration && (a.firstTimestep || a.cfg.ForceInitialRelaxation) {
		data.relax(a.cfg.DataIDs, omega)
		data.relax(a.secondary, omega)
		a.log.Debug("constant relaxation", slog.Int("timestep", a.timesteps), slog.Float64("omega", omega))
	} else {
		if err = a.pre.Update(ctx, false, a.values, a.residuals); err != nil {
			return
		}
		xUpdate := make([]float64, a.localRows)
		if err = a.accelerate(ctx, xUpdate); err != nil {
			return
		}
		// x = x̃ + Δx
		for i := range a.values {
			a.values[i] = a.oldValues[i] + a.residuals[i] + xUpdate[i]
		}
		data.split(a.cfg.DataIDs, a.values)
		data.relax(a.secondary, omega)

		// The columns of the previous time step served this first iteration.
		if a.firstIteration && a.cfg.TimestepsReused == 0 && !a.cfg.ForceInitialRelaxation {
			a.clearHistory()
		}
		a.log.Debug("quasi-Newton update",
			slog.Int("timestep", a.timesteps), slog.Int("columns", a.v.Cols), slog.Float64("update_norm", floats.Norm(xUpdate, 2)))
	}

	a.firstIteration = false
	a.iterations++
	a.inst.iterations.Inc()
	a.inst.wtil.Set(float64(a.wtil.Cols))
	return nil
}

// accelerate scales the least-squares system, refreshes and filters its QR
// factorization and computes the update Δx.
func (a *Accelerator) accelerate(ctx context.Context, xUpdate []float64) error {
	a.pre.ApplyVector(a.residuals)
	a.pre.Apply(a.v, precond.Local)
	a.pre.Apply(a.w, precond.Local)
	defer func() {
		a.pre.Revert(a.w, precond.Local)
		a.pre.Revert(a.v, precond.Local)
		a.pre.RevertVector(a.residuals)
	}()

	if err := a.refreshQR(ctx); err != nil {
		return err
	}
	if err := a.applyFilter(ctx); err != nil {
		return err
	}
	return a.computeUpdate(ctx, xUpdate)
}

// IterationsConverged adds the last difference columns, commits the Jacobian
// of the converged time step and evicts the history of old time steps.
func (a *Accelerator) IterationsConverged(ctx context.Context, data DataMap) (err error) {
	if !a.ready {
		return ErrNotInitialized
	}
	ctx, span := startSpan(ctx, "imvj.IterationsConverged",
		attribute.Int("rank", a.ring.Rank()), attribute.Int("timestep", a.timesteps))
	defer func() { endSpan(span, err) }()

	if err = a.concatenate(data); err != nil {
		return
	}
	if err = a.updateDifferenceMatrices(ctx); err != nil {
		return
	}
	if len(a.matrixCols) > 0 && a.matrixCols[0] == 0 {
		a.matrixCols = a.matrixCols[1:]
	}

	if err = a.onTimestepConverged(ctx); err != nil {
		return
	}
	if err = a.pre.Update(ctx, true, a.values, a.residuals); err != nil {
		return
	}

	switch {
	case a.cfg.TimestepsReused == 0:
		// otherwise cleared after the first iteration of the next time step
		if a.cfg.ForceInitialRelaxation {
			a.clearHistory()
			a.matrixCols = a.matrixCols[:0]
		}
	case len(a.matrixCols) > a.cfg.TimestepsReused:
		for range a.matrixCols[len(a.matrixCols)-1] {
			if a.filter != qr.QR2 {
				a.qr.PopBack()
			}
			a.removeHistoryColumn(a.v.Cols - 1)
		}
	}
	a.matrixCols = append([]int{0}, a.matrixCols...)

	a.firstIteration, a.firstTimestep = true, false
	a.timesteps++
	a.inst.timesteps.Inc()
	a.inst.wtil.Set(float64(a.wtil.Cols))
	a.inst.chunks.Set(float64(len(a.jac.chunks)))
	return nil
}

// updateDifferenceMatrices adds the newest residual and output differences to
// the history and extends Wtil = W - J_prev·V by its newest column.
func (a *Accelerator) updateDifferenceMatrices(ctx context.Context) error {
	added, shifted, err := a.updateHistory(ctx)
	if err != nil || !added {
		return err
	}

	if a.cfg.RestartType == RestartLS && a.window.cols[0] < a.cfg.RSLSColumnsPerTimestep {
		a.window.v.AppendFront(a.v.Col(0, nil))
		a.window.w.AppendFront(a.w.Col(0, nil))
		a.window.cols[0]++
	}

	if !a.maintainsWtil() || a.resetLS {
		return nil
	}
	want := a.v.Cols - 1
	if shifted {
		want = a.v.Cols
	}
	if a.wtil.Cols != want {
		a.resetLS = true
		return nil
	}

	col, err := a.jacobianAction(ctx, a.v.Col(0, nil))
	if err != nil {
		return err
	}
	floats.SubTo(col, a.w.Col(0, nil), col)
	if shifted {
		a.wtil.ShiftSetFirst(col)
	} else {
		a.wtil.AppendFront(col)
	}
	return nil
}

// updateHistory inserts Δr = r - r_prev and Δx̃ = x̃ - x̃_prev as the newest
// columns of V and W. Once the column limit is reached the oldest column is dropped.
func (a *Accelerator) updateHistory(ctx context.Context) (added, shifted bool, err error) {
	defer func() {
		copy(a.oldResiduals, a.residuals)
		copy(a.oldXTilde, a.values)
	}()
	if a.firstIteration {
		return
	}

	dr := make([]float64, a.localRows)
	dx := make([]float64, a.localRows)
	floats.SubTo(dr, a.residuals, a.oldResiduals)
	floats.SubTo(dx, a.values, a.oldXTilde)

	nrm, err := a.norm(ctx, dr)
	if err != nil {
		return
	}
	if nrm == 0 {
		a.log.Warn("residual difference vanished, column skipped", slog.Int("timestep", a.timesteps))
		return
	}

	scaled := append([]float64(nil), dr...)
	a.pre.ApplyVector(scaled)
	maintainQR := a.filter != qr.QR2

	if cols := a.v.Cols; cols < a.cfg.MaxIterationsUsed && cols < a.globalRows {
		a.v.AppendFront(dr)
		a.w.AppendFront(dx)
		if maintainQR {
			if _, err = a.qr.PushFront(ctx, scaled); err != nil {
				return
			}
		}
		a.matrixCols[0]++
		return true, false, nil
	}

	a.v.ShiftSetFirst(dr)
	a.w.ShiftSetFirst(dx)
	if maintainQR {
		if _, err = a.qr.PushFront(ctx, scaled); err != nil {
			return
		}
		a.qr.PopBack()
	}
	a.matrixCols[0]++
	last := len(a.matrixCols) - 1
	if a.matrixCols[last]--; a.matrixCols[last] == 0 {
		a.matrixCols = a.matrixCols[:last]
	}
	return true, true, nil
}

// refreshQR refactorizes the scaled V when the weights changed.
func (a *Accelerator) refreshQR(ctx context.Context) error {
	if !a.pre.RequireNewQR() {
		return nil
	}
	if a.filter != qr.QR2 {
		if _, err := a.qr.Reset(ctx, a.v); err != nil {
			return err
		}
	}
	a.pre.NewQRFulfilled()
	return nil
}

// applyFilter removes the columns the QR filter flags as nearly linearly
// dependent. V must be scaled.
func (a *Accelerator) applyFilter(ctx context.Context) error {
	if a.filter == qr.NoFilter {
		return nil
	}
	deleted, err := a.qr.ApplyFilter(ctx, a.v)
	if err != nil {
		return err
	}
	for _, j := range deleted {
		a.removeHistoryColumn(j)
	}
	if len(deleted) > 0 {
		a.inst.filtered.Add(float64(len(deleted)))
		a.log.Debug("columns filtered", slog.Any("indices", deleted), slog.Int("remaining", a.v.Cols))
	}
	return nil
}

// removeHistoryColumn deletes column j of V, W and Wtil. The QR factorization
// is left to the caller.
func (a *Accelerator) removeHistoryColumn(j int) {
	if a.maintainsWtil() && !a.resetLS && j < a.wtil.Cols {
		a.wtil.RemoveCol(j)
	}
	a.v.RemoveCol(j)
	a.w.RemoveCol(j)
	a.matrixCols = decrementCount(a.matrixCols, j)
}

// clearHistory drops every difference column.
func (a *Accelerator) clearHistory() {
	a.v.Reset(a.localRows, 0)
	a.w.Reset(a.localRows, 0)
	a.wtil.Reset(a.localRows, 0)
	a.qr.Clear()
	a.matrixCols = append(a.matrixCols[:0], 0)
	a.resetLS = true
}

// decrementCount removes column j from the per time step counts. The count of
// the current time step stays in front even when it drops to zero.
func decrementCount(counts []int, j int) []int {
	cols := 0
	for i := range counts {
		cols += counts[i]
		if cols > j {
			if counts[i]--; counts[i] == 0 && i > 0 {
				counts = append(counts[:i], counts[i+1:]...)
			}
			break
		}
	}
	return counts
}

// concatenate gathers the accelerated data and computes the residual.
func (a *Accelerator) concatenate(data DataMap) error {
	if err := data.concatenate(a.cfg.DataIDs, a.values, a.oldValues); err != nil {
		return err
	}
	floats.SubTo(a.residuals, a.values, a.oldValues)
	return nil
}

// norm returns the global 2-norm of the distributed vector v.
func (a *Accelerator) norm(ctx context.Context, v []float64) (float64, error) {
	s := []float64{floats.Dot(v, v)}
	if err := a.ring.AllreduceSum(ctx, s); err != nil {
		return 0, err
	}
	return math.Sqrt(s[0]), nil
}
