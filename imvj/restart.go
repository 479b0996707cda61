// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imvj

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/curioloop/imvj/linalg"
	"github.com/curioloop/imvj/precond"
	"github.com/curioloop/imvj/qr"
)

// restart collapses the stored chunks. The chunks are scaled for the restart
// and the remaining ones are unscaled on return.
func (a *Accelerator) restart(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, "restart",
		attribute.String("type", string(a.cfg.RestartType)), attribute.Int("chunks", len(a.jac.chunks)))
	defer func() { endSpan(span, err) }()

	for _, c := range a.jac.chunks {
		a.scaleChunk(c, true)
	}
	defer func() {
		for _, c := range a.jac.chunks {
			a.scaleChunk(c, false)
		}
	}()

	switch a.cfg.RestartType {
	case RestartSVD:
		err = a.restartSVD(ctx)
	case RestartLS:
		err = a.restartLS(ctx)
	case RestartZero:
		a.jac.chunks = nil
		if a.ring.Rank() == 0 {
			a.log.Info("zero restart", slog.Int("restart", a.restarts+1), slog.Int("timestep", a.timesteps))
		}
	default:
		err = fmt.Errorf("%w: %q", ErrRestartType, a.cfg.RestartType)
	}
	if err != nil {
		return err
	}

	a.restarts++
	restartsTotal.WithLabelValues(string(a.cfg.RestartType)).Inc()
	return nil
}

// restartSVD folds the chunks into the truncated SVD and replaces them with
// the single chunk (Ψ, Σ·Φᵀ).
func (a *Accelerator) restartSVD(ctx context.Context) error {
	chunks := a.jac.chunks
	rankBefore, truncBefore := a.svd.Rank(), a.svd.Truncated()

	q := 0
	if a.svd.Initialized() && len(chunks) > 0 {
		// Chunk 0 is the factorization of the previous restart. Seed from it so
		// that weight changes since then are accounted for.
		sigma := a.svd.Sigma()
		if c := chunks[0]; c.wtil.Cols == len(sigma) {
			phi := c.z.T()
			inv := make([]float64, len(sigma))
			for i, s := range sigma {
				if s > 0 {
					inv[i] = 1 / s
				}
			}
			phi.ScaleCols(inv)
			a.svd.Seed(c.wtil, sigma, phi)
			q = 1
		}
	}
	for ; q < len(chunks); q++ {
		if err := a.svd.Update(ctx, chunks[q].wtil, chunks[q].z.T()); err != nil {
			return fmt.Errorf("imvj: svd restart: %w", err)
		}
	}

	rank := a.svd.Rank()
	phiT := a.svd.Phi().T()
	phiT.ScaleRows(a.svd.Sigma())
	a.jac.chunks = []chunk{{wtil: a.svd.Psi().Clone(), z: phiT}}

	a.rankSum += rank
	a.inst.rank.Set(float64(rank))
	if a.ring.Rank() == 0 {
		storage := 0.
		if a.globalRows > 0 {
			storage = 100 * 2 * float64(rank) / float64(a.globalRows)
		}
		a.log.Info("svd restart",
			slog.Int("restart", a.restarts+1),
			slog.Int("timestep", a.timesteps),
			slog.Int("rank", rank),
			slog.Int("rank_before", rankBefore),
			slog.Int("new_modes", rank-rankBefore),
			slog.Int("truncated_modes", a.svd.Truncated()-truncBefore),
			slog.Float64("average_rank", float64(a.rankSum)/float64(a.restarts+1)),
			slog.Float64("storage_percent", storage),
			slog.Float64("truncation_eps", a.svd.Threshold()))
	}
	return nil
}

// restartLS fits the Jacobian to the columns of the restart window and
// replaces the chunks with the single chunk (W_window, Z_window).
func (a *Accelerator) restartLS(ctx context.Context) error {
	a.jac.chunks = nil
	win := &a.window
	if win.v.Cols == 0 {
		if a.ring.Rank() == 0 {
			a.log.Info("ls restart with empty window", slog.Int("restart", a.restarts+1))
		}
		return nil
	}

	// keep the system over-determined
	for win.v.Cols > 1 && 2*win.v.Cols >= a.globalRows {
		a.removeWindowColumn(win.v.Cols - 1)
	}

	a.pre.Apply(win.v, precond.Local)
	a.pre.Apply(win.w, precond.Local)
	defer func() {
		a.pre.Revert(win.w, precond.Local)
		a.pre.Revert(win.v, precond.Local)
	}()

	f := qr.New(a.ring, a.localRows, a.filter, a.cfg.SingularityLimit)
	if a.filter != qr.QR2 {
		col := make([]float64, a.localRows)
		for j := 0; j < win.v.Cols; j++ {
			if _, err := f.PushBack(ctx, win.v.Col(j, col)); err != nil {
				return err
			}
		}
	}
	deleted, err := f.ApplyFilter(ctx, win.v)
	if err != nil {
		return err
	}
	for _, j := range deleted {
		a.removeWindowColumn(j)
	}
	if f.Cols() != win.v.Cols {
		panic(fmt.Sprintf("imvj: QR factor has %d columns, restart window has %d", f.Cols(), win.v.Cols))
	}

	if f.Cols() > 0 {
		z := linalg.New(f.Cols(), f.Rows())
		if err = f.PseudoInverse(z); err != nil {
			return fmt.Errorf("%w: %w", ErrDimension, err)
		}
		a.jac.chunks = []chunk{{wtil: win.w.Clone(), z: z}}
	}

	if a.ring.Rank() == 0 {
		a.log.Info("ls restart",
			slog.Int("restart", a.restarts+1),
			slog.Int("timestep", a.timesteps),
			slog.Int("columns", win.v.Cols),
			slog.Int("filtered", len(deleted)),
			slog.Any("columns_per_timestep", win.cols))
	}
	return nil
}

// trimWindow evicts the oldest time step from the restart window once it
// spans more than RSLSReusedTimesteps time steps, and opens the count of the next one.
func (a *Accelerator) trimWindow() {
	win := &a.window
	if len(win.cols) > 0 && win.cols[0] == 0 {
		win.cols = win.cols[1:]
	}
	switch r := a.cfg.RSLSReusedTimesteps; {
	case r == 0:
		win.v.Reset(a.localRows, 0)
		win.w.Reset(a.localRows, 0)
		win.cols = win.cols[:0]
	case len(win.cols) > r:
		last := len(win.cols) - 1
		for range win.cols[last] {
			win.v.RemoveCol(win.v.Cols - 1)
			win.w.RemoveCol(win.w.Cols - 1)
		}
		win.cols = win.cols[:last]
	}
	win.cols = append([]int{0}, win.cols...)
}

func (a *Accelerator) removeWindowColumn(j int) {
	a.window.v.RemoveCol(j)
	a.window.w.RemoveCol(j)
	a.window.cols = decrementCount(a.window.cols, j)
}
