// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package coupling drives an IMVJ accelerator on a synthetic partitioned
// fixed-point problem. Every rank runs in its own goroutine; the iterate is
// exchanged over a second ring standing in for the coupled solvers.
package coupling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/imvj/comm"
	"github.com/curioloop/imvj/imvj"
	"github.com/curioloop/imvj/linalg"
	"github.com/curioloop/imvj/numdiff"
)

// ErrDiverged is returned when a time step does not converge within the iteration limit.
var ErrDiverged = errors.New("coupling: time step did not converge")

// Problem is the affine fixed-point map H_t(x) = A·x + (1 + Drift·t)·B.
type Problem struct {
	A     *linalg.Matrix
	B     []float64
	Drift float64
}

// NewProblem returns a reproducible problem of dimension n whose matrix is a
// random perturbation of norm noise around shift·I.
func NewProblem(n int, shift, noise float64, seed uint64) *Problem {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	a := linalg.New(n, n)
	for i := range a.Data {
		a.Data[i] = rng.NormFloat64()
	}
	if f := a.FrobNorm(); f > 0 {
		a.Scale(noise / f)
	}
	for i := 0; i < n; i++ {
		a.Set(i, i, a.At(i, i)+shift)
	}
	b := make([]float64, n)
	for i := range b {
		b[i] = 1 + rng.Float64()
	}
	return &Problem{A: a, B: b, Drift: 0.1}
}

func (p *Problem) N() int { return p.A.Rows }

// Map evaluates rows [lo, hi) of H_t at the global iterate x into y.
func (p *Problem) Map(t int, x []float64, lo, hi int, y []float64) {
	s := 1 + p.Drift*float64(t)
	for i := lo; i < hi; i++ {
		y[i-lo] = floats.Dot(p.A.Row(i), x) + s*p.B[i]
	}
}

// Solution returns the fixed point of H_t.
func (p *Problem) Solution(t int) ([]float64, error) {
	n := p.N()
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := -p.A.At(i, j)
			if i == j {
				v++
			}
			m.Set(i, j, v)
		}
	}
	rhs := mat.NewVecDense(n, nil)
	s := 1 + p.Drift*float64(t)
	for i, b := range p.B {
		rhs.SetVec(i, s*b)
	}
	var x mat.VecDense
	if err := x.SolveVec(m, rhs); err != nil {
		return nil, err
	}
	return x.RawVector().Data, nil
}

// Partition splits n rows over size ranks as evenly as possible and returns the offsets.
func Partition(n, size int) []int {
	off := make([]int, size+1)
	for r := 0; r < size; r++ {
		off[r+1] = off[r] + n/size
		if r < n%size {
			off[r+1]++
		}
	}
	return off
}

// Options configures a run.
type Options struct {
	Config        imvj.Config
	Offsets       []int
	Timesteps     int
	MaxIterations int
	// Relative residual ‖H(x) - x‖ / ‖H(x)‖ at which a time step converged.
	Tol    float64
	Logger *slog.Logger
	// Estimate the inverse Jacobian dx̃/dr by finite differences and compare
	// the accelerator's approximation with it after the last time step.
	JacobianError bool
}

// Stats is the outcome of a run as seen by rank 0.
type Stats struct {
	Iterations    []int     // per time step
	Residuals     []float64 // relative residual of every iteration
	Restarts      int
	Columns       int
	Chunks        int
	SVDRank       int
	SolutionError float64 // relative error of the last iterate
	JacobianError float64 // relative Frobenius error, NaN when not requested
}

// Run executes the coupled iteration on len(opts.Offsets)-1 ranks. accel and
// solver establish the rings of the accelerator and of the solver exchange.
func Run(ctx context.Context, p *Problem, opts Options, accel, solver comm.Connector) (*Stats, error) {
	size := len(opts.Offsets) - 1
	if size < 1 || opts.Offsets[size] != p.N() {
		return nil, fmt.Errorf("coupling: offsets %v do not partition %d rows", opts.Offsets, p.N())
	}
	stats := make([]*Stats, size)
	g, gctx := errgroup.WithContext(ctx)
	for r := range size {
		g.Go(func() (err error) {
			stats[r], err = runRank(gctx, p, opts, r, accel, solver)
			if err != nil {
				err = fmt.Errorf("rank %d: %w", r, err)
			}
			return
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats[0], nil
}

func runRank(ctx context.Context, p *Problem, opts Options, rank int, accel, solver comm.Connector) (*Stats, error) {
	size := len(opts.Offsets) - 1
	lo, hi := opts.Offsets[rank], opts.Offsets[rank+1]
	n := hi - lo

	ring, err := comm.ConnectRing(ctx, solver, rank, size)
	if err != nil {
		return nil, err
	}
	defer ring.Close()

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	acc, err := opts.Config.New(imvj.Options{Logger: logger, Connector: accel, Rank: rank, Size: size})
	if err != nil {
		return nil, err
	}
	id := opts.Config.DataIDs[0]
	data := imvj.DataMap{id: {Values: make([]float64, n), OldValues: make([]float64, n)}}
	if err = acc.Initialize(ctx, data); err != nil {
		return nil, err
	}
	defer acc.Close()

	stats := &Stats{JacobianError: math.NaN()}
	x := make([]float64, n)
	for t := 0; t < opts.Timesteps; t++ {
		iters := 0
		for {
			iters++
			global, err := gather(ctx, ring, x)
			if err != nil {
				return nil, err
			}
			copy(data[id].OldValues, x)
			p.Map(t, global, lo, hi, data[id].Values)

			res, err := relativeResidual(ctx, ring, data[id].Values, x)
			if err != nil {
				return nil, err
			}
			stats.Residuals = append(stats.Residuals, res)
			if res < opts.Tol {
				if err = acc.IterationsConverged(ctx, data); err != nil {
					return nil, err
				}
				copy(x, data[id].Values)
				break
			}
			if iters >= opts.MaxIterations {
				return nil, fmt.Errorf("%w: time step %d, residual %g", ErrDiverged, t, res)
			}
			if err = acc.PerformAcceleration(ctx, data); err != nil {
				return nil, err
			}
			copy(x, data[id].Values)
		}
		stats.Iterations = append(stats.Iterations, iters)
		if rank == 0 {
			logger.Debug("time step converged", slog.Int("timestep", t), slog.Int("iterations", iters))
		}
	}

	if stats.SolutionError, err = solutionError(ctx, ring, p, opts.Timesteps-1, x); err != nil {
		return nil, err
	}
	if opts.JacobianError {
		if stats.JacobianError, err = jacobianError(ctx, ring, acc, p); err != nil {
			return nil, err
		}
	}
	stats.Restarts, stats.Columns, stats.Chunks, stats.SVDRank = acc.Restarts(), acc.Columns(), acc.Chunks(), acc.SVDRank()
	return stats, nil
}

// gather returns the global iterate.
func gather(ctx context.Context, ring *comm.Ring, x []float64) ([]float64, error) {
	blocks, err := ring.Allgather(ctx, linalg.NewColumn(x))
	if err != nil {
		return nil, err
	}
	var global []float64
	for _, b := range blocks {
		global = append(global, b.Data...)
	}
	return global, nil
}

func relativeResidual(ctx context.Context, ring *comm.Ring, xt, x []float64) (float64, error) {
	s := []float64{0, floats.Dot(xt, xt)}
	for i := range x {
		d := xt[i] - x[i]
		s[0] += d * d
	}
	if err := ring.AllreduceSum(ctx, s); err != nil {
		return 0, err
	}
	if s[1] == 0 {
		return math.Sqrt(s[0]), nil
	}
	return math.Sqrt(s[0] / s[1]), nil
}

func solutionError(ctx context.Context, ring *comm.Ring, p *Problem, t int, x []float64) (float64, error) {
	global, err := gather(ctx, ring, x)
	if err != nil {
		return 0, err
	}
	want, err := p.Solution(t)
	if err != nil {
		return 0, err
	}
	return floats.Distance(global, want, 2) / floats.Norm(want, 2), nil
}

// jacobianError compares the accelerator's inverse Jacobian with a finite
// difference estimate of dx̃/dr.
func jacobianError(ctx context.Context, ring *comm.Ring, acc *imvj.Accelerator, p *Problem) (float64, error) {
	local, err := acc.Jacobian(ctx)
	if err != nil {
		return 0, err
	}
	// local holds all rows and the local columns; move the columns into rows to gather them
	blocks, err := ring.Allgather(ctx, local.T())
	if err != nil {
		return 0, err
	}
	n := p.N()
	jt := linalg.New(0, n)
	for _, b := range blocks {
		jt.Data = append(jt.Data, b.Data...)
		jt.Rows += b.Rows
	}
	if jt.Rows != n {
		return 0, fmt.Errorf("coupling: gathered %d Jacobian columns, want %d", jt.Rows, n)
	}
	j := jt.T()

	spec := numdiff.Spec{N: n, Map: func(x, y []float64) { p.Map(0, x, 0, n, y) }, Method: numdiff.Central}
	a := linalg.New(n, n)
	if err = spec.Jacobian(make([]float64, n), a); err != nil {
		return 0, err
	}
	want, err := numdiff.ResidualInverse(a)
	if err != nil {
		return 0, err
	}
	diff := j.Clone()
	diff.Sub(want)
	return diff.FrobNorm() / want.FrobNorm(), nil
}
