// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package imvj implements the inverse multi-vector Jacobian (IMVJ)
// quasi-Newton accelerator for partitioned fixed-point coupling iterations.
//
// For the residual r = x̃ - x of a fixed-point map H (x̃ = H(x)), the
// accelerator keeps the residual differences V and the output differences W
// of the current time step (and optionally of past time steps) and approximates
// the inverse Jacobian
//
//	J = J_prev + (W - J_prev·V)·(VᵀV)⁻¹Vᵀ = J_prev + Wtil·Z
//
// where J_prev is the approximation at the end of the previous time step.
// The next iterate is x̃ + J·(-r).
//
// J_prev is either a dense matrix whose rows are global and whose columns are
// the locally owned unknowns, or, when a restart type is configured, the sum of
// stored low-rank chunks Wtil^q·Z^q that is collapsed by a restart whenever too
// many chunks accumulated.
//
// The unknown vector is partitioned block-row wise over the processes of a
// ring. Every process calls the same methods in the same order.
//
// See
//
//   - R. Haelterman, A. Bogaers, K. Scheufele, B. Uekermann, M. Mehl.
//     Improving the performance of the partitioned QN-ILS procedure for
//     fluid-structure interaction problems: Filtering. Computers & Structures 171 (2016).
//   - K. Scheufele, M. Mehl. Robust multisecant Quasi-Newton variants for
//     parallel fluid-structure simulations and other multiphysics applications.
//     SIAM Journal on Scientific Computing 39 (2017).
package imvj

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/curioloop/imvj/comm"
	"github.com/curioloop/imvj/linalg"
	"github.com/curioloop/imvj/parmat"
	"github.com/curioloop/imvj/precond"
	"github.com/curioloop/imvj/qr"
	"github.com/curioloop/imvj/svd"
)

// Options binds an accelerator to its process.
type Options struct {
	// Logger receives the accelerator's records. Nil discards them.
	Logger *slog.Logger
	// Connector establishes the ring channels. Required when Size > 1.
	Connector comm.Connector
	// Rank of this process in [0, Size).
	Rank int
	// Number of cooperating processes. Zero means one.
	Size int
}

type jacobianKind int

const (
	// inv and old hold the dense approximation
	denseJacobian jacobianKind = iota
	// chunks hold the factors of the approximation
	chunkedJacobian
)

// chunk is one stored factor pair of J_prev = Σ wtil·z.
type chunk struct {
	wtil *linalg.Matrix // n_local × m
	z    *linalg.Matrix // m × n_local
}

// jacobian is the inverse Jacobian approximation in exactly one representation.
type jacobian struct {
	kind   jacobianKind
	inv    *linalg.Matrix // N × n_local, current time step
	old    *linalg.Matrix // N × n_local, previous time step
	chunks []chunk
}

// window is the column history of the least-squares restart.
type window struct {
	v, w *linalg.Matrix
	// columns contributed per time step, newest first
	cols []int
}

// Accelerator is an IMVJ quasi-Newton accelerator owned by one process.
type Accelerator struct {
	cfg    Config
	filter qr.Filter
	opts   Options
	log    *slog.Logger

	ring *comm.Ring
	ops  *parmat.Ops
	pre  precond.Preconditioner
	qr   *qr.Factorization
	svd  *svd.Factorization
	inst instruments

	secondary  []int
	subSizes   []int
	localRows  int
	globalRows int

	values, oldValues, residuals []float64
	oldResiduals, oldXTilde      []float64

	// difference histories, newest column first
	v, w *linalg.Matrix
	// columns contributed per time step, newest first
	matrixCols []int

	wtil *linalg.Matrix
	// wtil must be rebuilt from v, w and J_prev before use
	resetLS bool

	jac    jacobian
	window window

	firstIteration bool
	firstTimestep  bool

	iterations int
	timesteps  int
	restarts   int
	rankSum    int

	ready bool
}

// New validates c and returns an accelerator bound to opts. Initialize must be
// called before the first iteration.
func (c Config) New(opts Options) (*Accelerator, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	filter, _ := qr.ParseFilter(c.Filter)
	if opts.Size == 0 {
		opts.Size = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if c.RestartType == "" {
		c.RestartType = RestartNone
	}
	c.DataIDs = append([]int(nil), c.DataIDs...)
	return &Accelerator{
		cfg:    c,
		filter: filter,
		opts:   opts,
		log:    opts.Logger.With(slog.Int("rank", opts.Rank)),
	}, nil
}

// Initialize connects the ring, exchanges the partition sizes and allocates
// the histories for the coupling data in data.
func (a *Accelerator) Initialize(ctx context.Context, data DataMap) (err error) {
	ctx, span := startSpan(ctx, "imvj.Initialize")
	defer func() { endSpan(span, err) }()

	a.subSizes = a.subSizes[:0]
	n := 0
	for _, id := range a.cfg.DataIDs {
		d, ok := data[id]
		if !ok {
			return fmt.Errorf("%w: coupling data %d missing", ErrDimension, id)
		}
		if len(d.Values) != len(d.OldValues) {
			return fmt.Errorf("%w: coupling data %d has %d values and %d old values", ErrDimension, id, len(d.Values), len(d.OldValues))
		}
		a.subSizes = append(a.subSizes, len(d.Values))
		n += len(d.Values)
	}
	a.secondary = data.secondaryIDs(a.cfg.DataIDs)

	if a.ring, err = comm.ConnectRing(ctx, a.opts.Connector, a.opts.Rank, a.opts.Size); err != nil {
		return fmt.Errorf("imvj: connect ring: %w", err)
	}
	defer func() {
		if err != nil {
			a.ring.Close()
		}
	}()

	sizes, err := a.ring.Allgather(ctx, linalg.NewColumn([]float64{float64(n)}))
	if err != nil {
		return fmt.Errorf("imvj: exchange partition sizes: %w", err)
	}
	offsets := make([]int, len(sizes)+1)
	for p, s := range sizes {
		offsets[p+1] = offsets[p] + int(s.Data[0])
	}
	if a.ops, err = parmat.New(a.ring, offsets); err != nil {
		return err
	}
	a.localRows, a.globalRows = n, a.ops.GlobalRows()

	if a.pre, err = a.cfg.Preconditioner.New(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err = a.pre.Initialize(a.subSizes, a.ring); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	a.qr = qr.New(a.ring, n, a.filter, a.cfg.SingularityLimit)
	a.v, a.w, a.wtil = linalg.New(n, 0), linalg.New(n, 0), linalg.New(n, 0)
	a.matrixCols = []int{0}
	a.values = make([]float64, n)
	a.oldValues = make([]float64, n)
	a.residuals = make([]float64, n)
	a.oldResiduals = make([]float64, n)
	a.oldXTilde = make([]float64, n)

	a.jac = jacobian{kind: denseJacobian}
	if a.cfg.restart() {
		a.jac.kind = chunkedJacobian
	} else {
		// the dense form is scaled with the weights of all rows
		if err = a.pre.TriggerGlobalWeights(ctx, a.globalRows); err != nil {
			return err
		}
		a.jac.inv = linalg.New(a.globalRows, n)
		a.jac.old = linalg.New(a.globalRows, n)
	}
	switch a.cfg.RestartType {
	case RestartSVD:
		a.svd = svd.New(a.ring, n, a.cfg.RSSVDTruncationEps)
	case RestartLS:
		a.window = window{v: linalg.New(n, 0), w: linalg.New(n, 0), cols: []int{0}}
	}

	a.inst = newInstruments(a.ring.Rank())
	a.firstIteration, a.firstTimestep = true, true
	a.ready = true

	if a.ring.Rank() == 0 {
		a.log.Info("imvj initialized",
			slog.Int("processes", a.ring.Size()),
			slog.Int("unknowns", a.globalRows),
			slog.Bool("always_build_jacobian", a.cfg.AlwaysBuildJacobian),
			slog.String("restart_type", string(a.cfg.RestartType)),
			slog.Int("chunk_size", a.cfg.ChunkSize),
			slog.Int("max_iterations_used", a.cfg.MaxIterationsUsed),
			slog.Int("timesteps_reused", a.cfg.TimestepsReused),
			slog.String("filter", a.filter.String()),
			slog.String("preconditioner", a.cfg.Preconditioner.Type))
	}
	return nil
}

// Close releases the ring channels.
func (a *Accelerator) Close() error {
	if !a.ready {
		return nil
	}
	a.ready = false
	return a.ring.Close()
}

// Offsets returns the first global row of every process followed by the global dimension.
func (a *Accelerator) Offsets() []int { return a.ops.Offsets() }

// Columns returns the number of difference columns in the history.
func (a *Accelerator) Columns() int { return a.v.Cols }

// Chunks returns the number of stored Jacobian chunks.
func (a *Accelerator) Chunks() int { return len(a.jac.chunks) }

// Restarts returns the number of restarts performed.
func (a *Accelerator) Restarts() int { return a.restarts }

func (a *Accelerator) Iterations() int { return a.iterations }

func (a *Accelerator) Timesteps() int { return a.timesteps }

// SVDRank returns the rank of the truncated SVD, zero without SVD restart.
func (a *Accelerator) SVDRank() int {
	if a.svd == nil {
		return 0
	}
	return a.svd.Rank()
}

// Jacobian assembles the global rows and the local columns of the inverse
// Jacobian approximation of the last converged time step. It is a collective call.
func (a *Accelerator) Jacobian(ctx context.Context) (*linalg.Matrix, error) {
	if !a.ready {
		return nil, ErrNotInitialized
	}
	if a.jac.kind == denseJacobian {
		return a.jac.old.Clone(), nil
	}
	j := linalg.New(a.globalRows, a.localRows)
	for _, c := range a.jac.chunks {
		p, err := a.ops.MultiplyNM(ctx, c.wtil, c.z)
		if err != nil {
			return nil, err
		}
		j.Add(p)
	}
	return j, nil
}

// maintainsWtil reports whether Wtil is kept between iterations.
func (a *Accelerator) maintainsWtil() bool {
	return !a.cfg.AlwaysBuildJacobian || a.jac.kind == chunkedJacobian
}
