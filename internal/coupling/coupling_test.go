// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coupling

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/curioloop/imvj/comm"
	"github.com/curioloop/imvj/imvj"
	"github.com/curioloop/imvj/precond"
)

func TestPartition(t *testing.T) {
	require.Equal(t, []int{0, 4, 7, 10}, Partition(10, 3))
	require.Equal(t, []int{0, 1, 2, 2}, Partition(2, 3))
	require.Equal(t, []int{0, 5}, Partition(5, 1))
}

func TestProblemSolution(t *testing.T) {
	p := NewProblem(6, 0.5, 0.3, 1)
	x, err := p.Solution(2)
	require.NoError(t, err)
	y := make([]float64, 6)
	p.Map(2, x, 0, 6, y)
	require.InDeltaSlice(t, x, y, 1e-12)
}

func runOptions(cfg imvj.Config, offsets []int) Options {
	return Options{
		Config:        cfg,
		Offsets:       offsets,
		Timesteps:     6,
		MaxIterations: 60,
		Tol:           1e-9,
	}
}

func run(t *testing.T, p *Problem, opts Options) *Stats {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), time.Minute)
	defer cancel()
	stats, err := Run(ctx, p, opts, comm.NewLocalNetwork(), comm.NewLocalNetwork())
	require.NoError(t, err)
	require.Len(t, stats.Iterations, opts.Timesteps)
	require.Less(t, stats.SolutionError, 1e-6)
	return stats
}

func TestConvergence(t *testing.T) {
	p := NewProblem(12, 0.5, 0.4, 7)
	for _, tc := range []struct {
		restart imvj.RestartType
		full    bool
		reused  int
	}{
		{restart: imvj.RestartNone},
		{restart: imvj.RestartNone, full: true},
		{restart: imvj.RestartNone, reused: 2},
		{restart: imvj.RestartZero},
		{restart: imvj.RestartSVD},
		{restart: imvj.RestartLS},
	} {
		for _, sizes := range [][]int{{12}, {5, 7}, {4, 0, 8}} {
			t.Run(fmt.Sprintf("%s/full=%t/reused=%d/%v", tc.restart, tc.full, tc.reused, sizes), func(t *testing.T) {
				cfg := imvj.DefaultConfig()
				cfg.RestartType = tc.restart
				cfg.AlwaysBuildJacobian = tc.full
				cfg.TimestepsReused = tc.reused
				cfg.ChunkSize = 2
				offsets := []int{0}
				for _, s := range sizes {
					offsets = append(offsets, offsets[len(offsets)-1]+s)
				}
				stats := run(t, p, runOptions(cfg, offsets))
				if tc.restart != imvj.RestartNone {
					require.Positive(t, stats.Restarts)
					require.LessOrEqual(t, stats.Chunks, cfg.ChunkSize)
				}
			})
		}
	}
}

// The iterates do not depend on how the unknowns are distributed.
func TestPartitionInvariance(t *testing.T) {
	p := NewProblem(10, 0.5, 0.4, 3)
	cfg := imvj.DefaultConfig()
	cfg.RestartType = imvj.RestartSVD
	cfg.ChunkSize = 1

	serial := run(t, p, runOptions(cfg, Partition(10, 1)))
	parallel := run(t, p, runOptions(cfg, []int{0, 3, 3, 10}))
	require.Equal(t, serial.Iterations, parallel.Iterations)
	require.Len(t, parallel.Residuals, len(serial.Residuals))
	for i, r := range serial.Residuals {
		require.InDelta(t, r, parallel.Residuals[i], 1e-9+1e-6*r)
	}
}

// Reusing the Jacobian of past time steps speeds up the later ones.
func TestJacobianReuse(t *testing.T) {
	p := NewProblem(10, 0.5, 0.4, 11)
	cfg := imvj.DefaultConfig()
	cfg.Filter = "none"
	cfg.Preconditioner = precond.Config{Type: "constant", Factors: []float64{1}}
	opts := runOptions(cfg, Partition(10, 2))
	opts.JacobianError = true

	stats := run(t, p, opts)
	last := stats.Iterations[len(stats.Iterations)-1]
	require.LessOrEqual(t, last, stats.Iterations[0])
	require.False(t, math.IsNaN(stats.JacobianError))
	require.Less(t, stats.JacobianError, 1.)
}

func TestTCPRing(t *testing.T) {
	if testing.Short() {
		t.Skip("opens local sockets")
	}
	p := NewProblem(8, 0.5, 0.3, 5)
	cfg := imvj.DefaultConfig()
	cfg.RestartType = imvj.RestartLS
	cfg.ChunkSize = 2
	opts := runOptions(cfg, Partition(8, 3))
	opts.Timesteps = 3

	ctx, cancel := context.WithTimeout(t.Context(), time.Minute)
	defer cancel()
	accel := &comm.TCPConnector{Dir: t.TempDir()}
	solver := &comm.TCPConnector{Dir: t.TempDir()}
	stats, err := Run(ctx, p, opts, accel, solver)
	require.NoError(t, err)
	require.Less(t, stats.SolutionError, 1e-6)
}

func TestDiverged(t *testing.T) {
	p := NewProblem(6, 0.5, 0.3, 9)
	opts := runOptions(imvj.DefaultConfig(), Partition(6, 1))
	opts.MaxIterations = 2
	_, err := Run(t.Context(), p, opts, nil, nil)
	require.ErrorIs(t, err, ErrDiverged)

	opts.Offsets = []int{0, 5}
	_, err = Run(t.Context(), p, opts, nil, nil)
	require.Error(t, err)
}
