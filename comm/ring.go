// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/curioloop/imvj/linalg"
)

// Collective is the set of cross-process reductions used outside of the
// distributed matrix products. Every process must issue the same sequence of
// calls; a process that diverges stalls its peers.
type Collective interface {
	Rank() int
	Size() int
	// Allgather returns the blocks of all processes ordered by rank.
	Allgather(ctx context.Context, local *linalg.Matrix) ([]*linalg.Matrix, error)
	// AllreduceSum replaces v with the element-wise sum over all processes.
	AllreduceSum(ctx context.Context, v []float64) error
}

// Ring links each process to its left (rank-1) and right (rank+1) neighbor.
// A ring of size one is the serial case and never communicates.
type Ring struct {
	rank, size  int
	left, right Channel
}

// Serial returns a single-process ring.
func Serial() *Ring { return &Ring{size: 1} }

// RingChannelName names the channel from rank to its right neighbor.
func RingChannelName(rank int) string { return "cyclicComm-" + strconv.Itoa(rank) }

// ConnectRing establishes the two neighbor channels of rank. Even ranks accept
// from the left before requesting to the right, odd ranks do the opposite, so
// that no two neighbors wait on each other's request.
func ConnectRing(ctx context.Context, c Connector, rank, size int) (r *Ring, err error) {
	switch {
	case size <= 0:
		return nil, errors.New("comm: ring size must be positive")
	case rank < 0 || rank >= size:
		return nil, fmt.Errorf("comm: rank %d out of range [0,%d)", rank, size)
	case size > 1 && c == nil:
		return nil, errors.New("comm: connector is required for more than one process")
	}

	r = &Ring{rank: rank, size: size}
	if size == 1 {
		return
	}

	prev := (rank - 1 + size) % size
	acceptLeft := func() (err error) {
		r.left, err = c.Accept(ctx, RingChannelName(prev))
		return
	}
	requestRight := func() (err error) {
		r.right, err = c.Request(ctx, RingChannelName(rank))
		return
	}

	if rank%2 == 0 {
		if err = acceptLeft(); err == nil {
			err = requestRight()
		}
	} else {
		if err = requestRight(); err == nil {
			err = acceptLeft()
		}
	}
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return
}

func (r *Ring) Rank() int { return r.rank }

func (r *Ring) Size() int { return r.size }

// Close tears the channels down in the order they were opened.
func (r *Ring) Close() error {
	closeCh := func(ch *Channel) error {
		if *ch == nil {
			return nil
		}
		err := (*ch).Close()
		*ch = nil
		return err
	}
	if r.rank%2 == 0 {
		return errors.Join(closeCh(&r.left), closeCh(&r.right))
	}
	return errors.Join(closeCh(&r.right), closeCh(&r.left))
}

// Shift sends m to the right neighbor and returns the block received from the
// left one. Both directions progress concurrently, so a full ring of Shift
// calls cannot deadlock on synchronous transports.
func (r *Ring) Shift(ctx context.Context, m *linalg.Matrix) (*linalg.Matrix, error) {
	if r.size == 1 {
		return m, nil
	}
	if r.left == nil || r.right == nil {
		return nil, ErrClosed
	}
	var in *linalg.Matrix
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.right.Send(gctx, m) })
	g.Go(func() (err error) {
		in, err = r.left.Receive(gctx)
		return
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return in, nil
}

func (r *Ring) Allgather(ctx context.Context, local *linalg.Matrix) ([]*linalg.Matrix, error) {
	blocks := make([]*linalg.Matrix, r.size)
	blocks[r.rank] = local
	cur := local
	for k := 0; k < r.size-1; k++ {
		var err error
		if cur, err = r.Shift(ctx, cur); err != nil {
			return nil, err
		}
		blocks[(r.rank-k-1+r.size)%r.size] = cur
	}
	return blocks, nil
}

// AllreduceSum sums in rank order, so every process obtains bit-identical results.
func (r *Ring) AllreduceSum(ctx context.Context, v []float64) error {
	if r.size == 1 {
		return nil
	}
	blocks, err := r.Allgather(ctx, linalg.NewColumn(append([]float64(nil), v...)))
	if err != nil {
		return err
	}
	clear(v)
	for s, b := range blocks {
		if b.Rows != len(v) {
			return fmt.Errorf("comm: allreduce: rank %d sent %d entries, want %d", s, b.Rows, len(v))
		}
		for i, x := range b.Data {
			v[i] += x
		}
	}
	return nil
}

// ReduceScatter returns Σ_s partial_s(rank), where process s contributes
// partial(c) for every destination rank c. partial is evaluated lazily, one
// destination per ring step.
func (r *Ring) ReduceScatter(ctx context.Context, partial func(c int) *linalg.Matrix) (*linalg.Matrix, error) {
	p := r.size
	acc := partial((r.rank - 1 + p) % p)
	for k := 0; k < p-1; k++ {
		x, err := r.Shift(ctx, acc)
		if err != nil {
			return nil, err
		}
		own := partial((r.rank - k - 2 + 2*p) % p)
		if x.Rows != own.Rows || x.Cols != own.Cols {
			return nil, fmt.Errorf("comm: reduce-scatter: block %dx%d does not match %dx%d", x.Rows, x.Cols, own.Rows, own.Cols)
		}
		own.Add(x)
		acc = own
	}
	return acc, nil
}
