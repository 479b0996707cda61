// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package parmat multiplies dense matrices whose rows (or columns) are
// distributed block-wise over the processes of a ring.
//
// Process p owns the rows [Offsets[p], Offsets[p+1]) of every distributed
// vector. The global dimension is Offsets[len(Offsets)-1].
package parmat

import (
	"context"
	"fmt"

	"github.com/curioloop/imvj/comm"
	"github.com/curioloop/imvj/linalg"
)

// Ops runs distributed products over a ring.
type Ops struct {
	ring    *comm.Ring
	offsets []int
}

// New binds ring and the row offsets of the partition. len(offsets) must be ring.Size()+1.
func New(ring *comm.Ring, offsets []int) (*Ops, error) {
	if len(offsets) != ring.Size()+1 || offsets[0] != 0 {
		return nil, fmt.Errorf("parmat: %d offsets for %d processes", len(offsets), ring.Size())
	}
	for p := 1; p < len(offsets); p++ {
		if offsets[p] < offsets[p-1] {
			return nil, fmt.Errorf("parmat: offsets not monotone at %d", p)
		}
	}
	return &Ops{ring: ring, offsets: offsets}, nil
}

func (o *Ops) Ring() *comm.Ring { return o.ring }

// Offsets returns the partition offsets.
func (o *Ops) Offsets() []int { return o.offsets }

// GlobalRows returns the global dimension.
func (o *Ops) GlobalRows() int { return o.offsets[len(o.offsets)-1] }

// LocalRows returns the number of rows owned by this process.
func (o *Ops) LocalRows() int {
	r := o.ring.Rank()
	return o.offsets[r+1] - o.offsets[r]
}

// Multiply computes a·b where the inner dimension is distributed: a is
// (p × n_local), b is (n_local × q). The (p × q) result is replicated on every process.
func (o *Ops) Multiply(ctx context.Context, a, b *linalg.Matrix) (*linalg.Matrix, error) {
	if a.Cols != b.Rows {
		return nil, fmt.Errorf("parmat: multiply %dx%d by %dx%d", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	c := linalg.Mul(a, b)
	if err := o.ring.AllreduceSum(ctx, c.Data); err != nil {
		return nil, err
	}
	return c, nil
}

// MultiplyVec is Multiply for a single right-hand side vector.
func (o *Ops) MultiplyVec(ctx context.Context, a *linalg.Matrix, x []float64) ([]float64, error) {
	if a.Cols != len(x) {
		return nil, fmt.Errorf("parmat: multiply %dx%d by vector of %d", a.Rows, a.Cols, len(x))
	}
	y := linalg.MulVec(a, x)
	if err := o.ring.AllreduceSum(ctx, y); err != nil {
		return nil, err
	}
	return y, nil
}

// MultiplyNN computes j·v where j holds all global rows and the local columns
// of an (n × n) operator, and v holds the local rows of an (n × q) matrix.
// The result holds the local rows of the (n × q) product.
func (o *Ops) MultiplyNN(ctx context.Context, j, v *linalg.Matrix) (*linalg.Matrix, error) {
	if j.Rows != o.GlobalRows() || j.Cols != v.Rows || v.Rows != o.LocalRows() {
		return nil, fmt.Errorf("parmat: multiplyNN %dx%d by %dx%d with %d global rows", j.Rows, j.Cols, v.Rows, v.Cols, o.GlobalRows())
	}
	return o.ring.ReduceScatter(ctx, func(c int) *linalg.Matrix {
		return linalg.Mul(j.RowSlice(o.offsets[c], o.offsets[c+1]), v)
	})
}

// MultiplyNNVec is MultiplyNN for a single right-hand side vector.
func (o *Ops) MultiplyNNVec(ctx context.Context, j *linalg.Matrix, x []float64) ([]float64, error) {
	y, err := o.MultiplyNN(ctx, j, linalg.NewColumn(x))
	if err != nil {
		return nil, err
	}
	return y.Data, nil
}

// MultiplyNM computes w·z where w holds the local rows of an (n × m) matrix and
// z the local columns of an (m × n) matrix. The result holds all global rows and
// the local columns of the (n × n) product.
func (o *Ops) MultiplyNM(ctx context.Context, w, z *linalg.Matrix) (*linalg.Matrix, error) {
	if w.Cols != z.Rows || w.Rows != o.LocalRows() || z.Cols != o.LocalRows() {
		return nil, fmt.Errorf("parmat: multiplyNM %dx%d by %dx%d", w.Rows, w.Cols, z.Rows, z.Cols)
	}
	blocks, err := o.ring.Allgather(ctx, w)
	if err != nil {
		return nil, err
	}
	out := linalg.New(o.GlobalRows(), z.Cols)
	for p, b := range blocks {
		rows := out.RowSlice(o.offsets[p], o.offsets[p+1])
		if b.Rows != rows.Rows || b.Cols != z.Rows {
			return nil, fmt.Errorf("parmat: multiplyNM block of rank %d is %dx%d", p, b.Rows, b.Cols)
		}
		linalg.MulTo(rows, 1, b, z, 0)
	}
	return out, nil
}
