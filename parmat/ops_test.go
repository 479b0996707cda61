// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package parmat

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/curioloop/imvj/comm"
	"github.com/curioloop/imvj/linalg"
)

func random(rng *rand.Rand, r, c int) *linalg.Matrix {
	m := linalg.New(r, c)
	for i := range m.Data {
		m.Data[i] = rng.NormFloat64()
	}
	return m
}

func cols(m *linalg.Matrix, lo, hi int) *linalg.Matrix { return m.Slice(lo, hi) }

func rows(m *linalg.Matrix, lo, hi int) *linalg.Matrix { return m.RowSlice(lo, hi).Clone() }

func near(a, b *linalg.Matrix) error {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return fmt.Errorf("shape %dx%d, want %dx%d", b.Rows, b.Cols, a.Rows, a.Cols)
	}
	for i := range a.Data {
		if math.Abs(a.Data[i]-b.Data[i]) > 1e-12 {
			return fmt.Errorf("entry %d is %g, want %g", i, b.Data[i], a.Data[i])
		}
	}
	return nil
}

// The distributed products agree with the serial ones for every partition, including empty blocks.
func TestProducts(t *testing.T) {
	for _, offsets := range [][]int{{0, 7}, {0, 3, 7}, {0, 2, 2, 7}, {0, 0, 4, 7}, {0, 1, 2, 3, 5, 7}} {
		t.Run(fmt.Sprint(offsets), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(1, 2))
			const n, m = 7, 3
			j := random(rng, n, n)   // operator
			v := random(rng, n, m)   // distributed rows
			z := random(rng, m, n)   // distributed columns
			x := random(rng, n, 1).Data

			size := len(offsets) - 1
			net := comm.NewLocalNetwork()
			ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			for rank := range size {
				g.Go(func() error {
					ring, err := comm.ConnectRing(gctx, net, rank, size)
					if err != nil {
						return err
					}
					defer ring.Close()
					ops, err := New(ring, offsets)
					if err != nil {
						return err
					}
					lo, hi := offsets[rank], offsets[rank+1]
					if ops.LocalRows() != hi-lo || ops.GlobalRows() != n {
						return fmt.Errorf("rank %d owns %d of %d rows", rank, ops.LocalRows(), ops.GlobalRows())
					}

					// Z·V with the inner dimension distributed
					p, err := ops.Multiply(gctx, cols(z, lo, hi), rows(v, lo, hi))
					if err != nil {
						return err
					}
					if err = near(linalg.Mul(z, v), p); err != nil {
						return fmt.Errorf("multiply: %w", err)
					}
					y, err := ops.MultiplyVec(gctx, cols(z, lo, hi), x[lo:hi])
					if err != nil {
						return err
					}
					if err = near(linalg.NewColumn(linalg.MulVec(z, x)), linalg.NewColumn(y)); err != nil {
						return fmt.Errorf("multiply vec: %w", err)
					}

					// J·V with J holding the local columns
					jv, err := ops.MultiplyNN(gctx, cols(j, lo, hi), rows(v, lo, hi))
					if err != nil {
						return err
					}
					if err = near(rows(linalg.Mul(j, v), lo, hi), jv); err != nil {
						return fmt.Errorf("multiplyNN: %w", err)
					}
					jx, err := ops.MultiplyNNVec(gctx, cols(j, lo, hi), x[lo:hi])
					if err != nil {
						return err
					}
					if err = near(linalg.NewColumn(linalg.MulVec(j, x)[lo:hi]), linalg.NewColumn(jx)); err != nil {
						return fmt.Errorf("multiplyNN vec: %w", err)
					}

					// V·Z assembled into the local columns
					vz, err := ops.MultiplyNM(gctx, rows(v, lo, hi), cols(z, lo, hi))
					if err != nil {
						return err
					}
					if err = near(cols(linalg.Mul(v, z), lo, hi), vz); err != nil {
						return fmt.Errorf("multiplyNM: %w", err)
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
		})
	}
}

func TestNewRejectsOffsets(t *testing.T) {
	ring := comm.Serial()
	_, err := New(ring, []int{0, 1, 2})
	require.Error(t, err)
	_, err = New(ring, []int{1, 2})
	require.Error(t, err)
	_, err = New(ring, []int{0, 3})
	require.NoError(t, err)

	ops, _ := New(ring, []int{0, 3})
	_, err = ops.MultiplyNN(t.Context(), linalg.New(3, 3), linalg.New(2, 1))
	require.Error(t, err)
	_, err = ops.MultiplyNM(t.Context(), linalg.New(3, 2), linalg.New(3, 3))
	require.Error(t, err)
	_, err = ops.Multiply(t.Context(), linalg.New(2, 3), linalg.New(2, 3))
	require.Error(t, err)
}
