// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package qr

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

// checkFactorization verifies Q·R = v, QᵀQ = I and that R is upper triangular.
func checkFactorization(t *testing.T, f *Factorization, v *linalg.Matrix) {
	t.Helper()
	require.Equal(t, v.Cols, f.Cols())
	require.InDeltaSlice(t, v.Data, linalg.Mul(f.Q(), f.R()).Data, 1e-12)
	qtq := linalg.Mul(f.Q().T(), f.Q())
	for i := 0; i < qtq.Rows; i++ {
		for j := 0; j < qtq.Cols; j++ {
			want := 0.
			if i == j {
				want = 1
			}
			require.InDelta(t, want, qtq.At(i, j), 1e-12, "QᵀQ[%d,%d]", i, j)
			if i > j {
				require.Zero(t, f.R().At(i, j), "R[%d,%d]", i, j)
			}
		}
	}
}

func TestInsertDelete(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	ctx := context.Background()
	v := random(rng, 8, 4)
	f := New(nil, 8, NoFilter, 0)
	_, err := f.Reset(ctx, v)
	require.NoError(t, err)
	checkFactorization(t, f, v)

	c := random(rng, 8, 1).Data
	ok, err := f.PushFront(ctx, c)
	require.NoError(t, err)
	require.True(t, ok)
	v.AppendFront(c)
	checkFactorization(t, f, v)

	c = random(rng, 8, 1).Data
	_, err = f.Insert(ctx, 2, c)
	require.NoError(t, err)
	v.InsertCol(2, c)
	checkFactorization(t, f, v)

	f.DeleteColumn(3)
	v.RemoveCol(3)
	checkFactorization(t, f, v)
	f.PopBack()
	v.RemoveCol(v.Cols - 1)
	checkFactorization(t, f, v)
	f.PopFront()
	v.RemoveCol(0)
	checkFactorization(t, f, v)

	_, err = f.PushBack(ctx, []float64{1})
	require.Error(t, err)
	require.Panics(t, func() { f.DeleteColumn(7) })

	f.Clear()
	require.Zero(t, f.Cols())
	require.Equal(t, 8, f.Rows())
}

func TestPseudoInverse(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	v := random(rng, 6, 3)
	f := New(nil, 6, NoFilter, 0)
	_, err := f.Reset(context.Background(), v)
	require.NoError(t, err)

	z := linalg.New(3, 6)
	require.NoError(t, f.PseudoInverse(z))
	// Z·V = I
	zv := linalg.Mul(z, v)
	require.InDeltaSlice(t, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, zv.Data, 1e-12)

	require.Error(t, f.PseudoInverse(linalg.New(6, 3)))
}

func TestFilters(t *testing.T) {
	ctx := context.Background()
	v := linalg.NewFrom(4, 3, []float64{
		1, 2, 1,
		0, 0, 1,
		0, 0, 0,
		1, 2 + 1e-9, 0,
	})

	for _, tc := range []struct {
		filter  Filter
		limit   float64
		deleted []int
	}{
		{NoFilter, 1e-3, nil},
		{QR1, 1e-3, []int{1}},
		{QR1Abs, 1e-3, []int{1}},
		{QR1Abs, 1e-12, nil},
		{QR2, 1e-3, []int{1}},
	} {
		t.Run(fmt.Sprintf("%v/%g", tc.filter, tc.limit), func(t *testing.T) {
			m := v.Clone()
			f := New(nil, 4, tc.filter, tc.limit)
			_, err := f.Reset(ctx, m)
			require.NoError(t, err)
			del, err := f.ApplyFilter(ctx, m)
			require.NoError(t, err)
			require.Equal(t, tc.deleted, del)
			for _, j := range del {
				m.RemoveCol(j)
			}
			checkFactorization(t, f, m)
		})
	}
}

func TestQR2RejectsOnInsert(t *testing.T) {
	f := New(nil, 3, QR2, 0.1)
	ctx := context.Background()
	ok, err := f.PushBack(ctx, []float64{1, 0, 0})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.PushBack(ctx, []float64{1, 0.05, 0})
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, f.Cols())
	ok, err = f.PushBack(ctx, []float64{0, 0, 0})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseFilter(t *testing.T) {
	for _, f := range []Filter{NoFilter, QR1, QR1Abs, QR2} {
		g, err := ParseFilter(f.String())
		require.NoError(t, err)
		require.Equal(t, f, g)
	}
	_, err := ParseFilter("qr3")
	require.Error(t, err)
}

// A factorization distributed over several processes matches the serial one.
func TestDistributed(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	v := random(rng, 9, 4)
	serial := New(nil, 9, QR1, 1e-6)
	_, err := serial.Reset(context.Background(), v)
	require.NoError(t, err)

	offsets := []int{0, 4, 4, 9}
	net := comm.NewLocalNetwork()
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for rank := range 3 {
		g.Go(func() error {
			ring, err := comm.ConnectRing(gctx, net, rank, 3)
			if err != nil {
				return err
			}
			defer ring.Close()
			local := v.RowSlice(offsets[rank], offsets[rank+1]).Clone()
			f := New(ring, local.Rows, QR1, 1e-6)
			if _, err = f.Reset(gctx, local); err != nil {
				return err
			}
			if _, err = f.ApplyFilter(gctx, local); err != nil {
				return err
			}
			for i, x := range f.R().Data {
				if math.Abs(x-serial.R().Data[i]) > 1e-12 {
					return fmt.Errorf("rank %d: R entry %d is %g, want %g", rank, i, x, serial.R().Data[i])
				}
			}
			q := serial.Q().RowSlice(offsets[rank], offsets[rank+1])
			for i, x := range f.Q().Data {
				if math.Abs(x-q.Data[i]) > 1e-12 {
					return fmt.Errorf("rank %d: Q entry %d is %g, want %g", rank, i, x, q.Data[i])
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
