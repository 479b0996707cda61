// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package linalg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestColumnEdits(t *testing.T) {
	m := NewFrom(2, 2, []float64{
		1, 2,
		3, 4,
	})
	m.AppendFront([]float64{5, 6})
	require.Equal(t, []float64{5, 1, 2, 6, 3, 4}, m.Data)
	require.Equal(t, 3, m.Cols)

	m.InsertCol(3, []float64{7, 8})
	require.Equal(t, []float64{5, 1, 2, 7, 6, 3, 4, 8}, m.Data)

	m.ShiftSetFirst([]float64{9, 10})
	require.Equal(t, []float64{9, 5, 1, 2, 10, 6, 3, 4}, m.Data)

	m.RemoveCol(1)
	require.Equal(t, []float64{9, 1, 2, 10, 3, 4}, m.Data)
	require.Equal(t, []float64{1, 3}, m.Col(1, nil))

	m.SetCol(2, []float64{0, -1})
	require.Equal(t, []float64{9, 1, 0, 10, 3, -1}, m.Data)
	require.Equal(t, &Matrix{Rows: 2, Cols: 2, Data: []float64{1, 0, 3, -1}}, m.Slice(1, 3))

	rows := m.RowSlice(1, 2)
	rows.Set(0, 0, 42)
	require.Equal(t, 42., m.At(1, 0))

	require.Panics(t, func() { m.RemoveCol(3) })
	require.Panics(t, func() { m.InsertCol(0, []float64{1}) })
}

func TestEmptyShapes(t *testing.T) {
	m := New(0, 3)
	require.True(t, m.Empty())
	m.AppendFront(nil)
	require.Equal(t, 4, m.Cols)
	require.Equal(t, 3, New(3, 0).T().Cols)

	// products with a zero inner dimension
	c := NewFrom(2, 2, []float64{1, 1, 1, 1})
	MulTo(c, 1, New(2, 0), New(0, 2), 0.5)
	require.Equal(t, []float64{0.5, 0.5, 0.5, 0.5}, c.Data)
	require.Equal(t, []float64{0, 0}, MulVec(New(2, 0), nil))

	y := []float64{1, 2}
	MulTVecTo(y, 1, New(0, 2), nil, 0)
	require.Equal(t, []float64{0, 0}, y)
}

func TestProducts(t *testing.T) {
	a := NewFrom(2, 3, []float64{
		1, 2, 3,
		4, 5, 6,
	})
	b := NewFrom(3, 2, []float64{
		1, 0,
		0, 1,
		1, 1,
	})
	require.Equal(t, []float64{4, 5, 10, 11}, Mul(a, b).Data)
	require.Equal(t, []float64{14, 32}, MulVec(a, []float64{1, 2, 3}))

	y := []float64{1, 1, 1}
	MulTVecTo(y, 2, a, []float64{1, -1}, 1)
	require.Equal(t, []float64{-5, -5, -5}, y)

	require.Equal(t, a.Data, a.T().T().Data)
	require.Panics(t, func() { Mul(a, a) })
}

func TestScaling(t *testing.T) {
	m := NewFrom(2, 2, []float64{1, 2, 3, 4})
	m.ScaleRows([]float64{2, 3})
	require.Equal(t, []float64{2, 4, 9, 12}, m.Data)
	m.ScaleCols([]float64{0.5, 0.25})
	require.Equal(t, []float64{1, 1, 4.5, 3}, m.Data)

	n := m.Clone()
	n.AddScaled(-1, m)
	require.Equal(t, []float64{0, 0, 0, 0}, n.Data)
	require.InDelta(t, 5.590170, m.FrobNorm(), 1e-6)

	m.Reset(3, 1)
	require.Equal(t, []float64{0, 0, 0}, m.Data)
}

func TestSolveUpper(t *testing.T) {
	r := NewFrom(3, 3, []float64{
		2, 1, 1,
		0, 4, 2,
		0, 0, 5,
	})
	b := []float64{5, 10, 5}
	SolveUpper(r, b)
	require.InDeltaSlice(t, []float64{1, 2, 1}, b, 1e-15)
}

func TestRotate(t *testing.T) {
	m := NewFrom(2, 2, []float64{3, 1, 4, 2})
	m.RotateRows(0, 1, 0, 0.6, 0.8)
	require.InDeltaSlice(t, []float64{5, 2.2, 0, 0.4}, m.Data, 1e-14)

	n := NewFrom(2, 2, []float64{3, 4, 1, 2})
	n.RotateCols(0, 1, 0.6, 0.8)
	require.InDeltaSlice(t, []float64{5, 0, 2.2, 0.4}, n.Data, 1e-14)
}
