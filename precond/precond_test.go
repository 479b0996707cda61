// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package precond

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/curioloop/imvj/linalg"
)

func TestApplyRevert(t *testing.T) {
	p := Constant([]float64{2, 10})
	require.NoError(t, p.Initialize([]int{1, 2}, nil))
	require.Equal(t, []float64{0.5, 0.1, 0.1}, p.Weights())

	m := linalg.NewFrom(3, 2, []float64{
		2, 4,
		10, 20,
		30, 40,
	})
	p.Apply(m, Local)
	require.InDeltaSlice(t, []float64{1, 2, 1, 2, 3, 4}, m.Data, 1e-15)
	p.Revert(m, Local)
	require.InDeltaSlice(t, []float64{2, 4, 10, 20, 30, 40}, m.Data, 1e-13)

	// M·P scales the columns
	z := linalg.NewFrom(1, 3, []float64{2, 10, 10})
	p.Apply(z, Transposed)
	require.InDeltaSlice(t, []float64{1, 1, 1}, z.Data, 1e-15)
	p.Revert(z, Transposed)
	require.InDeltaSlice(t, []float64{2, 10, 10}, z.Data, 1e-14)

	v := []float64{2, 10, 20}
	p.ApplyVector(v)
	require.InDeltaSlice(t, []float64{1, 1, 2}, v, 1e-15)
	p.RevertVector(v)
	require.InDeltaSlice(t, []float64{2, 10, 20}, v, 1e-14)

	require.Panics(t, func() { p.Apply(linalg.New(3, 1), Global) })
	require.NoError(t, p.TriggerGlobalWeights(context.Background(), 3))
	require.Equal(t, p.Weights(), p.GlobalWeights())
	require.Error(t, p.TriggerGlobalWeights(context.Background(), 4))
}

func TestConstantFactorCount(t *testing.T) {
	require.Error(t, Constant([]float64{1}).Initialize([]int{1, 2}, nil))
	require.Error(t, Constant(nil).Initialize([]int{-1}, nil))
}

func TestValue(t *testing.T) {
	ctx := context.Background()
	p := Value(2)
	require.NoError(t, p.Initialize([]int{2, 1}, nil))

	// weights change at the end of a time step only
	require.NoError(t, p.Update(ctx, false, []float64{3, 4, 2}, []float64{1, 1, 1}))
	require.Equal(t, []float64{1, 1, 1}, p.Weights())
	require.False(t, p.RequireNewQR())

	require.NoError(t, p.Update(ctx, true, []float64{3, 4, 2}, []float64{1, 1, 1}))
	require.InDeltaSlice(t, []float64{0.2, 0.2, 0.5}, p.Weights(), 1e-15)
	require.True(t, p.RequireNewQR())
	p.NewQRFulfilled()
	require.False(t, p.RequireNewQR())

	// frozen after two time steps
	require.NoError(t, p.Update(ctx, true, []float64{1, 0, 1}, []float64{1, 1, 1}))
	require.NoError(t, p.Update(ctx, true, []float64{1, 0, 4}, []float64{1, 1, 1}))
	require.InDeltaSlice(t, []float64{1, 1, 1}, p.Weights(), 1e-15)

	require.Error(t, p.Update(ctx, true, []float64{1}, []float64{1}))
}

func TestResidual(t *testing.T) {
	ctx := context.Background()
	p := Residual(-1)
	require.NoError(t, p.Initialize([]int{1, 1}, nil))

	require.NoError(t, p.Update(ctx, false, []float64{0, 0}, []float64{2, 4}))
	require.Equal(t, []float64{0.5, 0.25}, p.Weights())
	p.NewQRFulfilled()

	// less than an order of magnitude keeps the weights
	require.NoError(t, p.Update(ctx, false, []float64{0, 0}, []float64{1, 8}))
	require.Equal(t, []float64{0.5, 0.25}, p.Weights())
	require.False(t, p.RequireNewQR())

	require.NoError(t, p.Update(ctx, false, []float64{0, 0}, []float64{0.1, 8}))
	require.Equal(t, []float64{10, 0.25}, p.Weights())
	require.True(t, p.RequireNewQR())
}

func TestResidualSum(t *testing.T) {
	ctx := context.Background()
	p := ResidualSum(-1)
	require.NoError(t, p.Initialize([]int{1, 1}, nil))

	require.NoError(t, p.Update(ctx, false, []float64{0, 0}, []float64{1, 3}))
	require.InDeltaSlice(t, []float64{4, 4. / 3}, p.Weights(), 1e-15)
	require.NoError(t, p.Update(ctx, false, []float64{0, 0}, []float64{1, 1}))
	require.InDeltaSlice(t, []float64{4. / 3, 4. / 5}, p.Weights(), 1e-15)

	// a new time step starts a new sum and keeps the weights until the next update
	require.NoError(t, p.Update(ctx, true, []float64{0, 0}, []float64{0, 0}))
	require.InDeltaSlice(t, []float64{4. / 3, 4. / 5}, p.Weights(), 1e-15)
	require.NoError(t, p.Update(ctx, false, []float64{0, 0}, []float64{1, 1}))
	require.InDeltaSlice(t, []float64{2, 2}, p.Weights(), 1e-15)

	// a vanishing residual changes nothing
	p.NewQRFulfilled()
	require.NoError(t, p.Update(ctx, false, []float64{0, 0}, []float64{0, 0}))
	require.False(t, p.RequireNewQR())
}

func TestConfig(t *testing.T) {
	for typ, want := range map[string]any{
		"constant":     &constant{},
		"value":        &value{},
		"":             &residual{},
		"Residual":     &residual{},
		"residual-sum": &residualSum{},
	} {
		p, err := Config{Type: typ, Factors: []float64{1}}.New()
		require.NoError(t, err, typ)
		require.IsType(t, want, p.(*base).kind, typ)
	}
	_, err := Config{Type: "constant", Factors: []float64{0}}.New()
	require.Error(t, err)
	_, err = Config{Type: "spectral"}.New()
	require.Error(t, err)
}
