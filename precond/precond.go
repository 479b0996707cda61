// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package precond scales the least-squares system of a quasi-Newton
// accelerator so that coupled quantities of different magnitude contribute
// comparably. The scaling P = diag(w) is constant on each sub-vector (one
// coupling data set) and is recomputed from the residuals or values.
package precond

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/curioloop/imvj/comm"
	"github.com/curioloop/imvj/linalg"
)

// Scope selects the side and the weights a matrix is scaled with.
type Scope int

const (
	// Local scales the rows with the weights of the locally owned entries.
	Local Scope = iota
	// Global scales the rows with the weights of all entries; the matrix has global rows.
	Global
	// Transposed scales the columns with the local weights, i.e. acts on the rows of Mᵀ.
	Transposed
)

// Preconditioner is a diagonal scaling P of the unknown vector.
//
//	Apply(M, Local|Global)  M ← P·M
//	Revert(M, Local|Global) M ← P⁻¹·M
//	Apply(M, Transposed)    M ← M·P
//	Revert(M, Transposed)   M ← M·P⁻¹
type Preconditioner interface {
	// Initialize sets the local sizes of the coupled sub-vectors and the
	// collective used for norms and global weights.
	Initialize(subVectorSizes []int, coll comm.Collective) error
	// Update recomputes the weights. timestepComplete is true when called at
	// the end of a time step.
	Update(ctx context.Context, timestepComplete bool, values, residuals []float64) error
	Apply(m *linalg.Matrix, s Scope)
	Revert(m *linalg.Matrix, s Scope)
	ApplyVector(v []float64)
	RevertVector(v []float64)
	// TriggerGlobalWeights makes the global weights available for Global scope.
	TriggerGlobalWeights(ctx context.Context, globalSize int) error
	// RequireNewQR reports whether the weights changed since the last NewQRFulfilled.
	RequireNewQR() bool
	NewQRFulfilled()
	Weights() []float64
	GlobalWeights() []float64
}

// strategy computes new per sub-vector weights. It reports whether the weights changed.
type strategy interface {
	update(b *base, timestepComplete bool, values, residuals []float64, norms func([]float64) ([]float64, error)) (bool, error)
}

type base struct {
	sizes    []int
	coll     comm.Collective
	weights  []float64
	inverse  []float64
	global   []float64
	globalIn []float64
	needGlob bool
	newQR    bool

	// Number of time steps the weights are updated; non-positive means forever.
	maxNonConst int
	timesteps   int
	frozen      bool

	kind strategy
}

func newBase(maxNonConstTimesteps int, kind strategy) *base {
	return &base{maxNonConst: maxNonConstTimesteps, kind: kind}
}

func (b *base) Initialize(subVectorSizes []int, coll comm.Collective) error {
	if coll == nil {
		coll = comm.Serial()
	}
	n := 0
	for _, s := range subVectorSizes {
		if s < 0 {
			return errors.New("precond: negative sub-vector size")
		}
		n += s
	}
	b.sizes = append([]int(nil), subVectorSizes...)
	b.coll = coll
	b.weights = make([]float64, n)
	b.inverse = make([]float64, n)
	for i := range b.weights {
		b.weights[i], b.inverse[i] = 1, 1
	}
	if in, ok := b.kind.(interface{ init(*base) error }); ok {
		return in.init(b)
	}
	return nil
}

func (b *base) Update(ctx context.Context, timestepComplete bool, values, residuals []float64) error {
	if len(values) != len(b.weights) || len(residuals) != len(b.weights) {
		return fmt.Errorf("precond: update with %d values and %d residuals for %d weights", len(values), len(residuals), len(b.weights))
	}
	if !b.frozen {
		norms := func(v []float64) ([]float64, error) { return b.blockNorms(ctx, v) }
		changed, err := b.kind.update(b, timestepComplete, values, residuals, norms)
		if err != nil {
			return err
		}
		if changed {
			b.newQR = true
			if err = b.syncGlobal(ctx); err != nil {
				return err
			}
		}
	}
	if timestepComplete {
		b.timesteps++
		if b.maxNonConst > 0 && b.timesteps >= b.maxNonConst {
			b.frozen = true
		}
	}
	return nil
}

// blockNorms returns the global 2-norm of every sub-vector of v.
func (b *base) blockNorms(ctx context.Context, v []float64) ([]float64, error) {
	sq := make([]float64, len(b.sizes))
	off := 0
	for k, s := range b.sizes {
		for _, x := range v[off : off+s] {
			sq[k] += x * x
		}
		off += s
	}
	if err := b.coll.AllreduceSum(ctx, sq); err != nil {
		return nil, err
	}
	for k := range sq {
		sq[k] = math.Sqrt(sq[k])
	}
	return sq, nil
}

// setBlockWeights assigns w[k] to every entry of sub-vector k.
func (b *base) setBlockWeights(w []float64) {
	off := 0
	for k, s := range b.sizes {
		for i := off; i < off+s; i++ {
			b.weights[i] = w[k]
			b.inverse[i] = 1 / w[k]
		}
		off += s
	}
}

func (b *base) TriggerGlobalWeights(ctx context.Context, globalSize int) error {
	b.needGlob = true
	if err := b.syncGlobal(ctx); err != nil {
		return err
	}
	if len(b.global) != globalSize {
		return fmt.Errorf("precond: gathered %d global weights, want %d", len(b.global), globalSize)
	}
	return nil
}

func (b *base) syncGlobal(ctx context.Context) error {
	if !b.needGlob {
		return nil
	}
	blocks, err := b.coll.Allgather(ctx, linalg.NewColumn(b.weights))
	if err != nil {
		return err
	}
	b.global = b.global[:0]
	for _, blk := range blocks {
		b.global = append(b.global, blk.Data...)
	}
	b.globalIn = make([]float64, len(b.global))
	for i, w := range b.global {
		b.globalIn[i] = 1 / w
	}
	return nil
}

func (b *base) scale(m *linalg.Matrix, s Scope, inverse bool) {
	w, wi := b.weights, b.inverse
	if s == Global {
		if !b.needGlob {
			panic("precond: global weights were not triggered")
		}
		w, wi = b.global, b.globalIn
	}
	if inverse {
		w = wi
	}
	if s == Transposed {
		m.ScaleCols(w)
	} else {
		m.ScaleRows(w)
	}
}

func (b *base) Apply(m *linalg.Matrix, s Scope) { b.scale(m, s, false) }

func (b *base) Revert(m *linalg.Matrix, s Scope) { b.scale(m, s, true) }

func (b *base) ApplyVector(v []float64) {
	if len(v) != len(b.weights) {
		panic("bound check error")
	}
	for i, w := range b.weights {
		v[i] *= w
	}
}

func (b *base) RevertVector(v []float64) {
	if len(v) != len(b.inverse) {
		panic("bound check error")
	}
	for i, w := range b.inverse {
		v[i] *= w
	}
}

func (b *base) RequireNewQR() bool { return b.newQR }

func (b *base) NewQRFulfilled() { b.newQR = false }

func (b *base) Weights() []float64 { return b.weights }

func (b *base) GlobalWeights() []float64 { return b.global }
