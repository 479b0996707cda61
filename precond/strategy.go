// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package precond

import (
	"fmt"
	"strings"
)

// Constant returns a preconditioner with fixed weights 1/factor[k] on sub-vector k.
func Constant(factors []float64) Preconditioner {
	return newBase(-1, &constant{factors: factors})
}

// Value returns a preconditioner weighting sub-vector k with 1/‖x_k‖, updated
// at the end of each time step.
func Value(maxNonConstTimesteps int) Preconditioner {
	return newBase(maxNonConstTimesteps, &value{})
}

// Residual returns a preconditioner weighting sub-vector k with 1/‖r_k‖,
// updated every iteration when the norm changed by more than an order of magnitude.
func Residual(maxNonConstTimesteps int) Preconditioner {
	return newBase(maxNonConstTimesteps, &residual{})
}

// ResidualSum returns a preconditioner weighting sub-vector k with the inverse
// of Σ ‖r_k‖/‖r‖ accumulated over the iterations of a time step.
func ResidualSum(maxNonConstTimesteps int) Preconditioner {
	return newBase(maxNonConstTimesteps, &residualSum{})
}

// Config selects a preconditioner.
type Config struct {
	Type                 string    `yaml:"type" json:"type"`
	Factors              []float64 `yaml:"factors,omitempty" json:"factors,omitempty"`
	MaxNonConstTimesteps int       `yaml:"max_non_const_timesteps" json:"max_non_const_timesteps"`
}

// New builds the preconditioner described by c.
func (c Config) New() (Preconditioner, error) {
	switch strings.ToLower(c.Type) {
	case "constant":
		for _, f := range c.Factors {
			if f <= 0 {
				return nil, fmt.Errorf("precond: constant factor %g must be positive", f)
			}
		}
		return Constant(c.Factors), nil
	case "value":
		return Value(c.MaxNonConstTimesteps), nil
	case "", "residual":
		return Residual(c.MaxNonConstTimesteps), nil
	case "residual-sum":
		return ResidualSum(c.MaxNonConstTimesteps), nil
	}
	return nil, fmt.Errorf("precond: unknown type %q", c.Type)
}

type constant struct {
	factors []float64
}

func (c *constant) init(b *base) error {
	if len(c.factors) != len(b.sizes) {
		return fmt.Errorf("precond: %d constant factors for %d sub-vectors", len(c.factors), len(b.sizes))
	}
	w := make([]float64, len(c.factors))
	for k, f := range c.factors {
		w[k] = 1 / f
	}
	b.setBlockWeights(w)
	return nil
}

func (*constant) update(*base, bool, []float64, []float64, func([]float64) ([]float64, error)) (bool, error) {
	return false, nil
}

type value struct{}

func (*value) update(b *base, timestepComplete bool, values, _ []float64, norms func([]float64) ([]float64, error)) (bool, error) {
	if !timestepComplete {
		return false, nil
	}
	nrm, err := norms(values)
	if err != nil {
		return false, err
	}
	changed := false
	w := make([]float64, len(nrm))
	for k, x := range nrm {
		w[k] = b.blockWeight(k)
		if x > 0 {
			w[k] = 1 / x
			changed = true
		}
	}
	b.setBlockWeights(w)
	return changed, nil
}

type residual struct {
	last []float64
}

func (r *residual) update(b *base, timestepComplete bool, _, residuals []float64, norms func([]float64) ([]float64, error)) (bool, error) {
	if timestepComplete {
		return false, nil
	}
	nrm, err := norms(residuals)
	if err != nil {
		return false, err
	}
	if r.last == nil {
		r.last = make([]float64, len(nrm))
	}
	changed := false
	w := make([]float64, len(nrm))
	for k, x := range nrm {
		w[k] = b.blockWeight(k)
		if x == 0 {
			continue
		}
		if prev := r.last[k]; prev == 0 || x/prev > 10 || x/prev < 0.1 {
			w[k] = 1 / x
			r.last[k] = x
			changed = true
		}
	}
	b.setBlockWeights(w)
	return changed, nil
}

type residualSum struct {
	sum []float64
}

func (r *residualSum) update(b *base, timestepComplete bool, _, residuals []float64, norms func([]float64) ([]float64, error)) (bool, error) {
	if r.sum == nil {
		r.sum = make([]float64, len(b.sizes))
	}
	if timestepComplete {
		clear(r.sum)
		return false, nil
	}
	nrm, err := norms(residuals)
	if err != nil {
		return false, err
	}
	total := 0.
	for _, x := range nrm {
		total += x
	}
	if total == 0 {
		return false, nil
	}
	w := make([]float64, len(nrm))
	for k, x := range nrm {
		r.sum[k] += x / total
		w[k] = b.blockWeight(k)
		if r.sum[k] > 0 {
			w[k] = 1 / r.sum[k]
		}
	}
	b.setBlockWeights(w)
	return true, nil
}

// blockWeight returns the current weight of sub-vector k.
func (b *base) blockWeight(k int) float64 {
	off := 0
	for i := 0; i < k; i++ {
		off += b.sizes[i]
	}
	if b.sizes[k] == 0 {
		// no local entries
		return 1
	}
	return b.weights[off]
}
